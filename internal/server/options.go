// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/net/nettest"
	"gopkg.in/yaml.v3"

	"github.com/microsoft/jsdebug/internal/targets"
	"github.com/microsoft/jsdebug/internal/targets/inspector"
	"github.com/microsoft/jsdebug/internal/targets/nodeproc"
)

const (
	DefaultHost         = "127.0.0.1"
	ipv6LoopbackHost    = "::1"
	DefaultPort         = 4711
	DefaultPollInterval = time.Second

	// LauncherInspector attaches to runtimes that are already listening for a debugger.
	LauncherInspector = "inspector"
	// LauncherNodeProcess starts Node programs under the debugger.
	LauncherNodeProcess = "nodeproc"
)

var knownLaunchers = []string{LauncherInspector, LauncherNodeProcess}

// Options configure the debug server. They are read from an optional YAML file;
// command line flags take precedence.
type Options struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// PollInterval is how often attached inspector endpoints are checked for target changes.
	PollInterval time.Duration `yaml:"pollInterval"`
	// Launchers lists the launchers every root session gets, in dispatch order.
	Launchers []string `yaml:"launchers"`
	// RootPath is the working folder reported to debug adapters.
	RootPath string `yaml:"rootPath"`
}

func DefaultOptions() Options {
	return Options{
		Host:         loopbackHost(),
		Port:         DefaultPort,
		PollInterval: DefaultPollInterval,
		Launchers:    slices.Clone(knownLaunchers),
	}
}

// LoadOptions reads options from a YAML file. Settings missing from the file keep their default values.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("could not read configuration file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err = decoder.Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		return opts, fmt.Errorf("invalid configuration file '%s': %w", path, err)
	}

	return opts, opts.Validate()
}

func (o Options) Validate() error {
	var errs []error
	if o.Port < 0 || o.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", o.Port))
	}
	if o.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", o.PollInterval))
	}
	for _, name := range o.Launchers {
		if !slices.Contains(knownLaunchers, name) {
			errs = append(errs, fmt.Errorf("unknown launcher '%s' (known launchers: %v)", name, knownLaunchers))
		}
	}
	return errors.Join(errs...)
}

// loopbackHost is the default listen address: IPv4 loopback, or IPv6 loopback on machines without IPv4.
func loopbackHost() string {
	if !nettest.SupportsIPv4() && nettest.SupportsIPv6() {
		return ipv6LoopbackHost
	}
	return DefaultHost
}

func (o Options) Address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// launcherFactory returns a function that creates the configured launchers for a new root session.
func (o Options) launcherFactory(log logr.Logger) func(origin targets.OriginID) []targets.Launcher {
	return func(origin targets.OriginID) []targets.Launcher {
		launcherLog := log.WithValues("Origin", origin)
		var launchers []targets.Launcher
		for _, name := range o.Launchers {
			switch name {
			case LauncherInspector:
				launchers = append(launchers, inspector.NewLauncher(inspector.Config{
					PollInterval: o.PollInterval,
					Logger:       launcherLog,
				}))
			case LauncherNodeProcess:
				launchers = append(launchers, nodeproc.NewLauncher(nodeproc.Config{
					Logger: launcherLog,
				}))
			}
		}
		return launchers
	}
}
