// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/jsdebug/internal/server"
	"github.com/microsoft/jsdebug/internal/version"
	"github.com/microsoft/jsdebug/pkg/logger"
)

func TestFlagsOverrideConfigurationFile(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "jsdebug.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("host: 0.0.0.0\nport: 9000\nrootPath: /work\n"), 0o600))

	cmd := NewServeCommand(logger.New("test").Logger)
	require.NoError(t, cmd.ParseFlags([]string{"--config", configPath, "--port", "9229"}))

	flags := cmd.Flags()
	configFlag, err := flags.GetString("config")
	require.NoError(t, err)
	require.Equal(t, configPath, configFlag)

	sf := &serveFlags{configPath: configPath, host: server.DefaultHost, port: 9229}
	opts, err := sf.options(flags)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", opts.Host)
	require.Equal(t, 9229, opts.Port)
	require.Equal(t, "/work", opts.RootPath)
}

func TestInvalidPortIsRejected(t *testing.T) {
	t.Parallel()

	cmd := NewServeCommand(logger.New("test").Logger)
	require.NoError(t, cmd.ParseFlags([]string{"--port", "70000"}))

	sf := &serveFlags{port: 70000}
	_, err := sf.options(cmd.Flags())
	require.ErrorContains(t, err, "port 70000 is out of range")
}

func TestVersionCommandPrintsJSON(t *testing.T) {
	t.Parallel()

	cmd := NewVersionCommand(logger.New("test").Logger)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	var v version.VersionOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	require.Equal(t, version.DevelopmentVersion, v.Version)
}

func TestProfileIsWrittenWhenStopped(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "serve.pprof")
	stop, err := startProfiling(path, logger.New("test").Logger)
	require.NoError(t, err)
	stop()

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NotZero(t, info.Size())

	_, err = startProfiling(filepath.Join(t.TempDir(), "missing", "serve.pprof"), logger.New("test").Logger)
	require.ErrorContains(t, err, "could not create profile file")
}
