/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	jsdap "github.com/microsoft/jsdebug/internal/dap"
	"github.com/microsoft/jsdebug/internal/server"
)

type serveFlags struct {
	configPath string
	host       string
	port       int
	rootPath   string
	stdio      bool
	profile    string
}

func NewServeCommand(log logr.Logger) *cobra.Command {
	flags := &serveFlags{}

	serveCmd := &cobra.Command{
		Use:   "serve [--config file] [--host address] [--port port] [--stdio]",
		Short: "Runs the debug server",
		Long: `Runs the debug server.

	By default the server listens for DAP clients on a TCP port. With --stdio it serves a single client
	over standard input and output, and nested sessions connect over TCP.`,
		RunE: runServer(log, flags),
		Args: cobra.NoArgs,
	}

	fs := serveCmd.Flags()
	fs.StringVar(&flags.configPath, "config", "", "Path to a YAML configuration file.")
	fs.StringVar(&flags.host, "host", server.DefaultHost, "The address the server listens on.")
	fs.IntVarP(&flags.port, "port", "p", server.DefaultPort, "The port the server listens on. Use 0 to pick a free port.")
	fs.StringVar(&flags.rootPath, "root-path", "", "The working folder reported to debug adapters. Defaults to the current folder.")
	fs.BoolVar(&flags.stdio, "stdio", false, "Serve the first client over standard input and output.")
	fs.StringVar(&flags.profile, "profile", "", "Write a wall-clock profile of the server to this file when it stops.")
	_ = fs.MarkHidden("profile")

	return serveCmd
}

// options combines the configuration file with the flags set on the command line.
func (f *serveFlags) options(fs *pflag.FlagSet) (server.Options, error) {
	opts := server.DefaultOptions()
	if f.configPath != "" {
		var err error
		if opts, err = server.LoadOptions(f.configPath); err != nil {
			return opts, err
		}
	}

	if fs.Changed("host") {
		opts.Host = f.host
	}
	if fs.Changed("port") {
		opts.Port = f.port
	}
	if fs.Changed("root-path") {
		opts.RootPath = f.rootPath
	}
	if opts.RootPath == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.RootPath = wd
		}
	}

	return opts, opts.Validate()
}

func runServer(log logr.Logger, flags *serveFlags) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		log = log.WithName("serve")

		opts, err := flags.options(cmd.Flags())
		if err != nil {
			log.Error(err, "Invalid debug server configuration")
			return fmt.Errorf("invalid debug server configuration: %w", err)
		}

		if flags.profile != "" {
			stopProfiling, profileErr := startProfiling(flags.profile, log)
			if profileErr != nil {
				return profileErr
			}
			defer stopProfiling()
		}

		s := server.New(server.Config{Options: opts, Logger: log})
		if flags.stdio {
			s.ServeConnection(cmd.Context(), jsdap.NewStdioTransport(os.Stdin, os.Stdout))
		}
		return s.ListenAndServe(cmd.Context())
	}
}
