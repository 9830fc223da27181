/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package commands implements the jsdebug command line.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/microsoft/jsdebug/pkg/logger"
)

func NewRootCommand(log *logger.Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jsdebug",
		Short: "Debug server for JavaScript runtimes",
		Long: `Debug server for JavaScript runtimes.

	Speaks the Debug Adapter Protocol to editors and the Chrome DevTools Protocol to Node.js and browser runtimes.
	Every runtime found by a debug session is debugged in a nested session of its own.`,
		SilenceErrors:    true,
		SilenceUsage:     true,
		PersistentPreRun: LogVersion(log.Logger, "Starting jsdebug..."),
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	log.AddLevelFlag(rootCmd.PersistentFlags())

	rootCmd.AddCommand(NewVersionCommand(log.Logger))
	rootCmd.AddCommand(NewServeCommand(log.Logger))

	return rootCmd
}
