/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/jsdebug/internal/version"
)

// If set, the value of this variable will be written to the log as one of the first log messages.
const JSDEBUG_LOGGING_CONTEXT = "JSDEBUG_LOGGING_CONTEXT"

func NewVersionCommand(log logr.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Long:  `Prints version information of the debug server as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			versionStr, err := versionString()
			if err != nil {
				log.WithName("version").Error(err, "Could not serialize version information")
				return err
			}
			_, err = cmd.OutOrStdout().Write(WithNewline([]byte(versionStr)))
			return err
		},
		Args: cobra.NoArgs,
	}
}

func LogVersion(log logr.Logger, programStartMsg string) func(_ *cobra.Command, _ []string) {
	return func(_ *cobra.Command, _ []string) {
		versionStr, err := versionString()
		if err != nil {
			versionStr = fmt.Sprintf("unknown: %v", err)
		}

		launchPath, pathErr := os.Executable()
		if pathErr != nil {
			launchPath = os.Args[0]
		}

		log.V(1).Info(programStartMsg,
			"PID", os.Getpid(),
			"Exe", launchPath,
			"Args", os.Args[1:],
			"Version", versionStr,
		)

		if logContext, found := os.LookupEnv(JSDEBUG_LOGGING_CONTEXT); found && len(logContext) > 0 {
			log.V(1).Info(logContext)
		}
	}
}

func versionString() (string, error) {
	b, err := json.Marshal(version.Version())
	if err != nil {
		return "", err
	}
	return string(b), nil
}
