/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"
	"os"

	"github.com/felixge/fgprof"
	"github.com/go-logr/logr"
)

// startProfiling records a wall-clock profile of the server into the file at path, in pprof format.
// The returned function stops recording and must be called for the profile to be written.
func startProfiling(path string, log logr.Logger) (func(), error) {
	profileOutput, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not create profile file '%s': %w", path, err)
	}

	stopProfiling := fgprof.Start(profileOutput, fgprof.FormatPprof)
	log.V(1).Info("Profiling started", "File", path)

	return func() {
		if profilingErr := stopProfiling(); profilingErr != nil {
			log.Error(profilingErr, "Could not write profile", "File", path)
		}
		if closeErr := profileOutput.Close(); closeErr != nil {
			log.Error(closeErr, "Could not close profile file", "File", path)
		}
	}, nil
}
