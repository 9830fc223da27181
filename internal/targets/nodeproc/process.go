/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package nodeproc

import (
	"errors"
	"fmt"

	ps "github.com/shirou/gopsutil/v4/process"
)

// processTree returns the process and all its descendants, root first.
func processTree(pid int) ([]*ps.Process, error) {
	root, err := ps.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}

	tree := []*ps.Process{}
	next := []*ps.Process{root}
	for len(next) > 0 {
		current := next[0]
		next = next[1:]
		tree = append(tree, current)

		children, childrenErr := current.Children()
		if childrenErr != nil {
			// If we fail to get the children, assume there are no children.
			continue
		}
		next = append(next, children...)
	}
	return tree, nil
}

// killProcessTree kills the process and everything it started.
// Processes that are already gone are not an error.
func killProcessTree(pid int) error {
	tree, err := processTree(pid)
	if errors.Is(err, ps.ErrorProcessNotRunning) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not enumerate processes started by %d: %w", pid, err)
	}

	var errs []error
	for _, p := range tree {
		if killErr := p.Kill(); killErr != nil {
			if running, _ := p.IsRunning(); running {
				errs = append(errs, fmt.Errorf("could not kill process %d: %w", p.Pid, killErr))
			}
		}
	}
	return errors.Join(errs...)
}
