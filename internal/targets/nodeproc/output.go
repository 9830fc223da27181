/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package nodeproc

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

var inspectorURLPattern = regexp.MustCompile(`Debugger listening on (ws://\S+)`)

// Lines the inspector writes to stderr for the benefit of a human; not program output.
var inspectorNoise = []string{
	"Debugger listening on ",
	"For help, see: ",
	"Debugger attached.",
	"Waiting for the debugger to disconnect...",
}

// scanInspectorURL extracts the debugger websocket URL from an inspector banner line.
func scanInspectorURL(line string) (string, bool) {
	m := inspectorURLPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func isInspectorNoise(line string) bool {
	for _, prefix := range inspectorNoise {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// forwardOutput passes program output line by line to the session until the stream ends.
// If urlCh is set, the first inspector URL found is sent to it.
func forwardOutput(r io.Reader, category string, output func(category, text string), urlCh chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if urlCh != nil {
			if url, found := scanInspectorURL(line); found {
				urlCh <- url
				urlCh = nil
				continue
			}
		}
		if isInspectorNoise(line) || output == nil {
			continue
		}
		output(category, line+"\n")
	}

	// Keep the pipe drained so the process never blocks on a full buffer.
	_, _ = io.Copy(io.Discard, r)
}
