/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package nodeproc

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/microsoft/jsdebug/internal/targets"
	"github.com/microsoft/jsdebug/pkg/testutil"
)

const (
	defaultLauncherTestTimeout = 20 * time.Second
	pollImmediately            = true
	fakeInspectorURL           = "ws://127.0.0.1:40000/3c0ba2f1-7a51-4b69-a0ae-1d8c2a3c9f10"
)

func TestScanInspectorURL(t *testing.T) {
	t.Parallel()

	url, found := scanInspectorURL("Debugger listening on " + fakeInspectorURL)
	require.True(t, found)
	require.Equal(t, fakeInspectorURL, url)

	_, found = scanInspectorURL("For help, see: https://nodejs.org/en/docs/inspector")
	require.False(t, found)

	_, found = scanInspectorURL("listening on port 3000")
	require.False(t, found)
}

func TestForwardOutputSkipsInspectorBanner(t *testing.T) {
	t.Parallel()

	stderr := strings.Join([]string{
		"Debugger listening on " + fakeInspectorURL,
		"For help, see: https://nodejs.org/en/docs/inspector",
		"Debugger attached.",
		"warning: something odd",
		"Debugger listening on ws://127.0.0.1:1/second",
		"",
	}, "\n")

	var lines []string
	urlCh := make(chan string, 1)
	forwardOutput(strings.NewReader(stderr), targets.OutputStderr, func(category, text string) {
		require.Equal(t, targets.OutputStderr, category)
		lines = append(lines, text)
	}, urlCh)

	require.Equal(t, fakeInspectorURL, <-urlCh)
	require.Equal(t, []string{"warning: something odd\n"}, lines)
}

func TestDeclinesOtherConfigurations(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultLauncherTestTimeout)
	defer cancel()

	l := NewLauncher(Config{})
	defer l.Dispose()

	attach := targets.NewLaunchConfig(targets.RequestAttach, map[string]any{"type": "pwa-node", "program": "app.js"})
	require.Equal(t, targets.LaunchResult{}, l.Launch(ctx, attach, targets.LaunchContext{}))

	chrome := targets.NewLaunchConfig(targets.RequestLaunch, map[string]any{"type": "pwa-chrome", "program": "app.js"})
	require.Equal(t, targets.LaunchResult{}, l.Launch(ctx, chrome, targets.LaunchContext{}))

	missingProgram := targets.NewLaunchConfig(targets.RequestLaunch, map[string]any{"type": "node"})
	result := l.Launch(ctx, missingProgram, targets.LaunchContext{})
	require.False(t, result.BlockSessionTermination)
	require.NotEmpty(t, result.Error)

	require.Empty(t, l.TargetList())
}

func TestMissingRuntimeIsReported(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultLauncherTestTimeout)
	defer cancel()

	l := NewLauncher(Config{})
	defer l.Dispose()

	config := targets.NewLaunchConfig(targets.RequestLaunch, map[string]any{
		"type":              "pwa-node",
		"program":           "app.js",
		"runtimeExecutable": "/nonexistent/jsdebug-test-runtime",
	})
	result := l.Launch(ctx, config, targets.LaunchContext{})
	require.False(t, result.BlockSessionTermination)
	require.Contains(t, result.Error, "could not start")
}

// fakeNodeConfig runs a shell script in place of node. The inspector flag and program
// become positional parameters of the script.
func fakeNodeConfig(t *testing.T, script string) targets.LaunchConfig {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	return targets.NewLaunchConfig(targets.RequestLaunch, map[string]any{
		"type":              "pwa-node",
		"program":           "app.js",
		"runtimeExecutable": "/bin/sh",
		"runtimeArgs":       []string{"-c", script},
		"cwd":               os.TempDir(),
		"env":               map[string]string{"JSDEBUG_TEST_GREETING": "hello"},
		"timeout":           5000,
	})
}

type outputRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (o *outputRecorder) record(category, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines = append(o.lines, category+": "+text)
}

func (o *outputRecorder) contains(line string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, l := range o.lines {
		if l == line {
			return true
		}
	}
	return false
}

func TestLaunchedProcessBecomesTarget(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultLauncherTestTimeout)
	defer cancel()

	script := `echo "Debugger listening on ` + fakeInspectorURL + `" >&2; echo "$JSDEBUG_TEST_GREETING $1"; exec sleep 30`
	config := fakeNodeConfig(t, script)

	l := NewLauncher(Config{Logger: testutil.NewLogForTesting(t.Name())})
	defer l.Dispose()

	terminated := make(chan targets.TerminatedEvent, 1)
	l.SubscribeTerminated(terminated)
	changes := make(chan struct{}, 10)
	l.SubscribeTargetListChanged(changes)

	var output outputRecorder
	result := l.Launch(ctx, config, targets.LaunchContext{Origin: "root-1", Output: output.record})
	require.True(t, result.BlockSessionTermination)
	require.Empty(t, result.Error)
	<-changes

	list := l.TargetList()
	require.Len(t, list, 1)
	target := list[0]
	require.Equal(t, "app.js", target.Name())
	require.Equal(t, targets.OriginID("root-1"), target.Origin())
	require.True(t, target.WaitingForDebugger())
	require.True(t, target.CanStop())
	require.True(t, target.CanRestart())

	err := wait.PollUntilContextCancel(ctx, testutil.WaitPollInterval, pollImmediately, func(_ context.Context) (bool, error) {
		return output.contains("stdout: hello app.js\n"), nil
	})
	require.NoError(t, err)

	again := l.Launch(ctx, config, targets.LaunchContext{})
	require.NotEmpty(t, again.Error, "only one program runs per launcher")

	require.NoError(t, target.Stop(ctx))

	ev := <-terminated
	require.True(t, ev.Killed)
	<-changes
	require.Empty(t, l.TargetList())
}

func TestExitCodeIsReported(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultLauncherTestTimeout)
	defer cancel()

	script := `echo "Debugger listening on ` + fakeInspectorURL + `" >&2; sleep 1; exit 3`
	config := fakeNodeConfig(t, script)

	l := NewLauncher(Config{})
	defer l.Dispose()

	terminated := make(chan targets.TerminatedEvent, 1)
	l.SubscribeTerminated(terminated)

	result := l.Launch(ctx, config, targets.LaunchContext{})
	require.True(t, result.BlockSessionTermination)

	select {
	case ev := <-terminated:
		require.Equal(t, 3, ev.Code)
		require.False(t, ev.Killed)
	case <-ctx.Done():
		t.Fatal("process exit should be reported")
	}
	require.Empty(t, l.TargetList())
}

func TestRestartDoesNotReportTermination(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultLauncherTestTimeout)
	defer cancel()

	script := `echo "Debugger listening on ` + fakeInspectorURL + `" >&2; exec sleep 30`
	config := fakeNodeConfig(t, script)

	l := NewLauncher(Config{})
	defer l.Dispose()

	terminated := make(chan targets.TerminatedEvent, 2)
	l.SubscribeTerminated(terminated)

	result := l.Launch(ctx, config, targets.LaunchContext{})
	require.True(t, result.BlockSessionTermination)
	before := l.TargetList()[0].ID()

	require.NoError(t, l.Restart(ctx))

	list := l.TargetList()
	require.Len(t, list, 1)
	require.NotEqual(t, before, list[0].ID(), "the restarted program is a new process")
	require.Empty(t, terminated)

	require.NoError(t, l.Terminate(ctx))
	ev := <-terminated
	require.True(t, ev.Killed)
}

func TestProcessEnvMergesEnvFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("JSDEBUG_TEST_A=from-file\nJSDEBUG_TEST_B=from-file\n"), 0o600))

	env, err := processEnv(launchArguments{
		Cwd:     dir,
		EnvFile: ".env",
		Env:     map[string]string{"JSDEBUG_TEST_B": "inline"},
	})
	require.NoError(t, err)
	require.Contains(t, env, "JSDEBUG_TEST_A=from-file")
	require.Contains(t, env, "JSDEBUG_TEST_B=inline")
	require.NotContains(t, env, "JSDEBUG_TEST_B=from-file")

	_, err = processEnv(launchArguments{Cwd: dir, EnvFile: "missing.env"})
	require.ErrorContains(t, err, "could not read env file")
}
