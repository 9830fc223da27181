/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package nodeproc launches Node programs with the inspector enabled and debugs them.
package nodeproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/joho/godotenv"

	"github.com/microsoft/jsdebug/internal/cdp"
	"github.com/microsoft/jsdebug/internal/pubsub"
	"github.com/microsoft/jsdebug/internal/targets"
	"github.com/microsoft/jsdebug/internal/targets/cdptarget"
)

const (
	defaultRuntimeExecutable = "node"
	defaultStartupTimeout    = 10 * time.Second

	// The inspector picks a free port and reports it on stderr.
	inspectBrkFlag = "--inspect-brk=127.0.0.1:0"
)

type Config struct {
	// Dialer is used to open debugger connections. Defaults to cdp.DialWebSocket.
	Dialer cdptarget.Dialer
	// Logger defaults to logr.Discard() if not set.
	Logger logr.Logger
}

type launchArguments struct {
	Program           string            `json:"program"`
	Args              []string          `json:"args"`
	Cwd               string            `json:"cwd"`
	Env               map[string]string `json:"env"`
	// Dotenv file with more variables; "env" entries win over it.
	EnvFile           string            `json:"envFile"`
	RuntimeExecutable string            `json:"runtimeExecutable"`
	RuntimeArgs       []string          `json:"runtimeArgs"`
	// Timeout for the inspector to come up, in milliseconds.
	Timeout           int               `json:"timeout"`
}

// run is one started process.
type run struct {
	config targets.LaunchConfig
	args   launchArguments
	lc     targets.LaunchContext

	cmd    *exec.Cmd
	target *cdptarget.Target
	exited chan struct{}

	// Guarded by the launcher mutex.
	killed     bool
	restarting bool
	done       bool
	exitCode   int
}

type Launcher struct {
	config Config
	log    logr.Logger

	// mu protects the fields below
	mu       sync.Mutex
	current  *run
	disposed bool

	listChanged *pubsub.SubscriptionSet[struct{}]
	terminated  *pubsub.SubscriptionSet[targets.TerminatedEvent]
}

var _ targets.Launcher = (*Launcher)(nil)

func NewLauncher(config Config) *Launcher {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if config.Dialer == nil {
		config.Dialer = cdp.DialWebSocket
	}

	return &Launcher{
		config:      config,
		log:         log.WithName("nodeproc"),
		listChanged: pubsub.NewSubscriptionSet[struct{}](),
		terminated:  pubsub.NewSubscriptionSet[targets.TerminatedEvent](),
	}
}

func (l *Launcher) Launch(ctx context.Context, config targets.LaunchConfig, lc targets.LaunchContext) targets.LaunchResult {
	if !config.Matches(targets.DebugTypeNode, targets.RequestLaunch) {
		return targets.LaunchResult{}
	}

	var args launchArguments
	if decodeErr := config.Decode(&args); decodeErr != nil {
		return targets.LaunchResult{Error: decodeErr.Error()}
	}
	if args.Program == "" && len(args.RuntimeArgs) == 0 {
		return targets.LaunchResult{Error: "the launch configuration must specify a program to run"}
	}

	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return targets.LaunchResult{Error: "the debug session is shutting down"}
	}
	if l.current != nil {
		l.mu.Unlock()
		return targets.LaunchResult{Error: "a program is already running in this session"}
	}
	r := &run{config: config, args: args, lc: lc, exited: make(chan struct{})}
	l.current = r
	l.mu.Unlock()

	if startErr := l.start(ctx, r); startErr != nil {
		l.forget(r)
		return targets.LaunchResult{Error: startErr.Error()}
	}
	return targets.LaunchResult{BlockSessionTermination: true}
}

// processEnv builds the environment of the debuggee: the adapter's own environment,
// then the variables of the env file, then the variables given inline.
func processEnv(args launchArguments) ([]string, error) {
	env := os.Environ()

	if args.EnvFile != "" {
		path := args.EnvFile
		if !filepath.IsAbs(path) && args.Cwd != "" {
			path = filepath.Join(args.Cwd, path)
		}
		fromFile, readErr := godotenv.Read(path)
		if readErr != nil {
			return nil, fmt.Errorf("could not read env file '%s': %w", path, readErr)
		}
		for k, v := range fromFile {
			if _, overridden := args.Env[k]; !overridden {
				env = append(env, k+"="+v)
			}
		}
	}

	for k, v := range args.Env {
		env = append(env, k+"="+v)
	}
	return env, nil
}

func (l *Launcher) forget(r *run) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == r {
		l.current = nil
	}
}

// start runs the process and waits until its inspector is ready.
func (l *Launcher) start(ctx context.Context, r *run) error {
	runtime := r.args.RuntimeExecutable
	if runtime == "" {
		runtime = defaultRuntimeExecutable
	}

	argv := append([]string{}, r.args.RuntimeArgs...)
	argv = append(argv, inspectBrkFlag)
	if r.args.Program != "" {
		argv = append(argv, r.args.Program)
	}
	argv = append(argv, r.args.Args...)

	env, envErr := processEnv(r.args)
	if envErr != nil {
		return envErr
	}

	cmd := exec.Command(runtime, argv...)
	cmd.Dir = r.args.Cwd
	cmd.Env = env

	stdout, stdoutErr := cmd.StdoutPipe()
	if stdoutErr != nil {
		return fmt.Errorf("could not start %s: %w", runtime, stdoutErr)
	}
	stderr, stderrErr := cmd.StderrPipe()
	if stderrErr != nil {
		return fmt.Errorf("could not start %s: %w", runtime, stderrErr)
	}
	if startErr := cmd.Start(); startErr != nil {
		return fmt.Errorf("could not start %s: %w", runtime, startErr)
	}
	l.mu.Lock()
	r.cmd = cmd
	l.mu.Unlock()
	l.log.V(1).Info("Process started", "Runtime", runtime, "PID", cmd.Process.Pid)

	urlCh := make(chan string, 1)
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		forwardOutput(stdout, targets.OutputStdout, r.lc.Output, nil)
	}()
	go func() {
		defer readers.Done()
		forwardOutput(stderr, targets.OutputStderr, r.lc.Output, urlCh)
	}()
	go func() {
		readers.Wait()
		waitErr := cmd.Wait()
		l.onExit(r, waitErr)
	}()

	timeout := defaultStartupTimeout
	if r.args.Timeout > 0 {
		timeout = time.Duration(r.args.Timeout) * time.Millisecond
	}
	startupTimer := time.NewTimer(timeout)
	defer startupTimer.Stop()

	var wsURL string
	select {
	case wsURL = <-urlCh:
	case <-r.exited:
		return fmt.Errorf("%s exited with code %d before the debugger could attach", runtime, r.exitCode)
	case <-startupTimer.C:
		_ = killProcessTree(cmd.Process.Pid)
		return fmt.Errorf("timed out waiting for %s to open the debugger port", runtime)
	case <-ctx.Done():
		_ = killProcessTree(cmd.Process.Pid)
		return ctx.Err()
	}

	name := filepath.Base(r.args.Program)
	if r.args.Program == "" {
		name = filepath.Base(runtime)
	}
	target := cdptarget.New(cdptarget.Config{
		ID:                 strconv.Itoa(cmd.Process.Pid),
		Name:               name,
		Origin:             r.lc.Origin,
		Type:               targets.DebugTypeNode,
		WebSocketURL:       wsURL,
		WaitingForDebugger: true,
		Stop:               func(_ context.Context, _ *cdp.Conn) error { return l.stop(r) },
		Restart:            l.Restart,
		Dialer:             l.config.Dialer,
		Logger:             l.log,
	})

	l.mu.Lock()
	if r.done {
		l.mu.Unlock()
		return fmt.Errorf("%s exited with code %d before the debugger could attach", runtime, r.exitCode)
	}
	r.target = target
	l.mu.Unlock()

	l.listChanged.Notify(struct{}{})
	return nil
}

func (l *Launcher) onExit(r *run, waitErr error) {
	exitCode := r.cmd.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		l.log.Error(waitErr, "Could not determine how the process ended", "PID", r.cmd.Process.Pid)
	}

	l.mu.Lock()
	r.done = true
	r.exitCode = exitCode
	killed := r.killed || exitCode < 0
	restarting := r.restarting
	target := r.target
	r.target = nil
	if l.current == r && !restarting {
		l.current = nil
	}
	l.mu.Unlock()

	l.log.V(1).Info("Process exited", "PID", r.cmd.Process.Pid, "ExitCode", exitCode, "Killed", killed)
	close(r.exited)

	if target != nil {
		target.MarkGone()
		l.listChanged.Notify(struct{}{})
	}
	if !restarting && target != nil {
		l.terminated.Notify(targets.TerminatedEvent{Code: exitCode, Killed: killed})
	}
}

func (l *Launcher) stop(r *run) error {
	l.mu.Lock()
	if r.done || r.cmd == nil {
		l.mu.Unlock()
		return nil
	}
	r.killed = true
	pid := r.cmd.Process.Pid
	l.mu.Unlock()

	return killProcessTree(pid)
}

func (l *Launcher) currentRun() *run {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Launcher) Terminate(_ context.Context) error {
	if r := l.currentRun(); r != nil {
		return l.stop(r)
	}
	return nil
}

// Disconnect ends the program: a launched process does not outlive its debug session.
func (l *Launcher) Disconnect(ctx context.Context) error {
	return l.Terminate(ctx)
}

// Restart kills the program and starts it again with the same configuration.
// Termination is not reported for the killed process.
func (l *Launcher) Restart(ctx context.Context) error {
	l.mu.Lock()
	old := l.current
	if old == nil || old.restarting || l.disposed {
		l.mu.Unlock()
		return nil
	}
	old.restarting = true
	l.mu.Unlock()

	if stopErr := l.stop(old); stopErr != nil {
		return fmt.Errorf("could not stop the program for restart: %w", stopErr)
	}
	select {
	case <-old.exited:
	case <-ctx.Done():
		return ctx.Err()
	}

	next := &run{config: old.config, args: old.args, lc: old.lc, exited: make(chan struct{})}
	l.mu.Lock()
	if l.current != old || l.disposed {
		l.mu.Unlock()
		return nil
	}
	l.current = next
	l.mu.Unlock()

	if startErr := l.start(ctx, next); startErr != nil {
		l.forget(next)
		l.terminated.Notify(targets.TerminatedEvent{Error: startErr.Error()})
		return startErr
	}
	return nil
}

func (l *Launcher) TargetList() []targets.Target {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil || l.current.target == nil {
		return nil
	}
	return []targets.Target{l.current.target}
}

func (l *Launcher) SubscribeTargetListChanged(sink chan<- struct{}) *pubsub.Subscription[struct{}] {
	return l.listChanged.Subscribe(sink)
}

func (l *Launcher) SubscribeTerminated(sink chan<- targets.TerminatedEvent) *pubsub.Subscription[targets.TerminatedEvent] {
	return l.terminated.Subscribe(sink)
}

func (l *Launcher) Dispose() {
	l.mu.Lock()
	l.disposed = true
	r := l.current
	l.mu.Unlock()

	l.listChanged.Close()
	l.terminated.Close()
	if r != nil {
		if stopErr := l.stop(r); stopErr != nil {
			l.log.Error(stopErr, "Could not stop the program")
		}
	}
}
