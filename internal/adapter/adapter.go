// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package adapter implements the per-target debug adapter: it answers the debugging requests
// of one DAP session by driving the runtime over the target's debugger connection.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/jsdebug/internal/cdp"
	jsdap "github.com/microsoft/jsdebug/internal/dap"
	"github.com/microsoft/jsdebug/internal/targets"
)

var errAdapterDisposed = errors.New("the debug adapter is disposed")

const (
	ExceptionFilterAll      = "all"
	ExceptionFilterUncaught = "uncaught"
)

// Capabilities returns what the adapter supports; every session reports the same set.
func Capabilities() dap.Capabilities {
	return dap.Capabilities{
		SupportsConfigurationDoneRequest: true,
		SupportsConditionalBreakpoints:   true,
		SupportsTerminateRequest:         true,
		SupportsRestartRequest:           true,
		SupportTerminateDebuggee:         true,
		SupportsLoadedSourcesRequest:     true,
		SupportsDelayedStackTraceLoading: true,
		ExceptionBreakpointFilters: []dap.ExceptionBreakpointsFilter{
			{Filter: ExceptionFilterAll, Label: "Caught Exceptions"},
			{Filter: ExceptionFilterUncaught, Label: "Uncaught Exceptions"},
		},
	}
}

// NewCapabilitiesResponse answers an initialize request.
func NewCapabilitiesResponse() *dap.InitializeResponse {
	return &dap.InitializeResponse{Body: Capabilities()}
}

type Config struct {
	// Conn is the DAP connection of the session. Required.
	Conn *jsdap.Connection
	// RootPath is the working folder of the debug session, if there is one.
	RootPath string
	// PathResolver maps between source paths and script URLs. Defaults to targets.FileURLResolver.
	PathResolver targets.PathResolver
	// Logger defaults to logr.Discard() if not set.
	Logger logr.Logger
}

// DebugAdapter answers the debugging requests of one DAP session.
type DebugAdapter struct {
	conn     *jsdap.Connection
	rootPath string
	resolver targets.PathResolver
	log      logr.Logger

	configured     chan struct{}
	configuredOnce sync.Once
	disposedCh     chan struct{}
	disposeOnce    sync.Once

	// mu protects the fields below
	mu               sync.Mutex
	unregister       []func()
	thread           *Thread
	breakpoints      map[string][]dap.SourceBreakpoint
	exceptionFilters []string
	nextBreakpointID int
	disposed         bool
}

func New(config Config) *DebugAdapter {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if config.PathResolver == nil {
		config.PathResolver = targets.FileURLResolver{}
	}

	da := &DebugAdapter{
		conn:        config.Conn,
		rootPath:    config.RootPath,
		resolver:    config.PathResolver,
		log:         log,
		configured:  make(chan struct{}),
		disposedCh:  make(chan struct{}),
		breakpoints: make(map[string][]dap.SourceBreakpoint),
	}

	da.handle("initialize", da.onInitialize)
	da.handle("configurationDone", da.onConfigurationDone)
	da.handle("setBreakpoints", da.onSetBreakpoints)
	da.handle("setExceptionBreakpoints", da.onSetExceptionBreakpoints)
	da.handle("threads", da.onThreads)
	da.handle("continue", da.onContinue)
	da.handle("pause", da.onPause)
	da.handle("next", da.onStep("Debugger.stepOver"))
	da.handle("stepIn", da.onStep("Debugger.stepInto"))
	da.handle("stepOut", da.onStep("Debugger.stepOut"))
	da.handle("stackTrace", da.onStackTrace)
	da.handle("scopes", da.onScopes)
	da.handle("loadedSources", da.onLoadedSources)

	// The session host answers initialize before the adapter exists; the client is waiting to configure.
	if _, initialized := da.conn.InitializeArguments(); initialized {
		da.sendEvent(jsdap.NewInitializedEvent())
	}

	return da
}

func (da *DebugAdapter) handle(command string, handler jsdap.RequestHandler) {
	unregister := da.conn.Handle(command, handler)
	da.mu.Lock()
	da.unregister = append(da.unregister, unregister)
	da.mu.Unlock()
}

// Connection returns the DAP connection of the session.
func (da *DebugAdapter) Connection() *jsdap.Connection {
	return da.conn
}

func (da *DebugAdapter) RootPath() string {
	return da.rootPath
}

// LaunchBlocker waits until the client has finished configuring the session,
// so the debuggee can start running without missing breakpoints.
func (da *DebugAdapter) LaunchBlocker(ctx context.Context) error {
	select {
	case <-da.configured:
		return nil
	case <-da.disposedCh:
		return errAdapterDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateThread starts debugging the runtime behind conn and reports the thread to the client.
func (da *DebugAdapter) CreateThread(ctx context.Context, name string, conn *cdp.Conn) (*Thread, error) {
	da.mu.Lock()
	if da.disposed {
		da.mu.Unlock()
		return nil, fmt.Errorf("cannot create thread %s: %w", name, errAdapterDisposed)
	}
	if da.thread != nil {
		da.mu.Unlock()
		return nil, fmt.Errorf("cannot create thread %s: the session already has a thread", name)
	}
	da.mu.Unlock()

	thread, err := newThread(ctx, da, name, conn)
	if err != nil {
		return nil, err
	}

	da.mu.Lock()
	da.thread = thread
	pending := maps.Clone(da.breakpoints)
	filters := da.exceptionFilters
	da.mu.Unlock()

	for path, bps := range pending {
		_ = thread.setBreakpoints(ctx, da.resolver.URLForPath(path), bps)
	}
	if len(filters) > 0 {
		_ = thread.setExceptionFilters(ctx, filters)
	}

	da.sendEvent(jsdap.NewThreadEvent("started", thread.ID()))
	return thread, nil
}

func (da *DebugAdapter) currentThread() *Thread {
	da.mu.Lock()
	defer da.mu.Unlock()
	return da.thread
}

// Dispose removes the adapter's request handlers. The thread must be disposed separately.
func (da *DebugAdapter) Dispose() {
	da.disposeOnce.Do(func() {
		da.mu.Lock()
		da.disposed = true
		unregister := da.unregister
		da.unregister = nil
		da.mu.Unlock()

		for _, u := range unregister {
			u()
		}
		close(da.disposedCh)
	})
}

func (da *DebugAdapter) sendEvent(event dap.EventMessage) {
	if err := da.conn.SendEvent(event); err != nil {
		da.log.V(1).Info("Could not send event", "Event", event.GetEvent().Event, "Error", err.Error())
	}
}

func (da *DebugAdapter) onInitialize(_ context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	if r, isInitialize := req.(*dap.InitializeRequest); isInitialize {
		da.conn.MarkInitialized(r.Arguments)
	}
	da.conn.Respond(req, NewCapabilitiesResponse())
	da.sendEvent(jsdap.NewInitializedEvent())
	return nil, jsdap.ErrResponseDeferred
}

func (da *DebugAdapter) onConfigurationDone(context.Context, dap.RequestMessage) (dap.ResponseMessage, error) {
	da.configuredOnce.Do(func() { close(da.configured) })
	return &dap.ConfigurationDoneResponse{}, nil
}

func (da *DebugAdapter) onSetBreakpoints(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	r := req.(*dap.SetBreakpointsRequest)
	path := r.Arguments.Source.Path
	requested := r.Arguments.Breakpoints
	if len(requested) == 0 && len(r.Arguments.Lines) > 0 {
		for _, line := range r.Arguments.Lines {
			requested = append(requested, dap.SourceBreakpoint{Line: line})
		}
	}

	da.mu.Lock()
	if len(requested) == 0 {
		delete(da.breakpoints, path)
	} else {
		da.breakpoints[path] = requested
	}
	firstID := da.nextBreakpointID + 1
	da.nextBreakpointID += len(requested)
	thread := da.thread
	da.mu.Unlock()

	verified := make([]bool, len(requested))
	if thread != nil {
		verified = thread.setBreakpoints(ctx, da.resolver.URLForPath(path), requested)
	}

	resp := &dap.SetBreakpointsResponse{}
	resp.Body.Breakpoints = make([]dap.Breakpoint, len(requested))
	for i, bp := range requested {
		resp.Body.Breakpoints[i] = dap.Breakpoint{
			Id:       firstID + i,
			Verified: verified[i],
			Source:   &r.Arguments.Source,
			Line:     bp.Line,
			Column:   bp.Column,
		}
	}
	return resp, nil
}

func (da *DebugAdapter) onSetExceptionBreakpoints(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	r := req.(*dap.SetExceptionBreakpointsRequest)

	da.mu.Lock()
	da.exceptionFilters = r.Arguments.Filters
	thread := da.thread
	da.mu.Unlock()

	if thread != nil {
		if err := thread.setExceptionFilters(ctx, r.Arguments.Filters); err != nil {
			return nil, err
		}
	}
	return &dap.SetExceptionBreakpointsResponse{}, nil
}

func (da *DebugAdapter) onThreads(context.Context, dap.RequestMessage) (dap.ResponseMessage, error) {
	resp := &dap.ThreadsResponse{}
	resp.Body.Threads = []dap.Thread{}
	if thread := da.currentThread(); thread != nil {
		resp.Body.Threads = append(resp.Body.Threads, dap.Thread{Id: thread.ID(), Name: thread.Name()})
	}
	return resp, nil
}

func (da *DebugAdapter) requireThread() (*Thread, error) {
	thread := da.currentThread()
	if thread == nil {
		return nil, fmt.Errorf("the debuggee is not running")
	}
	return thread, nil
}

func (da *DebugAdapter) onContinue(ctx context.Context, _ dap.RequestMessage) (dap.ResponseMessage, error) {
	thread, err := da.requireThread()
	if err != nil {
		return nil, err
	}
	if err = thread.resume(ctx); err != nil {
		return nil, err
	}
	resp := &dap.ContinueResponse{}
	resp.Body.AllThreadsContinued = true
	return resp, nil
}

func (da *DebugAdapter) onPause(ctx context.Context, _ dap.RequestMessage) (dap.ResponseMessage, error) {
	thread, err := da.requireThread()
	if err != nil {
		return nil, err
	}
	if err = thread.pause(ctx); err != nil {
		return nil, err
	}
	return &dap.PauseResponse{}, nil
}

func (da *DebugAdapter) onStep(method string) jsdap.RequestHandler {
	return func(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
		thread, err := da.requireThread()
		if err != nil {
			return nil, err
		}
		if err = thread.step(ctx, method); err != nil {
			return nil, err
		}
		switch req.(type) {
		case *dap.NextRequest:
			return &dap.NextResponse{}, nil
		case *dap.StepInRequest:
			return &dap.StepInResponse{}, nil
		default:
			return &dap.StepOutResponse{}, nil
		}
	}
}

func (da *DebugAdapter) onStackTrace(_ context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	r := req.(*dap.StackTraceRequest)
	thread, err := da.requireThread()
	if err != nil {
		return nil, err
	}

	frames := thread.stackFrames(da.resolver)
	resp := &dap.StackTraceResponse{}
	resp.Body.TotalFrames = len(frames)

	start := min(max(r.Arguments.StartFrame, 0), len(frames))
	end := len(frames)
	if r.Arguments.Levels > 0 {
		end = min(start+r.Arguments.Levels, len(frames))
	}
	resp.Body.StackFrames = frames[start:end]
	return resp, nil
}

func (da *DebugAdapter) onScopes(context.Context, dap.RequestMessage) (dap.ResponseMessage, error) {
	resp := &dap.ScopesResponse{}
	resp.Body.Scopes = []dap.Scope{}
	return resp, nil
}

func (da *DebugAdapter) onLoadedSources(context.Context, dap.RequestMessage) (dap.ResponseMessage, error) {
	resp := &dap.LoadedSourcesResponse{}
	resp.Body.Sources = []dap.Source{}
	if thread := da.currentThread(); thread != nil {
		resp.Body.Sources = thread.loadedSources(da.resolver)
	}
	return resp, nil
}
