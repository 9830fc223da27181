// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package adapter

import (
	"context"
	"encoding/json"
	"path/filepath"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/jsdebug/internal/cdp"
	jsdap "github.com/microsoft/jsdebug/internal/dap"
	"github.com/microsoft/jsdebug/internal/pubsub"
	"github.com/microsoft/jsdebug/internal/targets"
)

// Each session debugs a single runtime, so it has exactly one thread.
const threadID = 1

const eventBufferSize = 16

type callFrame struct {
	CallFrameID  string `json:"callFrameId"`
	FunctionName string `json:"functionName"`
	URL          string `json:"url"`
	Location     struct {
		ScriptID     string `json:"scriptId"`
		LineNumber   int    `json:"lineNumber"`
		ColumnNumber int    `json:"columnNumber"`
	} `json:"location"`
}

type pausedParams struct {
	CallFrames     []callFrame `json:"callFrames"`
	Reason         string      `json:"reason"`
	HitBreakpoints []string    `json:"hitBreakpoints"`
}

type scriptParsedParams struct {
	ScriptID string `json:"scriptId"`
	URL      string `json:"url"`
}

type setBreakpointResult struct {
	BreakpointID string            `json:"breakpointId"`
	Locations    []json.RawMessage `json:"locations"`
}

// Thread is the DAP view of the JavaScript thread running in a runtime.
type Thread struct {
	name string
	conn *cdp.Conn
	da   *DebugAdapter
	log  logr.Logger

	subscriptions []*pubsub.Subscription[cdp.Event]
	pumpDone      chan struct{}
	disposeOnce   sync.Once

	// mu protects the fields below
	mu            sync.Mutex
	frames        []callFrame
	pausedBefore  bool
	pendingReason string
	breakpointIDs map[string][]string
	scripts       map[string]string
}

func newThread(ctx context.Context, da *DebugAdapter, name string, conn *cdp.Conn) (*Thread, error) {
	t := &Thread{
		name:          name,
		conn:          conn,
		da:            da,
		log:           da.log.WithValues("Thread", name),
		pumpDone:      make(chan struct{}),
		breakpointIDs: make(map[string][]string),
		scripts:       make(map[string]string),
	}

	paused := make(chan cdp.Event, eventBufferSize)
	resumed := make(chan cdp.Event, eventBufferSize)
	scriptParsed := make(chan cdp.Event, eventBufferSize)
	t.subscriptions = []*pubsub.Subscription[cdp.Event]{
		conn.Subscribe("Debugger.paused", paused),
		conn.Subscribe("Debugger.resumed", resumed),
		conn.Subscribe("Debugger.scriptParsed", scriptParsed),
	}
	go t.pump(paused, resumed, scriptParsed)

	for _, method := range []string{"Runtime.enable", "Debugger.enable"} {
		if _, err := conn.Send(ctx, method, nil); err != nil {
			t.cancelSubscriptions()
			<-t.pumpDone
			return nil, err
		}
	}

	return t, nil
}

func (t *Thread) ID() int      { return threadID }
func (t *Thread) Name() string { return t.name }

// pump turns runtime events into DAP events until every subscription ends.
func (t *Thread) pump(paused, resumed, scriptParsed <-chan cdp.Event) {
	defer close(t.pumpDone)

	for paused != nil || resumed != nil || scriptParsed != nil {
		select {
		case ev, ok := <-paused:
			if !ok {
				paused = nil
				continue
			}
			t.onPaused(ev)
		case _, ok := <-resumed:
			if !ok {
				resumed = nil
				continue
			}
			t.onResumed()
		case ev, ok := <-scriptParsed:
			if !ok {
				scriptParsed = nil
				continue
			}
			var params scriptParsedParams
			if json.Unmarshal(ev.Params, &params) == nil && params.URL != "" {
				t.mu.Lock()
				t.scripts[params.ScriptID] = params.URL
				t.mu.Unlock()
			}
		}
	}
}

func (t *Thread) onPaused(ev cdp.Event) {
	var params pausedParams
	if err := json.Unmarshal(ev.Params, &params); err != nil {
		t.log.V(1).Info("Ignoring malformed pause notification", "Error", err.Error())
		return
	}

	t.mu.Lock()
	t.frames = params.CallFrames
	reason := t.pendingReason
	t.pendingReason = ""
	switch {
	case reason != "":
	case len(params.HitBreakpoints) > 0:
		reason = "breakpoint"
	case params.Reason == "exception" || params.Reason == "promiseRejection":
		reason = "exception"
	case !t.pausedBefore:
		reason = "entry"
	default:
		reason = "pause"
	}
	t.pausedBefore = true
	t.mu.Unlock()

	t.da.sendEvent(jsdap.NewStoppedEvent(reason, threadID))
}

func (t *Thread) onResumed() {
	t.mu.Lock()
	t.frames = nil
	t.mu.Unlock()

	t.da.sendEvent(jsdap.NewContinuedEvent(threadID))
}

func (t *Thread) setBreakpoints(ctx context.Context, url string, bps []dap.SourceBreakpoint) []bool {
	t.mu.Lock()
	previous := t.breakpointIDs[url]
	delete(t.breakpointIDs, url)
	t.mu.Unlock()

	for _, id := range previous {
		if _, err := t.conn.Send(ctx, "Debugger.removeBreakpoint", map[string]any{"breakpointId": id}); err != nil {
			t.log.V(1).Info("Could not remove breakpoint", "BreakpointID", id, "Error", err.Error())
		}
	}

	verified := make([]bool, len(bps))
	var ids []string
	for i, bp := range bps {
		params := map[string]any{"url": url, "lineNumber": bp.Line - 1}
		if bp.Column > 0 {
			params["columnNumber"] = bp.Column - 1
		}
		if bp.Condition != "" {
			params["condition"] = bp.Condition
		}

		result, err := cdp.Call[setBreakpointResult](ctx, t.conn, "Debugger.setBreakpointByUrl", params)
		if err != nil {
			t.log.V(1).Info("Could not set breakpoint", "URL", url, "Line", bp.Line, "Error", err.Error())
			continue
		}
		verified[i] = true
		ids = append(ids, result.BreakpointID)
	}

	t.mu.Lock()
	t.breakpointIDs[url] = ids
	t.mu.Unlock()
	return verified
}

func (t *Thread) setExceptionFilters(ctx context.Context, filters []string) error {
	state := "none"
	if slices.Contains(filters, ExceptionFilterAll) {
		state = "all"
	} else if slices.Contains(filters, ExceptionFilterUncaught) {
		state = "uncaught"
	}
	_, err := t.conn.Send(ctx, "Debugger.setPauseOnExceptions", map[string]any{"state": state})
	return err
}

func (t *Thread) resume(ctx context.Context) error {
	_, err := t.conn.Send(ctx, "Debugger.resume", nil)
	return err
}

func (t *Thread) pause(ctx context.Context) error {
	return t.sendExpectingPause(ctx, "Debugger.pause", "pause")
}

func (t *Thread) step(ctx context.Context, method string) error {
	return t.sendExpectingPause(ctx, method, "step")
}

// sendExpectingPause sends a command that makes the debuggee pause for the given reason.
// A failed command leaves no reason behind for a later, unrelated pause.
func (t *Thread) sendExpectingPause(ctx context.Context, method, reason string) error {
	t.setPendingReason(reason)
	if _, err := t.conn.Send(ctx, method, nil); err != nil {
		t.mu.Lock()
		if t.pendingReason == reason {
			t.pendingReason = ""
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *Thread) setPendingReason(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingReason = reason
}

func (t *Thread) stackFrames(resolver targets.PathResolver) []dap.StackFrame {
	t.mu.Lock()
	defer t.mu.Unlock()

	frames := t.frames
	scripts := t.scripts
	result := make([]dap.StackFrame, len(frames))
	for i, f := range frames {
		url := f.URL
		if url == "" {
			url = scripts[f.Location.ScriptID]
		}
		name := f.FunctionName
		if name == "" {
			name = "<anonymous>"
		}
		result[i] = dap.StackFrame{
			Id:     i + 1,
			Name:   name,
			Source: sourceFor(resolver, url),
			Line:   f.Location.LineNumber + 1,
			Column: f.Location.ColumnNumber + 1,
		}
	}
	return result
}

func (t *Thread) loadedSources(resolver targets.PathResolver) []dap.Source {
	t.mu.Lock()
	urls := make([]string, 0, len(t.scripts))
	for _, url := range t.scripts {
		urls = append(urls, url)
	}
	t.mu.Unlock()

	slices.Sort(urls)
	urls = slices.Compact(urls)
	sources := make([]dap.Source, 0, len(urls))
	for _, url := range urls {
		sources = append(sources, *sourceFor(resolver, url))
	}
	return sources
}

func sourceFor(resolver targets.PathResolver, url string) *dap.Source {
	if path, found := resolver.PathForURL(url); found {
		return &dap.Source{Name: filepath.Base(path), Path: path}
	}
	return &dap.Source{Name: url}
}

func (t *Thread) cancelSubscriptions() {
	for _, sub := range t.subscriptions {
		sub.Cancel()
	}
}

// Dispose stops reporting runtime events and tells the client the thread is gone.
func (t *Thread) Dispose() {
	t.disposeOnce.Do(func() {
		t.cancelSubscriptions()
		<-t.pumpDone
		t.da.sendEvent(jsdap.NewThreadEvent("exited", threadID))

		t.da.mu.Lock()
		if t.da.thread == t {
			t.da.thread = nil
		}
		t.da.mu.Unlock()
	})
}
