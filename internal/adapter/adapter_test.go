// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package adapter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/jsdebug/internal/cdp"
	"github.com/microsoft/jsdebug/internal/cdp/cdptest"
	jsdap "github.com/microsoft/jsdebug/internal/dap"
	"github.com/microsoft/jsdebug/pkg/testutil"
)

const defaultAdapterTestTimeout = 10 * time.Second

func startSession(t *testing.T, ctx context.Context) (*jsdap.Connection, *jsdap.TestClient) {
	serverEnd, clientEnd := jsdap.NewPipe()
	conn := jsdap.NewConnection(serverEnd, jsdap.ConnectionConfig{Logger: testutil.NewLogForTesting(t.Name())})
	client := jsdap.NewTestClient(clientEnd)

	go func() {
		_ = conn.Run(ctx)
	}()

	t.Cleanup(func() {
		conn.Close()
		_ = client.Close()
	})
	return conn, client
}

func request(command string) dap.Request {
	return dap.Request{Command: command}
}

func TestInitializeAnnouncesReadiness(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultAdapterTestTimeout)
	defer cancel()

	conn, client := startSession(t, ctx)
	da := New(Config{Conn: conn})
	defer da.Dispose()
	conn.Seal()

	resp, err := client.Initialize(ctx)
	require.NoError(t, err)
	require.True(t, resp.Body.SupportsConfigurationDoneRequest)
	require.True(t, resp.Body.SupportTerminateDebuggee)

	_, err = client.WaitForEvent(ctx, "initialized")
	require.NoError(t, err)

	args, initialized := conn.InitializeArguments()
	require.True(t, initialized)
	require.Equal(t, "test-client", args.ClientID)
}

func TestAdapterOnInitializedConnectionAnnouncesReadiness(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultAdapterTestTimeout)
	defer cancel()

	conn, client := startSession(t, ctx)
	conn.MarkInitialized(dap.InitializeRequestArguments{ClientID: "host"})

	da := New(Config{Conn: conn})
	defer da.Dispose()

	_, err := client.WaitForEvent(ctx, "initialized")
	require.NoError(t, err)
}

func TestLaunchBlockerWaitsForConfiguration(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultAdapterTestTimeout)
	defer cancel()

	conn, client := startSession(t, ctx)
	da := New(Config{Conn: conn})
	defer da.Dispose()

	shortCtx, shortCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer shortCancel()
	require.ErrorIs(t, da.LaunchBlocker(shortCtx), context.DeadlineExceeded)

	require.NoError(t, client.ConfigurationDone(ctx))
	require.NoError(t, da.LaunchBlocker(ctx))

	other := New(Config{Conn: conn})
	other.Dispose()
	require.ErrorIs(t, other.LaunchBlocker(ctx), errAdapterDisposed)
}

func TestBreakpointsAreAppliedWhenThreadStarts(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultAdapterTestTimeout)
	defer cancel()

	conn, client := startSession(t, ctx)
	da := New(Config{Conn: conn})
	defer da.Dispose()
	conn.Seal()

	rt := cdptest.NewRuntime()
	rt.Handle("Debugger.setBreakpointByUrl", func(json.RawMessage) (any, *cdp.ProtocolError) {
		return map[string]any{"breakpointId": "1:9:0:file:///src/app.js", "locations": []any{}}, nil
	})

	setBreakpoints := &dap.SetBreakpointsRequest{
		Request: request("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: "/src/app.js"},
			Breakpoints: []dap.SourceBreakpoint{{Line: 10}},
		},
	}
	msg, err := client.SendRequest(ctx, setBreakpoints)
	require.NoError(t, err)
	resp := msg.(*dap.SetBreakpointsResponse)
	require.Len(t, resp.Body.Breakpoints, 1)
	require.False(t, resp.Body.Breakpoints[0].Verified, "no runtime is attached yet")

	thread, err := da.CreateThread(ctx, "app.js", cdp.NewConn(rt.Connect(), cdp.ConnConfig{}))
	require.NoError(t, err)
	defer thread.Dispose()

	call, err := rt.WaitForCall(ctx, "Debugger.setBreakpointByUrl")
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"file:///src/app.js","lineNumber":9}`, string(call.Params))
	require.Equal(t, []string{"Runtime.enable", "Debugger.enable", "Debugger.setBreakpointByUrl"}, rt.Calls())

	_, err = client.WaitForEvent(ctx, "thread")
	require.NoError(t, err)

	msg, err = client.SendRequest(ctx, setBreakpoints)
	require.NoError(t, err)
	resp = msg.(*dap.SetBreakpointsResponse)
	require.True(t, resp.Body.Breakpoints[0].Verified)
	_, err = rt.WaitForCall(ctx, "Debugger.removeBreakpoint")
	require.NoError(t, err)
}

func TestPauseAndResumeAreReported(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultAdapterTestTimeout)
	defer cancel()

	conn, client := startSession(t, ctx)
	da := New(Config{Conn: conn})
	defer da.Dispose()
	conn.Seal()

	rt := cdptest.NewRuntime()
	thread, err := da.CreateThread(ctx, "app.js", cdp.NewConn(rt.Connect(), cdp.ConnConfig{}))
	require.NoError(t, err)

	threads, err := client.Threads(ctx)
	require.NoError(t, err)
	require.Equal(t, []dap.Thread{{Id: threadID, Name: "app.js"}}, threads)

	require.NoError(t, rt.Emit("Debugger.paused", map[string]any{
		"reason": "other",
		"callFrames": []any{
			map[string]any{
				"callFrameId":  "0",
				"functionName": "main",
				"url":          "file:///src/app.js",
				"location":     map[string]any{"scriptId": "42", "lineNumber": 4, "columnNumber": 2},
			},
		},
	}))

	ev, err := client.WaitForEvent(ctx, "stopped")
	require.NoError(t, err)
	require.Equal(t, "entry", ev.(*dap.StoppedEvent).Body.Reason)

	msg, err := client.SendRequest(ctx, &dap.StackTraceRequest{
		Request:   request("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: threadID},
	})
	require.NoError(t, err)
	stack := msg.(*dap.StackTraceResponse)
	require.Len(t, stack.Body.StackFrames, 1)
	frame := stack.Body.StackFrames[0]
	require.Equal(t, "main", frame.Name)
	require.Equal(t, 5, frame.Line)
	require.Equal(t, 3, frame.Column)
	require.Equal(t, "/src/app.js", frame.Source.Path)

	_, err = client.SendRequest(ctx, &dap.NextRequest{Request: request("next"), Arguments: dap.NextArguments{ThreadId: threadID}})
	require.NoError(t, err)
	_, err = rt.WaitForCall(ctx, "Debugger.stepOver")
	require.NoError(t, err)

	require.NoError(t, rt.Emit("Debugger.resumed", map[string]any{}))
	_, err = client.WaitForEvent(ctx, "continued")
	require.NoError(t, err)

	require.NoError(t, rt.Emit("Debugger.paused", map[string]any{"reason": "other", "callFrames": []any{}}))
	ev, err = client.WaitForEvent(ctx, "stopped")
	require.NoError(t, err)
	require.Equal(t, "step", ev.(*dap.StoppedEvent).Body.Reason)

	thread.Dispose()
	_, err = client.WaitForEvent(ctx, "thread") // started
	require.NoError(t, err)
	exited, err := client.WaitForEvent(ctx, "thread")
	require.NoError(t, err)
	require.Equal(t, "exited", exited.(*dap.ThreadEvent).Body.Reason)

	threads, err = client.Threads(ctx)
	require.NoError(t, err)
	require.Empty(t, threads)
}

func TestRequestsWithoutThreadFail(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultAdapterTestTimeout)
	defer cancel()

	conn, client := startSession(t, ctx)
	da := New(Config{Conn: conn})
	defer da.Dispose()
	conn.Seal()

	msg, err := client.SendRequest(ctx, &dap.ContinueRequest{Request: request("continue")})
	require.NoError(t, err)
	require.False(t, msg.(dap.ResponseMessage).GetResponse().Success)
}

func TestFailedPauseIsReportedAndForgotten(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultAdapterTestTimeout)
	defer cancel()

	conn, client := startSession(t, ctx)
	da := New(Config{Conn: conn})
	defer da.Dispose()
	conn.Seal()

	rt := cdptest.NewRuntime()
	rt.Handle("Debugger.pause", func(json.RawMessage) (any, *cdp.ProtocolError) {
		return nil, &cdp.ProtocolError{Code: -32000, Message: "Debugger agent is not enabled"}
	})
	_, err := da.CreateThread(ctx, "app.js", cdp.NewConn(rt.Connect(), cdp.ConnConfig{}))
	require.NoError(t, err)

	msg, err := client.SendRequest(ctx, &dap.PauseRequest{Request: request("pause"), Arguments: dap.PauseArguments{ThreadId: threadID}})
	require.NoError(t, err)
	resp := msg.(dap.ResponseMessage).GetResponse()
	require.False(t, resp.Success)
	require.Contains(t, resp.Message, "Debugger agent is not enabled")

	// The debuggee stops on its own; the failed pause must not claim it.
	require.NoError(t, rt.Emit("Debugger.paused", map[string]any{"reason": "other", "callFrames": []any{}}))
	ev, err := client.WaitForEvent(ctx, "stopped")
	require.NoError(t, err)
	require.Equal(t, "entry", ev.(*dap.StoppedEvent).Body.Reason)
}
