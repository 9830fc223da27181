/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/jsdebug/pkg/testutil"
)

const defaultConnectionTestTimeout = 10 * time.Second

func startConnection(t *testing.T, ctx context.Context) (*Connection, *TestClient) {
	serverEnd, clientEnd := NewPipe()
	conn := NewConnection(serverEnd, ConnectionConfig{Logger: testutil.NewLogForTesting(t.Name())})
	client := NewTestClient(clientEnd)

	go func() {
		_ = conn.Run(ctx)
	}()

	t.Cleanup(func() {
		conn.Close()
		_ = client.Close()
	})

	return conn, client
}

func threadsHandler(name string) RequestHandler {
	return func(_ context.Context, _ dap.RequestMessage) (dap.ResponseMessage, error) {
		return &dap.ThreadsResponse{
			Body: dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: 1, Name: name}}},
		}, nil
	}
}

func TestHandlerResponds(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultConnectionTestTimeout)
	defer cancel()

	conn, client := startConnection(t, ctx)
	conn.Handle("threads", threadsHandler("main"))
	conn.Seal()

	threads, err := client.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.Equal(t, "main", threads[0].Name)
}

func TestUnhandledRequestIsHeldUntilHandlerRegistered(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultConnectionTestTimeout)
	defer cancel()

	conn, client := startConnection(t, ctx)

	type result struct {
		threads []dap.Thread
		err     error
	}
	resultCh := make(chan result, 1)
	go func() {
		threads, err := client.Threads(ctx)
		resultCh <- result{threads, err}
	}()

	select {
	case <-resultCh:
		t.Fatal("request should be held while no handler is registered")
	case <-time.After(100 * time.Millisecond):
	}

	conn.Handle("threads", threadsHandler("late"))

	res := <-resultCh
	require.NoError(t, res.err)
	require.Equal(t, "late", res.threads[0].Name)
}

func TestSealedConnectionUsesDefaultHandlerOrRejects(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultConnectionTestTimeout)
	defer cancel()

	conn, client := startConnection(t, ctx)
	conn.Seal()

	_, err := client.Threads(ctx)
	require.ErrorContains(t, err, ErrUnhandledRequest.Error())

	conn.HandleDefault(threadsHandler("fallback"))
	threads, err := client.Threads(ctx)
	require.NoError(t, err)
	require.Equal(t, "fallback", threads[0].Name)
}

func TestSealDeliversHeldRequestsToDefaultHandler(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultConnectionTestTimeout)
	defer cancel()

	conn, client := startConnection(t, ctx)
	conn.HandleDefault(threadsHandler("fallback"))

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Threads(ctx)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	conn.Seal()
	require.NoError(t, <-errCh)
}

func TestHandlerErrorProducesErrorResponse(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultConnectionTestTimeout)
	defer cancel()

	conn, client := startConnection(t, ctx)
	conn.Handle("configurationDone", func(_ context.Context, _ dap.RequestMessage) (dap.ResponseMessage, error) {
		return nil, errors.New("not now")
	})
	conn.Seal()

	err := client.ConfigurationDone(ctx)
	require.ErrorContains(t, err, "not now")
}

func TestHandlerCancelRemovesOnlyItsOwnRegistration(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultConnectionTestTimeout)
	defer cancel()

	conn, client := startConnection(t, ctx)
	unregisterFirst := conn.Handle("threads", threadsHandler("first"))
	unregisterSecond := conn.Handle("threads", threadsHandler("second"))
	conn.Seal()

	unregisterFirst()
	threads, err := client.Threads(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", threads[0].Name)

	unregisterSecond()
	_, err = client.Threads(ctx)
	require.ErrorContains(t, err, ErrUnhandledRequest.Error())
}

func TestDeferHandsRequestToReplacementHandler(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultConnectionTestTimeout)
	defer cancel()

	conn, client := startConnection(t, ctx)

	var unregisterBoot func()
	unregisterBoot = conn.Handle("launch", func(_ context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
		unregisterBoot()
		conn.Defer(req)
		go conn.Handle("launch", func(_ context.Context, _ dap.RequestMessage) (dap.ResponseMessage, error) {
			return &dap.LaunchResponse{}, nil
		})
		return nil, ErrResponseDeferred
	})

	require.NoError(t, client.Launch(ctx, map[string]any{"type": "pwa-node"}))
}

func TestEventsReachClient(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultConnectionTestTimeout)
	defer cancel()

	conn, client := startConnection(t, ctx)
	require.NoError(t, conn.SendEvent(NewOutputEvent(OutputCategoryConsole, "hello\n")))
	require.NoError(t, conn.SendEvent(NewTerminatedEvent(nil)))

	ev, err := client.WaitForEvent(ctx, "output")
	require.NoError(t, err)
	output, ok := ev.(*dap.OutputEvent)
	require.True(t, ok)
	require.Equal(t, "hello\n", output.Body.Output)

	_, err = client.WaitForEvent(ctx, "terminated")
	require.NoError(t, err)
}

func TestReverseRequest(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultConnectionTestTimeout)
	defer cancel()

	conn, client := startConnection(t, ctx)

	go func() {
		for req := range client.ReverseRequests() {
			cfg := req.(*dap.StartDebuggingRequest).Arguments.Configuration
			_ = client.RespondToReverseRequest(req, cfg["name"] == "accepted", "refused")
		}
	}()

	_, err := conn.SendRequest(ctx, NewStartDebuggingRequest("attach", map[string]any{"name": "accepted"}))
	require.NoError(t, err)

	_, err = conn.SendRequest(ctx, NewStartDebuggingRequest("attach", map[string]any{"name": "other"}))
	require.ErrorIs(t, err, ErrRequestFailed)
}

func TestCloseFailsOutstandingReverseRequests(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultConnectionTestTimeout)
	defer cancel()

	conn, client := startConnection(t, ctx)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.SendRequest(ctx, NewStartDebuggingRequest("launch", map[string]any{}))
		errCh <- err
	}()

	<-client.ReverseRequests()
	conn.Close()

	require.ErrorIs(t, <-errCh, ErrConnectionClosed)
	<-conn.Done()
	require.ErrorIs(t, conn.SendEvent(NewInitializedEvent()), ErrConnectionClosed)
}

func TestMarkInitialized(t *testing.T) {
	t.Parallel()

	serverEnd, _ := NewPipe()
	conn := NewConnection(serverEnd, ConnectionConfig{})
	defer conn.Close()

	_, initialized := conn.InitializeArguments()
	require.False(t, initialized)

	conn.MarkInitialized(dap.InitializeRequestArguments{ClientID: "vscode"})
	args, initialized := conn.InitializeArguments()
	require.True(t, initialized)
	require.Equal(t, "vscode", args.ClientID)
}
