/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdptarget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/jsdebug/internal/cdp"
	"github.com/microsoft/jsdebug/internal/cdp/cdptest"
	"github.com/microsoft/jsdebug/internal/targets"
	"github.com/microsoft/jsdebug/pkg/testutil"
)

const defaultTargetTestTimeout = 10 * time.Second

func runtimeDialer(rt *cdptest.Runtime) Dialer {
	return func(context.Context, string) (cdp.Transport, error) {
		return rt.Connect(), nil
	}
}

func TestAttachDetach(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTargetTestTimeout)
	defer cancel()

	rt := cdptest.NewRuntime()
	target := New(Config{
		ID:           "t1",
		Name:         "app.js",
		Type:         targets.DebugTypeNode,
		WebSocketURL: "ws://127.0.0.1:9229/t1",
		Dialer:       runtimeDialer(rt),
	})

	require.True(t, target.CanAttach())
	require.False(t, target.CanDetach())
	require.False(t, target.CanStop())
	require.False(t, target.CanRestart())

	conn, err := target.Attach(ctx)
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.False(t, target.CanAttach())
	require.True(t, target.CanDetach())

	_, err = target.Attach(ctx)
	require.Error(t, err, "a second attach must be refused")

	require.NoError(t, target.Detach(ctx))
	<-conn.Done()
	require.True(t, target.CanAttach())
}

func TestAttachReportsTargetGoneWhileDialing(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTargetTestTimeout)
	defer cancel()

	rt := cdptest.NewRuntime()
	dialing := make(chan struct{})
	proceed := make(chan struct{})
	target := New(Config{
		ID: "t1",
		Dialer: func(ctx context.Context, url string) (cdp.Transport, error) {
			close(dialing)
			<-proceed
			return rt.Connect(), nil
		},
	})

	result := make(chan *cdp.Conn, 1)
	go func() {
		conn, attachErr := target.Attach(ctx)
		require.NoError(t, attachErr)
		result <- conn
	}()

	<-dialing
	require.False(t, target.CanAttach(), "attach in progress")
	target.MarkGone()
	close(proceed)

	require.Nil(t, <-result)
	require.False(t, target.CanAttach())
}

func TestStopUsesAttachedConnection(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTargetTestTimeout)
	defer cancel()

	rt := cdptest.NewRuntime()
	target := New(Config{
		ID:     "t1",
		Dialer: runtimeDialer(rt),
		Stop: func(ctx context.Context, conn *cdp.Conn) error {
			_, err := conn.Send(ctx, "Runtime.evaluate", map[string]any{"expression": "process.exit(0)"})
			return err
		},
	})
	require.True(t, target.CanStop())

	_, err := target.Attach(ctx)
	require.NoError(t, err)
	require.NoError(t, target.Stop(ctx))

	_, err = rt.WaitForCall(ctx, "Runtime.evaluate")
	require.NoError(t, err)
}

func TestNameChangesAreNotified(t *testing.T) {
	t.Parallel()

	target := New(Config{ID: "t1", Name: "first"})
	names := make(chan string, 2)
	target.SubscribeNameChanged(names)

	target.SetName("first")
	target.SetName("second")
	require.Equal(t, "second", target.Name())
	require.Equal(t, "second", <-names)

	target.MarkGone()
	_, open := <-names
	require.False(t, open, "subscriptions end when the target goes away")
}
