// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
	"k8s.io/apimachinery/pkg/util/wait"

	jsdap "github.com/microsoft/jsdebug/internal/dap"
	"github.com/microsoft/jsdebug/internal/targets"
	"github.com/microsoft/jsdebug/internal/targets/targetstest"
	"github.com/microsoft/jsdebug/pkg/testutil"
)

const (
	defaultServerTestTimeout = 20 * time.Second
	pollImmediately          = true
)

// testLaunchers hands every root session the same launcher and remembers the session origin.
type testLaunchers struct {
	launcher *targetstest.Launcher

	mu     sync.Mutex
	origin targets.OriginID
}

func (tl *testLaunchers) create(origin targets.OriginID) []targets.Launcher {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.origin = origin
	return []targets.Launcher{tl.launcher}
}

func (tl *testLaunchers) Origin() targets.OriginID {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.origin
}

func newTestServer(t *testing.T) (*Server, *testLaunchers) {
	tl := &testLaunchers{launcher: targetstest.NewLauncher(targetstest.Claiming)}
	s := New(Config{
		Options:   DefaultOptions(),
		Launchers: tl.create,
		Logger:    testutil.NewLogForTesting(t.Name()),
	})
	t.Cleanup(s.shutdown)
	return s, tl
}

func connect(t *testing.T, ctx context.Context, s *Server) *jsdap.TestClient {
	serverEnd, clientEnd := jsdap.NewPipe()
	s.ServeConnection(ctx, serverEnd)
	client := jsdap.NewTestClient(clientEnd)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestRootSessionHandlesLaunch(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultServerTestTimeout)
	defer cancel()

	s, tl := newTestServer(t)
	client := connect(t, ctx, s)

	resp, err := client.Initialize(ctx)
	require.NoError(t, err)
	require.True(t, resp.Body.SupportsConfigurationDoneRequest)

	require.NoError(t, client.Launch(ctx, map[string]any{"type": "node", "name": "Launch app", "program": "app.js"}))
	_, err = client.WaitForEvent(ctx, "initialized")
	require.NoError(t, err)
	require.NoError(t, client.ConfigurationDone(ctx))

	launches := tl.launcher.Launches()
	require.Len(t, launches, 1)
	require.Equal(t, targets.DebugTypeNode, launches[0].Type)
	require.NotEmpty(t, tl.Origin())
	require.Equal(t, 1, s.ActiveConnections())
}

func TestTargetGetsNestedSessionFromClient(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultServerTestTimeout)
	defer cancel()

	s, tl := newTestServer(t)
	root := connect(t, ctx, s)
	_, err := root.Initialize(ctx)
	require.NoError(t, err)
	require.NoError(t, root.Launch(ctx, map[string]any{"type": "pwa-node", "program": "app.js"}))

	target := targetstest.NewTarget("app", nil)
	target.SetOrigin(tl.Origin())
	tl.launcher.SetTargets(target)

	var startDebugging *dap.StartDebuggingRequest
	select {
	case req := <-root.ReverseRequests():
		startDebugging = req.(*dap.StartDebuggingRequest)
	case <-ctx.Done():
		t.Fatal("the client was not asked to start a nested session")
	}
	require.Equal(t, "launch", startDebugging.Arguments.Request)
	config := startDebugging.Arguments.Configuration
	require.Equal(t, "app", config[targets.PendingTargetIDKey])
	require.Equal(t, "pwa-node", config["type"])
	require.NoError(t, root.RespondToReverseRequest(startDebugging, true, ""))

	child := connect(t, ctx, s)
	_, err = child.Initialize(ctx)
	require.NoError(t, err)

	launched := make(chan error, 1)
	go func() {
		launched <- child.Launch(ctx, config)
	}()

	_, err = child.WaitForEvent(ctx, "initialized")
	require.NoError(t, err)
	require.NoError(t, child.ConfigurationDone(ctx))
	require.NoError(t, <-launched)

	_, err = target.Runtime().WaitForCall(ctx, "Runtime.runIfWaitingForDebugger")
	require.NoError(t, err)

	threads, err := child.Threads(ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.Equal(t, "app", threads[0].Name)
}

func TestUnknownPendingTargetClosesConnection(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultServerTestTimeout)
	defer cancel()

	s, _ := newTestServer(t)
	stray := connect(t, ctx, s)
	_, err := stray.Initialize(ctx)
	require.NoError(t, err)

	err = stray.Launch(ctx, map[string]any{"type": "pwa-node", targets.PendingTargetIDKey: "no-such-target"})
	require.ErrorContains(t, err, "no target is waiting")

	err = wait.PollUntilContextCancel(ctx, testutil.WaitPollInterval, pollImmediately, func(_ context.Context) (bool, error) {
		return s.ActiveConnections() == 0, nil
	})
	require.NoError(t, err)
}

func TestLoadOptions(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := filepath.Join(dir, "jsdebug.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9000\npollInterval: 250ms\nlaunchers: [nodeproc]\n"), 0o600))
	opts, err := LoadOptions(path)
	require.NoError(t, err)
	require.Equal(t, loopbackHost(), opts.Host)
	require.Equal(t, 9000, opts.Port)
	require.Equal(t, 250*time.Millisecond, opts.PollInterval)
	require.Equal(t, []string{LauncherNodeProcess}, opts.Launchers)
	require.Equal(t, net.JoinHostPort(loopbackHost(), "9000"), opts.Address())

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	opts, err = LoadOptions(empty)
	require.NoError(t, err)
	require.Equal(t, DefaultOptions(), opts)

	unknownField := filepath.Join(dir, "unknown-field.yaml")
	require.NoError(t, os.WriteFile(unknownField, []byte("hots: localhost\n"), 0o600))
	_, err = LoadOptions(unknownField)
	require.Error(t, err)

	badLauncher := filepath.Join(dir, "bad-launcher.yaml")
	require.NoError(t, os.WriteFile(badLauncher, []byte("launchers: [chrome]\npollInterval: 0s\n"), 0o600))
	_, err = LoadOptions(badLauncher)
	require.ErrorContains(t, err, "unknown launcher 'chrome'")
	require.ErrorContains(t, err, "poll interval must be positive")
}

func TestServeAcceptsClientsOverTCP(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultServerTestTimeout)
	defer cancel()

	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)

	s, _ := newTestServer(t)
	serveCtx, stopServing := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() {
		served <- s.Serve(serveCtx, listener)
	}()

	netConn, err := net.Dial(listener.Addr().Network(), listener.Addr().String())
	require.NoError(t, err)
	client := jsdap.NewTestClient(jsdap.NewTCPTransport(netConn))
	defer func() { _ = client.Close() }()

	resp, err := client.Initialize(ctx)
	require.NoError(t, err)
	require.True(t, resp.Body.SupportsConfigurationDoneRequest)
	require.Equal(t, 1, s.ActiveConnections())

	stopServing()
	require.NoError(t, <-served)
	err = wait.PollUntilContextCancel(ctx, testutil.WaitPollInterval, pollImmediately, func(_ context.Context) (bool, error) {
		return s.ActiveConnections() == 0, nil
	})
	require.NoError(t, err)
}
