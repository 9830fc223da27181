// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package server accepts DAP client connections and turns each of them into a root
// or a nested debug session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/google/uuid"

	"github.com/microsoft/jsdebug/internal/adapter"
	jsdap "github.com/microsoft/jsdebug/internal/dap"
	"github.com/microsoft/jsdebug/internal/sessions"
	"github.com/microsoft/jsdebug/internal/targets"
	"github.com/microsoft/jsdebug/pkg/resiliency"
)

// How long a rejected connection stays open so that the client receives the error response.
const rejectedConnectionGracePeriod = 200 * time.Millisecond

var errStartDebuggingUnsupported = errors.New("the client does not support starting nested debug sessions")

type Config struct {
	Options Options
	// Launchers overrides the launchers built from Options.
	Launchers func(origin targets.OriginID) []targets.Launcher
	// Logger defaults to logr.Discard() if not set.
	Logger logr.Logger
}

// Server runs the debug sessions of every connected client.
type Server struct {
	options Options
	log     logr.Logger
	manager *sessions.Manager
	conns   sync.WaitGroup

	// mu protects the fields below
	mu      sync.Mutex
	clients map[string]*client
}

// client is one DAP connection. It is the host session of whatever debug session the client starts.
type client struct {
	id   string
	conn *jsdap.Connection
	log  logr.Logger

	unregisterBoot []func()
}

func (c *client) ID() string                    { return c.id }
func (c *client) Connection() *jsdap.Connection { return c.conn }

var _ sessions.HostSession = (*client)(nil)
var _ sessions.SessionLauncher = (*Server)(nil)

func New(config Config) *Server {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	launchers := config.Launchers
	if launchers == nil {
		launchers = config.Options.launcherFactory(log.WithName("launchers"))
	}

	s := &Server{
		options: config.Options,
		log:     log,
		clients: make(map[string]*client),
	}
	s.manager = sessions.NewManager(sessions.Config{
		Launcher:  s,
		Launchers: launchers,
		RootPath:  config.Options.RootPath,
		Logger:    log.WithName("sessions"),
	})
	return s
}

// ListenAndServe listens on the configured address and serves clients until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.options.Address())
	if err != nil {
		return fmt.Errorf("could not listen on %s: %w", s.options.Address(), err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts clients on the listener until the context is cancelled, then ends every session.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.log.Info("Debug server is listening", "Address", listener.Addr().String())
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()

	var serveErr error
	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				serveErr = fmt.Errorf("could not accept client connection: %w", err)
			}
			break
		}
		s.ServeConnection(ctx, jsdap.NewTCPTransport(netConn))
	}

	s.shutdown()
	return serveErr
}

// ServeConnection starts serving one client. It returns right away; the connection is served
// until the client goes away or the context is cancelled.
func (s *Server) ServeConnection(ctx context.Context, transport jsdap.Transport) {
	id := uuid.NewString()
	log := s.log.WithValues("ConnectionID", id)
	c := &client{
		id:   id,
		conn: jsdap.NewConnection(transport, jsdap.ConnectionConfig{Logger: log.WithName("dap")}),
		log:  log,
	}
	c.unregisterBoot = []func(){
		c.conn.Handle("initialize", s.onBootInitialize(c)),
		c.conn.Handle("launch", s.onBootLaunch(c, targets.RequestLaunch)),
		c.conn.Handle("attach", s.onBootLaunch(c, targets.RequestAttach)),
	}

	s.mu.Lock()
	s.clients[id] = c
	s.mu.Unlock()
	log.V(1).Info("Client connected")

	s.conns.Add(1)
	resiliency.Go(log, "client connection", func() {
		defer s.conns.Done()

		runErr := c.conn.Run(ctx)
		if runErr != nil && !jsdap.IsConnectionError(runErr) && !errors.Is(runErr, context.Canceled) {
			log.Error(runErr, "Client connection failed")
		} else {
			log.V(1).Info("Client disconnected")
		}
		c.conn.Close()

		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
		s.manager.Terminate(id)
	})
}

// ActiveConnections returns the number of clients currently connected.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) shutdown() {
	s.manager.Dispose()

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
	s.conns.Wait()
	s.log.Info("Debug server stopped")
}

func (s *Server) onBootInitialize(c *client) jsdap.RequestHandler {
	return func(_ context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
		if r, ok := req.(*dap.InitializeRequest); ok {
			c.conn.MarkInitialized(r.Arguments)
		}
		// The session that takes over the connection announces when it is ready for configuration.
		c.conn.Respond(req, adapter.NewCapabilitiesResponse())
		return nil, jsdap.ErrResponseDeferred
	}
}

// onBootLaunch creates the session the first launch or attach request asks for,
// then hands the request to the handlers of that session.
func (s *Server) onBootLaunch(c *client, kind targets.RequestKind) jsdap.RequestHandler {
	return func(_ context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
		var args json.RawMessage
		switch r := req.(type) {
		case *dap.LaunchRequest:
			args = r.Arguments
		case *dap.AttachRequest:
			args = r.Arguments
		}

		config, err := targets.ParseLaunchConfig(kind, args)
		if err != nil {
			return nil, err
		}

		for _, unregister := range c.unregisterBoot {
			unregister()
		}

		if config.PendingTargetID != "" {
			if _, err = s.manager.CreateChildSession(c, config.PendingTargetID); err != nil {
				c.log.Error(err, "Rejecting client connection")
				c.conn.RespondError(req, err)
				time.AfterFunc(rejectedConnectionGracePeriod, c.conn.Close)
				return nil, jsdap.ErrResponseDeferred
			}
		} else if _, err = s.manager.CreateRootSession(c, config); err != nil {
			return nil, err
		}

		c.conn.Defer(req)
		return nil, jsdap.ErrResponseDeferred
	}
}

// LaunchChild asks the client of the parent session to start a nested session with the configuration.
func (s *Server) LaunchChild(ctx context.Context, parent *sessions.Session, config map[string]any) error {
	conn := parent.Connection()
	if args, initialized := conn.InitializeArguments(); initialized && !args.SupportsStartDebuggingRequest {
		return errStartDebuggingUnsupported
	}

	request, _ := config["request"].(string)
	if _, err := conn.SendRequest(ctx, jsdap.NewStartDebuggingRequest(request, config)); err != nil {
		return err
	}
	return nil
}
