/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package cdptarget implements a target reachable through a debugger websocket URL.
package cdptarget

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/microsoft/jsdebug/internal/cdp"
	"github.com/microsoft/jsdebug/internal/pubsub"
	"github.com/microsoft/jsdebug/internal/targets"
)

// Dialer opens a transport to a debugger websocket URL.
type Dialer func(ctx context.Context, url string) (cdp.Transport, error)

type Config struct {
	ID                 string
	Name               string
	Parent             targets.Target
	Origin             targets.OriginID
	Type               targets.DebugType
	WebSocketURL       string
	WaitingForDebugger bool
	PathResolver       targets.PathResolver

	// Stop terminates the target. If nil, the target cannot be stopped.
	Stop func(ctx context.Context, conn *cdp.Conn) error
	// Restart restarts the target. If nil, the target cannot be restarted.
	Restart func(ctx context.Context) error

	// Dialer defaults to cdp.DialWebSocket.
	Dialer Dialer
	// Logger defaults to logr.Discard() if not set.
	Logger logr.Logger
}

type Target struct {
	config Config
	log    logr.Logger

	mu          sync.Mutex
	name        string
	conn        *cdp.Conn
	attaching   bool
	gone        bool
	nameChanged *pubsub.SubscriptionSet[string]
}

var _ targets.Target = (*Target)(nil)

func New(config Config) *Target {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if config.Dialer == nil {
		config.Dialer = cdp.DialWebSocket
	}
	if config.PathResolver == nil {
		config.PathResolver = targets.FileURLResolver{}
	}

	return &Target{
		config:      config,
		log:         log.WithValues("TargetID", config.ID),
		name:        config.Name,
		nameChanged: pubsub.NewSubscriptionSet[string](),
	}
}

func (t *Target) ID() string { return t.config.ID }

func (t *Target) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// SetName updates the display name and notifies subscribers if it changed.
func (t *Target) SetName(name string) {
	t.mu.Lock()
	changed := t.name != name && !t.gone
	t.name = name
	t.mu.Unlock()

	if changed {
		t.nameChanged.Notify(name)
	}
}

func (t *Target) SubscribeNameChanged(sink chan<- string) *pubsub.Subscription[string] {
	return t.nameChanged.Subscribe(sink)
}

func (t *Target) Parent() targets.Target             { return t.config.Parent }
func (t *Target) Origin() targets.OriginID           { return t.config.Origin }
func (t *Target) Type() targets.DebugType            { return t.config.Type }
func (t *Target) WaitingForDebugger() bool           { return t.config.WaitingForDebugger }
func (t *Target) PathResolver() targets.PathResolver { return t.config.PathResolver }
func (t *Target) WebSocketURL() string               { return t.config.WebSocketURL }

func (t *Target) CanStop() bool    { return t.config.Stop != nil }
func (t *Target) CanRestart() bool { return t.config.Restart != nil }

func (t *Target) Stop(ctx context.Context) error {
	if t.config.Stop == nil {
		return nil
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	return t.config.Stop(ctx, conn)
}

func (t *Target) Restart(ctx context.Context) error {
	if t.config.Restart == nil {
		return nil
	}
	return t.config.Restart(ctx)
}

func (t *Target) CanAttach() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.attaching && t.conn == nil && !t.gone
}

func (t *Target) Attach(ctx context.Context) (*cdp.Conn, error) {
	t.mu.Lock()
	if t.attaching || t.conn != nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("target %s is already attached", t.config.ID)
	}
	if t.gone {
		t.mu.Unlock()
		return nil, nil
	}
	t.attaching = true
	t.mu.Unlock()

	transport, dialErr := t.config.Dialer(ctx, t.config.WebSocketURL)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.attaching = false

	if t.gone {
		if transport != nil {
			_ = transport.Close()
		}
		t.log.V(1).Info("Target went away while attaching")
		return nil, nil
	}
	if dialErr != nil {
		if errors.Is(dialErr, context.Canceled) {
			return nil, dialErr
		}
		return nil, fmt.Errorf("could not attach to target %s: %w", t.config.ID, dialErr)
	}

	t.conn = cdp.NewConn(transport, cdp.ConnConfig{Logger: t.log})
	go t.watchConnection(t.conn)
	return t.conn, nil
}

// watchConnection forgets the connection when the runtime closes it, so the target can be attached again.
func (t *Target) watchConnection(conn *cdp.Conn) {
	<-conn.Done()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
	}
}

func (t *Target) CanDetach() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *Target) Detach(_ context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

// MarkGone is called by the launcher when the target disappears from the runtime.
func (t *Target) MarkGone() {
	t.mu.Lock()
	if t.gone {
		t.mu.Unlock()
		return
	}
	t.gone = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.nameChanged.Close()
}

func (t *Target) IsGone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gone
}
