/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package targetstest provides controllable targets and launchers for tests.
package targetstest

import (
	"context"
	"sync"

	"github.com/microsoft/jsdebug/internal/cdp"
	"github.com/microsoft/jsdebug/internal/cdp/cdptest"
	"github.com/microsoft/jsdebug/internal/pubsub"
	"github.com/microsoft/jsdebug/internal/targets"
)

// Target is a target backed by an in-memory fake runtime.
type Target struct {
	id      string
	parent  targets.Target
	runtime *cdptest.Runtime

	mu          sync.Mutex
	name        string
	origin      targets.OriginID
	debugType   targets.DebugType
	waiting     bool
	gone        bool
	attaching   bool
	conn        *cdp.Conn
	attachGate  chan struct{}
	canStop     bool
	canRestart  bool
	attachCount int
	detachCount int
	stopCount   int
	restarts    int
	nameChanged *pubsub.SubscriptionSet[string]
}

var _ targets.Target = (*Target)(nil)

// NewTarget creates a Node target that is waiting for the debugger and can be stopped and restarted.
func NewTarget(id string, parent targets.Target) *Target {
	return &Target{
		id:          id,
		parent:      parent,
		runtime:     cdptest.NewRuntime(),
		name:        id,
		debugType:   targets.DebugTypeNode,
		waiting:     true,
		canStop:     true,
		canRestart:  true,
		nameChanged: pubsub.NewSubscriptionSet[string](),
	}
}

func (t *Target) ID() string { return t.id }

func (t *Target) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// SetName changes the name and notifies subscribers.
func (t *Target) SetName(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
	t.nameChanged.Notify(name)
}

func (t *Target) SubscribeNameChanged(sink chan<- string) *pubsub.Subscription[string] {
	return t.nameChanged.Subscribe(sink)
}

func (t *Target) NameSubscriberCount() int { return t.nameChanged.Len() }

func (t *Target) Parent() targets.Target { return t.parent }

func (t *Target) Origin() targets.OriginID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.origin
}

func (t *Target) SetOrigin(origin targets.OriginID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.origin = origin
}

func (t *Target) Type() targets.DebugType {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.debugType
}

func (t *Target) SetType(debugType targets.DebugType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.debugType = debugType
}

func (t *Target) WaitingForDebugger() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waiting
}

func (t *Target) SetWaiting(waiting bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waiting = waiting
}

// Runtime returns the fake runtime that connections to this target talk to.
func (t *Target) Runtime() *cdptest.Runtime { return t.runtime }

func (t *Target) CanStop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canStop
}

func (t *Target) Stop(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopCount++
	return nil
}

func (t *Target) CanRestart() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canRestart
}

func (t *Target) SetCapabilities(canStop, canRestart bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.canStop = canStop
	t.canRestart = canRestart
}

func (t *Target) Restart(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restarts++
	return nil
}

func (t *Target) CanAttach() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.attaching && t.conn == nil
}

// BlockAttach makes Attach wait until the returned function is called (or the attach context is done).
func (t *Target) BlockAttach() (release func()) {
	gate := make(chan struct{})
	t.mu.Lock()
	t.attachGate = gate
	t.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// MarkGone makes the target disappear: a pending or future Attach reports a lost target.
func (t *Target) MarkGone() {
	t.mu.Lock()
	t.gone = true
	t.mu.Unlock()
	t.nameChanged.Close()
}

func (t *Target) Attach(ctx context.Context) (*cdp.Conn, error) {
	t.mu.Lock()
	t.attachCount++
	t.attaching = true
	gate := t.attachGate
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.attaching = false
		t.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gone {
		return nil, nil
	}
	t.conn = cdp.NewConn(t.runtime.Connect(), cdp.ConnConfig{})
	return t.conn, nil
}

func (t *Target) CanDetach() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *Target) Detach(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.detachCount++
	return nil
}

func (t *Target) PathResolver() targets.PathResolver { return targets.FileURLResolver{} }

func (t *Target) AttachCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attachCount
}

func (t *Target) DetachCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.detachCount
}

func (t *Target) StopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopCount
}

func (t *Target) RestartCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}
