// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package sessions maps debug targets onto host-level debug sessions.
//
// Every root session owns a binder. When the binder needs a DAP connection for a target,
// the manager asks the host to start a nested session that refers back to the target
// through the pending target id, and hands the binder the connection of that session once
// the host connects it.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/microsoft/jsdebug/internal/adapter"
	"github.com/microsoft/jsdebug/internal/binder"
	jsdap "github.com/microsoft/jsdebug/internal/dap"
	"github.com/microsoft/jsdebug/internal/targets"
	"github.com/microsoft/jsdebug/pkg/concurrency"
)

var (
	ErrTargetGone           = errors.New("the target went away before its debug session started")
	ErrUnknownPendingTarget = errors.New("no target is waiting for a debug session with this id")
	ErrNoParentSession      = errors.New("there is no debug session that can host the target")
	ErrManagerDisposed      = errors.New("the session manager is disposed")
)

// SessionLauncher asks the host to start a nested debug session under the parent session.
type SessionLauncher interface {
	LaunchChild(ctx context.Context, parent *Session, config map[string]any) error
}

type Config struct {
	// Launcher starts nested sessions. Required.
	Launcher SessionLauncher
	// Launchers creates the launchers of a new root session. Required.
	Launchers func(origin targets.OriginID) []targets.Launcher
	RootPath  string
	// OnTargetBound is handed to the binder of every root session.
	OnTargetBound func(target targets.Target, da *adapter.DebugAdapter)
	// Logger defaults to logr.Discard() if not set.
	Logger logr.Logger
}

type pendingTarget struct {
	target targets.Target
	parent *Session
}

// Manager keeps track of the sessions of one host and implements binder.Delegate for all of them.
type Manager struct {
	config Config
	log    logr.Logger

	// mu protects the fields below
	mu               sync.Mutex
	sessions         map[string]*Session
	rootSessions     map[targets.OriginID]*Session
	pendingTargets   map[string]pendingTarget
	sessionForTarget map[string]*concurrency.Future[*Session]
	disposed         bool
}

var _ binder.Delegate = (*Manager)(nil)

func NewManager(config Config) *Manager {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &Manager{
		config:           config,
		log:              log,
		sessions:         make(map[string]*Session),
		rootSessions:     make(map[targets.OriginID]*Session),
		pendingTargets:   make(map[string]pendingTarget),
		sessionForTarget: make(map[string]*concurrency.Future[*Session]),
	}
}

// CreateRootSession starts a root session on the host connection. The configuration decides
// the type and request of the nested sessions created for its targets.
func (m *Manager) CreateRootSession(host HostSession, config targets.LaunchConfig) (*Session, error) {
	origin := targets.OriginID(host.ID())
	s := &Session{
		host:      host,
		origin:    origin,
		debugType: config.Type,
		request:   config.Request,
		name:      config.Name,
		log:       m.log.WithValues("SessionID", host.ID()),
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, ErrManagerDisposed
	}
	m.sessions[s.ID()] = s
	m.rootSessions[origin] = s
	m.mu.Unlock()

	s.binder = binder.New(binder.Config{
		Root:          host.Connection(),
		Launchers:     m.config.Launchers(origin),
		Delegate:      m,
		Origin:        origin,
		RootPath:      m.config.RootPath,
		OnTargetBound: m.config.OnTargetBound,
		Logger:        s.log.WithName("binder"),
	})

	s.log.V(1).Info("Root session created", "Type", config.Type, "Request", config.Request)
	return s, nil
}

// CreateChildSession binds a nested session that the host started on behalf of a target.
func (m *Manager) CreateChildSession(host HostSession, pendingTargetID string) (*Session, error) {
	m.mu.Lock()
	pt, found := m.pendingTargets[pendingTargetID]
	if !found || m.disposed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPendingTarget, pendingTargetID)
	}
	delete(m.pendingTargets, pendingTargetID)
	future := m.sessionForTarget[pendingTargetID]

	s := &Session{
		host:      host,
		origin:    pt.parent.origin,
		debugType: childType(pt.parent.debugType),
		request:   pt.parent.request,
		target:    pt.target,
		name:      pt.target.Name(),
		log:       m.log.WithValues("SessionID", host.ID(), "TargetID", pendingTargetID),
	}
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	s.followTargetName()

	if future == nil || !future.Resolve(s) {
		// The target was released while the host was connecting the session.
		m.forget(s)
		s.stopFollowingTargetName()
		return nil, fmt.Errorf("%w: %s", ErrTargetGone, pendingTargetID)
	}

	s.log.V(1).Info("Child session created", "Parent", pt.parent.ID())
	return s, nil
}

// AcquireDap returns the connection of the session that debugs the target,
// asking the host for a new nested session if there is none yet.
func (m *Manager) AcquireDap(ctx context.Context, target targets.Target) (*jsdap.Connection, error) {
	s, err := m.acquireSession(ctx, target)
	if err != nil {
		return nil, err
	}
	return s.Connection(), nil
}

func (m *Manager) acquireSession(ctx context.Context, target targets.Target) (*Session, error) {
	id := target.ID()

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, ErrManagerDisposed
	}
	if existing, found := m.sessionForTarget[id]; found {
		m.mu.Unlock()
		return existing.Wait(ctx)
	}
	future := concurrency.NewFuture[*Session]()
	m.sessionForTarget[id] = future
	m.mu.Unlock()

	parent, err := m.parentSession(ctx, target)
	if err != nil {
		m.abandonPending(id, future, err)
		return nil, err
	}

	m.mu.Lock()
	if m.sessionForTarget[id] != future {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTargetGone, id)
	}
	m.pendingTargets[id] = pendingTarget{target: target, parent: parent}
	m.mu.Unlock()

	if err = m.config.Launcher.LaunchChild(ctx, parent, childConfig(parent, target)); err != nil {
		err = fmt.Errorf("could not start a debug session for %s: %w", target.Name(), err)
		m.abandonPending(id, future, err)
		return nil, err
	}

	s, err := future.Wait(ctx)
	if err != nil {
		m.abandonPending(id, future, err)
		return nil, err
	}
	return s, nil
}

// parentSession returns the session of the parent target, acquiring one first if the parent has none yet.
// Top-level targets, and targets whose parent cannot get a session, nest under the root session of their origin.
func (m *Manager) parentSession(ctx context.Context, target targets.Target) (*Session, error) {
	if parent := target.Parent(); parent != nil {
		s, err := m.acquireSession(ctx, parent)
		switch {
		case err == nil:
			return s, nil
		case ctx.Err() != nil:
			return nil, err
		default:
			m.log.V(1).Info("Parent target has no session, using the root session",
				"TargetID", target.ID(), "ParentID", parent.ID(), "Error", err.Error())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	root := m.rootSessions[target.Origin()]
	if root == nil {
		return nil, fmt.Errorf("%w: %s (origin %s)", ErrNoParentSession, target.ID(), target.Origin())
	}
	return root, nil
}

func (m *Manager) abandonPending(id string, future *concurrency.Future[*Session], err error) {
	m.mu.Lock()
	if m.sessionForTarget[id] == future {
		delete(m.sessionForTarget, id)
		delete(m.pendingTargets, id)
	}
	m.mu.Unlock()

	future.Reject(err)
}

// ReleaseDap forgets the session of the target. A caller still waiting in AcquireDap gets ErrTargetGone.
// The session connection stays open; the host closes it once the client has seen the terminated event.
func (m *Manager) ReleaseDap(target targets.Target) {
	id := target.ID()

	m.mu.Lock()
	delete(m.pendingTargets, id)
	future := m.sessionForTarget[id]
	delete(m.sessionForTarget, id)
	var released []*Session
	for _, s := range m.sessions {
		if s.target != nil && s.target.ID() == id {
			released = append(released, s)
		}
	}
	m.mu.Unlock()

	if future != nil {
		future.Reject(fmt.Errorf("%w: %s", ErrTargetGone, id))
	}
	for _, s := range released {
		s.stopFollowingTargetName()
	}
	m.log.V(1).Info("Target session released", "TargetID", id)
}

// Terminate ends the session after its connection went away.
func (m *Manager) Terminate(sessionID string) {
	m.mu.Lock()
	s := m.sessions[sessionID]
	var root *Session
	if s != nil {
		root = m.rootSessions[s.origin]
	}
	m.mu.Unlock()

	if s == nil {
		return
	}
	m.forget(s)
	m.dispose(s, root)
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[s.ID()] == s {
		delete(m.sessions, s.ID())
	}
	if s.IsRoot() && m.rootSessions[s.origin] == s {
		delete(m.rootSessions, s.origin)
	}
}

func (m *Manager) dispose(s *Session, root *Session) {
	s.stopFollowingTargetName()

	if s.IsRoot() {
		s.binder.Dispose()
		s.log.V(1).Info("Root session ended")
		return
	}

	// A child session whose client went away no longer debugs its target. The target may
	// have been released already and bound to a newer session, which must survive.
	if root != nil && root != s {
		root.binder.ReleaseConnection(s.target, s.Connection())
	}
	s.log.V(1).Info("Child session ended")
}

// Session returns the live session with the given id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, found := m.sessions[id]
	return s, found
}

// Dispose ends every session.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	var ids []string
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Terminate(id)
	}
}

// childType is the debug type of a nested session. The host cannot nest an extension host
// session inside another one, so extension host targets are debugged as Node sessions.
func childType(parentType targets.DebugType) targets.DebugType {
	if parentType == targets.DebugTypeExtensionHost {
		return targets.DebugTypeNode
	}
	return parentType
}

func childConfig(parent *Session, target targets.Target) map[string]any {
	return map[string]any{
		"type":                     string(childType(parent.debugType)),
		"request":                  string(parent.request),
		"name":                     target.Name(),
		targets.PendingTargetIDKey: target.ID(),
	}
}
