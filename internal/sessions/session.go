// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package sessions

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/microsoft/jsdebug/internal/binder"
	jsdap "github.com/microsoft/jsdebug/internal/dap"
	"github.com/microsoft/jsdebug/internal/pubsub"
	"github.com/microsoft/jsdebug/internal/targets"
)

// HostSession is the host's handle for one client connection.
type HostSession interface {
	// ID is unique among the connections of the host.
	ID() string
	Connection() *jsdap.Connection
}

// Session is a debug session known to the manager: either a root session that owns a binder,
// or a child session that debugs a single target.
type Session struct {
	host      HostSession
	origin    targets.OriginID
	debugType targets.DebugType
	request   targets.RequestKind
	target    targets.Target
	binder    *binder.Binder
	log       logr.Logger

	nameSub  *pubsub.Subscription[string]
	nameDone chan struct{}
	stopOnce sync.Once

	// mu protects the fields below
	mu   sync.Mutex
	name string
}

func (s *Session) ID() string                    { return s.host.ID() }
func (s *Session) Connection() *jsdap.Connection { return s.host.Connection() }
func (s *Session) Origin() targets.OriginID      { return s.origin }
func (s *Session) Type() targets.DebugType       { return s.debugType }
func (s *Session) Request() targets.RequestKind  { return s.request }
func (s *Session) IsRoot() bool                  { return s.target == nil }

// Target returns the target debugged by a child session, or nil for a root session.
func (s *Session) Target() targets.Target { return s.target }

// Binder returns the binder of a root session, or nil for a child session.
func (s *Session) Binder() *binder.Binder { return s.binder }

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// followTargetName keeps the session name equal to the target name and tells the client about changes.
func (s *Session) followTargetName() {
	sink := make(chan string, 1)
	s.nameSub = s.target.SubscribeNameChanged(sink)
	s.nameDone = make(chan struct{})

	go func() {
		defer close(s.nameDone)
		for name := range sink {
			s.mu.Lock()
			changed := s.name != name
			s.name = name
			s.mu.Unlock()

			if !changed {
				continue
			}
			if err := s.Connection().SendEvent(jsdap.NewSessionNameEvent(name)); err != nil {
				s.log.V(1).Info("Could not send session name", "Error", err.Error())
			}
		}
	}()
}

func (s *Session) stopFollowingTargetName() {
	s.stopOnce.Do(func() {
		if s.nameSub == nil {
			return
		}
		s.nameSub.Cancel()
		<-s.nameDone
	})
}
