// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package binder keeps the targets produced by a session's launchers in step with the
// DAP sessions that debug them. It attaches to every target that waits for a debugger,
// builds a debug adapter for it on a connection supplied by a Delegate, and tears the
// session down when the target goes away.
package binder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/smallnest/chanx"

	"github.com/microsoft/jsdebug/internal/adapter"
	jsdap "github.com/microsoft/jsdebug/internal/dap"
	"github.com/microsoft/jsdebug/internal/pubsub"
	"github.com/microsoft/jsdebug/internal/targets"
)

const reconcileQueueInitialCapacity = 8

type Config struct {
	// Root is the DAP connection of the session that owns the launchers. Required.
	Root *jsdap.Connection
	// Launchers is fixed for the lifetime of the binder.
	Launchers []targets.Launcher
	// Delegate supplies DAP connections for attached targets. Required.
	Delegate Delegate
	// Origin is given to the launchers and ends up on every target they produce.
	Origin   targets.OriginID
	RootPath string
	// OnTargetBound, if set, is called after a target's session is fully wired.
	OnTargetBound func(target targets.Target, da *adapter.DebugAdapter)
	// Logger defaults to logr.Discard() if not set.
	Logger logr.Logger
}

// Binder attaches to the targets of one root session and owns their DAP sessions.
type Binder struct {
	config Config
	root   *jsdap.Connection
	log    logr.Logger

	lifetimeCtx    context.Context
	cancel         context.CancelFunc
	reconcileQueue *chanx.UnboundedChan[struct{}]
	reconcilerDone chan struct{}
	attaches       sync.WaitGroup
	disposeOnce    sync.Once

	// mu protects the fields below
	mu                sync.Mutex
	launchers         []targets.Launcher
	listSubscriptions []*pubsub.Subscription[struct{}]
	bindings          map[string]*binding
	terminationCount  int
	terminatedSent    bool
	rootUnregister    []func()
	disposed          bool
}

func New(config Config) *Binder {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	lifetimeCtx, cancel := context.WithCancel(context.Background())
	b := &Binder{
		config:         config,
		root:           config.Root,
		log:            log,
		lifetimeCtx:    lifetimeCtx,
		cancel:         cancel,
		reconcileQueue: chanx.NewUnboundedChan[struct{}](lifetimeCtx, reconcileQueueInitialCapacity),
		reconcilerDone: make(chan struct{}),
		launchers:      slices.Clone(config.Launchers),
		bindings:       make(map[string]*binding),
	}

	for _, l := range b.launchers {
		sink := make(chan struct{}, 1)
		b.listSubscriptions = append(b.listSubscriptions, l.SubscribeTargetListChanged(sink))
		go b.forwardListChanges(sink)
	}
	go b.reconciler()

	b.rootUnregister = []func(){
		b.root.Handle("initialize", b.onRootInitialize),
		b.root.Handle("configurationDone", b.onRootConfigurationDone),
		b.root.Handle("launch", b.onRootLaunch(targets.RequestLaunch)),
		b.root.Handle("attach", b.onRootLaunch(targets.RequestAttach)),
		b.root.Handle("terminate", b.onRootTerminate),
		b.root.Handle("disconnect", b.onRootDisconnect),
		b.root.Handle("restart", b.onRootRestart),
		b.root.Handle("threads", onRootThreads),
		b.root.Handle("setBreakpoints", onRootSetBreakpoints),
		b.root.Handle("setExceptionBreakpoints", onRootSetExceptionBreakpoints),
		b.root.Handle("loadedSources", onRootLoadedSources),
	}
	if _, initialized := b.root.InitializeArguments(); initialized {
		b.sendRootEvent(jsdap.NewInitializedEvent())
	}
	b.root.Seal()

	return b
}

// Launch hands the configuration to every launcher at once and waits for all of them to answer.
// Errors from launchers that claimed the configuration but could not set it up are joined.
func (b *Binder) Launch(ctx context.Context, config targets.LaunchConfig) error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return ErrDisposed
	}
	launchers := slices.Clone(b.launchers)
	b.mu.Unlock()

	lc := targets.LaunchContext{Origin: b.config.Origin, Output: b.sendOutput}
	errs := make([]error, len(launchers))
	claimed := make([]bool, len(launchers))
	var wg sync.WaitGroup
	for i, l := range launchers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed[i], errs[i] = b.launchOne(ctx, l, config, lc)
		}()
	}
	wg.Wait()

	claims := 0
	for _, c := range claimed {
		if c {
			claims++
		}
	}
	if claims > 1 {
		b.log.Info("More than one launcher claimed the configuration", "Type", config.Type, "Request", config.Request, "Claims", claims)
	}
	return errors.Join(errs...)
}

func (b *Binder) launchOne(ctx context.Context, l targets.Launcher, config targets.LaunchConfig, lc targets.LaunchContext) (bool, error) {
	// Subscribe first so a launcher that finishes right away cannot be missed.
	sink := make(chan targets.TerminatedEvent, 1)
	sub := l.SubscribeTerminated(sink)

	result := l.Launch(ctx, config, lc)
	if result.Error != "" {
		go pubsub.Drain(sub, sink)
		return false, errors.New(result.Error)
	}
	if !result.BlockSessionTermination {
		go pubsub.Drain(sub, sink)
		return false, nil
	}

	b.mu.Lock()
	b.terminationCount++
	b.terminatedSent = false
	b.mu.Unlock()

	go b.awaitTermination(sub, sink)
	return true, nil
}

func (b *Binder) awaitTermination(sub *pubsub.Subscription[targets.TerminatedEvent], sink chan targets.TerminatedEvent) {
	defer pubsub.Drain(sub, sink)

	select {
	case ev, ok := <-sink:
		if ok {
			b.onLauncherTerminated(ev)
		}
	case <-b.lifetimeCtx.Done():
	}
}

func (b *Binder) onLauncherTerminated(ev targets.TerminatedEvent) {
	if ev.Error != "" {
		b.sendOutput(targets.OutputStderr, ev.Error+"\n")
	}

	b.mu.Lock()
	b.terminationCount--
	allDone := b.terminationCount == 0
	b.mu.Unlock()

	if allDone {
		b.log.V(1).Info("Every launcher has terminated")
		b.sendRootTerminated(ev.Restart)
	}
}

// sendRootTerminated tells the root session it has ended. Only the first call after the
// last claim has any effect.
func (b *Binder) sendRootTerminated(restart any) {
	b.mu.Lock()
	if b.terminatedSent || b.disposed {
		b.mu.Unlock()
		return
	}
	b.terminatedSent = true
	b.mu.Unlock()

	b.sendRootEvent(jsdap.NewTerminatedEvent(restart))
}

// Restart asks every launcher to restart what it started.
func (b *Binder) Restart(ctx context.Context) error {
	return b.broadcast(ctx, targets.Launcher.Restart)
}

func (b *Binder) broadcast(ctx context.Context, op func(targets.Launcher, context.Context) error) error {
	b.mu.Lock()
	launchers := slices.Clone(b.launchers)
	b.mu.Unlock()

	errs := make([]error, len(launchers))
	var wg sync.WaitGroup
	for i, l := range launchers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = op(l, ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (b *Binder) forwardListChanges(sink <-chan struct{}) {
	for range sink {
		b.requestReconcile()
	}
}

func (b *Binder) requestReconcile() {
	select {
	case b.reconcileQueue.In <- struct{}{}:
	case <-b.lifetimeCtx.Done():
	}
}

func (b *Binder) reconciler() {
	defer close(b.reconcilerDone)

	for range b.reconcileQueue.Out {
		if b.lifetimeCtx.Err() != nil {
			continue
		}
		b.reconcile()
	}
}

func (b *Binder) reconcile() {
	b.mu.Lock()
	launchers := slices.Clone(b.launchers)
	b.mu.Unlock()

	var list []targets.Target
	for _, l := range launchers {
		list = append(list, l.TargetList()...)
	}
	b.reconcileWith(list)
}

// reconcileWith attaches to waiting targets that have no binding and releases bound targets
// missing from the list.
func (b *Binder) reconcileWith(list []targets.Target) {
	present := make(map[string]bool, len(list))
	for _, t := range list {
		present[t.ID()] = true
	}

	var toRelease, toAttach []*binding

	b.mu.Lock()
	for id, bd := range b.bindings {
		if present[id] {
			continue
		}
		switch bd.state {
		case TargetStateAttaching:
			bd.state = TargetStateOrphaned
		case TargetStateAttached:
			toRelease = append(toRelease, bd)
		}
	}
	if !b.disposed {
		for _, t := range list {
			if _, bound := b.bindings[t.ID()]; bound || !t.WaitingForDebugger() {
				continue
			}
			bd := &binding{target: t, state: TargetStateAttaching, released: make(chan struct{})}
			b.bindings[t.ID()] = bd
			toAttach = append(toAttach, bd)
		}
	}
	b.mu.Unlock()

	for _, bd := range toRelease {
		b.releaseBinding(bd)
	}
	for _, bd := range toAttach {
		b.attaches.Add(1)
		go b.attach(bd)
	}
}

func (b *Binder) attach(bd *binding) {
	defer b.attaches.Done()

	ctx := b.lifetimeCtx
	t := bd.target
	log := b.log.WithValues("TargetID", t.ID())

	if !t.CanAttach() {
		b.abandon(bd)
		return
	}

	cdpConn, err := t.Attach(ctx)
	if err != nil {
		b.abandon(bd)
		b.reportAttachFailure(t, err)
		return
	}
	if cdpConn == nil {
		log.V(1).Info("Target went away while attaching")
		b.abandon(bd)
		return
	}

	dapConn, err := b.config.Delegate.AcquireDap(ctx, t)
	if err != nil {
		b.abandon(bd)
		b.detachQuietly(t)
		b.reportAttachFailure(t, err)
		return
	}

	if !b.isAttaching(bd) {
		log.V(1).Info("Target went away while its session was starting")
		b.teardownAttach(bd, nil, nil)
		return
	}

	da := adapter.New(adapter.Config{
		Conn:         dapConn,
		RootPath:     b.config.RootPath,
		PathResolver: t.PathResolver(),
		Logger:       log,
	})
	thread, err := da.CreateThread(ctx, t.Name(), cdpConn)
	if err != nil {
		b.teardownAttach(bd, da, nil)
		b.reportAttachFailure(t, err)
		return
	}

	// The binding must be recorded before any handler on the child connection can run.
	b.mu.Lock()
	if b.disposed || bd.state != TargetStateAttaching || b.bindings[t.ID()] != bd {
		b.mu.Unlock()
		log.V(1).Info("Target went away while its session was starting")
		b.teardownAttach(bd, da, thread)
		return
	}
	bd.state = TargetStateAttached
	bd.cdpConn = cdpConn
	bd.dapConn = dapConn
	bd.adapter = da
	bd.thread = thread
	b.mu.Unlock()

	unregister := []func(){
		dapConn.Handle("launch", b.onChildLaunch(bd)),
		dapConn.Handle("attach", b.onChildLaunch(bd)),
		dapConn.Handle("disconnect", b.onChildDisconnect(bd)),
		dapConn.Handle("terminate", b.onChildTerminate(bd)),
		dapConn.Handle("restart", b.onChildRestart(bd)),
	}

	b.mu.Lock()
	stillBound := b.bindings[t.ID()] == bd && bd.state == TargetStateAttached
	if stillBound {
		bd.unregister = unregister
	}
	b.mu.Unlock()
	if !stillBound {
		// Released while the handlers were being registered.
		for _, u := range unregister {
			u()
		}
		return
	}

	dapConn.Seal()
	log.V(1).Info("Target attached", "Name", t.Name())
	go b.releaseOnDebuggerLoss(bd)

	if b.config.OnTargetBound != nil {
		b.config.OnTargetBound(t, da)
	}

	// The target may have left the list while the attach was in flight.
	b.requestReconcile()
}

func (b *Binder) isAttaching(bd *binding) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.disposed && bd.state == TargetStateAttaching && b.bindings[bd.target.ID()] == bd
}

// abandon drops a binding that never reached the attached state.
func (b *Binder) abandon(bd *binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bindings[bd.target.ID()] == bd {
		delete(b.bindings, bd.target.ID())
	}
	bd.state = TargetStateReleased
}

// teardownAttach undoes an attach that got as far as acquiring the DAP connection.
func (b *Binder) teardownAttach(bd *binding, da *adapter.DebugAdapter, thread *adapter.Thread) {
	b.abandon(bd)
	if thread != nil {
		thread.Dispose()
	}
	if da != nil {
		da.Dispose()
	}
	b.detachQuietly(bd.target)
	b.config.Delegate.ReleaseDap(bd.target)
}

func (b *Binder) detachQuietly(t targets.Target) {
	if !t.CanDetach() {
		return
	}
	if err := t.Detach(context.Background()); err != nil {
		b.log.V(1).Info("Could not detach from target", "TargetID", t.ID(), "Error", err.Error())
	}
}

func (b *Binder) reportAttachFailure(t targets.Target, err error) {
	if b.lifetimeCtx.Err() != nil || errors.Is(err, context.Canceled) {
		b.log.V(1).Info("Attach cancelled", "TargetID", t.ID(), "Error", err.Error())
		return
	}
	b.log.Error(err, "Could not attach to target", "TargetID", t.ID(), "Name", t.Name())
	b.sendOutput(targets.OutputConsole, fmt.Sprintf("Could not attach to %s: %s\n", t.Name(), err.Error()))
}

// Release ends the session of the target. Releasing a target that has no session does nothing.
func (b *Binder) Release(t targets.Target) {
	b.mu.Lock()
	bd := b.bindings[t.ID()]
	b.mu.Unlock()

	if bd != nil {
		b.releaseBinding(bd)
	}
}

// ReleaseConnection ends the session of the target only if that session is served over conn.
func (b *Binder) ReleaseConnection(t targets.Target, conn *jsdap.Connection) {
	b.mu.Lock()
	bd := b.bindings[t.ID()]
	if bd != nil && bd.dapConn != conn {
		bd = nil
	}
	b.mu.Unlock()

	if bd != nil {
		b.releaseBinding(bd)
	}
}

// Detach disconnects the debugger from the target and ends its session.
func (b *Binder) Detach(ctx context.Context, t targets.Target) error {
	if !t.CanDetach() {
		return nil
	}

	b.mu.Lock()
	bd := b.bindings[t.ID()]
	if bd != nil && bd.state == TargetStateAttached {
		bd.state = TargetStateDetaching
	}
	b.mu.Unlock()

	err := t.Detach(ctx)
	if bd != nil {
		b.releaseBinding(bd)
	}
	return err
}

func (b *Binder) releaseBinding(bd *binding) {
	id := bd.target.ID()

	b.mu.Lock()
	if b.bindings[id] != bd || (bd.state != TargetStateAttached && bd.state != TargetStateDetaching) {
		b.mu.Unlock()
		return
	}
	delete(b.bindings, id)
	bd.state = TargetStateReleased
	close(bd.released)
	unregister := bd.unregister
	bd.unregister = nil
	b.mu.Unlock()

	bd.thread.Dispose()
	if err := bd.dapConn.SendEvent(jsdap.NewTerminatedEvent(nil)); err != nil {
		b.log.V(1).Info("Could not send terminated event", "TargetID", id, "Error", err.Error())
	}
	for _, u := range unregister {
		u()
	}
	bd.adapter.Dispose()
	b.config.Delegate.ReleaseDap(bd.target)

	b.log.V(1).Info("Target released", "TargetID", id)
}

// releaseOnDebuggerLoss ends the session of the target when its CDP connection closes underneath it.
func (b *Binder) releaseOnDebuggerLoss(bd *binding) {
	select {
	case <-bd.cdpConn.Done():
		b.log.V(1).Info("Debugger connection to target closed", "TargetID", bd.target.ID())
		b.releaseBinding(bd)
	case <-bd.released:
	case <-b.lifetimeCtx.Done():
	}
}

// TargetStates returns the state of every target that currently has a binding.
func (b *Binder) TargetStates() map[string]TargetState {
	b.mu.Lock()
	defer b.mu.Unlock()

	states := make(map[string]TargetState, len(b.bindings))
	for id, bd := range b.bindings {
		states[id] = bd.state
	}
	return states
}

// Dispose releases every target and disposes the launchers. It is safe to call more than once.
func (b *Binder) Dispose() {
	b.disposeOnce.Do(func() {
		b.mu.Lock()
		b.disposed = true
		launchers := b.launchers
		b.launchers = nil
		subs := b.listSubscriptions
		b.listSubscriptions = nil
		rootUnregister := b.rootUnregister
		b.rootUnregister = nil
		b.mu.Unlock()

		for _, sub := range subs {
			sub.Cancel()
		}
		b.cancel()
		for _, l := range launchers {
			l.Dispose()
		}

		<-b.reconcilerDone
		b.attaches.Wait()
		b.reconcileWith(nil)

		for _, u := range rootUnregister {
			u()
		}
		b.log.V(1).Info("Binder disposed")
	})
}

func (b *Binder) sendOutput(category, text string) {
	b.sendRootEvent(jsdap.NewOutputEvent(category, text))
}

func (b *Binder) sendRootEvent(event dap.EventMessage) {
	if err := b.root.SendEvent(event); err != nil {
		b.log.V(1).Info("Could not send event to the root session", "Event", event.GetEvent().Event, "Error", err.Error())
	}
}

func (b *Binder) onRootInitialize(_ context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	if r, ok := req.(*dap.InitializeRequest); ok {
		b.root.MarkInitialized(r.Arguments)
	}
	b.root.Respond(req, adapter.NewCapabilitiesResponse())
	b.sendRootEvent(jsdap.NewInitializedEvent())
	return nil, jsdap.ErrResponseDeferred
}

func (b *Binder) onRootConfigurationDone(context.Context, dap.RequestMessage) (dap.ResponseMessage, error) {
	return &dap.ConfigurationDoneResponse{}, nil
}

func (b *Binder) onRootLaunch(kind targets.RequestKind) jsdap.RequestHandler {
	return func(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
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
		if err = b.Launch(ctx, config); err != nil {
			return nil, err
		}

		if kind == targets.RequestAttach {
			return &dap.AttachResponse{}, nil
		}
		return &dap.LaunchResponse{}, nil
	}
}

func (b *Binder) onRootTerminate(ctx context.Context, _ dap.RequestMessage) (dap.ResponseMessage, error) {
	// Launchers may report termination before Terminate returns, so decide up front.
	b.mu.Lock()
	idle := b.terminationCount == 0
	b.mu.Unlock()

	err := b.broadcast(ctx, targets.Launcher.Terminate)
	if idle {
		// Nothing is running, so no launcher will report termination.
		b.sendRootTerminated(nil)
	}

	if err != nil {
		return nil, err
	}
	return &dap.TerminateResponse{}, nil
}

func (b *Binder) onRootDisconnect(ctx context.Context, _ dap.RequestMessage) (dap.ResponseMessage, error) {
	if err := b.broadcast(ctx, targets.Launcher.Disconnect); err != nil {
		return nil, err
	}
	return &dap.DisconnectResponse{}, nil
}

func (b *Binder) onRootRestart(ctx context.Context, _ dap.RequestMessage) (dap.ResponseMessage, error) {
	if err := b.Restart(ctx); err != nil {
		return nil, err
	}
	return &dap.RestartResponse{}, nil
}

// The root session has no runtime of its own; these keep clients that query it anyway happy.

func onRootThreads(context.Context, dap.RequestMessage) (dap.ResponseMessage, error) {
	return &dap.ThreadsResponse{Body: dap.ThreadsResponseBody{Threads: []dap.Thread{}}}, nil
}

func onRootSetBreakpoints(_ context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	var requested []dap.SourceBreakpoint
	if r, ok := req.(*dap.SetBreakpointsRequest); ok {
		requested = r.Arguments.Breakpoints
	}
	bps := make([]dap.Breakpoint, len(requested))
	for i, bp := range requested {
		bps[i] = dap.Breakpoint{Verified: false, Line: bp.Line}
	}
	return &dap.SetBreakpointsResponse{Body: dap.SetBreakpointsResponseBody{Breakpoints: bps}}, nil
}

func onRootSetExceptionBreakpoints(context.Context, dap.RequestMessage) (dap.ResponseMessage, error) {
	return &dap.SetExceptionBreakpointsResponse{}, nil
}

func onRootLoadedSources(context.Context, dap.RequestMessage) (dap.ResponseMessage, error) {
	return &dap.LoadedSourcesResponse{Body: dap.LoadedSourcesResponseBody{Sources: []dap.Source{}}}, nil
}

func (b *Binder) onChildLaunch(bd *binding) jsdap.RequestHandler {
	return func(ctx context.Context, _ dap.RequestMessage) (dap.ResponseMessage, error) {
		if err := bd.adapter.LaunchBlocker(ctx); err != nil {
			return nil, err
		}
		if _, err := bd.cdpConn.Send(ctx, "Runtime.runIfWaitingForDebugger", nil); err != nil {
			b.log.V(1).Info("Could not resume the target", "TargetID", bd.target.ID(), "Error", err.Error())
		}
		return nil, nil
	}
}

func (b *Binder) onChildDisconnect(bd *binding) jsdap.RequestHandler {
	return func(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
		terminate := false
		if r, ok := req.(*dap.DisconnectRequest); ok && r.Arguments != nil {
			terminate = r.Arguments.TerminateDebuggee
		}

		t := bd.target
		var err error
		switch {
		case terminate && t.CanStop():
			err = t.Stop(ctx)
		case t.CanDetach():
			err = b.Detach(ctx, t)
		case t.CanStop():
			err = t.Stop(ctx)
		}
		if err != nil {
			return nil, err
		}
		return &dap.DisconnectResponse{}, nil
	}
}

func (b *Binder) onChildTerminate(bd *binding) jsdap.RequestHandler {
	return func(ctx context.Context, _ dap.RequestMessage) (dap.ResponseMessage, error) {
		if bd.target.CanStop() {
			if err := bd.target.Stop(ctx); err != nil {
				return nil, err
			}
		}
		return &dap.TerminateResponse{}, nil
	}
}

func (b *Binder) onChildRestart(bd *binding) jsdap.RequestHandler {
	return func(ctx context.Context, _ dap.RequestMessage) (dap.ResponseMessage, error) {
		var err error
		if bd.target.CanRestart() {
			err = bd.target.Restart(ctx)
		} else {
			err = b.Restart(ctx)
		}
		if err != nil {
			return nil, err
		}
		return &dap.RestartResponse{}, nil
	}
}
