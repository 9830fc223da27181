/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package targetstest

import (
	"context"
	"slices"
	"sync"

	"github.com/microsoft/jsdebug/internal/pubsub"
	"github.com/microsoft/jsdebug/internal/targets"
)

// LaunchFunc decides the outcome of a launch.
type LaunchFunc func(config targets.LaunchConfig, lc targets.LaunchContext) targets.LaunchResult

// Declining is a LaunchFunc that never claims a configuration.
func Declining(targets.LaunchConfig, targets.LaunchContext) targets.LaunchResult {
	return targets.LaunchResult{}
}

// Claiming is a LaunchFunc that claims every configuration.
func Claiming(targets.LaunchConfig, targets.LaunchContext) targets.LaunchResult {
	return targets.LaunchResult{BlockSessionTermination: true}
}

// Failing returns a LaunchFunc that claims every configuration but fails to set it up.
func Failing(message string) LaunchFunc {
	return func(targets.LaunchConfig, targets.LaunchContext) targets.LaunchResult {
		return targets.LaunchResult{Error: message}
	}
}

// Launcher is a launcher whose target list and termination are driven by the test.
type Launcher struct {
	launch LaunchFunc

	mu             sync.Mutex
	list           []targets.Target
	launches       []targets.LaunchConfig
	terminateCount int
	disconnects    int
	restartCount   int
	disposeCount   int
	onTerminate    func()

	listChanged *pubsub.SubscriptionSet[struct{}]
	terminated  *pubsub.SubscriptionSet[targets.TerminatedEvent]
}

var _ targets.Launcher = (*Launcher)(nil)

func NewLauncher(launch LaunchFunc) *Launcher {
	if launch == nil {
		launch = Declining
	}
	return &Launcher{
		launch:      launch,
		listChanged: pubsub.NewSubscriptionSet[struct{}](),
		terminated:  pubsub.NewSubscriptionSet[targets.TerminatedEvent](),
	}
}

func (l *Launcher) Launch(_ context.Context, config targets.LaunchConfig, lc targets.LaunchContext) targets.LaunchResult {
	l.mu.Lock()
	l.launches = append(l.launches, config)
	l.mu.Unlock()
	return l.launch(config, lc)
}

func (l *Launcher) Launches() []targets.LaunchConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.launches)
}

// SetTargets replaces the target list and notifies subscribers.
func (l *Launcher) SetTargets(list ...targets.Target) {
	l.mu.Lock()
	l.list = slices.Clone(list)
	l.mu.Unlock()
	l.NotifyTargetListChanged()
}

// NotifyTargetListChanged sends a change notification without changing the list.
func (l *Launcher) NotifyTargetListChanged() {
	l.listChanged.Notify(struct{}{})
}

// FireTerminated reports termination to subscribers.
func (l *Launcher) FireTerminated(ev targets.TerminatedEvent) {
	l.terminated.Notify(ev)
}

func (l *Launcher) TargetList() []targets.Target {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.list)
}

func (l *Launcher) SubscribeTargetListChanged(sink chan<- struct{}) *pubsub.Subscription[struct{}] {
	return l.listChanged.Subscribe(sink)
}

func (l *Launcher) SubscribeTerminated(sink chan<- targets.TerminatedEvent) *pubsub.Subscription[targets.TerminatedEvent] {
	return l.terminated.Subscribe(sink)
}

func (l *Launcher) TerminatedSubscriberCount() int { return l.terminated.Len() }

// SetOnTerminate installs a function that Terminate runs before it returns.
func (l *Launcher) SetOnTerminate(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTerminate = fn
}

func (l *Launcher) Terminate(context.Context) error {
	l.mu.Lock()
	l.terminateCount++
	onTerminate := l.onTerminate
	l.mu.Unlock()

	if onTerminate != nil {
		onTerminate()
	}
	return nil
}

func (l *Launcher) Disconnect(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
	return nil
}

func (l *Launcher) Restart(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restartCount++
	return nil
}

func (l *Launcher) Dispose() {
	l.mu.Lock()
	l.disposeCount++
	l.mu.Unlock()
	l.listChanged.Close()
	l.terminated.Close()
}

func (l *Launcher) TerminateCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminateCount
}

func (l *Launcher) DisconnectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

func (l *Launcher) RestartCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restartCount
}

func (l *Launcher) DisposeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disposeCount
}
