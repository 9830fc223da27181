/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package targets

import (
	"context"

	"github.com/microsoft/jsdebug/internal/cdp"
	"github.com/microsoft/jsdebug/internal/pubsub"
)

// OriginID identifies the root session tree a target belongs to.
type OriginID string

// Target is one debuggable unit. Operations a target cannot perform are no-ops;
// callers check the matching Can* method first.
type Target interface {
	// ID is unique within a session tree.
	ID() string
	Name() string
	// SubscribeNameChanged delivers new names until the subscription is cancelled or the target goes away.
	SubscribeNameChanged(sink chan<- string) *pubsub.Subscription[string]

	// Parent returns nil for top-level targets.
	Parent() Target
	Origin() OriginID
	// Type is the debug type of the configuration that produced the target.
	Type() DebugType
	// WaitingForDebugger reports whether the target should be attached to automatically.
	WaitingForDebugger() bool

	CanStop() bool
	Stop(ctx context.Context) error
	CanRestart() bool
	Restart(ctx context.Context) error

	// CanAttach is false while an attach is in progress or a connection already exists.
	CanAttach() bool
	// Attach opens the debugger connection. A nil connection with a nil error means the
	// target went away while attaching.
	Attach(ctx context.Context) (*cdp.Conn, error)
	CanDetach() bool
	Detach(ctx context.Context) error

	PathResolver() PathResolver
}

// Children returns the targets in the list whose parent is the given target.
func Children(list []Target, parent Target) []Target {
	var children []Target
	for _, t := range list {
		if p := t.Parent(); p != nil && p.ID() == parent.ID() {
			children = append(children, t)
		}
	}
	return children
}
