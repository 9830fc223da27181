// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package binder

import (
	"context"
	"errors"

	"github.com/microsoft/jsdebug/internal/adapter"
	"github.com/microsoft/jsdebug/internal/cdp"
	jsdap "github.com/microsoft/jsdebug/internal/dap"
	"github.com/microsoft/jsdebug/internal/targets"
)

var ErrDisposed = errors.New("the debug session has ended")

// TargetState is the position of a target in the binding lifecycle.
type TargetState int

const (
	// The target is known but no binding exists.
	TargetStateUnattached TargetState = iota
	// The debugger connection or the DAP session for the target is being set up.
	TargetStateAttaching
	// The target has a debug adapter answering its DAP session.
	TargetStateAttached
	// The binding is being torn down after an explicit detach.
	TargetStateDetaching
	// The target disappeared while it was being attached; the attach will be abandoned.
	TargetStateOrphaned
	// The binding is gone. Terminal.
	TargetStateReleased
)

func (s TargetState) String() string {
	switch s {
	case TargetStateUnattached:
		return "Unattached"
	case TargetStateAttaching:
		return "Attaching"
	case TargetStateAttached:
		return "Attached"
	case TargetStateDetaching:
		return "Detaching"
	case TargetStateOrphaned:
		return "Orphaned"
	case TargetStateReleased:
		return "Released"
	default:
		return "Unknown"
	}
}

// Delegate provides the DAP session for each target the binder attaches to.
type Delegate interface {
	// AcquireDap returns the DAP connection that will serve the target's session.
	// It may block until a client connects for the target; it must honor ctx cancellation.
	AcquireDap(ctx context.Context, target targets.Target) (*jsdap.Connection, error)
	// ReleaseDap is called exactly once for every successful AcquireDap when the target's session ends.
	ReleaseDap(target targets.Target)
}

// binding is the registry entry for one target.
type binding struct {
	target targets.Target
	state  TargetState

	cdpConn    *cdp.Conn
	dapConn    *jsdap.Connection
	adapter    *adapter.DebugAdapter
	thread     *adapter.Thread
	unregister []func()

	// Closed when an attached binding is released.
	released chan struct{}
}
