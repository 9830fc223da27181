/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package targets

import (
	"context"

	"github.com/microsoft/jsdebug/internal/pubsub"
)

// Output categories passed to LaunchContext.Output.
const (
	OutputConsole = "console"
	OutputStdout  = "stdout"
	OutputStderr  = "stderr"
)

// LaunchContext carries what a launcher needs from the session that asked it to launch.
type LaunchContext struct {
	// Origin is assigned to every target produced by the launch.
	Origin OriginID
	// Output, if set, receives program output that should be shown to the user.
	Output func(category string, text string)
}

// LaunchResult is the outcome of Launcher.Launch.
// The zero value means the launcher declined the configuration.
type LaunchResult struct {
	// BlockSessionTermination is set when the launcher claimed the configuration;
	// the session does not end until the launcher reports termination.
	BlockSessionTermination bool
	// Error is set when the launcher claimed the configuration but could not set it up.
	Error string
}

// TerminatedEvent reports that everything a launcher started has ended.
type TerminatedEvent struct {
	Code   int
	Killed bool
	Error  string
	// Restart, if set, is passed to the client in the terminated event to request a restart.
	Restart any
}

// Launcher produces targets for the configurations it understands.
type Launcher interface {
	// Launch decides whether the configuration is handled by this launcher and, if so, sets it up.
	// Errors are reported in the result, never returned.
	Launch(ctx context.Context, config LaunchConfig, lc LaunchContext) LaunchResult

	// Terminate, Disconnect, and Restart apply to everything the launcher started; they are no-ops when idle.
	Terminate(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Restart(ctx context.Context) error

	TargetList() []Target
	SubscribeTargetListChanged(sink chan<- struct{}) *pubsub.Subscription[struct{}]
	SubscribeTerminated(sink chan<- TerminatedEvent) *pubsub.Subscription[TerminatedEvent]

	Dispose()
}
