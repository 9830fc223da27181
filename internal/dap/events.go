// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"github.com/google/go-dap"
)

// Output event categories.
const (
	OutputCategoryConsole = "console"
	OutputCategoryStdout  = "stdout"
	OutputCategoryStderr  = "stderr"
)

func newEvent(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           name,
	}
}

func NewInitializedEvent() *dap.InitializedEvent {
	return &dap.InitializedEvent{Event: newEvent("initialized")}
}

func NewTerminatedEvent(restart any) *dap.TerminatedEvent {
	return &dap.TerminatedEvent{
		Event: newEvent("terminated"),
		Body:  dap.TerminatedEventBody{Restart: restart},
	}
}

func NewOutputEvent(category, output string) *dap.OutputEvent {
	return &dap.OutputEvent{
		Event: newEvent("output"),
		Body:  dap.OutputEventBody{Category: category, Output: output},
	}
}

func NewThreadEvent(reason string, threadId int) *dap.ThreadEvent {
	return &dap.ThreadEvent{
		Event: newEvent("thread"),
		Body:  dap.ThreadEventBody{Reason: reason, ThreadId: threadId},
	}
}

func NewStoppedEvent(reason string, threadId int) *dap.StoppedEvent {
	return &dap.StoppedEvent{
		Event: newEvent("stopped"),
		Body:  dap.StoppedEventBody{Reason: reason, ThreadId: threadId, AllThreadsStopped: true},
	}
}

func NewContinuedEvent(threadId int) *dap.ContinuedEvent {
	return &dap.ContinuedEvent{
		Event: newEvent("continued"),
		Body:  dap.ContinuedEventBody{ThreadId: threadId, AllThreadsContinued: true},
	}
}

// SessionNameEvent tells the client that the display name of the session changed.
// It is not part of the standard protocol; clients that do not know it ignore it.
type SessionNameEvent struct {
	dap.Event
	Body SessionNameEventBody `json:"body"`
}

type SessionNameEventBody struct {
	Name string `json:"name"`
}

func NewSessionNameEvent(name string) *SessionNameEvent {
	return &SessionNameEvent{
		Event: newEvent("jsdebug/sessionName"),
		Body:  SessionNameEventBody{Name: name},
	}
}

// NewStartDebuggingRequest builds the reverse request that asks the client to start a child session.
func NewStartDebuggingRequest(request string, configuration map[string]any) *dap.StartDebuggingRequest {
	return &dap.StartDebuggingRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Type: "request"},
			Command:         "startDebugging",
		},
		Arguments: dap.StartDebuggingRequestArguments{
			Request:       request,
			Configuration: configuration,
		},
	}
}
