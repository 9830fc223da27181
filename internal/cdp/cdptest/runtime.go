/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package cdptest provides a scriptable stand-in for a JavaScript runtime's debugger endpoint.
package cdptest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"nhooyr.io/websocket"

	"github.com/microsoft/jsdebug/internal/cdp"
)

// CommandHandler produces the result of a command. Returning a non-nil ProtocolError fails the command.
type CommandHandler func(params json.RawMessage) (any, *cdp.ProtocolError)

// Call is a command received by the runtime.
type Call struct {
	Method string
	Params json.RawMessage
}

// Runtime answers CDP commands. Commands without a handler succeed with an empty result.
type Runtime struct {
	mu        sync.Mutex
	handlers  map[string]CommandHandler
	calls     []Call
	callAdded chan struct{}
	peers     []cdp.Transport
}

func NewRuntime() *Runtime {
	return &Runtime{
		handlers:  make(map[string]CommandHandler),
		callAdded: make(chan struct{}),
	}
}

// Handle sets the handler for a command.
func (r *Runtime) Handle(method string, handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// Connect returns the client end of a new in-memory connection to the runtime.
func (r *Runtime) Connect() cdp.Transport {
	clientEnd, runtimeEnd := cdp.NewPipe()
	r.serve(runtimeEnd)
	return clientEnd
}

// ServeHTTP accepts a websocket connection and serves the runtime over it.
func (r *Runtime) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, acceptErr := websocket.Accept(w, req, nil)
	if acceptErr != nil {
		return
	}
	r.serve(cdp.NewWebSocketTransport(conn))
}

func (r *Runtime) serve(t cdp.Transport) {
	r.mu.Lock()
	r.peers = append(r.peers, t)
	r.mu.Unlock()

	go func() {
		ctx := context.Background()
		for {
			data, readErr := t.ReadMessage(ctx)
			if readErr != nil {
				return
			}

			var msg cdp.Message
			if json.Unmarshal(data, &msg) != nil {
				continue
			}

			r.mu.Lock()
			r.calls = append(r.calls, Call{Method: msg.Method, Params: msg.Params})
			close(r.callAdded)
			r.callAdded = make(chan struct{})
			handler := r.handlers[msg.Method]
			r.mu.Unlock()

			reply := cdp.Message{ID: msg.ID, Result: json.RawMessage("{}")}
			if handler != nil {
				result, protocolErr := handler(msg.Params)
				if protocolErr != nil {
					reply.Result = nil
					reply.Error = protocolErr
				} else if result != nil {
					raw, _ := json.Marshal(result)
					reply.Result = raw
				}
			}

			out, _ := json.Marshal(reply)
			if t.WriteMessage(ctx, out) != nil {
				return
			}
		}
	}()
}

// Emit sends an event to every connected client.
func (r *Runtime) Emit(method string, params any) error {
	raw, marshalErr := json.Marshal(params)
	if marshalErr != nil {
		return marshalErr
	}
	out, marshalErr := json.Marshal(cdp.Message{Method: method, Params: raw})
	if marshalErr != nil {
		return marshalErr
	}

	r.mu.Lock()
	peers := append([]cdp.Transport(nil), r.peers...)
	r.mu.Unlock()

	for _, p := range peers {
		if writeErr := p.WriteMessage(context.Background(), out); writeErr != nil {
			return writeErr
		}
	}
	return nil
}

// Calls returns the methods of all commands received so far, in order.
func (r *Runtime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	methods := make([]string, len(r.calls))
	for i, c := range r.calls {
		methods[i] = c.Method
	}
	return methods
}

// WaitForCall waits until a command with the given method has been received and returns it.
func (r *Runtime) WaitForCall(ctx context.Context, method string) (Call, error) {
	for {
		r.mu.Lock()
		for _, c := range r.calls {
			if c.Method == method {
				r.mu.Unlock()
				return c, nil
			}
		}
		added := r.callAdded
		r.mu.Unlock()

		select {
		case <-added:
		case <-ctx.Done():
			return Call{}, fmt.Errorf("waiting for %s: %w", method, ctx.Err())
		}
	}
}

// Disconnect closes all client connections.
func (r *Runtime) Disconnect() {
	r.mu.Lock()
	peers := r.peers
	r.peers = nil
	r.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}
}
