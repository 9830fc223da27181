/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/go-dap"
)

type receivedEvent struct {
	event dap.EventMessage
	taken bool
}

// TestClient is a DAP client for testing purposes.
// It provides helper methods for common DAP operations and records every event it receives.
type TestClient struct {
	transport Transport
	seq       *sequenceCounter

	// responseChans tracks pending requests waiting for responses
	responseChans map[int]chan dap.Message
	responseMu    sync.Mutex

	// events received so far; eventArrived is closed and replaced whenever one arrives
	events       []*receivedEvent
	eventArrived chan struct{}
	eventMu      sync.Mutex

	// reverseRequests receives requests sent by the server (e.g. startDebugging)
	reverseRequests chan dap.RequestMessage

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTestClient creates a new DAP test client with the given transport.
func NewTestClient(transport Transport) *TestClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &TestClient{
		transport:       transport,
		seq:             newSequenceCounter(),
		responseChans:   make(map[int]chan dap.Message),
		eventArrived:    make(chan struct{}),
		reverseRequests: make(chan dap.RequestMessage, 16),
		ctx:             ctx,
		cancel:          cancel,
	}

	c.wg.Add(1)
	go c.readLoop()

	return c
}

func (c *TestClient) readLoop() {
	defer c.wg.Done()

	for {
		msg, readErr := c.transport.ReadMessage()
		if readErr != nil {
			var fieldErr *dap.DecodeProtocolMessageFieldError
			if errors.As(readErr, &fieldErr) {
				// Custom events the client does not know about
				continue
			}
			return
		}

		switch m := msg.(type) {
		case dap.ResponseMessage:
			resp := m.GetResponse()
			c.responseMu.Lock()
			if ch, ok := c.responseChans[resp.RequestSeq]; ok {
				ch <- msg
				delete(c.responseChans, resp.RequestSeq)
			}
			c.responseMu.Unlock()
		case dap.EventMessage:
			c.eventMu.Lock()
			c.events = append(c.events, &receivedEvent{event: m})
			close(c.eventArrived)
			c.eventArrived = make(chan struct{})
			c.eventMu.Unlock()
		case dap.RequestMessage:
			select {
			case c.reverseRequests <- m:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// SendRequest sends a request and waits for the response, whatever its outcome.
func (c *TestClient) SendRequest(ctx context.Context, req dap.RequestMessage) (dap.Message, error) {
	request := req.GetRequest()
	request.Type = "request"
	seq := c.seq.Next()
	request.Seq = seq

	respChan := make(chan dap.Message, 1)
	c.responseMu.Lock()
	c.responseChans[seq] = respChan
	c.responseMu.Unlock()

	if writeErr := c.transport.WriteMessage(req); writeErr != nil {
		c.responseMu.Lock()
		delete(c.responseChans, seq)
		c.responseMu.Unlock()
		return nil, fmt.Errorf("failed to send request: %w", writeErr)
	}

	select {
	case resp := <-respChan:
		return resp, nil
	case <-ctx.Done():
		c.responseMu.Lock()
		delete(c.responseChans, seq)
		c.responseMu.Unlock()
		return nil, ctx.Err()
	}
}

// send sends a request and converts an unsuccessful response into an error.
func (c *TestClient) send(ctx context.Context, req dap.RequestMessage) (dap.Message, error) {
	resp, err := c.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	rm, ok := resp.(dap.ResponseMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	if r := rm.GetResponse(); !r.Success {
		return resp, fmt.Errorf("%s failed: %s", r.Command, r.Message)
	}
	return resp, nil
}

func newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// Initialize sends an initialize request and returns the capabilities.
func (c *TestClient) Initialize(ctx context.Context) (*dap.InitializeResponse, error) {
	req := &dap.InitializeRequest{
		Request: newRequest("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:                      "test-client",
			ClientName:                    "DAP Test Client",
			AdapterID:                     "pwa-node",
			Locale:                        "en-US",
			LinesStartAt1:                 true,
			ColumnsStartAt1:               true,
			PathFormat:                    "path",
			SupportsStartDebuggingRequest: true,
		},
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}

	initResp, ok := resp.(*dap.InitializeResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return initResp, nil
}

// Launch sends a launch request with the given configuration.
func (c *TestClient) Launch(ctx context.Context, config map[string]any) error {
	args, marshalErr := json.Marshal(config)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal launch arguments: %w", marshalErr)
	}

	_, err := c.send(ctx, &dap.LaunchRequest{Request: newRequest("launch"), Arguments: args})
	return err
}

// Attach sends an attach request with the given configuration.
func (c *TestClient) Attach(ctx context.Context, config map[string]any) error {
	args, marshalErr := json.Marshal(config)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal attach arguments: %w", marshalErr)
	}

	_, err := c.send(ctx, &dap.AttachRequest{Request: newRequest("attach"), Arguments: args})
	return err
}

// ConfigurationDone signals that configuration is complete.
func (c *TestClient) ConfigurationDone(ctx context.Context) error {
	_, err := c.send(ctx, &dap.ConfigurationDoneRequest{Request: newRequest("configurationDone")})
	return err
}

// Threads requests the current list of threads.
func (c *TestClient) Threads(ctx context.Context) ([]dap.Thread, error) {
	resp, err := c.send(ctx, &dap.ThreadsRequest{Request: newRequest("threads")})
	if err != nil {
		return nil, err
	}

	threadsResp, ok := resp.(*dap.ThreadsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", resp)
	}
	return threadsResp.Body.Threads, nil
}

// Disconnect ends the session, optionally asking for the debuggee to be terminated.
func (c *TestClient) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	req := &dap.DisconnectRequest{
		Request:   newRequest("disconnect"),
		Arguments: &dap.DisconnectArguments{TerminateDebuggee: terminateDebuggee},
	}
	_, err := c.send(ctx, req)
	return err
}

// Terminate asks the debuggee to terminate.
func (c *TestClient) Terminate(ctx context.Context) error {
	_, err := c.send(ctx, &dap.TerminateRequest{Request: newRequest("terminate")})
	return err
}

// WaitForEvent waits for an event with the given name that has not been returned by a previous call.
func (c *TestClient) WaitForEvent(ctx context.Context, name string) (dap.EventMessage, error) {
	for {
		c.eventMu.Lock()
		for _, re := range c.events {
			if !re.taken && re.event.GetEvent().Event == name {
				re.taken = true
				c.eventMu.Unlock()
				return re.event, nil
			}
		}
		arrived := c.eventArrived
		c.eventMu.Unlock()

		select {
		case <-arrived:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for '%s' event: %w", name, ctx.Err())
		}
	}
}

// EventCount returns the number of events with the given name received so far.
func (c *TestClient) EventCount(name string) int {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	count := 0
	for _, re := range c.events {
		if re.event.GetEvent().Event == name {
			count++
		}
	}
	return count
}

// ReverseRequests returns the channel of requests sent by the server to this client.
func (c *TestClient) ReverseRequests() <-chan dap.RequestMessage {
	return c.reverseRequests
}

// RespondToReverseRequest answers a request sent by the server.
func (c *TestClient) RespondToReverseRequest(req dap.RequestMessage, success bool, message string) error {
	r := req.GetRequest()
	resp := &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: c.seq.Next(), Type: "response"},
		RequestSeq:      r.Seq,
		Command:         r.Command,
		Success:         success,
		Message:         message,
	}
	return c.transport.WriteMessage(resp)
}

// Close closes the client and its transport.
func (c *TestClient) Close() error {
	c.cancel()
	closeErr := c.transport.Close()
	c.wg.Wait()
	return closeErr
}
