// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/smallnest/chanx"
)

const (
	outboundQueueInitialCapacity = 32

	// Identifier used in error responses produced by the adapter itself.
	adapterErrorId = 9000
)

// RequestHandler answers a single DAP request.
// A nil response with a nil error produces an empty successful response.
// A non-nil error produces an error response, unless it is ErrResponseDeferred.
type RequestHandler func(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error)

type handlerRegistration struct {
	command string
	handler RequestHandler
}

type ConnectionConfig struct {
	// Logger for connection events. Defaults to logr.Discard() if not set.
	Logger logr.Logger
}

// Connection is one DAP peer: it routes incoming requests to registered handlers,
// and sends responses, events, and reverse requests.
type Connection struct {
	transport Transport
	log       logr.Logger

	// seq generates sequence numbers for messages sent to the peer
	seq *sequenceCounter

	// pendingRequests tracks reverse requests awaiting responses
	pendingRequests *pendingRequestMap

	// outbound holds messages to be written to the peer, in order
	outbound *chanx.UnboundedChan[dap.Message]

	lifetimeCtx context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	runOnce     sync.Once
	closeOnce   sync.Once

	// mu protects the fields below
	mu             sync.Mutex
	handlers       map[string]*handlerRegistration
	defaultHandler RequestHandler
	heldRequests   []dap.RequestMessage
	sealed         bool
	initArgs       *dap.InitializeRequestArguments
}

func NewConnection(transport Transport, config ConnectionConfig) *Connection {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	lifetimeCtx, cancel := context.WithCancel(context.Background())

	return &Connection{
		transport:       transport,
		log:             log,
		seq:             newSequenceCounter(),
		pendingRequests: newPendingRequestMap(),
		outbound:        chanx.NewUnboundedChan[dap.Message](lifetimeCtx, outboundQueueInitialCapacity),
		lifetimeCtx:     lifetimeCtx,
		cancel:          cancel,
		done:            make(chan struct{}),
		handlers:        make(map[string]*handlerRegistration),
	}
}

// Run pumps messages until the peer disconnects, the context is cancelled, or Close is called.
// Returns nil on clean shutdown.
func (c *Connection) Run(ctx context.Context) error {
	var result error = ErrConnectionClosed
	c.runOnce.Do(func() {
		result = c.runInternal(ctx)
	})
	return result
}

func (c *Connection) runInternal(ctx context.Context) error {
	errChan := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		errChan <- c.reader()
	}()

	go func() {
		defer wg.Done()
		errChan <- c.writer()
	}()

	var result error
	select {
	case result = <-errChan:
	case <-ctx.Done():
		result = ctx.Err()
	case <-c.lifetimeCtx.Done():
	}

	c.Close()
	wg.Wait()

	if IsConnectionError(result) {
		c.log.V(1).Info("DAP connection ended", "reason", result.Error())
		return nil
	}
	return filterContextError(result, ctx, c.log)
}

func (c *Connection) reader() error {
	for {
		msg, readErr := c.transport.ReadMessage()
		if readErr != nil {
			if c.lifetimeCtx.Err() != nil {
				return nil
			}

			var fieldErr *dap.DecodeProtocolMessageFieldError
			if errors.As(readErr, &fieldErr) {
				// The message was read in full but could not be decoded, so the stream is still usable.
				c.log.V(1).Info("Ignoring undecodable DAP message", "error", readErr.Error())
				if fieldErr.SubType == "request" {
					req := &dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: fieldErr.Seq, Type: "request"}}
					if fieldErr.FieldName == "command" {
						req.Command = fieldErr.FieldValue
					}
					c.respondError(req, fmt.Errorf("%w: %s", ErrUnhandledRequest, fieldErr.FieldValue))
				}
				continue
			}

			return fmt.Errorf("failed to read from client: %w", readErr)
		}

		switch m := msg.(type) {
		case dap.RequestMessage:
			c.log.V(1).Info("Received request", "command", m.GetRequest().Command, "seq", m.GetSeq())
			c.route(m)
		case dap.ResponseMessage:
			resp := m.GetResponse()
			if ch := c.pendingRequests.Get(resp.RequestSeq); ch != nil {
				ch <- m
			} else {
				c.log.V(1).Info("Dropping response to unknown request", "command", resp.Command, "requestSeq", resp.RequestSeq)
			}
		default:
			c.log.V(1).Info("Unexpected message type from client", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (c *Connection) writer() error {
	for {
		select {
		case msg, ok := <-c.outbound.Out:
			if !ok {
				return nil
			}

			if writeErr := c.transport.WriteMessage(msg); writeErr != nil {
				if c.lifetimeCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("failed to write to client: %w", writeErr)
			}

		case <-c.lifetimeCtx.Done():
			return nil
		}
	}
}

func (c *Connection) enqueue(msg dap.Message) error {
	select {
	case <-c.lifetimeCtx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.outbound.In <- msg:
		return nil
	case <-c.lifetimeCtx.Done():
		return ErrConnectionClosed
	}
}

// Handle registers a handler for the given command, replacing any previous one.
// Requests for this command that were held back are delivered right away.
// The returned function removes this registration (and only this one).
func (c *Connection) Handle(command string, handler RequestHandler) func() {
	reg := &handlerRegistration{command: command, handler: handler}

	c.mu.Lock()
	c.handlers[command] = reg
	var ready []dap.RequestMessage
	remaining := c.heldRequests[:0]
	for _, req := range c.heldRequests {
		if req.GetRequest().Command == command {
			ready = append(ready, req)
		} else {
			remaining = append(remaining, req)
		}
	}
	c.heldRequests = remaining
	c.mu.Unlock()

	for _, req := range ready {
		c.dispatch(handler, req)
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.handlers[command] == reg {
			delete(c.handlers, command)
		}
	}
}

// HandleDefault sets the handler for requests that have no command-specific handler once the connection is sealed.
func (c *Connection) HandleDefault(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultHandler = handler
}

// Seal ends the period during which unhandled requests are held back.
// Requests still held are delivered to the default handler (or rejected).
func (c *Connection) Seal() {
	c.mu.Lock()
	if c.sealed {
		c.mu.Unlock()
		return
	}
	c.sealed = true
	held := c.heldRequests
	c.heldRequests = nil
	c.mu.Unlock()

	for _, req := range held {
		c.route(req)
	}
}

// Defer re-delivers a request as if it had just arrived.
// Handlers use it to hand a request over to handlers that are about to be registered.
func (c *Connection) Defer(req dap.RequestMessage) {
	c.route(req)
}

func (c *Connection) route(req dap.RequestMessage) {
	command := req.GetRequest().Command

	c.mu.Lock()
	var handler RequestHandler
	if reg, found := c.handlers[command]; found {
		handler = reg.handler
	} else if !c.sealed {
		c.heldRequests = append(c.heldRequests, req)
		c.mu.Unlock()
		c.log.V(1).Info("Holding request until a handler is available", "command", command)
		return
	} else {
		handler = c.defaultHandler
	}
	c.mu.Unlock()

	if handler == nil {
		c.respondError(req.GetRequest(), fmt.Errorf("%w: %s", ErrUnhandledRequest, command))
		return
	}

	c.dispatch(handler, req)
}

func (c *Connection) dispatch(handler RequestHandler, req dap.RequestMessage) {
	go func() {
		resp, err := handler(c.lifetimeCtx, req)
		switch {
		case errors.Is(err, ErrResponseDeferred):
			return
		case err != nil:
			c.respondError(req.GetRequest(), err)
		default:
			c.respond(req.GetRequest(), resp)
		}
	}()
}

func (c *Connection) respond(req *dap.Request, resp dap.ResponseMessage) {
	if resp == nil {
		resp = &dap.Response{}
	}

	r := resp.GetResponse()
	r.Seq = c.seq.Next()
	r.Type = "response"
	r.RequestSeq = req.Seq
	r.Command = req.Command
	r.Success = true

	if err := c.enqueue(resp); err != nil {
		c.log.V(1).Info("Could not send response", "command", req.Command, "error", err.Error())
	}
}

func (c *Connection) respondError(req *dap.Request, err error) {
	resp := &dap.ErrorResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: c.seq.Next(), Type: "response"},
			RequestSeq:      req.Seq,
			Command:         req.Command,
			Success:         false,
			Message:         err.Error(),
		},
		Body: dap.ErrorResponseBody{
			Error: &dap.ErrorMessage{
				Id:       adapterErrorId,
				Format:   err.Error(),
				ShowUser: true,
			},
		},
	}

	if enqueueErr := c.enqueue(resp); enqueueErr != nil {
		c.log.V(1).Info("Could not send error response", "command", req.Command, "error", enqueueErr.Error())
	}
}

// Respond answers a request whose handler returned ErrResponseDeferred.
// A nil response produces an empty successful response.
func (c *Connection) Respond(req dap.RequestMessage, resp dap.ResponseMessage) {
	c.respond(req.GetRequest(), resp)
}

// RespondError fails a request whose handler returned ErrResponseDeferred.
func (c *Connection) RespondError(req dap.RequestMessage, err error) {
	c.respondError(req.GetRequest(), err)
}

// SendEvent sends an event to the peer. The event name must already be set.
func (c *Connection) SendEvent(event dap.EventMessage) error {
	e := event.GetEvent()
	e.Seq = c.seq.Next()
	e.Type = "event"
	return c.enqueue(event)
}

// SendRequest sends a reverse request to the peer and waits for the response.
// An unsuccessful response is returned together with an error wrapping ErrRequestFailed.
func (c *Connection) SendRequest(ctx context.Context, request dap.RequestMessage) (dap.ResponseMessage, error) {
	req := request.GetRequest()
	req.Seq = c.seq.Next()
	req.Type = "request"

	responseChan := make(chan dap.ResponseMessage, 1)
	c.pendingRequests.Add(req.Seq, responseChan)

	if err := c.enqueue(request); err != nil {
		c.pendingRequests.Get(req.Seq)
		return nil, err
	}

	c.log.V(1).Info("Sent reverse request", "command", req.Command, "seq", req.Seq)

	select {
	case resp, ok := <-responseChan:
		if !ok {
			return nil, ErrConnectionClosed
		}
		if r := resp.GetResponse(); !r.Success {
			return resp, fmt.Errorf("%w: %s: %s", ErrRequestFailed, req.Command, r.Message)
		}
		return resp, nil
	case <-ctx.Done():
		c.pendingRequests.Get(req.Seq)
		return nil, ctx.Err()
	case <-c.lifetimeCtx.Done():
		return nil, ErrConnectionClosed
	}
}

// MarkInitialized records the arguments of the initialize request answered on this connection.
func (c *Connection) MarkInitialized(args dap.InitializeRequestArguments) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initArgs = &args
}

// InitializeArguments returns the arguments of the initialize request, if one was answered.
func (c *Connection) InitializeArguments() (dap.InitializeRequestArguments, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initArgs == nil {
		return dap.InitializeRequestArguments{}, false
	}
	return *c.initArgs, true
}

// Done returns a channel that is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down. Outstanding reverse requests fail with ErrConnectionClosed.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if closeErr := c.transport.Close(); closeErr != nil {
			c.log.V(1).Info("Error closing transport", "error", closeErr.Error())
		}
		c.pendingRequests.DrainWithError()
		close(c.done)
	})
}
