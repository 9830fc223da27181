/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/microsoft/jsdebug/internal/pubsub"
)

// Message is the wire format shared by commands, results, and events.
type Message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

// Event is a notification sent by the runtime without a preceding command.
type Event struct {
	Method string
	Params json.RawMessage
}

type ConnConfig struct {
	// Logger for connection events. Defaults to logr.Discard() if not set.
	Logger logr.Logger
}

// Conn is a connection to a single debuggable unit inside a runtime.
type Conn struct {
	transport Transport
	log       logr.Logger
	nextID    atomic.Int64

	lifetimeCtx context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	closeOnce   sync.Once

	// mu protects the fields below
	mu            sync.Mutex
	pending       map[int64]chan Message
	subscriptions map[string]*pubsub.SubscriptionSet[Event]
	closed        bool
}

// NewConn starts exchanging messages over the transport right away.
func NewConn(transport Transport, config ConnConfig) *Conn {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	lifetimeCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		transport:     transport,
		log:           log,
		lifetimeCtx:   lifetimeCtx,
		cancel:        cancel,
		done:          make(chan struct{}),
		pending:       make(map[int64]chan Message),
		subscriptions: make(map[string]*pubsub.SubscriptionSet[Event]),
	}

	go c.reader()
	return c
}

func (c *Conn) reader() {
	defer c.Close()

	for {
		data, readErr := c.transport.ReadMessage(c.lifetimeCtx)
		if readErr != nil {
			if c.lifetimeCtx.Err() == nil {
				c.log.V(1).Info("CDP connection ended", "reason", readErr.Error())
			}
			return
		}

		var msg Message
		if unmarshalErr := json.Unmarshal(data, &msg); unmarshalErr != nil {
			c.log.V(1).Info("Ignoring malformed CDP message", "error", unmarshalErr.Error())
			continue
		}

		if msg.Method == "" {
			c.mu.Lock()
			ch, found := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()

			if found {
				ch <- msg
			} else {
				c.log.V(1).Info("Dropping result of unknown CDP command", "id", msg.ID)
			}
			continue
		}

		c.mu.Lock()
		ss := c.subscriptions[msg.Method]
		c.mu.Unlock()
		if ss != nil {
			ss.Notify(Event{Method: msg.Method, Params: msg.Params})
		}
	}
}

// Send executes a command and returns its raw result.
func (c *Conn) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	msg := Message{ID: c.nextID.Add(1), Method: method}
	if params != nil {
		rawParams, marshalErr := json.Marshal(params)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to serialize parameters of %s: %w", method, marshalErr)
		}
		msg.Params = rawParams
	}

	data, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to serialize %s command: %w", method, marshalErr)
	}

	resultCh := make(chan Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[msg.ID] = resultCh
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}

	if writeErr := c.transport.WriteMessage(ctx, data); writeErr != nil {
		forget()
		if c.isClosed() {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("failed to send %s command: %w", method, writeErr)
	}

	select {
	case result := <-resultCh:
		if result.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, result.Error)
		}
		return result.Result, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnectionClosed
	}
}

// Call executes a command and decodes its result.
func Call[T any](ctx context.Context, c *Conn, method string, params any) (T, error) {
	var result T
	raw, err := c.Send(ctx, method, params)
	if err != nil {
		return result, err
	}
	if len(raw) == 0 {
		return result, nil
	}
	if unmarshalErr := json.Unmarshal(raw, &result); unmarshalErr != nil {
		return result, fmt.Errorf("failed to decode result of %s: %w", method, unmarshalErr)
	}
	return result, nil
}

// Subscribe delivers events with the given method name to the sink until the subscription
// is cancelled or the connection closes; either way the sink is closed.
// Delivery blocks the connection until the sink accepts the event.
func (c *Conn) Subscribe(method string, sink chan<- Event) *pubsub.Subscription[Event] {
	c.mu.Lock()
	ss, found := c.subscriptions[method]
	if !found {
		ss = pubsub.NewSubscriptionSet[Event]()
		if c.closed {
			ss.Close()
		}
		c.subscriptions[method] = ss
	}
	c.mu.Unlock()

	return ss.Subscribe(sink)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done returns a channel that is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		subscriptions := slices.Collect(maps.Values(c.subscriptions))
		c.mu.Unlock()

		c.cancel()
		if closeErr := c.transport.Close(); closeErr != nil {
			c.log.V(1).Info("Error closing CDP transport", "error", closeErr.Error())
		}
		close(c.done)

		for _, ss := range subscriptions {
			ss.Close()
		}
	})
}
