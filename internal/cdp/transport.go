// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package cdp

import (
	"context"
	"fmt"
	"sync"

	"nhooyr.io/websocket"
)

const (
	// Script sources and large object previews easily exceed the websocket library default of 32 KiB.
	maxMessageSize = 256 * 1024 * 1024
)

// Transport moves raw CDP messages between the client and the runtime.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

type webSocketTransport struct {
	conn *websocket.Conn
}

// DialWebSocket connects to a runtime's debugger websocket endpoint.
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	conn, _, dialErr := websocket.Dial(ctx, url, nil)
	if dialErr != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, dialErr)
	}
	return NewWebSocketTransport(conn), nil
}

// NewWebSocketTransport wraps an established websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	conn.SetReadLimit(maxMessageSize)
	return &webSocketTransport{conn: conn}
}

func (t *webSocketTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *webSocketTransport) WriteMessage(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *webSocketTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

// pipeTransport is one end of an in-memory transport pair.
type pipeTransport struct {
	in        <-chan []byte
	out       chan<- []byte
	done      chan struct{}
	closeOnce *sync.Once
}

// NewPipe returns two transports connected to each other in memory.
// Closing either end closes both.
func NewPipe() (Transport, Transport) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeTransport{in: bToA, out: aToB, done: done, closeOnce: once}
	b := &pipeTransport{in: aToB, out: bToA, done: done, closeOnce: once}
	return a, b
}

func (t *pipeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *pipeTransport) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-t.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case t.out <- data:
		return nil
	case <-t.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *pipeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
