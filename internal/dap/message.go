// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"sync"

	"github.com/google/go-dap"
)

// pendingRequestMap is a thread-safe map of reverse requests awaiting a response, keyed by sequence number.
type pendingRequestMap struct {
	mu       sync.Mutex
	requests map[int]chan dap.ResponseMessage
}

func newPendingRequestMap() *pendingRequestMap {
	return &pendingRequestMap{
		requests: make(map[int]chan dap.ResponseMessage),
	}
}

func (m *pendingRequestMap) Add(seq int, responseChan chan dap.ResponseMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[seq] = responseChan
}

// Get retrieves and removes a pending request from the map.
// Returns nil if no request exists for the given sequence number.
func (m *pendingRequestMap) Get(seq int) chan dap.ResponseMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.requests[seq]
	if !ok {
		return nil
	}

	delete(m.requests, seq)
	return ch
}

func (m *pendingRequestMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// DrainWithError closes all response channels and clears the map.
// This is used during shutdown to unblock any waiting callers.
func (m *pendingRequestMap) DrainWithError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.requests {
		close(ch)
	}

	m.requests = make(map[int]chan dap.ResponseMessage)
}

// sequenceCounter provides thread-safe sequence number generation.
type sequenceCounter struct {
	mu  sync.Mutex
	seq int
}

func newSequenceCounter() *sequenceCounter {
	return &sequenceCounter{seq: 0}
}

func (c *sequenceCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}
