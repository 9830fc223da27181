/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package concurrency

import (
	"context"
	"sync"
)

// Future is a value that becomes available at some later time, or fails to.
// It can be settled (resolved or rejected) only once; later attempts are ignored.
// Any number of goroutines can wait for the outcome.
type Future[T any] struct {
	lock    *sync.Mutex
	done    chan struct{}
	settled bool
	value   T
	err     error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{
		lock: &sync.Mutex{},
		done: make(chan struct{}),
	}
}

// Resolve settles the future with a value. Returns false if the future was already settled.
func (f *Future[T]) Resolve(value T) bool {
	return f.settle(value, nil)
}

// Reject settles the future with an error. Returns false if the future was already settled.
func (f *Future[T]) Reject(err error) bool {
	return f.settle(*new(T), err)
}

func (f *Future[T]) settle(value T, err error) bool {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.settled {
		return false
	}

	f.settled = true
	f.value = value
	f.err = err
	close(f.done)
	return true
}

// Returns the channel that will be closed when the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is settled or the context is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		// Channel read establishes happens-before relationship for value read.
		return f.value, f.err
	case <-ctx.Done():
		return *new(T), ctx.Err()
	}
}

func (f *Future[T]) IsSettled() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.settled
}
