/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package pubsub

import (
	"sync"
	"sync/atomic"
)

type HandleT uint32

const (
	InvalidHandle HandleT = 0
)

var (
	nextHandle = InvalidHandle
)

// Subscription delivers notifications to a channel owned by the subscriber.
// Cancelling the subscription closes the channel, so a subscriber can simply range over it.
type Subscription[NotificationT any] struct {
	Handle HandleT
	sink   chan<- NotificationT
	owner  *SubscriptionSet[NotificationT]
	lock   *sync.Mutex
}

func newSubscription[NotificationT any](owner *SubscriptionSet[NotificationT], sink chan<- NotificationT) *Subscription[NotificationT] {
	return &Subscription[NotificationT]{
		Handle: HandleT(atomic.AddUint32((*uint32)(&nextHandle), 1)),
		sink:   sink,
		owner:  owner,
		lock:   &sync.Mutex{},
	}
}

// Cancel stops delivery and closes the sink. Safe to call more than once.
// Notify may be blocked on a full sink while holding the subscription lock,
// so a subscriber that stops reading should cancel from another goroutine and keep draining until the sink is closed.
func (s *Subscription[NotificationT]) Cancel() {
	s.lock.Lock()

	handle := s.Handle
	if handle != InvalidHandle && s.owner != nil {
		// Make sure onSubscriptionCancelled is called after the subscription lock is released.
		defer s.owner.onSubscriptionCancelled(handle)
	}
	defer s.lock.Unlock()

	if handle != InvalidHandle {
		s.Handle = InvalidHandle
		close(s.sink)
		s.sink = nil
	}
}

func (s *Subscription[NotificationT]) Notify(n NotificationT) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.sink == nil {
		return
	}

	s.sink <- n
}

func (s *Subscription[NotificationT]) Cancelled() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.Handle == InvalidHandle
}

// Drain cancels the subscription and discards notifications until the sink is closed.
// Use it when the subscriber stops reading before the notifier is done.
func Drain[NotificationT any](sub *Subscription[NotificationT], sink <-chan NotificationT) {
	go sub.Cancel()
	for range sink {
	}
}
