/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package pubsub

import (
	"maps"
	"slices"
	"sync"
)

// The subscription set manages a set of subscriptions that share the same source of notifications.
// Once closed, the set cancels existing subscriptions and hands out already-cancelled ones.
type SubscriptionSet[NotificationT any] struct {
	subscriptions map[HandleT]*Subscription[NotificationT]
	closed        bool
	mutex         *sync.Mutex
}

func NewSubscriptionSet[NotificationT any]() *SubscriptionSet[NotificationT] {
	return &SubscriptionSet[NotificationT]{
		subscriptions: make(map[HandleT]*Subscription[NotificationT]),
		mutex:         &sync.Mutex{},
	}
}

func (ss *SubscriptionSet[NotificationT]) Subscribe(sink chan<- NotificationT) *Subscription[NotificationT] {
	sub := newSubscription(ss, sink)

	ss.mutex.Lock()
	if ss.closed {
		ss.mutex.Unlock()
		sub.owner = nil
		sub.Cancel()
		return sub
	}
	ss.subscriptions[sub.Handle] = sub
	ss.mutex.Unlock()

	return sub
}

// Notify delivers n to every current subscriber, in no particular order.
func (ss *SubscriptionSet[NotificationT]) Notify(n NotificationT) {
	ss.mutex.Lock()
	currentSubs := slices.Collect(maps.Values(ss.subscriptions))
	ss.mutex.Unlock()

	for _, sub := range currentSubs {
		sub.Notify(n)
	}
}

func (ss *SubscriptionSet[NotificationT]) Len() int {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	return len(ss.subscriptions)
}

func (ss *SubscriptionSet[NotificationT]) CancelAll() {
	ss.mutex.Lock()
	currentSubs := slices.Collect(maps.Values(ss.subscriptions))
	clear(ss.subscriptions)
	ss.mutex.Unlock()

	for _, sub := range currentSubs {
		sub.Cancel()
	}
}

// Close cancels all subscriptions and makes future subscriptions start out cancelled.
func (ss *SubscriptionSet[NotificationT]) Close() {
	ss.mutex.Lock()
	ss.closed = true
	ss.mutex.Unlock()

	ss.CancelAll()
}

func (ss *SubscriptionSet[NotificationT]) onSubscriptionCancelled(handle HandleT) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	delete(ss.subscriptions, handle) // This is a no-op if the handle does not exist.
}
