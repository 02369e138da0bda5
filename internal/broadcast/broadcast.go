// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package broadcast fans values out to any number of subscribers without
// ever blocking the sender. A subscriber that falls behind misses values
// rather than holding up everyone else.
package broadcast

import (
	"sync"

	"go.uber.org/atomic"
)

type Broadcaster[T any] struct {
	mu       sync.RWMutex
	subs     map[uint64]chan T
	nextID   uint64
	capacity int
	closed   bool
	dropped  atomic.Uint64
}

// New returns a broadcaster whose subscribers each buffer up to capacity
// values.
func New[T any](capacity int) *Broadcaster[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcaster[T]{
		subs:     make(map[uint64]chan T),
		capacity: capacity,
	}
}

// Subscribe returns a channel receiving every value sent from now on, and
// a function that unsubscribes and closes the channel. The returned
// function is safe to call more than once.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan T, b.capacity)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Send delivers v to every subscriber with room in its buffer and returns
// how many subscribers missed it.
func (b *Broadcaster[T]) Send(v T) (missed int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			missed++
		}
	}
	if missed > 0 {
		b.dropped.Add(uint64(missed))
	}
	return missed
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries have been missed in total.
func (b *Broadcaster[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later subscriptions receive an
// already closed channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
