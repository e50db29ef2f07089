// Copyright 2021 The paragate Authors
// This file is part of the paragate library.
//
// The paragate library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The paragate library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the paragate library. If not, see <http://www.gnu.org/licenses/>.

// Package event implements one-to-many in-process event feeds. The file bus
// in package pipe stays the canonical surface between workers; feeds only cut
// polling churn for subscribers living in the same process.
package event

import "sync"

// Subscription represents a stream of events. The carrier of the events is
// typically a channel, but isn't part of the interface.
//
// Subscriptions can fail while established. Failures are reported through the
// error channel, which is closed by Unsubscribe.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// Feed implements one-to-many subscriptions where the carrier of events is a
// channel. Values sent to a Feed are delivered to all subscribed channels.
//
// The zero value is ready to use.
type Feed[T any] struct {
	mu   sync.Mutex
	subs map[*feedSub[T]]struct{}
}

type feedSub[T any] struct {
	feed    *Feed[T]
	channel chan<- T
	errOnce sync.Once
	err     chan error
	quit    chan struct{}
}

// Subscribe adds a channel to the feed. Future sends will be delivered on the
// channel until the subscription is canceled.
func (f *Feed[T]) Subscribe(channel chan<- T) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[*feedSub[T]]struct{})
	}
	sub := &feedSub[T]{
		feed:    f,
		channel: channel,
		err:     make(chan error, 1),
		quit:    make(chan struct{}),
	}
	f.subs[sub] = struct{}{}
	return sub
}

func (f *Feed[T]) remove(sub *feedSub[T]) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}

// Send delivers value to all subscribed channels and returns the number of
// subscribers that received it. Delivery to a subscriber blocks until the
// subscriber receives or unsubscribes, so slow consumers should use buffered
// channels.
func (f *Feed[T]) Send(value T) (nsent int) {
	f.mu.Lock()
	subs := make([]*feedSub[T], 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.channel <- value:
			nsent++
		case <-sub.quit:
		}
	}
	return nsent
}

func (sub *feedSub[T]) Unsubscribe() {
	sub.errOnce.Do(func() {
		sub.feed.remove(sub)
		close(sub.quit)
		close(sub.err)
	})
}

func (sub *feedSub[T]) Err() <-chan error {
	return sub.err
}
