// Package eventbus provides a hot, zero-buffer multicast stream. Values are
// delivered only to subscribers attached at the time they are published.
package eventbus

import (
	"context"
	"sync"
)

// Stream is anything that can be subscribed to.
type Stream[T any] interface {
	Subscribe() *Subscription[T]
}

// listener receives values of the bus type. deliver returns false when the
// listener has gone away and should be dropped.
type listener[T any] struct {
	deliver func(ctx context.Context, v T) bool
	finish  func(err error)
}

// Bus broadcasts values to every registered listener in registration order.
// Publish, Fail and Complete must be called from a single goroutine.
type Bus[T any] struct {
	mu        sync.RWMutex
	listeners []*listener[T]
}

// New creates an empty Bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Subscribe attaches a new subscriber. It receives values published from now on.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	return attach(b, func(v T) (T, bool) { return v, true })
}

// Publish delivers v to every subscriber, blocking on each in turn. It returns
// early if ctx ends.
func (b *Bus[T]) Publish(ctx context.Context, v T) {
	for _, l := range b.snapshot() {
		if ctx.Err() != nil {
			return
		}
		if !l.deliver(ctx, v) {
			b.remove(l)
		}
	}
}

// Complete ends the stream normally for all current subscribers and detaches
// them. The bus stays usable for new subscribers.
func (b *Bus[T]) Complete() {
	b.finish(nil)
}

// Fail ends the stream with err for all current subscribers.
func (b *Bus[T]) Fail(err error) {
	b.finish(err)
}

// SubscriberCount returns the number of attached listeners.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

func (b *Bus[T]) finish(err error) {
	b.mu.Lock()
	listeners := b.listeners
	b.listeners = nil
	b.mu.Unlock()

	for _, l := range listeners {
		l.finish(err)
	}
}

func (b *Bus[T]) register(l *listener[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *Bus[T]) remove(l *listener[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.listeners {
		if x == l {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

func (b *Bus[T]) snapshot() []*listener[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*listener[T](nil), b.listeners...)
}
