package eventbus

import (
	"context"
	"sync"
)

// Subscription is one subscriber's view of a stream. C is closed when the
// stream completes or fails, and Err then reports why. Close detaches
// without closing C.
type Subscription[T any] struct {
	ch       chan T
	done     chan struct{}
	closeOne sync.Once
	endOnce  sync.Once

	mu  sync.Mutex
	err error

	detach func()
}

// C returns the channel values are delivered on.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Err returns the terminal error of the stream. It is nil while the stream is
// running, after a normal completion and after Close.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscriber. Other subscribers are unaffected.
func (s *Subscription[T]) Close() {
	s.closeOne.Do(func() {
		close(s.done)
		if s.detach != nil {
			s.detach()
		}
	})
}

func (s *Subscription[T]) send(ctx context.Context, v T) bool {
	select {
	case s.ch <- v:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return true
	}
}

func (s *Subscription[T]) end(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

// attach registers a subscription on b whose values pass through fn. Values
// for which fn returns false are skipped.
func attach[T, U any](b *Bus[T], fn func(T) (U, bool)) *Subscription[U] {
	sub := &Subscription[U]{
		ch:   make(chan U),
		done: make(chan struct{}),
	}
	l := &listener[T]{
		deliver: func(ctx context.Context, v T) bool {
			u, ok := fn(v)
			if !ok {
				return true
			}
			return sub.send(ctx, u)
		},
		finish: sub.end,
	}
	sub.detach = func() { b.remove(l) }
	b.register(l)
	return sub
}
