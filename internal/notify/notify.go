// Package notify delivers state-change notifications to subscribers in the
// order they were published.
//
// Owners call Publish while holding their own lock, so the queue order matches
// the order of their state transitions, and call Flush after unlocking.
// Delivery is serialized: at most one goroutine drains the queue at a time, and
// a subscriber may call back into the owner without deadlocking.
package notify

import "sync"

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Broadcaster fans values out to registered callbacks. The zero value is ready
// to use.
type Broadcaster[T any] struct {
	mu       sync.Mutex
	subs     []subscriber[T]
	nextID   int
	pending  []T
	flushing bool
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (b *Broadcaster[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish queues v for delivery. It never calls subscribers itself.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) == 0 {
		return
	}
	b.pending = append(b.pending, v)
}

// Flush delivers queued values. If another goroutine is already flushing, it
// returns immediately and that goroutine delivers the values instead.
func (b *Broadcaster[T]) Flush() {
	b.mu.Lock()
	if b.flushing {
		b.mu.Unlock()
		return
	}
	b.flushing = true
	for len(b.pending) > 0 {
		v := b.pending[0]
		b.pending = b.pending[1:]
		subs := make([]subscriber[T], len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()
		for _, s := range subs {
			s.fn(v)
		}
		b.mu.Lock()
	}
	b.pending = nil
	b.flushing = false
	b.mu.Unlock()
}
