// Package events provides in-process publish/subscribe primitives with two
// delivery disciplines:
//
//   - Latest holds one current value and replays it to every new subscriber.
//   - Broadcast has no memory; subscribers only see values published while
//     they are subscribed.
//
// Delivery is synchronous: Publish returns after every subscriber callback has
// run, in subscription order. Publishes are serialized, so each subscriber
// observes values in publish order, at most once. A callback must not
// publish to the channel that is delivering to it.
package events

import "sync"

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// registry is the subscriber list shared by both channel kinds.
type registry[T any] struct {
	mu   sync.Mutex
	next uint64
	subs []subscriber[T]
}

func (r *registry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	r.next++
	id := r.next
	r.subs = append(r.subs, subscriber[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

func (r *registry[T]) snapshot() []subscriber[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]subscriber[T](nil), r.subs...)
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Latest is a latest-value channel.
type Latest[T any] struct {
	deliver sync.Mutex // serializes Publish and the initial replay in Subscribe
	mu      sync.Mutex
	value   T
	reg     registry[T]
}

// NewLatest creates a Latest holding initial.
func NewLatest[T any](initial T) *Latest[T] {
	return &Latest[T]{value: initial}
}

// Publish overwrites the held value and delivers it to all subscribers.
func (l *Latest[T]) Publish(v T) {
	l.deliver.Lock()
	defer l.deliver.Unlock()

	l.mu.Lock()
	l.value = v
	l.mu.Unlock()

	for _, s := range l.reg.snapshot() {
		s.fn(v)
	}
}

// Value returns the held value.
func (l *Latest[T]) Value() T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

// Subscribe calls fn with the held value, then with every later publish.
// The returned func unsubscribes; it is safe to call more than once.
func (l *Latest[T]) Subscribe(fn func(T)) (cancel func()) {
	l.deliver.Lock()
	defer l.deliver.Unlock()

	fn(l.Value())
	return l.reg.add(fn)
}

// Subscribers returns the number of attached subscribers.
func (l *Latest[T]) Subscribers() int {
	return l.reg.len()
}

// Broadcast is a fire-and-forget channel with no replay.
type Broadcast[T any] struct {
	deliver sync.Mutex
	reg     registry[T]
}

// NewBroadcast creates an empty Broadcast.
func NewBroadcast[T any]() *Broadcast[T] {
	return &Broadcast[T]{}
}

// Publish delivers v to the current subscribers. With no subscribers the
// value is dropped.
func (b *Broadcast[T]) Publish(v T) {
	b.deliver.Lock()
	defer b.deliver.Unlock()

	for _, s := range b.reg.snapshot() {
		s.fn(v)
	}
}

// Subscribe calls fn for every later publish.
// The returned func unsubscribes; it is safe to call more than once.
func (b *Broadcast[T]) Subscribe(fn func(T)) (cancel func()) {
	return b.reg.add(fn)
}

// Subscribers returns the number of attached subscribers.
func (b *Broadcast[T]) Subscribers() int {
	return b.reg.len()
}
