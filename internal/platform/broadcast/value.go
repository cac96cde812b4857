// Package broadcast provides a last-value broadcast: owned mutable state whose
// latest value is replayed to every new subscriber and pushed to existing ones.
package broadcast

import "sync"

// Value holds the latest value of type T and fans it out to subscribers.
// Subscribers see coalesced updates: a slow reader only observes the most
// recent value, never a backlog.
type Value[T any] struct {
	mu     sync.Mutex
	value  T
	set    bool
	closed bool
	subs   map[chan T]struct{}
}

// New returns a Value without an initial value. Subscribers receive nothing
// until the first Set.
func New[T any]() *Value[T] {
	return &Value[T]{subs: make(map[chan T]struct{})}
}

// NewWith returns a Value initialised with v.
func NewWith[T any](v T) *Value[T] {
	b := New[T]()
	b.value = v
	b.set = true
	return b
}

// Set stores v and notifies every subscriber. Set never blocks.
func (b *Value[T]) Set(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.value = v
	b.set = true
	for ch := range b.subs {
		offer(ch, v)
	}
}

// Get returns the latest value and whether one was ever set.
func (b *Value[T]) Get() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value, b.set
}

// Subscribe returns a channel receiving the current value (if any) and every
// later one, plus a function releasing the subscription. The channel is closed
// on release or when the Value is closed.
func (b *Value[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if b.set {
		ch <- b.value
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

// Close releases every subscriber. Later Set calls are ignored.
func (b *Value[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

// offer replaces any unread value in ch with v. Caller must hold the lock:
// Set is the only sender, so the send after the drain cannot block.
func offer[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
