package stream

import "sync"

// mailbox is an unbounded, non-blocking queue drained by a single reader.
// Producers never block, so a component can wait for a child to stop while
// the child is still emitting.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{notify: make(chan struct{}, 1)}
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// signal fires when items may be waiting.
func (m *mailbox[T]) signal() <-chan struct{} { return m.notify }

func (m *mailbox[T]) drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}
