package fetch

import (
	"context"
	"sort"
	"sync"
)

// prioritizer limits concurrent requests, starting waiting tasks by
// priority (lower first). Tasks at or below the high threshold start
// regardless of the limit.
type prioritizer struct {
	mu            sync.Mutex
	maxConcurrent int
	high          int
	running       int
	waiting       []*task
}

type task struct {
	priority int
	started  bool
	start    chan struct{}
}

func newPrioritizer(maxConcurrent, high int) *prioritizer {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &prioritizer{maxConcurrent: maxConcurrent, high: high}
}

func (p *prioritizer) newTask(priority int) *task {
	t := &task{priority: priority, start: make(chan struct{})}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running < p.maxConcurrent || priority <= p.high {
		p.startLocked(t)
		return t
	}
	p.waiting = append(p.waiting, t)
	return t
}

// wait blocks until t may run. On error the task is already released.
func (p *prioritizer) wait(ctx context.Context, t *task) error {
	select {
	case <-t.start:
		return nil
	case <-ctx.Done():
		p.release(t)
		return ctx.Err()
	}
}

func (p *prioritizer) setPriority(t *task, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t.priority = priority
	if !t.started && priority <= p.high {
		p.removeLocked(t)
		p.startLocked(t)
	}
}

// release frees t's slot, or drops it from the queue when it never started.
func (p *prioritizer) release(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !t.started {
		p.removeLocked(t)
		return
	}
	p.running--
	t.started = false
	sort.SliceStable(p.waiting, func(i, j int) bool { return p.waiting[i].priority < p.waiting[j].priority })
	for p.running < p.maxConcurrent && len(p.waiting) > 0 {
		next := p.waiting[0]
		p.waiting = p.waiting[1:]
		p.startLocked(next)
	}
}

func (p *prioritizer) startLocked(t *task) {
	t.started = true
	p.running++
	close(t.start)
}

func (p *prioritizer) removeLocked(t *task) {
	for i, w := range p.waiting {
		if w == t {
			p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
			return
		}
	}
}
