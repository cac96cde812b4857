package sink

import (
	"context"
	"errors"
	"math"
	"sync"

	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/ranges"
)

var (
	// ErrBufferFull is returned when the backend cannot hold more media.
	ErrBufferFull = errors.New("sink: buffer full")
	// ErrDisposed is returned by operations on a disposed sink.
	ErrDisposed = errors.New("sink: disposed")
)

// Data is one append operation as the backend sees it.
type Data struct {
	// Init is the initialization segment to (re)apply before Chunk, or nil.
	Init []byte
	// Chunk is the media payload, or nil for an init-only push.
	Chunk []byte
	// Start and End bound the media time covered by Chunk.
	Start float64
	End   float64
	// TimestampOffset is added to the media timestamps.
	TimestampOffset float64
	// AppendWindow clips the appended media; End may be +Inf.
	AppendWindow ranges.Range
	Codec        string
}

// Backend is the platform media buffer behind a sink.
type Backend interface {
	Append(ctx context.Context, data Data) (ranges.Ranges, error)
	Remove(ctx context.Context, start, end float64) error
	Buffered() ranges.Ranges
	Close() error
}

// BackendFactory creates the backend of a stream type.
type BackendFactory func(typ manifest.StreamType, codec string) (Backend, error)

// MemoryBackend is a Backend keeping only buffered time ranges. A positive
// quota caps the total buffered duration in seconds.
type MemoryBackend struct {
	mu       sync.Mutex
	buffered ranges.Ranges
	quota    float64
	bytes    int64
	codec    string
	closed   bool
}

// NewMemoryBackend returns a MemoryBackend; quota <= 0 means unlimited.
func NewMemoryBackend(quota float64) *MemoryBackend {
	return &MemoryBackend{quota: quota}
}

// Append implements Backend.
func (m *MemoryBackend) Append(ctx context.Context, data Data) (ranges.Ranges, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrDisposed
	}
	if data.Codec != "" {
		m.codec = data.Codec
	}
	if data.Chunk == nil {
		return m.buffered, nil
	}

	start := math.Max(data.Start, data.AppendWindow.Start)
	end := data.End
	if data.AppendWindow.End > data.AppendWindow.Start {
		end = math.Min(end, data.AppendWindow.End)
	}
	if end <= start {
		return m.buffered, nil
	}
	next := m.buffered.Insert(ranges.Range{Start: start, End: end})
	if m.quota > 0 && total(next) > m.quota+ranges.Epsilon {
		return m.buffered, ErrBufferFull
	}
	m.buffered = next
	m.bytes += int64(len(data.Chunk))
	return m.buffered, nil
}

// Remove implements Backend.
func (m *MemoryBackend) Remove(ctx context.Context, start, end float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDisposed
	}
	m.buffered = m.buffered.Remove(start, end)
	return nil
}

// Buffered implements Backend.
func (m *MemoryBackend) Buffered() ranges.Ranges {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(ranges.Ranges(nil), m.buffered...)
}

// Evict drops [start, end) as a memory-constrained platform would.
func (m *MemoryBackend) Evict(start, end float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffered = m.buffered.Remove(start, end)
}

// Codec returns the last codec used to append.
func (m *MemoryBackend) Codec() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codec
}

// Bytes returns the total number of media bytes appended.
func (m *MemoryBackend) Bytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.buffered = nil
	return nil
}

func total(rs ranges.Ranges) float64 {
	var sum float64
	for _, r := range rs {
		sum += r.Duration()
	}
	return sum
}
