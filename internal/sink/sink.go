// Package sink wraps the platform media buffers: one Buffer per stream type,
// each with the inventory of what was pushed to it, the Store deciding which
// of them exist, and the garbage collection of old data.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"buffer-orchestrator/internal/inventory"
	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/logger"
	"buffer-orchestrator/internal/ranges"
)

// PushRequest is a media chunk pushed by a Representation Buffer.
type PushRequest struct {
	Content inventory.Content
	// Init is the initialization segment the chunk depends on, nil if none.
	Init []byte
	// Chunk is nil when only the init segment is pushed.
	Chunk           []byte
	Start           float64
	End             float64
	TimestampOffset float64
	AppendWindow    ranges.Range
	Codec           string
}

// Buffer is the sink of one stream type. Operations are serialized.
type Buffer struct {
	Type manifest.StreamType

	mu               sync.Mutex
	backend          Backend
	inv              *inventory.Inventory
	codec            string
	native           bool
	protectsPlayback bool
	lastInit         []byte
	disposed         bool
	log              *slog.Logger

	gcMu   sync.Mutex
	gcRefs int
	gcStop context.CancelFunc
	gcDone chan struct{}
}

func newBuffer(typ manifest.StreamType, codec string, backend Backend, native bool, roundingError float64, log *slog.Logger) *Buffer {
	return &Buffer{
		Type:             typ,
		backend:          backend,
		inv:              inventory.New(roundingError),
		codec:            codec,
		native:           native,
		protectsPlayback: native,
		log:              logger.OrDiscard(log).With("stream_type", string(typ)),
	}
}

// Push appends a chunk and records it in the inventory.
func (b *Buffer) Push(ctx context.Context, req PushRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return ErrDisposed
	}

	init := req.Init
	if init != nil && sameBytes(init, b.lastInit) {
		init = nil
	}
	window := req.AppendWindow
	if window.End <= window.Start {
		window = ranges.Range{Start: 0, End: math.Inf(1)}
	}
	_, err := b.backend.Append(ctx, Data{
		Init:            init,
		Chunk:           req.Chunk,
		Start:           req.Start,
		End:             req.End,
		TimestampOffset: req.TimestampOffset,
		AppendWindow:    window,
		Codec:           req.Codec,
	})
	if err != nil {
		return fmt.Errorf("sink %s: append %s: %w", b.Type, req.Content, err)
	}
	if req.Init != nil {
		b.lastInit = req.Init
	}
	if req.Codec != "" {
		b.codec = req.Codec
	}
	if req.Chunk == nil {
		return nil
	}
	start := math.Max(req.Start, window.Start)
	end := math.Min(req.End, window.End)
	b.inv.Insert(req.Content, start, end)
	return nil
}

// EndOfSegment marks every chunk of content as pushed.
func (b *Buffer) EndOfSegment(content inventory.Content) {
	b.inv.CompleteSegment(content)
}

// Remove deletes [start, end) from the backend and the inventory.
func (b *Buffer) Remove(ctx context.Context, start, end float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return ErrDisposed
	}
	if err := b.backend.Remove(ctx, start, end); err != nil {
		return fmt.Errorf("sink %s: remove [%.3f, %.3f): %w", b.Type, start, end, err)
	}
	b.inv.Remove(start, end)
	b.log.Debug("removed buffered data", "start", start, "end", end)
	return nil
}

// BufferedRanges returns what the backend currently holds.
func (b *Buffer) BufferedRanges() ranges.Ranges {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return nil
	}
	return b.backend.Buffered()
}

// SynchronizeInventory refreshes the inventory's buffered bounds from the
// backend.
func (b *Buffer) SynchronizeInventory() {
	b.inv.Synchronize(b.BufferedRanges())
}

// Inventory returns a snapshot of the inventory.
func (b *Buffer) Inventory() []inventory.Chunk {
	return b.inv.Entries()
}

// InventoryRanges returns the merged ranges of the entries matching keep.
func (b *Buffer) InventoryRanges(keep func(inventory.Chunk) bool) ranges.Ranges {
	return b.inv.RangesOf(keep)
}

// Codec returns the mime type and codec the buffer was last fed with.
func (b *Buffer) Codec() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.codec
}

// Native reports whether the buffer is a platform (audio/video) buffer.
func (b *Buffer) Native() bool { return b.native }

// ProtectsPlaybackPosition reports whether data close to the playback
// position must not be replaced.
func (b *Buffer) ProtectsPlaybackPosition() bool { return b.protectsPlayback }

// Dispose closes the backend. Later operations return ErrDisposed.
func (b *Buffer) Dispose() error {
	b.stopCollector()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return nil
	}
	b.disposed = true
	b.inv.Reset()
	return b.backend.Close()
}

// Disposed reports whether Dispose was called.
func (b *Buffer) Disposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

func sameBytes(a, b []byte) bool {
	if len(a) != len(b) || len(a) == 0 {
		return false
	}
	return &a[0] == &b[0]
}
