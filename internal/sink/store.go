package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/logger"
)

// Status is the lifecycle state of a stream type's sink.
type Status int

const (
	StatusUninitialized Status = iota
	StatusInitialized
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusDisabled:
		return "disabled"
	default:
		return "uninitialized"
	}
}

// IsNative reports whether typ is backed by a platform buffer. Native
// buffers must all be created (or disabled) before any can be used.
func IsNative(typ manifest.StreamType) bool {
	return typ == manifest.Audio || typ == manifest.Video
}

// Store owns the Buffer of every stream type.
type Store struct {
	factory       BackendFactory
	roundingError float64
	log           *slog.Logger

	mu       sync.Mutex
	buffers  map[manifest.StreamType]*Buffer
	disabled map[manifest.StreamType]bool
	changed  chan struct{}
}

// NewStore returns a Store creating backends through factory.
func NewStore(factory BackendFactory, roundingError float64, log *slog.Logger) *Store {
	return &Store{
		factory:       factory,
		roundingError: roundingError,
		log:           logger.OrDiscard(log),
		buffers:       make(map[manifest.StreamType]*Buffer),
		disabled:      make(map[manifest.StreamType]bool),
		changed:       make(chan struct{}),
	}
}

// Status returns the status of typ's sink.
func (s *Store) Status(typ manifest.StreamType) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(typ)
}

func (s *Store) statusLocked(typ manifest.StreamType) Status {
	switch {
	case s.buffers[typ] != nil:
		return StatusInitialized
	case s.disabled[typ]:
		return StatusDisabled
	default:
		return StatusUninitialized
	}
}

// Get returns the initialized Buffer of typ, or nil.
func (s *Store) Get(typ manifest.StreamType) *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers[typ]
}

// CreateSink returns the Buffer of typ, creating it with codec when needed.
func (s *Store) CreateSink(typ manifest.StreamType, codec string) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.buffers[typ]; b != nil {
		return b, nil
	}
	backend, err := s.factory(typ, codec)
	if err != nil {
		return nil, fmt.Errorf("create %s sink: %w", typ, err)
	}
	b := newBuffer(typ, codec, backend, IsNative(typ), s.roundingError, s.log)
	s.buffers[typ] = b
	delete(s.disabled, typ)
	s.log.Info("sink created", "stream_type", string(typ), "codec", codec)
	s.notifyLocked()
	return b, nil
}

// DisableSink marks typ as not used for the content.
func (s *Store) DisableSink(typ manifest.StreamType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffers[typ] != nil || s.disabled[typ] {
		return
	}
	s.disabled[typ] = true
	s.log.Info("sink disabled", "stream_type", string(typ))
	s.notifyLocked()
}

// DisposeSink disposes typ's Buffer and resets its status.
func (s *Store) DisposeSink(typ manifest.StreamType) {
	s.mu.Lock()
	b := s.buffers[typ]
	delete(s.buffers, typ)
	if b != nil {
		s.notifyLocked()
	}
	s.mu.Unlock()
	if b != nil {
		if err := b.Dispose(); err != nil {
			s.log.Warn("dispose sink", "stream_type", string(typ), "error", err)
		}
	}
}

// DisposeAll disposes every Buffer.
func (s *Store) DisposeAll() {
	for _, typ := range manifest.StreamTypes {
		s.DisposeSink(typ)
	}
}

// WaitForUsable blocks until no native stream type is uninitialized.
func (s *Store) WaitForUsable(ctx context.Context) error {
	for {
		s.mu.Lock()
		usable := true
		for _, typ := range manifest.StreamTypes {
			if IsNative(typ) && s.statusLocked(typ) == StatusUninitialized {
				usable = false
				break
			}
		}
		changed := s.changed
		s.mu.Unlock()
		if usable {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
