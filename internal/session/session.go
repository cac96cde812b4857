// Package session runs the buffers of one content against a simulated
// playback clock, restarts them on media sink reloads and keeps an
// event-driven status of every session for the HTTP API.
package session

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"buffer-orchestrator/internal/fetch"
	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/logger"
	"buffer-orchestrator/internal/platform/metrics"
	"buffer-orchestrator/internal/playback"
	"buffer-orchestrator/internal/sink"
	"buffer-orchestrator/internal/stream"
)

// ABR is the bandwidth estimator of a session.
type ABR interface {
	stream.Estimator
	stream.Feedback
	SetManualBitrate(typ manifest.StreamType, bitrate int)
}

// Config describes the content and the collaborators of a session.
type Config struct {
	Manifest    *manifest.Manifest
	Fetcher     fetch.Fetcher
	ABR         ABR
	Backends    sink.BackendFactory
	Options     stream.Options
	Goals       stream.BufferGoals
	Playback    playback.Config
	ChooseTrack stream.TrackChooser
	// StopAtEnd finishes the session once the whole content was played.
	StopAtEnd bool
}

// Session is one playback of a content.
type Session struct {
	ID SessionID

	cfg     Config
	repo    Repository
	clock   *playback.Clock
	store   atomic.Pointer[sink.Store]
	ended   atomic.Bool
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New returns a Session with a random id. m may be nil.
func New(cfg Config, repo Repository, log *slog.Logger, m *metrics.Metrics) *Session {
	if cfg.ChooseTrack == nil {
		cfg.ChooseTrack = PreferLanguage("")
	}
	id := SessionID(uuid.NewString())
	log = logger.OrDiscard(log).With("session_id", string(id))
	s := &Session{ID: id, cfg: cfg, repo: repo, log: log, metrics: m}
	s.clock = playback.New(cfg.Playback, s.bufferGap, cfg.Manifest.MaximumPosition, log)
	return s
}

// Clock returns the playback clock of the session.
func (s *Session) Clock() *playback.Clock { return s.clock }

// Run plays the content until ctx is done, a fatal error occurs or, with
// StopAtEnd, the end of the content is reached.
func (s *Session) Run(ctx context.Context) error {
	if s.cfg.ABR == nil {
		return errors.New("session: no bandwidth estimator")
	}
	if err := s.repo.Create(s.ID, s.cfg.Manifest.ID); err != nil {
		return err
	}
	s.log.Info("session started", "manifest_id", s.cfg.Manifest.ID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.clock.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		for {
			reload, err := s.runOnce(gctx)
			if err != nil || !reload {
				return err
			}
			s.log.Info("media sinks reloaded", "position", s.clock.Position())
		}
	})
	err := g.Wait()

	if ferr := s.repo.Finish(s.ID, err); ferr != nil {
		s.log.Warn("finish session", "error", ferr)
	}
	if err != nil {
		s.log.Error("session failed", "error", err)
		return err
	}
	s.log.Info("session finished", "position", s.clock.Position())
	return nil
}

// runOnce runs the buffers over a fresh set of media sinks. It reports
// whether it stopped because the sinks must be reloaded.
func (s *Session) runOnce(ctx context.Context) (reload bool, err error) {
	store := sink.NewStore(s.cfg.Backends, s.cfg.Options.RoundingError, s.log)
	s.store.Store(store)
	defer store.DisposeAll()
	s.ended.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := s.cfg.Options
	orch := stream.NewOrchestrator(stream.OrchestratorConfig{
		Manifest:    s.cfg.Manifest,
		Store:       store,
		Fetcher:     s.cfg.Fetcher,
		Estimator:   s.cfg.ABR,
		Feedback:    s.cfg.ABR,
		Clock:       s.clock.Ticks(),
		Goals:       s.cfg.Goals,
		Options:     &opts,
		ChooseTrack: s.cfg.ChooseTrack,
		Log:         s.log,
		Metrics:     s.metrics,
	})

	emit := func(ev stream.Event) {
		if err := s.repo.Apply(s.ID, ev); err != nil {
			s.log.Debug("event dropped", "type", string(ev.Type), "error", err)
		}
		switch ev.Type {
		case stream.EventEndOfStream:
			s.ended.Store(true)
		case stream.EventResumeStream:
			s.ended.Store(false)
		}
		if s.clock.Handle(ev) {
			reload = true
			cancel()
		}
	}

	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx, emit) }()

	ticks, release := s.clock.Ticks().Subscribe()
	defer release()
	for {
		select {
		case err := <-done:
			return reload, err
		case <-ticks:
			if s.cfg.StopAtEnd && s.clock.Ended() && s.ended.Load() {
				cancel()
				return false, <-done
			}
		}
	}
}

// bufferGap is the data buffered ahead of position by every native sink.
func (s *Session) bufferGap(position float64) float64 {
	store := s.store.Load()
	if store == nil {
		return 0
	}
	gap := math.Inf(1)
	for _, typ := range manifest.StreamTypes {
		if !sink.IsNative(typ) {
			continue
		}
		if b := store.Get(typ); b != nil {
			gap = math.Min(gap, b.BufferedRanges().GapAhead(position))
		}
	}
	if math.IsInf(gap, 1) {
		return 0
	}
	return gap
}
