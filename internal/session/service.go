package session

import (
	"context"
	"errors"
	"sync"

	"buffer-orchestrator/internal/manifest"
)

// ErrSessionNotRunning is returned when controlling a session that is not
// running anymore.
var ErrSessionNotRunning = errors.New("session is not running")

// Service runs sessions and exposes their state and playback controls.
type Service struct {
	repo Repository

	mu      sync.Mutex
	running map[SessionID]*Session
}

// NewService returns a Service reading states from repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, running: make(map[SessionID]*Session)}
}

// Run runs s until it finishes. Its state stays available afterwards.
func (svc *Service) Run(ctx context.Context, s *Session) error {
	svc.mu.Lock()
	svc.running[s.ID] = s
	svc.mu.Unlock()
	defer func() {
		svc.mu.Lock()
		delete(svc.running, s.ID)
		svc.mu.Unlock()
	}()
	return s.Run(ctx)
}

func (svc *Service) session(id SessionID) (*Session, error) {
	svc.mu.Lock()
	s, ok := svc.running[id]
	svc.mu.Unlock()
	if ok {
		return s, nil
	}
	if _, known := svc.repo.Snapshot(id); known {
		return nil, ErrSessionNotRunning
	}
	return nil, ErrSessionNotFound
}

// Get returns the state of a session, with the live clock position of a
// running one.
func (svc *Service) Get(id SessionID) (SessionState, bool) {
	st, ok := svc.repo.Snapshot(id)
	if !ok {
		return SessionState{}, false
	}
	svc.withClock(&st)
	return st, true
}

// List returns the state of every session.
func (svc *Service) List() []SessionState {
	states := svc.repo.List()
	for i := range states {
		svc.withClock(&states[i])
	}
	return states
}

func (svc *Service) withClock(st *SessionState) {
	svc.mu.Lock()
	s, ok := svc.running[st.ID]
	svc.mu.Unlock()
	if !ok {
		return
	}
	if tick, ok := s.clock.Ticks().Get(); ok {
		st.Position = tick.Position
		st.Paused = tick.Paused
	}
}

// Seek moves the playback position of a running session.
func (svc *Service) Seek(id SessionID, position float64) error {
	s, err := svc.session(id)
	if err != nil {
		return err
	}
	s.clock.Seek(position)
	return nil
}

// SetPaused pauses or resumes a running session.
func (svc *Service) SetPaused(id SessionID, paused bool) error {
	s, err := svc.session(id)
	if err != nil {
		return err
	}
	s.clock.SetPaused(paused)
	return nil
}

// SetManualBitrate forces the quality of a stream type; a negative bitrate
// goes back to automatic mode.
func (svc *Service) SetManualBitrate(id SessionID, typ manifest.StreamType, bitrate int) error {
	s, err := svc.session(id)
	if err != nil {
		return err
	}
	s.cfg.ABR.SetManualBitrate(typ, bitrate)
	return nil
}

// ActiveSessionCount returns the number of sessions not finished.
func (svc *Service) ActiveSessionCount() int {
	return svc.repo.ActiveSessionCount()
}
