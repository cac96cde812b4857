package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/stream"
)

// maxWarnings bounds the warnings kept per session; older ones are dropped.
const maxWarnings = 20

// Repository defines the concurrency-safe contract for accessing and mutating
// session states.
type Repository interface {
	// Create registers a new session. Creating an existing id fails.
	Create(id SessionID, manifestID string) error

	// Apply folds a buffer event into the session state. Events of a
	// finished session are rejected.
	Apply(id SessionID, ev stream.Event) error

	// Finish marks the session as stopped, recording err when not nil.
	Finish(id SessionID, err error) error

	// Snapshot returns a copy of the session state.
	Snapshot(id SessionID) (SessionState, bool)

	// List returns a copy of every session state, oldest first.
	List() []SessionState

	// ActiveSessionCount returns the number of sessions not finished.
	// Used for metrics.
	ActiveSessionCount() int
}

var (
	// ErrSessionExists is returned when creating a session twice.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionFinished is returned when updating a finished session.
	ErrSessionFinished = errors.New("session has finished")
)

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
	now   func() time.Time
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store, now: time.Now}
}

// Create implements Repository.Create.
func (r *InMemoryRepository) Create(id SessionID, manifestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetSession(id); exists {
		return ErrSessionExists
	}
	r.store.SetSession(&SessionState{
		ID:         id,
		ManifestID: manifestID,
		StartedAt:  r.now().UTC(),
		Tracks:     make(map[manifest.StreamType]*TrackState),
	})
	return nil
}

// Apply implements Repository.Apply.
func (r *InMemoryRepository) Apply(id SessionID, ev stream.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.store.GetSession(id)
	if !exists {
		return ErrSessionNotFound
	}
	if st.Finished() {
		return ErrSessionFinished
	}
	applyEvent(st, ev)
	return nil
}

func applyEvent(st *SessionState, ev stream.Event) {
	switch ev.Type {
	case stream.EventAdaptationChange:
		t := st.track(ev.StreamType)
		if ev.Period != nil {
			t.PeriodID = ev.Period.ID
		}
		if ev.Adaptation == nil {
			t.AdaptationID, t.RepresentationID, t.Bitrate = "", "", 0
			t.Status = "disabled"
			return
		}
		t.AdaptationID = ev.Adaptation.ID
	case stream.EventRepresentationChange:
		t := st.track(ev.StreamType)
		if ev.Representation == nil {
			t.RepresentationID, t.Bitrate = "", 0
			return
		}
		t.RepresentationID = ev.Representation.ID
		t.Bitrate = ev.Representation.Bitrate
	case stream.EventBitrateEstimationChange:
		st.track(ev.StreamType).Bandwidth = ev.Bitrate
	case stream.EventAddedSegment:
		t := st.track(ev.StreamType)
		if ev.Segment != nil && !ev.Segment.IsInit {
			t.SegmentsLoaded++
		}
		t.Buffered = t.Buffered[:0]
		for _, rg := range ev.Buffered {
			t.Buffered = append(t.Buffered, [2]float64{rg.Start, rg.End})
		}
	case stream.EventActiveBuffer:
		st.track(ev.StreamType).Status = "active"
	case stream.EventFullBuffer:
		st.track(ev.StreamType).Status = "full"
	case stream.EventCompleteBuffer:
		st.track(ev.StreamType).Status = "complete"
	case stream.EventEndOfStream:
		st.EndOfStream = true
	case stream.EventResumeStream:
		st.EndOfStream = false
	case stream.EventActivePeriodChanged:
		if ev.Period != nil {
			st.ActivePeriod = ev.Period.ID
		}
	case stream.EventNeedsMediaSourceReload, stream.EventNeedsDecipherabilityFlush:
		st.Reloads++
	case stream.EventWarning:
		if ev.Err == nil {
			return
		}
		st.Warnings = append(st.Warnings, ev.Err.Error())
		if len(st.Warnings) > maxWarnings {
			st.Warnings = st.Warnings[len(st.Warnings)-maxWarnings:]
		}
	}
}

// Finish implements Repository.Finish.
func (r *InMemoryRepository) Finish(id SessionID, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.store.GetSession(id)
	if !exists {
		return ErrSessionNotFound
	}
	// Finishing twice is a no-op for idempotency.
	if st.Finished() {
		return nil
	}
	now := r.now().UTC()
	st.FinishedAt = &now
	if err != nil {
		st.Error = err.Error()
	}
	return nil
}

// Snapshot implements Repository.Snapshot.
func (r *InMemoryRepository) Snapshot(id SessionID) (SessionState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, exists := r.store.GetSession(id)
	if !exists {
		return SessionState{}, false
	}
	return st.clone(), true
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []SessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.store.ListSessionIDs()
	out := make([]SessionState, 0, len(ids))
	for _, id := range ids {
		if st, ok := r.store.GetSession(id); ok {
			out = append(out, st.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ActiveSessionCount implements Repository.ActiveSessionCount.
func (r *InMemoryRepository) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.ListSessionIDs() {
		if st, ok := r.store.GetSession(id); ok && !st.Finished() {
			n++
		}
	}
	return n
}
