package session

import (
	"testing"

	"buffer-orchestrator/internal/manifest"
)

func TestInMemoryStore_GetSetSession(t *testing.T) {
	store := NewInMemoryStore()

	_, ok := store.GetSession(SessionID("s1"))
	if ok {
		t.Error("expected not found for empty store")
	}

	st := &SessionState{
		ID:     SessionID("s1"),
		Tracks: make(map[manifest.StreamType]*TrackState),
	}
	store.SetSession(st)

	got, ok := store.GetSession(SessionID("s1"))
	if !ok || got != st {
		t.Errorf("GetSession: ok=%v, got %p want %p", ok, got, st)
	}
	if ids := store.ListSessionIDs(); len(ids) != 1 || ids[0] != "s1" {
		t.Errorf("ListSessionIDs: got %v", ids)
	}
}

func TestInMemoryStore_SetSession_replaces(t *testing.T) {
	store := NewInMemoryStore()
	st1 := &SessionState{ID: SessionID("s1"), Tracks: make(map[manifest.StreamType]*TrackState)}
	st2 := &SessionState{ID: SessionID("s1"), Tracks: make(map[manifest.StreamType]*TrackState)}
	store.SetSession(st1)
	store.SetSession(st2)

	got, ok := store.GetSession(SessionID("s1"))
	if !ok || got != st2 {
		t.Errorf("SetSession should replace: got %p want %p", got, st2)
	}
}

func TestNewInMemoryRepositoryWithStore(t *testing.T) {
	store := NewInMemoryStore()
	repo := NewInMemoryRepositoryWithStore(store)

	if err := repo.Create(SessionID("s1"), "m1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	st, ok := store.GetSession(SessionID("s1"))
	if !ok || st == nil || st.ManifestID != "m1" {
		t.Error("injected store should contain the session after Create")
	}
}
