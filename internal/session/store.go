package session

// Store holds the SessionState of every session ever started in the process,
// finished ones included, so that their last buffered ranges and error stay
// readable after playback stopped. Implementations need not be safe for
// concurrent use: the Repository locks around every call.
type Store interface {
	GetSession(id SessionID) (*SessionState, bool)
	SetSession(s *SessionState)
	ListSessionIDs() []SessionID
}

// InMemoryStore keeps session states in a map for the life of the process.
type InMemoryStore struct {
	sessions map[SessionID]*SessionState
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[SessionID]*SessionState)}
}

// GetSession returns the live state of id; the Repository mutates it in place
// while folding playback events.
func (s *InMemoryStore) GetSession(id SessionID) (*SessionState, bool) {
	st, ok := s.sessions[id]
	return st, ok
}

// SetSession stores st under its ID, replacing an earlier state.
func (s *InMemoryStore) SetSession(st *SessionState) {
	s.sessions[st.ID] = st
}

// ListSessionIDs returns the ids in no particular order.
func (s *InMemoryStore) ListSessionIDs() []SessionID {
	ids := make([]SessionID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
