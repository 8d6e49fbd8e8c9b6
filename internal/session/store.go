package session

// Store is the persistence abstraction for live sessions.
// The Repository uses Store for all reads and writes; callers of Repository
// do not need to know which Store is used.
type Store interface {
	GetSession(id ID) (*Session, bool)
	SetSession(s *Session)
	DeleteSession(id ID)
	ListSessionIDs() []ID
}

// InMemoryStore is an in-memory implementation of Store. It is not safe for
// concurrent use on its own; the repository serializes access.
type InMemoryStore struct {
	sessions map[ID]*Session
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[ID]*Session),
	}
}

// GetSession implements Store.GetSession.
func (s *InMemoryStore) GetSession(id ID) (*Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// SetSession implements Store.SetSession.
func (s *InMemoryStore) SetSession(sess *Session) {
	s.sessions[sess.ID] = sess
}

// DeleteSession implements Store.DeleteSession.
func (s *InMemoryStore) DeleteSession(id ID) {
	delete(s.sessions, id)
}

// ListSessionIDs implements Store.ListSessionIDs.
func (s *InMemoryStore) ListSessionIDs() []ID {
	ids := make([]ID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
