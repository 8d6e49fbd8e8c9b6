package session

import (
	"errors"
	"sync"
)

// Repository defines the concurrency-safe contract for tracking live
// sessions. Sessions guard their own playback state; the repository only
// guards the set of sessions.
type Repository interface {
	// Add records s. It fails with ErrDuplicateID if the ID is taken.
	Add(s *Session) error

	// Get returns the session with the given ID.
	Get(id ID) (*Session, bool)

	// Remove forgets the session and returns it so the caller can close it.
	// The ok return is false if the session does not exist.
	Remove(id ID) (s *Session, ok bool)

	// RemoveAll forgets every session and returns them.
	RemoveAll() []*Session

	// ActiveSessionCount returns the number of sessions. Used for metrics.
	ActiveSessionCount() int
}

// ErrDuplicateID is returned when adding a session whose ID is already taken.
var ErrDuplicateID = errors.New("session id already in use")

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
// It uses a Store for persistence; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// Add implements Repository.Add.
func (r *InMemoryRepository) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetSession(s.ID); exists {
		return ErrDuplicateID
	}
	r.store.SetSession(s)
	return nil
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id ID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.GetSession(id)
}

// Remove implements Repository.Remove.
func (r *InMemoryRepository) Remove(id ID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.store.GetSession(id)
	if !ok {
		return nil, false
	}
	r.store.DeleteSession(id)
	return s, true
}

// RemoveAll implements Repository.RemoveAll.
func (r *InMemoryRepository) RemoveAll() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.store.ListSessionIDs()
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.store.GetSession(id); ok {
			out = append(out, s)
		}
		r.store.DeleteSession(id)
	}
	return out
}

// ActiveSessionCount implements Repository.ActiveSessionCount.
func (r *InMemoryRepository) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store.ListSessionIDs())
}
