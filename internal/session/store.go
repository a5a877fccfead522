package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/artemis/web-migrate/internal/config"
)

var (
	// ErrNotFound is returned for an unknown session id
	ErrNotFound = errors.New("session not found")

	// ErrInvalidState is returned when an operation does not apply to
	// the session's current status
	ErrInvalidState = errors.New("invalid session state")
)

// Store is the in-memory session registry. It is the only shared
// mutable state between the API handlers and the session drivers; all
// access goes through its mutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*MigrationSession
}

// NewStore creates an empty session store
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*MigrationSession),
	}
}

// Create validates cfg, synthesizes its step graph and registers a new
// pending session. Nothing is stored when validation or the step sort
// fails.
func (s *Store) Create(cfg *config.MigrationConfig) (*MigrationSession, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sess, err := NewSession(cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return sess.Snapshot(), nil
}

// Put registers a prebuilt session, replacing any session with the
// same id.
func (s *Store) Put(sess *MigrationSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// Snapshot returns a deep copy of the session with the given id
func (s *Store) Snapshot(id string) (*MigrationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Snapshot(), nil
}

// List returns snapshots of all sessions, oldest first. A non-empty
// tenantID restricts the result to that tenant's sessions.
func (s *Store) List(tenantID string) []*MigrationSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*MigrationSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if tenantID != "" && sess.Config.TenantID != tenantID {
			continue
		}
		out = append(out, sess.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// TenantOf reports the owning tenant of a session without copying it.
// Cheap enough to call per event.
func (s *Store) TenantOf(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return "", ErrNotFound
	}
	return sess.Config.TenantID, nil
}

// Mutate runs fn on the live session under the store lock. The session
// driver is the only caller that should modify state this way; keep fn
// short.
func (s *Store) Mutate(id string, fn func(*MigrationSession) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	return fn(sess)
}

// Delete removes a terminal session. Deleting a live session is an
// ErrInvalidState; unknown ids are ErrNotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !sess.Status.Terminal() {
		return ErrInvalidState
	}
	delete(s.sessions, id)
	return nil
}

// Len returns the number of stored sessions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
