package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/testdrivenio/flask-spa-auth/internal/core/domain"
)

// createAttempts bounds the identifier collision retry loop. With 256-bit
// identifiers a single retry is already astronomically unlikely.
const createAttempts = 3

// MemorySessionStore implements domain.SessionStore with a mutex-guarded map.
// It is the single authoritative store for one-process deployments; the redis
// and pgx implementations cover shared deployments behind the same contract.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	now      func() time.Time
}

// MemorySessionStoreOption modifies a MemorySessionStore.
type MemorySessionStoreOption func(*MemorySessionStore)

// WithClock sets the time source (primarily for testing).
func WithClock(now func() time.Time) MemorySessionStoreOption {
	return func(s *MemorySessionStore) {
		s.now = now
	}
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore(options ...MemorySessionStoreOption) *MemorySessionStore {
	s := &MemorySessionStore{
		sessions: make(map[string]*domain.Session),
		now:      time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

var _ domain.SessionStore = (*MemorySessionStore)(nil)

// Create generates a fresh identifier, binds it to the user and returns the
// stored session.
func (s *MemorySessionStore) Create(ctx context.Context, userID int, ttl time.Duration) (*domain.Session, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < createAttempts; attempt++ {
		id, err := domain.NewSessionID()
		if err != nil {
			return nil, err
		}
		if existing, ok := s.sessions[id]; ok && !existing.Expired(now) {
			continue
		}

		sess := &domain.Session{
			ID:        id,
			UserID:    userID,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		s.sessions[id] = sess

		cp := *sess
		return &cp, nil
	}

	return nil, fmt.Errorf("create session: could not allocate a fresh identifier")
}

// Resolve returns the session for the given identifier, or (nil, nil) when it
// is unknown or expired. Expired sessions are evicted on the way out.
func (s *MemorySessionStore) Resolve(ctx context.Context, sessionID string) (*domain.Session, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if sess.Expired(now) {
		delete(s.sessions, sessionID)
		return nil, nil
	}

	cp := *sess
	return &cp, nil
}

// Destroy removes the session. Unknown identifiers are a no-op.
func (s *MemorySessionStore) Destroy(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// Len reports the number of stored sessions, expired ones included.
func (s *MemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// Sweep removes every expired session and reports how many were evicted.
// Resolve already evicts lazily; the sweep keeps long-idle stores from
// accumulating dead entries.
func (s *MemorySessionStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}

// StartJanitor sweeps expired sessions on the given interval until the context
// is cancelled.
func (s *MemorySessionStore) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
