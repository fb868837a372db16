package domain

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// Session binds an opaque identifier to exactly one user for its lifetime.
// The client only ever holds the identifier (via cookie); the record itself
// never leaves the server.
type Session struct {
	ID        string
	UserID    int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// SessionStore defines the lifecycle contract for server-side sessions.
// Implementations live in internal/core/repository (Core layer) and must be
// safe for concurrent use; every operation is atomic with respect to the
// store.
type SessionStore interface {
	// Create generates a fresh unguessable session identifier, binds it to
	// the given user and returns the stored session. The identifier never
	// collides with a live session.
	Create(ctx context.Context, userID int, ttl time.Duration) (*Session, error)

	// Resolve returns the session for the given identifier.
	// Returns (nil, nil) when the session does not exist or has expired;
	// expired sessions are evicted lazily.
	Resolve(ctx context.Context, sessionID string) (*Session, error)

	// Destroy removes the session. Destroying an unknown identifier is a
	// no-op, not an error.
	Destroy(ctx context.Context, sessionID string) error
}

// sessionIDBytes is the entropy of a session identifier. 32 bytes = 256 bits,
// comfortably above the 128-bit floor for unguessable tokens.
const sessionIDBytes = 32

// NewSessionID generates a cryptographically random session identifier.
func NewSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
