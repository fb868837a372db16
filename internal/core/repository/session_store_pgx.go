package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/testdrivenio/flask-spa-auth/internal/core/domain"
)

// PgxSessionStore implements domain.SessionStore using pgxpool.
//
// Expected schema:
//
//	CREATE TABLE sessions (
//	    id         TEXT PRIMARY KEY,
//	    user_id    INTEGER NOT NULL REFERENCES users(id),
//	    created_at TIMESTAMPTZ NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL
//	);
type PgxSessionStore struct {
	pool *pgxpool.Pool
}

// NewPgxSessionStore creates a new PgxSessionStore.
func NewPgxSessionStore(pool *pgxpool.Pool) *PgxSessionStore {
	return &PgxSessionStore{pool: pool}
}

var _ domain.SessionStore = (*PgxSessionStore)(nil)

// Create generates a fresh identifier and inserts the session. ON CONFLICT DO
// NOTHING turns the (astronomically unlikely) identifier collision into a
// retry instead of clobbering a live session.
func (s *PgxSessionStore) Create(ctx context.Context, userID int, ttl time.Duration) (*domain.Session, error) {
	query := `
		INSERT INTO sessions (id, user_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`

	now := time.Now()
	sess := domain.Session{
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		id, err := domain.NewSessionID()
		if err != nil {
			return nil, err
		}
		sess.ID = id

		tag, err := s.pool.Exec(ctx, query, sess.ID, sess.UserID, sess.CreatedAt, sess.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("insert session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}

		cp := sess
		return &cp, nil
	}

	return nil, fmt.Errorf("create session: could not allocate a fresh identifier")
}

// Resolve returns the session for the given identifier, or (nil, nil) when it
// is unknown or expired. Expired rows are evicted lazily.
func (s *PgxSessionStore) Resolve(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = $1`

	var sess domain.Session
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	if sess.Expired(time.Now()) {
		_, _ = s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
		return nil, nil
	}

	return &sess, nil
}

// Destroy removes the session; deleting zero rows is not an error.
func (s *PgxSessionStore) Destroy(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
