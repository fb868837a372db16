package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/testdrivenio/flask-spa-auth/internal/core/domain"
)

// PgxUserRepository implements domain.UserRepository using pgxpool.
// The credential store is read-only: account provisioning happens out of
// band (migrations, admin tooling), never through this service.
type PgxUserRepository struct {
	pool *pgxpool.Pool
}

// NewPgxUserRepository creates a new PgxUserRepository.
func NewPgxUserRepository(pool *pgxpool.Pool) *PgxUserRepository {
	return &PgxUserRepository{pool: pool}
}

var _ domain.UserRepository = (*PgxUserRepository)(nil)

// GetByUsername returns the user matching the given username.
// Returns (nil, nil) when no user is found.
func (r *PgxUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `SELECT id, username, COALESCE(display_name, ''), password_hash FROM users WHERE username = $1`

	var u domain.User
	err := r.pool.QueryRow(ctx, query, username).Scan(
		&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &u, nil
}

// GetByID returns the user with the given id.
// Returns (nil, nil) when no user is found.
func (r *PgxUserRepository) GetByID(ctx context.Context, id int) (*domain.User, error) {
	query := `SELECT id, username, COALESCE(display_name, ''), password_hash FROM users WHERE id = $1`

	var u domain.User
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &u, nil
}
