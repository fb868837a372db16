package repository

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/testdrivenio/flask-spa-auth/internal/core/domain"
)

// MemoryUserRepository implements domain.UserRepository over a seeded,
// process-local credential list. This is the reference deployment's store;
// production deployments swap in the pgx implementation behind the same
// interface.
type MemoryUserRepository struct {
	mu     sync.RWMutex
	byName map[string]*domain.User
	byID   map[int]*domain.User
	nextID int
}

// NewMemoryUserRepository creates an empty in-memory credential store.
func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{
		byName: make(map[string]*domain.User),
		byID:   make(map[int]*domain.User),
	}
}

var _ domain.UserRepository = (*MemoryUserRepository)(nil)

// Seed adds a user with the given plaintext password, hashing it with bcrypt.
// Usernames are unique; seeding a duplicate is an error.
func (r *MemoryUserRepository) Seed(username, password, displayName string) (int, error) {
	if username == "" {
		return 0, fmt.Errorf("seed user: username is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("seed user %q: %w", username, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[username]; ok {
		return 0, fmt.Errorf("seed user %q: username already exists", username)
	}

	r.nextID++
	u := &domain.User{
		ID:           r.nextID,
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
	}
	r.byName[username] = u
	r.byID[u.ID] = u
	return u.ID, nil
}

// GetByUsername returns the user matching the given username.
// Returns (nil, nil) when no user is found.
func (r *MemoryUserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byName[username]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// GetByID returns the user with the given id.
// Returns (nil, nil) when no user is found.
func (r *MemoryUserRepository) GetByID(ctx context.Context, id int) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}
