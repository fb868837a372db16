package domain

import "context"

// User represents a user record returned from the credential store.
// It includes the password hash so the Logic layer can verify credentials.
type User struct {
	ID           int
	Username     string
	DisplayName  string
	PasswordHash string
}

// Name returns the value protected endpoints report for the user.
// DisplayName is optional in seed data and falls back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// UserRepository defines the data-access contract for the credential store.
// Implementations live in internal/core/repository (Core layer).
// The Logic layer depends on this interface only — never on SQL or pgx directly.
type UserRepository interface {
	// GetByUsername returns the user matching the given username.
	// Returns (nil, nil) when no user is found.
	GetByUsername(ctx context.Context, username string) (*User, error)

	// GetByID returns the user with the given id.
	// Returns (nil, nil) when no user is found.
	GetByID(ctx context.Context, id int) (*User, error)
}
