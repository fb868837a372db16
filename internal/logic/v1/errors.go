// Package v1 provides session authentication business logic for API version 1.
//
// Error Handling:
// This package defines sentinel errors that represent common authentication failures.
// These errors should be wrapped with context using fmt.Errorf("%w") when returned
// from business logic methods.
//
// Example Usage:
//
//	if user == nil {
//	    return nil, fmt.Errorf("authenticate user %q: %w", username, ErrUserNotFound)
//	}
//
// Error Checking (in handlers):
//
//	switch {
//	case errors.Is(err, logicv1.ErrInvalidCredentials), errors.Is(err, logicv1.ErrUserNotFound):
//	    c.JSON(http.StatusUnauthorized, gin.H{"login": false})
//	default:
//	    c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
//	}
//
// ErrUserNotFound and ErrInvalidCredentials are distinct for logging, but
// handlers must map them to the same response so callers cannot probe which
// usernames exist.
package v1

import "errors"

// Sentinel errors for authentication operations.
// These errors should be wrapped with context using fmt.Errorf("%w") when returned.
//
// Session resolution deliberately has no sentinel: absent, expired, and
// unknown sessions resolve to a nil user, mirroring the repository
// convention, so the gate never has to distinguish them.
var (
	// ErrInvalidCredentials indicates the provided password is incorrect.
	// HTTP Status: 401 Unauthorized
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUserNotFound indicates the user does not exist in the system.
	// HTTP Status: 401 Unauthorized (don't reveal user existence)
	ErrUserNotFound = errors.New("user not found")
)
