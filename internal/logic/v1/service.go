package v1

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/testdrivenio/flask-spa-auth/internal/core/domain"
	"github.com/testdrivenio/flask-spa-auth/middleware"
)

// AuthService implements session authentication business rules.
// It depends on repository interfaces (injected via constructor) and
// MUST NOT access the database or SQL directly.
type AuthService struct {
	users      domain.UserRepository
	sessions   domain.SessionStore
	sessionTTL time.Duration
}

// NewAuthService creates a new AuthService with the given store dependencies.
func NewAuthService(users domain.UserRepository, sessions domain.SessionStore, sessionTTL time.Duration) *AuthService {
	return &AuthService{
		users:      users,
		sessions:   sessions,
		sessionTTL: sessionTTL,
	}
}

// Login verifies the credentials and, on success, creates a server-side
// session. Unknown usernames and wrong passwords both surface as credential
// errors; a session store failure fails the login outright, because a login
// that cannot be persisted must not report success.
func (s *AuthService) Login(ctx context.Context, username, password string) (*domain.Session, error) {
	ctx, span := middleware.StartSpan(ctx, "auth.login", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.String("username", username),
	))
	defer span.End()

	// Lookup user by username via repository
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query user %q: %w", username, err)
	}
	if user == nil {
		span.SetAttributes(attribute.Bool("auth.success", false))
		span.AddEvent("authentication.failed")
		return nil, fmt.Errorf("authenticate user %q: %w", username, ErrUserNotFound)
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		span.SetAttributes(attribute.Bool("auth.success", false))
		span.AddEvent("authentication.failed")
		return nil, fmt.Errorf("authenticate user %q: %w", username, ErrInvalidCredentials)
	}

	sess, err := s.sessions.Create(ctx, user.ID, s.sessionTTL)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create session for user %d: %w", user.ID, err)
	}

	span.SetAttributes(
		attribute.Int("user.id", user.ID),
		attribute.Bool("auth.success", true),
	)
	span.AddEvent("user.authenticated")

	return sess, nil
}

// LoginExternal creates a session for a user whose identity was already
// proven by an external identity provider. No password is checked; the user
// must still exist locally, accounts are never auto-provisioned.
func (s *AuthService) LoginExternal(ctx context.Context, username string) (*domain.Session, error) {
	ctx, span := middleware.StartSpan(ctx, "auth.login_external", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.String("username", username),
	))
	defer span.End()

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query user %q: %w", username, err)
	}
	if user == nil {
		span.SetAttributes(attribute.Bool("auth.success", false))
		return nil, fmt.Errorf("map external identity %q: %w", username, ErrUserNotFound)
	}

	sess, err := s.sessions.Create(ctx, user.ID, s.sessionTTL)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("create session for user %d: %w", user.ID, err)
	}

	span.SetAttributes(
		attribute.Int("user.id", user.ID),
		attribute.Bool("auth.success", true),
	)
	span.AddEvent("user.authenticated")

	return sess, nil
}

// ResolveSession returns the user bound to the given session identifier.
// Absent, expired, and unknown sessions all resolve to (nil, nil); the
// decision of what anonymous means belongs to the route guards. A non-nil
// error means the store itself failed; callers must then treat the request
// as unauthenticated, never authenticated.
func (s *AuthService) ResolveSession(ctx context.Context, sessionID string) (*domain.User, error) {
	ctx, span := middleware.StartSpan(ctx, "auth.resolve_session", trace.WithAttributes(
		attribute.String("layer", "logic"),
	))
	defer span.End()

	if sessionID == "" {
		span.SetAttributes(attribute.Bool("session.valid", false))
		return nil, nil
	}

	sess, err := s.sessions.Resolve(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	if sess == nil {
		span.SetAttributes(attribute.Bool("session.valid", false))
		return nil, nil
	}

	user, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query user %d: %w", sess.UserID, err)
	}
	if user == nil {
		// The account vanished under a live session; the session is orphaned.
		if destroyErr := s.sessions.Destroy(ctx, sessionID); destroyErr != nil {
			span.RecordError(fmt.Errorf("destroy orphaned session: %w", destroyErr))
		}
		span.SetAttributes(attribute.Bool("session.valid", false))
		return nil, nil
	}

	span.SetAttributes(
		attribute.Int("user.id", user.ID),
		attribute.Bool("session.valid", true),
	)

	return user, nil
}

// Logout destroys the session. Destroying an absent or already-destroyed
// session is a no-op, so logout is idempotent.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	ctx, span := middleware.StartSpan(ctx, "auth.logout", trace.WithAttributes(
		attribute.String("layer", "logic"),
	))
	defer span.End()

	if sessionID == "" {
		return nil
	}
	if err := s.sessions.Destroy(ctx, sessionID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("destroy session: %w", err)
	}
	span.AddEvent("session.destroyed")
	return nil
}
