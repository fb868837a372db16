package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/testdrivenio/flask-spa-auth/internal/core/domain"
)

// SessionResolver maps a session identifier to its user. A nil user with a
// nil error means the session is absent, expired, or unknown (anonymous); a
// non-nil error means the store itself failed.
type SessionResolver interface {
	ResolveSession(ctx context.Context, sessionID string) (*domain.User, error)
}

const currentUserKey = "current_user"

// SessionMiddleware computes the request's authentication context from the
// session cookie: anonymous, or authenticated as a specific user. It never
// rejects; route guards decide what anonymous means. A store failure is
// logged and the caller is treated as anonymous, because an unavailable
// store must never authenticate anyone.
func SessionMiddleware(resolver SessionResolver, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := c.Cookie(cookieName)
		if err != nil || sessionID == "" {
			c.Next()
			return
		}

		user, err := resolver.ResolveSession(c.Request.Context(), sessionID)
		if err != nil {
			zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("Session resolution failed")
			c.Next()
			return
		}
		if user == nil {
			// Stale cookie: the browser still holds an identifier the store
			// no longer knows. Common after logout or expiry, not an error.
			c.Next()
			return
		}

		c.Set(currentUserKey, user)

		logger := zerolog.Ctx(c.Request.Context()).With().Int("user_id", user.ID).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))

		c.Next()
	}
}

// RequireSession guards protected routes: anonymous requests are rejected
// with a machine-readable 401 and the handler never runs.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentUser(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the user resolved by SessionMiddleware, or nil for
// anonymous requests. This is the only channel through which handlers learn
// who is calling.
func CurrentUser(c *gin.Context) *domain.User {
	v, ok := c.Get(currentUserKey)
	if !ok {
		return nil
	}
	user, ok := v.(*domain.User)
	if !ok {
		return nil
	}
	return user
}
