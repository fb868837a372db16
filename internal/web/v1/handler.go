package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/testdrivenio/flask-spa-auth/internal/cookie"
	"github.com/testdrivenio/flask-spa-auth/internal/core/domain"
	"github.com/testdrivenio/flask-spa-auth/internal/csrf"
	logicv1 "github.com/testdrivenio/flask-spa-auth/internal/logic/v1"
	"github.com/testdrivenio/flask-spa-auth/middleware"
)

// Options carries the cookie and header names the handlers read and write.
type Options struct {
	SessionCookie string
	CSRFCookie    string
	CSRFHeader    string
	CSRFTTL       time.Duration
	SSOEnabled    bool
}

// Guards bundles the per-route guards. SessionMiddleware runs globally and
// only computes the authentication context; these decide what it means for a
// given route. The composition order is fixed: session first, then CSRF.
type Guards struct {
	RequireSession gin.HandlerFunc
	RequireCSRF    gin.HandlerFunc
	// ProtectReads extends the CSRF check to every session-gated route
	// instead of only the login mutation.
	ProtectReads bool
}

// Handler groups HTTP handlers for the session API.
// Dependencies are injected via the constructor — no global state.
type Handler struct {
	auth   *logicv1.AuthService
	csrf   *csrf.Service
	policy cookie.Policy
	opts   Options
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(auth *logicv1.AuthService, csrfSvc *csrf.Service, policy cookie.Policy, opts Options) *Handler {
	return &Handler{
		auth:   auth,
		csrf:   csrfSvc,
		policy: policy,
		opts:   opts,
	}
}

// RegisterRoutes registers the session API routes on the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, g Guards) {
	rg.GET("/config", h.GetConfig)
	rg.GET("/getsession", h.GetSession)
	rg.GET("/getcsrf", h.GetCSRF)
	rg.POST("/login", g.RequireCSRF, h.Login)

	protected := []gin.HandlerFunc{g.RequireSession}
	if g.ProtectReads {
		protected = append(protected, g.RequireCSRF)
	}
	rg.GET("/data", append(append([]gin.HandlerFunc{}, protected...), h.Data)...)
	rg.GET("/logout", append(append([]gin.HandlerFunc{}, protected...), h.Logout)...)
}

// GetConfig exposes the feature flags the SPA needs before login, currently
// just whether to render the SSO button.
func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sso_enabled": h.opts.SSOEnabled})
}

// GetSession reports whether the caller holds a live session. It never
// fails: anonymous, stale-cookie, and store-error callers all get
// {"login": false} with status 200, so the SPA can probe without
// special-casing.
func (h *Handler) GetSession(c *gin.Context) {
	_, span := middleware.StartSpan(c.Request.Context(), "http.get_session", trace.WithAttributes(
		attribute.String("layer", "web"),
	))
	defer span.End()

	loggedIn := middleware.CurrentUser(c) != nil
	span.SetAttributes(attribute.Bool("session.valid", loggedIn))
	c.JSON(http.StatusOK, gin.H{"login": loggedIn})
}

// GetCSRF mints a fresh token and delivers it over both channels of the
// double-submit pair: the HttpOnly cookie and the script-readable response
// header.
func (h *Handler) GetCSRF(c *gin.Context) {
	ctx, span := middleware.StartSpan(c.Request.Context(), "http.get_csrf", trace.WithAttributes(
		attribute.String("layer", "web"),
	))
	defer span.End()

	token, err := h.csrf.Issue()
	if err != nil {
		span.RecordError(err)
		zerolog.Ctx(ctx).Error().Err(err).Msg("CSRF issuance failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	h.policy.SetCSRF(c.Writer, h.opts.CSRFCookie, token, h.opts.CSRFTTL)
	c.Header(h.opts.CSRFHeader, token)
	c.JSON(http.StatusOK, gin.H{"detail": "CSRF cookie set"})
}

// Login verifies credentials and establishes a session. The CSRF guard has
// already run by the time this executes, so no session is ever created for a
// forged request.
func (h *Handler) Login(c *gin.Context) {
	ctx, span := middleware.StartSpan(c.Request.Context(), "http.login", trace.WithAttributes(
		attribute.String("layer", "web"),
	))
	defer span.End()

	logger := zerolog.Ctx(ctx)

	var req domain.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.SetAttributes(attribute.Bool("request.valid", false))
		span.RecordError(err)
		logger.Warn().Err(err).Msg("Invalid login request")
		c.JSON(http.StatusBadRequest, gin.H{"login": false})
		return
	}

	span.SetAttributes(attribute.Bool("request.valid", true))

	sess, err := h.auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		span.RecordError(err)

		switch {
		case errors.Is(err, logicv1.ErrInvalidCredentials), errors.Is(err, logicv1.ErrUserNotFound):
			// Same response for both, so callers cannot probe which
			// usernames exist.
			logger.Warn().Err(err).Msg("Login rejected")
			c.JSON(http.StatusUnauthorized, gin.H{"login": false})
		default:
			logger.Error().Err(err).Msg("Login failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	h.policy.SetSession(c.Writer, h.opts.SessionCookie, sess.ID, sess.ExpiresAt)
	logger.Info().Int("user_id", sess.UserID).Msg("Login successful")
	c.JSON(http.StatusOK, gin.H{"login": true})
}

// Data returns the authenticated user's display name. RequireSession has
// already rejected anonymous callers.
func (h *Handler) Data(c *gin.Context) {
	_, span := middleware.StartSpan(c.Request.Context(), "http.data", trace.WithAttributes(
		attribute.String("layer", "web"),
	))
	defer span.End()

	user := middleware.CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	span.SetAttributes(attribute.Int("user.id", user.ID))
	c.JSON(http.StatusOK, gin.H{"name": user.Name()})
}

// Logout destroys the caller's session and clears the cookie. Destroying an
// already-destroyed session succeeds, so repeated logouts are harmless.
func (h *Handler) Logout(c *gin.Context) {
	ctx, span := middleware.StartSpan(c.Request.Context(), "http.logout", trace.WithAttributes(
		attribute.String("layer", "web"),
	))
	defer span.End()

	logger := zerolog.Ctx(ctx)

	sessionID, _ := c.Cookie(h.opts.SessionCookie)
	if err := h.auth.Logout(ctx, sessionID); err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("Logout failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	h.policy.ClearSession(c.Writer, h.opts.SessionCookie)
	logger.Info().Msg("Logout successful")
	c.JSON(http.StatusOK, gin.H{"logout": true})
}
