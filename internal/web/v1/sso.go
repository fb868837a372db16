package v1

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/testdrivenio/flask-spa-auth/config"
	"github.com/testdrivenio/flask-spa-auth/internal/cookie"
	logicv1 "github.com/testdrivenio/flask-spa-auth/internal/logic/v1"
	"github.com/testdrivenio/flask-spa-auth/middleware"
)

const stateCookieName = "oauth_state"

// SSOHandler implements the optional OpenID Connect login flow. External
// identities are mapped onto existing local accounts by username; accounts
// are never auto-provisioned, so the identity provider can authenticate a
// user but never create one.
type SSOHandler struct {
	auth     *logicv1.AuthService
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	policy   cookie.Policy
	opts     Options
}

// NewSSOHandler discovers the issuer's endpoints and prepares the OAuth2
// authorization-code flow.
func NewSSOHandler(ctx context.Context, cfg config.SSOConfig, auth *logicv1.AuthService, policy cookie.Policy, opts Options) (*SSOHandler, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover OIDC issuer %q: %w", cfg.IssuerURL, err)
	}

	return &SSOHandler{
		auth: auth,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		policy:   policy,
		opts:     opts,
	}, nil
}

// RegisterRoutes registers the SSO flow. These routes only exist when SSO is
// configured; otherwise the paths 404 like any unknown route.
func (h *SSOHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sso/login", h.Begin)
	rg.GET("/sso/callback", h.Callback)
}

// Begin starts the authorization-code flow: mint a state nonce, park it in a
// short-lived cookie, and send the browser to the identity provider.
func (h *SSOHandler) Begin(c *gin.Context) {
	_, span := middleware.StartSpan(c.Request.Context(), "http.sso_begin", trace.WithAttributes(
		attribute.String("layer", "web"),
	))
	defer span.End()

	state := generateState()
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.policy.Secure,
		SameSite: http.SameSiteLaxMode, // Lax required for cross-site redirect returns
		MaxAge:   300,
	})

	c.Redirect(http.StatusFound, h.oauth.AuthCodeURL(state))
}

// Callback finishes the flow: check state, exchange the code, verify the ID
// token, map the identity to a local account, and establish a session.
func (h *SSOHandler) Callback(c *gin.Context) {
	ctx, span := middleware.StartSpan(c.Request.Context(), "http.sso_callback", trace.WithAttributes(
		attribute.String("layer", "web"),
	))
	defer span.End()

	logger := zerolog.Ctx(ctx)

	state, err := c.Request.Cookie(stateCookieName)
	if err != nil || c.Query("state") != state.Value {
		span.SetAttributes(attribute.Bool("sso.state_valid", false))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}
	http.SetCookie(c.Writer, &http.Cookie{Name: stateCookieName, MaxAge: -1, Path: "/"})

	token, err := h.oauth.Exchange(ctx, c.Query("code"))
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("SSO code exchange failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to exchange token"})
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		span.SetAttributes(attribute.Bool("sso.id_token_present", false))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no id_token"})
		return
	}

	idToken, err := h.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		span.RecordError(err)
		logger.Error().Err(err).Msg("SSO token verification failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify token"})
		return
	}

	var claims struct {
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
		Sub               string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to parse claims"})
		return
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = claims.Sub
	}

	sess, err := h.auth.LoginExternal(ctx, username)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, logicv1.ErrUserNotFound) {
			logger.Warn().Str("username", username).Msg("SSO identity has no local account")
			c.JSON(http.StatusForbidden, gin.H{"error": "no local account for identity"})
			return
		}
		logger.Error().Err(err).Msg("SSO login failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	h.policy.SetSession(c.Writer, h.opts.SessionCookie, sess.ID, sess.ExpiresAt)
	logger.Info().Int("user_id", sess.UserID).Msg("SSO login successful")
	c.Redirect(http.StatusFound, "/")
}

func generateState() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
