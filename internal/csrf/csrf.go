// Package csrf mints and validates the anti-forgery tokens used by the
// double-submit pattern: the token travels once in a script-readable cookie
// and once in an explicit request header, and a cross-site attacker can
// trigger the cookie but cannot read or forge the header.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tokens are signed with HMAC-SHA256 over the wire form of nonce and issue
// time, so no server-side token state exists: rotating the secret invalidates
// every outstanding token at once.
const (
	nonceBytes  = 32
	secretBytes = 32

	// futureSkew tolerates small clock differences between the host that
	// minted a token and the one validating it.
	futureSkew = time.Minute
)

// Validation failures. The HTTP layer collapses all of them into one
// rejection shape; the distinction exists for logs and tests.
var (
	ErrMissing      = errors.New("csrf token missing")
	ErrMismatch     = errors.New("csrf token mismatch")
	ErrMalformed    = errors.New("csrf token malformed")
	ErrBadSignature = errors.New("csrf token signature invalid")
	ErrExpired      = errors.New("csrf token expired")
)

// GenerateSecret produces a fresh signing secret. Generation is an explicit
// startup step so tests and deployments control the secret's lifecycle.
func GenerateSecret() ([]byte, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate csrf secret: %w", err)
	}
	return b, nil
}

// Service mints and validates signed, time-bound CSRF tokens. The secret is
// process-wide state with process lifetime.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// ServiceOption modifies a Service.
type ServiceOption func(*Service)

// WithNowTime sets the time source (primarily for testing).
func WithNowTime(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a token service from a signing secret and a freshness
// window. Secrets shorter than 32 bytes are rejected.
func NewService(secret []byte, ttl time.Duration, options ...ServiceOption) (*Service, error) {
	if len(secret) < secretBytes {
		return nil, fmt.Errorf("csrf secret must be at least %d bytes, got %d", secretBytes, len(secret))
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("csrf ttl must be positive, got %s", ttl)
	}

	s := &Service{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Issue mints a token: base64url(nonce) "." unix-seconds "." base64url(sig).
// The same string is handed to both transport channels.
func (s *Service) Issue() (string, error) {
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate csrf nonce: %w", err)
	}

	encNonce := base64.RawURLEncoding.EncodeToString(nonce)
	ts := strconv.FormatInt(s.now().Unix(), 10)
	sig := s.sign(encNonce, ts)

	return encNonce + "." + ts + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Validate checks the double-submit pair: the two presented values must match
// in constant time, carry a signature minted by this process, and fall inside
// the freshness window.
func (s *Service) Validate(cookieToken, headerToken string) error {
	if cookieToken == "" || headerToken == "" {
		return ErrMissing
	}
	if subtle.ConstantTimeCompare([]byte(cookieToken), []byte(headerToken)) != 1 {
		return ErrMismatch
	}

	parts := strings.Split(headerToken, ".")
	if len(parts) != 3 {
		return ErrMalformed
	}
	encNonce, ts, encSig := parts[0], parts[1], parts[2]

	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return ErrMalformed
	}
	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrMalformed
	}

	if !hmac.Equal(sig, s.sign(encNonce, ts)) {
		return ErrBadSignature
	}

	now := s.now()
	issuedAt := time.Unix(issued, 0)
	if issuedAt.After(now.Add(futureSkew)) {
		return ErrExpired
	}
	if now.Sub(issuedAt) > s.ttl {
		return ErrExpired
	}

	return nil
}

// sign computes the HMAC over the exact wire bytes of nonce and timestamp.
func (s *Service) sign(encNonce, ts string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encNonce))
	mac.Write([]byte("."))
	mac.Write([]byte(ts))
	return mac.Sum(nil)
}
