// Package client is a Go counterpart of the SPA's session handling: it talks
// to the session API with a cookie jar, sequences the CSRF and login calls
// the way the frontend does, and tracks one authoritative authentication
// state. End-to-end tests and CLI tooling use it instead of hand-rolling
// fetch logic.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"
)

// State is the coordinator's view of the caller's authentication.
type State int

const (
	// StateAnonymous: no live session, or the server rejected the last
	// credential-bearing call.
	StateAnonymous State = iota
	// StateAuthenticated: the server confirmed a live session.
	StateAuthenticated
	// StateUnreachable: the last call failed in transport. Deliberately
	// distinct from anonymous: a dead network says nothing about the
	// session, so it must never look like "logged out".
	StateUnreachable
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateUnreachable:
		return "unreachable"
	default:
		return "anonymous"
	}
}

var (
	// ErrBusy means another mutating call is still in flight. The caller
	// should keep its control disabled and retry after the first resolves.
	ErrBusy = errors.New("another call is in flight")

	// ErrStale means the response arrived after a Navigate superseded the
	// view that issued it; the result was discarded without touching state.
	ErrStale = errors.New("result superseded by navigation")

	// ErrBadCredentials is the login rejection. The UI shows it inline.
	ErrBadCredentials = errors.New("bad credentials")

	// ErrNotAuthenticated means the server answered 401/403. Not retried
	// automatically; the caller should offer re-login.
	ErrNotAuthenticated = errors.New("not authenticated")
)

const defaultCSRFHeader = "X-CSRFToken"

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHTTPClient substitutes the underlying HTTP client. A cookie jar is
// installed if the given client has none, since the session rides on cookies.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Coordinator) { c.http = hc }
}

// WithCSRFHeader overrides the token header name.
func WithCSRFHeader(name string) Option {
	return func(c *Coordinator) { c.csrfHeader = name }
}

// Coordinator drives the session API. All methods are safe for concurrent
// use; mutating calls (Login, Logout) additionally refuse to overlap.
type Coordinator struct {
	base       string
	http       *http.Client
	csrfHeader string

	mu    sync.Mutex
	state State
	token string
	gen   uint64
	busy  bool
}

// New creates a Coordinator for the service at baseURL.
func New(baseURL string, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		base:       strings.TrimRight(baseURL, "/"),
		csrfHeader: defaultCSRFHeader,
		state:      StateAnonymous,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Second}
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		c.http.Jar = jar
	}
	return c, nil
}

// State returns the current authentication state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Navigate marks the current view as abandoned: responses to requests already
// in flight are discarded when they arrive. The requests themselves are not
// aborted.
func (c *Coordinator) Navigate() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
}

// Start runs the app-start sequence: probe the session, and when anonymous,
// fetch a CSRF token so the login action is armed before it is offered.
func (c *Coordinator) Start(ctx context.Context) (State, error) {
	loggedIn, err := c.Session(ctx)
	if err != nil {
		return c.State(), err
	}
	if loggedIn {
		return StateAuthenticated, nil
	}
	if err := c.FetchCSRF(ctx); err != nil {
		return c.State(), err
	}
	return StateAnonymous, nil
}

// Session probes GET /api/getsession and reconciles local state with the
// server's answer. This is also what protected views call before rendering,
// so a stale local flag can never expose a view the server would reject.
func (c *Coordinator) Session(ctx context.Context) (bool, error) {
	gen := c.generation()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/getsession", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if applyErr := c.apply(gen, StateUnreachable); applyErr != nil {
			return false, applyErr
		}
		return false, fmt.Errorf("session probe: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Login bool `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode session probe: %w", err)
	}

	next := StateAnonymous
	if out.Login {
		next = StateAuthenticated
	}
	if err := c.apply(gen, next); err != nil {
		return false, err
	}
	return out.Login, nil
}

// FetchCSRF obtains a token from GET /api/getcsrf. The cookie half of the
// pair lands in the jar; the header half is kept for subsequent requests.
func (c *Coordinator) FetchCSRF(ctx context.Context) error {
	gen := c.generation()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/getcsrf", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if applyErr := c.apply(gen, StateUnreachable); applyErr != nil {
			return applyErr
		}
		return fmt.Errorf("fetch csrf token: %w", err)
	}
	defer resp.Body.Close()

	token := resp.Header.Get(c.csrfHeader)
	if resp.StatusCode != http.StatusOK || token == "" {
		return fmt.Errorf("fetch csrf token: unexpected response %d", resp.StatusCode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return ErrStale
	}
	c.token = token
	return nil
}

// Login submits credentials. A CSRF token is fetched first if none is held;
// the token must exist before login is attempted. Only one mutating call may
// be in flight at a time.
func (c *Coordinator) Login(ctx context.Context, username, password string) error {
	if err := c.beginMutation(); err != nil {
		return err
	}
	defer c.endMutation()

	gen := c.generation()

	if c.currentToken() == "" {
		if err := c.FetchCSRF(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/login", bytes.NewReader(body))
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if applyErr := c.apply(gen, StateUnreachable); applyErr != nil {
			return applyErr
		}
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return c.apply(gen, StateAuthenticated)
	case resp.StatusCode == http.StatusUnauthorized:
		if applyErr := c.apply(gen, StateAnonymous); applyErr != nil {
			return applyErr
		}
		return ErrBadCredentials
	case resp.StatusCode == http.StatusForbidden:
		// CSRF rejection. The held token is dead; drop it so the next
		// attempt fetches a fresh one. No automatic retry.
		c.dropToken(gen)
		if applyErr := c.apply(gen, StateAnonymous); applyErr != nil {
			return applyErr
		}
		return ErrNotAuthenticated
	default:
		return fmt.Errorf("login: unexpected response %d", resp.StatusCode)
	}
}

// Data fetches the protected payload and returns the display name.
func (c *Coordinator) Data(ctx context.Context) (string, error) {
	gen := c.generation()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/data", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if applyErr := c.apply(gen, StateUnreachable); applyErr != nil {
			return "", applyErr
		}
		return "", fmt.Errorf("fetch data: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var out struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode data: %w", err)
		}
		if err := c.apply(gen, StateAuthenticated); err != nil {
			return "", err
		}
		return out.Name, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		if applyErr := c.apply(gen, StateAnonymous); applyErr != nil {
			return "", applyErr
		}
		return "", ErrNotAuthenticated
	default:
		return "", fmt.Errorf("fetch data: unexpected response %d", resp.StatusCode)
	}
}

// Logout asks the server to destroy the session. Local state clears once the
// server confirms, or optimistically on transport failure, in which case the
// next protected call fails closed anyway.
func (c *Coordinator) Logout(ctx context.Context) error {
	if err := c.beginMutation(); err != nil {
		return err
	}
	defer c.endMutation()

	gen := c.generation()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/logout", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if applyErr := c.apply(gen, StateAnonymous); applyErr != nil {
			return applyErr
		}
		return fmt.Errorf("logout: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK,
		// 401 means the session was already gone; the goal is achieved.
		resp.StatusCode == http.StatusUnauthorized:
		return c.apply(gen, StateAnonymous)
	default:
		return fmt.Errorf("logout: unexpected response %d", resp.StatusCode)
	}
}

func (c *Coordinator) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.currentToken(); token != "" {
		req.Header.Set(c.csrfHeader, token)
	}
	return req, nil
}

func (c *Coordinator) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// apply commits a state transition unless the originating view has been
// navigated away from, in which case the result is discarded.
func (c *Coordinator) apply(gen uint64, next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return ErrStale
	}
	c.state = next
	return nil
}

func (c *Coordinator) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Coordinator) dropToken(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.token = ""
}

func (c *Coordinator) beginMutation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrBusy
	}
	c.busy = true
	return nil
}

func (c *Coordinator) endMutation() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}
