package client_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/testdrivenio/flask-spa-auth/client"
)

const (
	testToken  = "bm9uY2U.1748779200.c2ln"
	testHeader = "X-CSRFToken"
	testCookie = "csrftoken"
)

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

// serveCSRF is the stub /api/getcsrf: token in the response header, cookie
// half in the jar.
func serveCSRF(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: testCookie, Value: token, Path: "/"})
		w.Header().Set(testHeader, token)
		writeJSON(w, http.StatusOK, `{"detail": "CSRF cookie set"}`)
	}
}

func newStubServer(t *testing.T, mux *http.ServeMux) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// TestStart_AnonymousArmsToken verifies the start sequence for an anonymous
// visitor: probe first, then exactly one token fetch.
func TestStart_AnonymousArmsToken(t *testing.T) {
	var csrfCalls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/api/getsession", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"login": false}`)
	})
	mux.HandleFunc("/api/getcsrf", func(w http.ResponseWriter, r *http.Request) {
		csrfCalls.Add(1)
		serveCSRF(testToken)(w, r)
	})
	server := newStubServer(t, mux)

	coord, err := client.New(server.URL)
	require.NoError(t, err)

	state, err := coord.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, client.StateAnonymous, state)
	require.Equal(t, int64(1), csrfCalls.Load())
}

// TestStart_AuthenticatedSkipsToken verifies that a live session short-cuts
// the start sequence; no token is fetched until one is needed.
func TestStart_AuthenticatedSkipsToken(t *testing.T) {
	var csrfCalls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/api/getsession", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"login": true}`)
	})
	mux.HandleFunc("/api/getcsrf", func(w http.ResponseWriter, r *http.Request) {
		csrfCalls.Add(1)
		serveCSRF(testToken)(w, r)
	})
	server := newStubServer(t, mux)

	coord, err := client.New(server.URL)
	require.NoError(t, err)

	state, err := coord.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, client.StateAuthenticated, state)
	require.Equal(t, int64(0), csrfCalls.Load())
}

// TestLogin_SendsDoubleSubmitPair verifies that a login carries the token on
// both channels: the jar-managed cookie and the explicit header.
func TestLogin_SendsDoubleSubmitPair(t *testing.T) {
	gotHeader := make(chan string, 1)
	gotCookie := make(chan string, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/getcsrf", serveCSRF(testToken))
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		gotHeader <- r.Header.Get(testHeader)
		if c, err := r.Cookie(testCookie); err == nil {
			gotCookie <- c.Value
		} else {
			gotCookie <- ""
		}
		writeJSON(w, http.StatusOK, `{"login": true}`)
	})
	server := newStubServer(t, mux)

	coord, err := client.New(server.URL)
	require.NoError(t, err)

	require.NoError(t, coord.Login(context.Background(), "test", "test"))
	require.Equal(t, client.StateAuthenticated, coord.State())
	require.Equal(t, testToken, <-gotHeader)
	require.Equal(t, testToken, <-gotCookie)
}

// TestLogin_BusyGuard verifies that mutating calls refuse to overlap while
// read-only calls keep working.
func TestLogin_BusyGuard(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/getcsrf", serveCSRF(testToken))
	mux.HandleFunc("/api/getsession", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"login": false}`)
	})
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		writeJSON(w, http.StatusOK, `{"login": true}`)
	})
	server := newStubServer(t, mux)

	coord, err := client.New(server.URL)
	require.NoError(t, err)
	require.NoError(t, coord.FetchCSRF(context.Background()))

	done := make(chan error, 1)
	go func() {
		done <- coord.Login(context.Background(), "test", "test")
	}()
	<-entered

	require.ErrorIs(t, coord.Login(context.Background(), "test", "test"), client.ErrBusy)
	require.ErrorIs(t, coord.Logout(context.Background()), client.ErrBusy)

	_, err = coord.Session(context.Background())
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, client.StateAuthenticated, coord.State())
}

// TestNavigate_DiscardsStaleResult verifies that a response landing after a
// navigation is thrown away instead of mutating the new view's state.
func TestNavigate_DiscardsStaleResult(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("/api/getsession", func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		writeJSON(w, http.StatusOK, `{"login": true}`)
	})
	server := newStubServer(t, mux)

	coord, err := client.New(server.URL)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := coord.Session(context.Background())
		result <- err
	}()
	<-entered

	coord.Navigate()
	close(release)

	require.ErrorIs(t, <-result, client.ErrStale)
	// The would-be "authenticated" answer was discarded.
	require.Equal(t, client.StateAnonymous, coord.State())
}

// TestUnreachable verifies that transport failure is its own state, never
// mistaken for logged-out.
func TestUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NewServeMux())
	server.Close()

	coord, err := client.New(server.URL)
	require.NoError(t, err)

	_, err = coord.Session(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, client.ErrStale)
	require.Equal(t, client.StateUnreachable, coord.State())
	require.Equal(t, "unreachable", coord.State().String())
}

// TestLogout_OptimisticOnTransportFailure verifies that a logout that never
// reached the server still clears local state; the server-side session will
// age out, and every protected call fails closed meanwhile.
func TestLogout_OptimisticOnTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.NewServeMux())
	server.Close()

	coord, err := client.New(server.URL)
	require.NoError(t, err)

	err = coord.Logout(context.Background())
	require.Error(t, err)
	require.Equal(t, client.StateAnonymous, coord.State())
}

// TestLogout_AlreadyGoneIsSuccess verifies that a 401 on logout counts as
// success: the session is gone either way.
func TestLogout_AlreadyGoneIsSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/logout", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"error": "authentication required"}`)
	})
	server := newStubServer(t, mux)

	coord, err := client.New(server.URL)
	require.NoError(t, err)

	require.NoError(t, coord.Logout(context.Background()))
	require.Equal(t, client.StateAnonymous, coord.State())
}

// TestLogin_ForbiddenDropsToken verifies the CSRF rejection path: no silent
// retry, and the dead token is dropped so the next attempt fetches a fresh
// one.
func TestLogin_ForbiddenDropsToken(t *testing.T) {
	var csrfCalls atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("/api/getcsrf", func(w http.ResponseWriter, r *http.Request) {
		n := csrfCalls.Add(1)
		serveCSRF(fmt.Sprintf("token-%d", n))(w, r)
	})
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"detail": "CSRF validation failed"}`)
	})
	server := newStubServer(t, mux)

	coord, err := client.New(server.URL)
	require.NoError(t, err)

	require.ErrorIs(t, coord.Login(context.Background(), "test", "test"), client.ErrNotAuthenticated)
	require.Equal(t, int64(1), csrfCalls.Load())

	require.ErrorIs(t, coord.Login(context.Background(), "test", "test"), client.ErrNotAuthenticated)
	require.Equal(t, int64(2), csrfCalls.Load())
}

// TestLogin_BadCredentials verifies the 401 mapping.
func TestLogin_BadCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/getcsrf", serveCSRF(testToken))
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"login": false}`)
	})
	server := newStubServer(t, mux)

	coord, err := client.New(server.URL)
	require.NoError(t, err)

	require.ErrorIs(t, coord.Login(context.Background(), "test", "wrong"), client.ErrBadCredentials)
	require.Equal(t, client.StateAnonymous, coord.State())
}

// TestData verifies the protected read mapping for success and rejection.
func TestData(t *testing.T) {
	t.Run("authenticated", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/data", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"name": "Test User"}`)
		})
		server := newStubServer(t, mux)

		coord, err := client.New(server.URL)
		require.NoError(t, err)

		name, err := coord.Data(context.Background())
		require.NoError(t, err)
		require.Equal(t, "Test User", name)
		require.Equal(t, client.StateAuthenticated, coord.State())
	})

	t.Run("rejected", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/data", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnauthorized, `{"error": "authentication required"}`)
		})
		server := newStubServer(t, mux)

		coord, err := client.New(server.URL)
		require.NoError(t, err)

		_, err = coord.Data(context.Background())
		require.ErrorIs(t, err, client.ErrNotAuthenticated)
		require.Equal(t, client.StateAnonymous, coord.State())
	})
}
