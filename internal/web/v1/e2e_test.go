package v1_test

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/testdrivenio/flask-spa-auth/client"
)

// startServer exposes the assembled API over a real listener so the client
// coordinator can run against it exactly as it would in production.
func startServer(t *testing.T, protectReads bool) (*handlerFixture, *httptest.Server) {
	t.Helper()

	fixture := newHandlerFixture(t, protectReads)
	server := httptest.NewServer(fixture.router)
	t.Cleanup(server.Close)
	return fixture, server
}

// TestE2E_ColdStart verifies the app-start sequence for a first-time visitor:
// the probe reports anonymous and a CSRF token is armed for the login form.
func TestE2E_ColdStart(t *testing.T) {
	_, server := startServer(t, false)

	coord, err := client.New(server.URL)
	require.NoError(t, err)

	state, err := coord.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, client.StateAnonymous, state)

	// The token fetched during Start is enough to log in straight away.
	require.NoError(t, coord.Login(context.Background(), testUsername, testPassword))
	require.Equal(t, client.StateAuthenticated, coord.State())
}

// TestE2E_FullLifecycle walks the whole arc through the coordinator: start,
// login, protected read, logout, and the post-logout rejection.
func TestE2E_FullLifecycle(t *testing.T) {
	fixture, server := startServer(t, false)
	ctx := context.Background()

	coord, err := client.New(server.URL)
	require.NoError(t, err)

	state, err := coord.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, client.StateAnonymous, state)

	require.NoError(t, coord.Login(ctx, testUsername, testPassword))
	require.Equal(t, client.StateAuthenticated, coord.State())
	require.Equal(t, 1, fixture.sessions.Len())

	loggedIn, err := coord.Session(ctx)
	require.NoError(t, err)
	require.True(t, loggedIn)

	name, err := coord.Data(ctx)
	require.NoError(t, err)
	require.Equal(t, testDisplayName, name)

	require.NoError(t, coord.Logout(ctx))
	require.Equal(t, client.StateAnonymous, coord.State())
	require.Equal(t, 0, fixture.sessions.Len())

	_, err = coord.Data(ctx)
	require.ErrorIs(t, err, client.ErrNotAuthenticated)
}

// TestE2E_BadCredentials verifies the rejected-login path end to end.
func TestE2E_BadCredentials(t *testing.T) {
	fixture, server := startServer(t, false)
	ctx := context.Background()

	coord, err := client.New(server.URL)
	require.NoError(t, err)

	_, err = coord.Start(ctx)
	require.NoError(t, err)

	err = coord.Login(ctx, testUsername, "not-the-password")
	require.ErrorIs(t, err, client.ErrBadCredentials)
	require.Equal(t, client.StateAnonymous, coord.State())
	require.Equal(t, 0, fixture.sessions.Len())

	_, err = coord.Data(ctx)
	require.ErrorIs(t, err, client.ErrNotAuthenticated)
}

// TestE2E_WrongHeaderName verifies that a token presented under the wrong
// header name is rejected even though the cookie half of the pair is present
// and the credentials are right.
func TestE2E_WrongHeaderName(t *testing.T) {
	fixture, server := startServer(t, false)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	hc := &http.Client{Jar: jar}

	resp, err := hc.Get(server.URL + "/api/getcsrf")
	require.NoError(t, err)
	token := resp.Header.Get(csrfHeaderName)
	resp.Body.Close()
	require.NotEmpty(t, token)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/login", strings.NewReader(`{"username":"test","password":"test"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wrong-Header", token)

	resp, err = hc.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"detail": "CSRF validation failed"}`, string(body))
	require.Equal(t, 0, fixture.sessions.Len())
}

// TestE2E_ReloadKeepsSession verifies that a fresh coordinator sharing the
// cookie jar (a page reload) starts out authenticated without re-login.
func TestE2E_ReloadKeepsSession(t *testing.T) {
	_, server := startServer(t, false)
	ctx := context.Background()

	hc := &http.Client{}

	first, err := client.New(server.URL, client.WithHTTPClient(hc))
	require.NoError(t, err)
	_, err = first.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Login(ctx, testUsername, testPassword))

	reloaded, err := client.New(server.URL, client.WithHTTPClient(hc))
	require.NoError(t, err)

	state, err := reloaded.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, client.StateAuthenticated, state)

	name, err := reloaded.Data(ctx)
	require.NoError(t, err)
	require.Equal(t, testDisplayName, name)
}

// TestE2E_ProtectedReads verifies the strict deployment through the
// coordinator: reads demand the token pair, and the coordinator already
// sends it on every call once fetched.
func TestE2E_ProtectedReads(t *testing.T) {
	_, server := startServer(t, true)
	ctx := context.Background()

	coord, err := client.New(server.URL)
	require.NoError(t, err)

	_, err = coord.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, coord.Login(ctx, testUsername, testPassword))

	name, err := coord.Data(ctx)
	require.NoError(t, err)
	require.Equal(t, testDisplayName, name)
}
