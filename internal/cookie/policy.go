// Package cookie computes session and CSRF cookie attributes from the
// deployment topology. Getting these attributes wrong does not fail loudly
// because browsers silently drop or withhold cookies, so the rules live in
// one resolver instead of being scattered across handlers. Every cookie this
// service issues is HttpOnly: client script learns the CSRF token from the
// X-CSRFToken response header, never from a cookie.
package cookie

import (
	"fmt"
	"net/http"
	"time"
)

// Topology describes how the SPA reaches this backend.
type Topology string

const (
	// TopologySingleOrigin: the backend serves the SPA itself; one origin.
	TopologySingleOrigin Topology = "single-origin"
	// TopologySameDomain: SPA and backend are different subdomains/ports of
	// one registrable domain, joined by a reverse proxy.
	TopologySameDomain Topology = "same-domain"
	// TopologyCrossOrigin: SPA and backend are entirely different origins.
	TopologyCrossOrigin Topology = "cross-origin"
)

// ParseTopology converts a configuration string into a Topology.
func ParseTopology(s string) (Topology, error) {
	switch Topology(s) {
	case TopologySingleOrigin, TopologySameDomain, TopologyCrossOrigin:
		return Topology(s), nil
	case "":
		return TopologySingleOrigin, nil
	default:
		return "", fmt.Errorf("unknown cookie topology %q", s)
	}
}

// Policy is the resolved cookie attribute set for one deployment.
type Policy struct {
	SameSite http.SameSite
	Secure   bool
	Domain   string
}

// Resolve maps a topology to its cookie attributes. secure should be true for
// production (HTTPS) deployments; cross-origin ignores it because browsers
// reject SameSite=None cookies without Secure.
func Resolve(t Topology, secure bool, parentDomain string) Policy {
	var p Policy
	switch t {
	case TopologySameDomain:
		p = Policy{SameSite: http.SameSiteLaxMode, Secure: secure, Domain: parentDomain}
	case TopologyCrossOrigin:
		p = Policy{SameSite: http.SameSiteNoneMode, Secure: secure}
	default:
		p = Policy{SameSite: http.SameSiteStrictMode, Secure: secure}
	}

	// Hard browser constraint, enforced rather than documented.
	if p.SameSite == http.SameSiteNoneMode {
		p.Secure = true
	}
	return p
}

// SetSession issues the session cookie. The session identifier must never be
// readable by script, so HttpOnly is unconditional.
func (p Policy) SetSession(w http.ResponseWriter, name, sessionID string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    sessionID,
		Path:     "/",
		Domain:   p.Domain,
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: p.SameSite,
	})
}

// ClearSession removes the session cookie.
func (p Policy) ClearSession(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: p.SameSite,
	})
}

// SetCSRF issues the CSRF reference cookie. The script-visible copy of the
// token travels in the X-CSRFToken response header; the cookie copy stays
// HttpOnly so cross-site script can neither read nor forge the matching pair.
func (p Policy) SetCSRF(w http.ResponseWriter, name, token string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    token,
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: p.SameSite,
	})
}
