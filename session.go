package oauth

import (
	"net/http"
	"strings"
)

// SessionResolver identifies the user logged into the browser session
// behind an authorize request. It returns "" when there is no session.
// Authenticating users is left to the embedding application.
type SessionResolver interface {
	SessionUser(r *http.Request) (string, error)
}

// SessionResolverFunc adapts a function to SessionResolver.
type SessionResolverFunc func(r *http.Request) (string, error)

// SessionUser implements SessionResolver.
func (f SessionResolverFunc) SessionUser(r *http.Request) (string, error) {
	return f(r)
}

// HeaderSession trusts a user id header injected by an authenticating
// reverse proxy, e.g. X-Forwarded-User. Only use it when the proxy strips
// the header from client requests.
func HeaderSession(header string) SessionResolver {
	return SessionResolverFunc(func(r *http.Request) (string, error) {
		return strings.TrimSpace(r.Header.Get(header)), nil
	})
}

type noSessions struct{}

func (noSessions) SessionUser(*http.Request) (string, error) { return "", nil }
