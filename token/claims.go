package token

import (
	"maps"
	"time"
)

// Claims is the decoded content of any token kind. Which fields are
// meaningful depends on the kind:
//
//   - access token: ID (jti), Subject, ClientID, Scopes, timestamps
//   - ID token: Subject, ClientID (aud/azp), Nonce, AuthTime, Extra
//   - authorization code: ID, Subject, ClientID, Scopes, RedirectURI,
//     Nonce, AuthTime and the PKCE challenge
//   - refresh token: ID, AccessTokenID, Subject, ClientID, Scopes
type Claims struct {
	ID        string
	Issuer    string
	Subject   string
	ClientID  string
	Audience  []string
	Scopes    []string
	IssuedAt  time.Time
	NotBefore time.Time
	ExpiresAt time.Time

	RedirectURI         string
	AccessTokenID       string
	Nonce               string
	AuthTime            time.Time
	CodeChallenge       string
	CodeChallengeMethod string

	// Extra holds additional ID token claims (OIDC standard claims).
	// Registered and codec-owned claim names are ignored.
	Extra map[string]any
}

// Clone returns a deep copy of c.
func (c *Claims) Clone() *Claims {
	if c == nil {
		return nil
	}
	out := *c
	out.Audience = append([]string(nil), c.Audience...)
	out.Scopes = append([]string(nil), c.Scopes...)
	if c.Extra != nil {
		out.Extra = maps.Clone(c.Extra)
	}
	return &out
}

// Expired reports whether the claims are expired at now.
func (c *Claims) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c *Claims) truncate() {
	c.IssuedAt = c.IssuedAt.Truncate(time.Second)
	c.ExpiresAt = c.ExpiresAt.Truncate(time.Second)
	if !c.NotBefore.IsZero() {
		c.NotBefore = c.NotBefore.Truncate(time.Second)
	}
	if !c.AuthTime.IsZero() {
		c.AuthTime = c.AuthTime.Truncate(time.Second)
	}
}
