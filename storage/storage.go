// Package storage defines the repository contracts the authorization and resource
// servers consume, together with the protocol-level entities that flow through them.
package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

var (
	// ErrClientNotFound is returned when a client id is unknown.
	ErrClientNotFound = errors.New("client not found")

	// ErrScopeNotFound is returned when a scope id is unknown.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrAuthCodeNotFound is returned when no authorization code row exists for an id.
	ErrAuthCodeNotFound = errors.New("authorization code not found")

	// ErrTokenNotFound is returned when no access or refresh token row exists for an id.
	ErrTokenNotFound = errors.New("token not found")

	// ErrUserNotFound is returned when a user id is unknown.
	ErrUserNotFound = errors.New("user not found")

	// ErrRevoked is returned by the consume operations when the code or token was
	// already consumed or explicitly revoked.
	ErrRevoked = errors.New("revoked")

	// ErrInvalidCredentials is returned when a client secret or user password does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Client is a registered OAuth client.
type Client struct {
	// ID is an opaque identifier of at most 36 characters.
	ID   string
	Name string

	RedirectURIs []string

	// SecretHash is the bcrypt hash of the client secret. Empty for public clients.
	SecretHash string

	// Scopes optionally restricts the scopes the client may request.
	// An empty list allows every registered scope.
	Scopes []string

	CreatedAt time.Time
}

// IsConfidential reports whether the client authenticates with a secret.
func (c *Client) IsConfidential() bool {
	return c.SecretHash != ""
}

// HasRedirectURI reports whether uri is registered for the client (exact match).
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsScopes reports whether every scope in requested is permitted for the client.
func (c *Client) AllowsScopes(requested []string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range requested {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// Scope is a scope identifier with the description shown on the consent page.
type Scope struct {
	ID          string
	Description string
}

// AuthorizationCode is the persisted record of an issued authorization code.
// The code string handed to the client is an encrypted payload; this record only
// tracks whether it is still redeemable.
type AuthorizationCode struct {
	ID          string
	ClientID    string
	UserID      string
	RedirectURI string
	Scopes      []string
	ExpiresAt   time.Time
	Revoked     bool
}

// AccessToken is the persisted record of an issued access token.
type AccessToken struct {
	ID        string
	ClientID  string
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
}

// CoversScopes reports whether the token was granted every scope in requested.
func (t *AccessToken) CoversScopes(requested []string) bool {
	for _, s := range requested {
		if !slices.Contains(t.Scopes, s) {
			return false
		}
	}
	return true
}

// RefreshToken is the persisted record of an issued refresh token.
type RefreshToken struct {
	ID            string
	AccessTokenID string
	ClientID      string
	UserID        string
	Scopes        []string
	ExpiresAt     time.Time
}

// User is an end user. Claims holds the OIDC claim values used for ID tokens and UserInfo.
type User struct {
	ID     string
	Claims map[string]any
}

// ClientStore resolves and authenticates clients.
type ClientStore interface {
	// GetClient returns ErrClientNotFound for unknown ids.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret returns ErrInvalidCredentials when the secret does not match.
	// Implementations must take the same time whether or not the client exists.
	ValidateClientSecret(ctx context.Context, clientID, secret string) error
}

// ClientWriter is implemented by stores that accept administrative client writes.
type ClientWriter interface {
	SaveClient(ctx context.Context, client *Client) error
}

// ScopeStore resolves registered scopes.
type ScopeStore interface {
	// GetScope returns ErrScopeNotFound for unknown ids.
	GetScope(ctx context.Context, id string) (*Scope, error)
	ListScopes(ctx context.Context) ([]*Scope, error)
}

// ScopeWriter is implemented by stores that accept scope seeding.
type ScopeWriter interface {
	SaveScope(ctx context.Context, scope *Scope) error
}

// AuthCodeStore persists authorization code records.
type AuthCodeStore interface {
	SaveAuthCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthCode atomically transitions the code to revoked. Exactly one of any
	// number of concurrent callers succeeds; the others get ErrRevoked or
	// ErrAuthCodeNotFound.
	ConsumeAuthCode(ctx context.Context, codeID string) error

	// IsAuthCodeRevoked reports true for unknown codes.
	IsAuthCodeRevoked(ctx context.Context, codeID string) (bool, error)
}

// AccessTokenStore persists access token records.
type AccessTokenStore interface {
	SaveAccessToken(ctx context.Context, token *AccessToken) error

	// IsAccessTokenRevoked reports true for unknown tokens.
	IsAccessTokenRevoked(ctx context.Context, tokenID string) (bool, error)

	// RevokeAccessToken removes the token. Revoking an unknown token is not an error.
	RevokeAccessToken(ctx context.Context, tokenID string) error

	// FindActiveAccessTokens returns tokens for the client that expire after now.
	// An empty userID matches tokens issued without a user.
	FindActiveAccessTokens(ctx context.Context, clientID, userID string, now time.Time) ([]*AccessToken, error)
}

// TokenScopeChecker is an optional AccessTokenStore capability. HasScopes reports
// whether the persisted scope set of the token equals scopes, ignoring order.
type TokenScopeChecker interface {
	HasScopes(ctx context.Context, tokenID string, scopes []string) (bool, error)
}

// RefreshTokenStore persists refresh token records.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// ConsumeRefreshToken atomically removes the token and returns the removed record.
	// Concurrent callers observe ErrRevoked or ErrTokenNotFound.
	ConsumeRefreshToken(ctx context.Context, tokenID string) (*RefreshToken, error)

	// IsRefreshTokenRevoked reports true for unknown tokens.
	IsRefreshTokenRevoked(ctx context.Context, tokenID string) (bool, error)

	// RevokeRefreshToken removes the token. Revoking an unknown token is not an error.
	RevokeRefreshToken(ctx context.Context, tokenID string) error
}

// UserStore verifies end-user credentials for the password grant.
type UserStore interface {
	// GetUserByCredentials returns ErrInvalidCredentials on a mismatch and
	// for unknown usernames alike.
	GetUserByCredentials(ctx context.Context, username, password string) (*User, error)
}

// IdentityStore resolves the OIDC claim set of a user.
type IdentityStore interface {
	// GetUserByID returns ErrUserNotFound for unknown ids.
	GetUserByID(ctx context.Context, userID string) (*User, error)
}

// UserWriter is implemented by stores that accept user seeding.
// An empty password leaves the user unable to use the password grant.
type UserWriter interface {
	SaveUser(ctx context.Context, user *User, password string) error
}

// SameScopeSet reports whether a and b contain the same scopes, ignoring order and duplicates.
func SameScopeSet(a, b []string) bool {
	as := slices.Compact(slices.Sorted(slices.Values(a)))
	bs := slices.Compact(slices.Sorted(slices.Values(b)))
	return slices.Equal(as, bs)
}
