package oauth

import (
	"github.com/giantswarm/oauth-server/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeInsufficientScope       = server.ErrorCodeInsufficientScope
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeTemporarilyUnavailable  = server.ErrorCodeTemporarilyUnavailable

	// ErrorCodeRateLimitExceeded is not an RFC 6749 code; it accompanies 429.
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
)

// OAuthError is an OAuth 2.0 error response. Errors with a RedirectURI
// are delivered to the client by redirect; all others are written as JSON.
type OAuthError = server.Error

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return server.NewError(code, description, status)
}

// Constructors per error code.
var (
	ErrInvalidRequest          = server.ErrInvalidRequest
	ErrInvalidClient           = server.ErrInvalidClient
	ErrInvalidGrant            = server.ErrInvalidGrant
	ErrInvalidScope            = server.ErrInvalidScope
	ErrUnsupportedGrantType    = server.ErrUnsupportedGrantType
	ErrUnsupportedResponseType = server.ErrUnsupportedResponseType
	ErrAccessDenied            = server.ErrAccessDenied
	ErrInvalidToken            = server.ErrInvalidToken
	ErrInsufficientScope       = server.ErrInsufficientScope
	ErrServerError             = server.ErrServerError
	ErrTemporarilyUnavailable  = server.ErrTemporarilyUnavailable
)

// AsOAuthError converts any error into an OAuthError. Foreign errors become
// server_error with a generic description.
func AsOAuthError(err error) *OAuthError {
	return server.AsOAuthError(err)
}
