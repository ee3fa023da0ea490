package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// OAuth 2.0 error codes (RFC 6749 section 5.2, RFC 6750 section 3.1).
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeInsufficientScope       = "insufficient_scope"
	ErrorCodeServerError             = "server_error"
	ErrorCodeTemporarilyUnavailable  = "temporarily_unavailable"
)

// genericServerErrorDescription is what clients see for any unexpected failure.
const genericServerErrorDescription = "The authorization server encountered an unexpected condition"

// Error is an OAuth error response. When RedirectURI is set the error is
// delivered to the client by redirect, carrying State, in the query or
// (UseFragment) in the fragment. Otherwise it is rendered as JSON.
type Error struct {
	Code        string
	Description string
	Status      int

	RedirectURI string
	State       string
	UseFragment bool

	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Wrap returns a copy of e that records cause. The cause is logged, never
// sent to the client.
func (e *Error) Wrap(cause error) *Error {
	out := *e
	out.cause = cause
	return &out
}

// WithRedirect returns a copy of e that is delivered to redirectURI.
func (e *Error) WithRedirect(redirectURI, state string, useFragment bool) *Error {
	out := *e
	out.RedirectURI = redirectURI
	out.State = state
	out.UseFragment = useFragment
	return &out
}

// IsRedirect reports whether the error is delivered by redirect.
func (e *Error) IsRedirect() bool { return e.RedirectURI != "" }

// RedirectURL builds the redirect carrying error, error_description and state.
func (e *Error) RedirectURL() (*url.URL, error) {
	if e.RedirectURI == "" {
		return nil, fmt.Errorf("error has no redirect uri")
	}
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect uri: %w", err)
	}
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	appendParams(u, params, e.UseFragment)
	return u, nil
}

// appendParams merges params into the query, or replaces the fragment.
func appendParams(u *url.URL, params url.Values, fragment bool) {
	if fragment {
		u.Fragment = params.Encode()
		return
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
}

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidGrant indicates the authorization code, refresh token or user credentials are invalid
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidScope indicates the requested scope is invalid, unknown or exceeds what was granted
	ErrInvalidScope = func(desc string) *Error {
		return NewError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not enabled
	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedResponseType indicates no enabled grant answers the response type
	ErrUnsupportedResponseType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedResponseType, desc, http.StatusBadRequest)
	}

	// ErrAccessDenied indicates the user denied the request. Outside of a
	// redirect it is a 401.
	ErrAccessDenied = func(desc string) *Error {
		return NewError(ErrorCodeAccessDenied, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the bearer token is invalid, expired or revoked
	ErrInvalidToken = func(desc string) *Error {
		return NewError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrInsufficientScope indicates the bearer token lacks a required scope
	ErrInsufficientScope = func(desc string) *Error {
		return NewError(ErrorCodeInsufficientScope, desc, http.StatusForbidden)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrTemporarilyUnavailable indicates the service is disabled or overloaded
	ErrTemporarilyUnavailable = func(desc string) *Error {
		return NewError(ErrorCodeTemporarilyUnavailable, desc, http.StatusServiceUnavailable)
	}
)

// AsOAuthError returns err as an *Error. Anything that is not already one
// becomes a server_error with a generic description; the original error is
// kept as the cause for logging. Context cancellation maps to
// temporarily_unavailable. A nil err yields nil.
func AsOAuthError(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTemporarilyUnavailable("The request was cancelled before it completed").Wrap(err)
	}
	return ErrServerError(genericServerErrorDescription).Wrap(err)
}
