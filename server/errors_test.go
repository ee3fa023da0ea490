package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAsOAuthError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{name: "oauth error", err: ErrInvalidGrant("bad"), wantCode: ErrorCodeInvalidGrant, wantStatus: http.StatusBadRequest},
		{name: "wrapped oauth error", err: fmt.Errorf("ctx: %w", ErrInvalidClient("bad")), wantCode: ErrorCodeInvalidClient, wantStatus: http.StatusUnauthorized},
		{name: "storage failure", err: errors.New("connection refused"), wantCode: ErrorCodeServerError, wantStatus: http.StatusInternalServerError},
		{name: "cancelled", err: fmt.Errorf("query: %w", context.Canceled), wantCode: ErrorCodeTemporarilyUnavailable, wantStatus: http.StatusServiceUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, wantCode: ErrorCodeTemporarilyUnavailable, wantStatus: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oe := AsOAuthError(tt.err)
			if oe.Code != tt.wantCode || oe.Status != tt.wantStatus {
				t.Errorf("AsOAuthError() = %s/%d, want %s/%d", oe.Code, oe.Status, tt.wantCode, tt.wantStatus)
			}
		})
	}

	if AsOAuthError(nil) != nil {
		t.Error("AsOAuthError(nil) != nil")
	}
}

func TestAsOAuthErrorHidesCause(t *testing.T) {
	cause := errors.New("pq: password authentication failed for user admin")
	oe := AsOAuthError(cause)
	if oe.Description != genericServerErrorDescription {
		t.Errorf("Description = %q", oe.Description)
	}
	if !errors.Is(oe, cause) {
		t.Error("cause is not kept for logging")
	}
}

func TestErrorRedirectURL(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		wantURL  string
		wantFail bool
	}{
		{
			name:    "query",
			err:     ErrAccessDenied("denied").WithRedirect("https://app.example.com/cb?keep=1", "s1", false),
			wantURL: "https://app.example.com/cb?error=access_denied&error_description=denied&keep=1&state=s1",
		},
		{
			name:    "fragment",
			err:     ErrInvalidScope("nope").WithRedirect("https://app.example.com/cb", "", true),
			wantURL: "https://app.example.com/cb#error=invalid_scope&error_description=nope",
		},
		{
			name:     "no redirect",
			err:      ErrInvalidRequest("x"),
			wantFail: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := tt.err.RedirectURL()
			if tt.wantFail {
				if err == nil {
					t.Error("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if u.String() != tt.wantURL {
				t.Errorf("RedirectURL() = %s, want %s", u, tt.wantURL)
			}
		})
	}
}

func TestErrorCopies(t *testing.T) {
	base := ErrInvalidRequest("x")
	redirected := base.WithRedirect("https://app.example.com/cb", "s", false)
	wrapped := base.Wrap(errors.New("cause"))

	if base.IsRedirect() || base.Unwrap() != nil {
		t.Error("WithRedirect or Wrap modified the receiver")
	}
	if !redirected.IsRedirect() || wrapped.Unwrap() == nil {
		t.Error("copies lost their changes")
	}
	if got := wrapped.Error(); got != "invalid_request: x: cause" {
		t.Errorf("Error() = %q", got)
	}
	if got := base.Error(); got != "invalid_request: x" {
		t.Errorf("Error() = %q", got)
	}
}
