package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *OAuthError
		code   string
		status int
	}{
		{"invalid request", ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid client", ErrInvalidClient("x"), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid grant", ErrInvalidGrant("x"), ErrorCodeInvalidGrant, http.StatusBadRequest},
		{"invalid scope", ErrInvalidScope("x"), ErrorCodeInvalidScope, http.StatusBadRequest},
		{"unsupported grant", ErrUnsupportedGrantType("x"), ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"unsupported response type", ErrUnsupportedResponseType("x"), ErrorCodeUnsupportedResponseType, http.StatusBadRequest},
		{"access denied", ErrAccessDenied("x"), ErrorCodeAccessDenied, http.StatusUnauthorized},
		{"invalid token", ErrInvalidToken("x"), ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"insufficient scope", ErrInsufficientScope("x"), ErrorCodeInsufficientScope, http.StatusForbidden},
		{"server error", ErrServerError("x"), ErrorCodeServerError, http.StatusInternalServerError},
		{"unavailable", ErrTemporarilyUnavailable("x"), ErrorCodeTemporarilyUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Status != tt.status {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.status)
			}
		})
	}
}

func TestAsOAuthErrorHidesForeignErrors(t *testing.T) {
	oe := AsOAuthError(errors.New("database exploded"))

	if oe.Code != ErrorCodeServerError {
		t.Fatalf("Code = %q", oe.Code)
	}
	if strings.Contains(oe.Description, "database") {
		t.Errorf("description leaks the cause: %q", oe.Description)
	}
}

func TestRenderError(t *testing.T) {
	tests := []struct {
		name          string
		err           *OAuthError
		scheme        string
		extra         []string
		wantChallenge string
		wantNoHeader  bool
	}{
		{
			name:          "bearer invalid token",
			err:           ErrInvalidToken(`Token "abc" expired`),
			scheme:        tokenTypeBearer,
			wantChallenge: `Bearer realm="oauth", error="invalid_token", error_description="Token \"abc\" expired"`,
		},
		{
			name:          "insufficient scope lists scopes",
			err:           ErrInsufficientScope("need more"),
			scheme:        tokenTypeBearer,
			extra:         []string{"scope", "openid email"},
			wantChallenge: `Bearer realm="oauth", error="insufficient_scope", error_description="need more", scope="openid email"`,
		},
		{
			name:          "basic client authentication",
			err:           ErrInvalidClient("Client authentication failed"),
			scheme:        challengeBasic,
			wantChallenge: `Basic realm="oauth"`,
		},
		{
			name:         "bad request has no challenge",
			err:          ErrInvalidGrant("used"),
			scheme:       tokenTypeBearer,
			wantNoHeader: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			renderError(rec, tt.err, tt.scheme, tt.extra...)

			if rec.Code != tt.err.Status {
				t.Errorf("status = %d, want %d", rec.Code, tt.err.Status)
			}
			got := rec.Header().Get("WWW-Authenticate")
			if tt.wantNoHeader && got != "" {
				t.Errorf("unexpected WWW-Authenticate %q", got)
			}
			if !tt.wantNoHeader && got != tt.wantChallenge {
				t.Errorf("WWW-Authenticate = %q\nwant %q", got, tt.wantChallenge)
			}

			var body ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("invalid JSON body: %v", err)
			}
			if body.Error != tt.err.Code || body.ErrorDescription != tt.err.Description {
				t.Errorf("body = %+v", body)
			}
		})
	}
}
