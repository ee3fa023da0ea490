package server

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/giantswarm/oauth-server/internal/testutil"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/memory"
	"github.com/giantswarm/oauth-server/token"
)

type fixture struct {
	clock *testutil.MockTime
	store *memory.Store
	reg   *storage.Registry
	codec *token.Codec
	srv   *Server
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	clock := testutil.NewMockTime(time.Unix(1_700_000_000, 0))
	store, reg := testutil.NewStore(t, clock)
	codec := testutil.Codec(t, clock)

	cfg := &Config{
		DefaultScope: "openid",
		GrantTypes: []GrantType{
			GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeImplicit,
			GrantTypePassword, GrantTypeClientCredentials,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := New(reg, codec, cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &fixture{clock: clock, store: store, reg: reg, codec: codec, srv: srv}
}

func authorizeParams(clientID string, extra map[string]string) url.Values {
	v := url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {testutil.RedirectURI},
		"state":         {"xyz"},
	}
	for k, val := range extra {
		v.Set(k, val)
	}
	return v
}

// authorize drives a request through login and consent and returns the
// redirect.
func (f *fixture) authorize(t *testing.T, params url.Values) *url.URL {
	t.Helper()
	ctx := context.Background()
	req, err := f.srv.ValidateAuthorizationRequest(ctx, params)
	if err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}
	if err := f.srv.BeginAuthorization(ctx, req, testutil.UserID); err != nil {
		t.Fatalf("BeginAuthorization() error = %v", err)
	}
	if req.State == StateAwaitingApproval {
		if err := f.srv.Approve(ctx, req); err != nil {
			t.Fatalf("Approve() error = %v", err)
		}
	}
	u, err := f.srv.CompleteAuthorization(ctx, req)
	if err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}
	return u
}

// code runs the authorization flow for the confidential client and
// returns the authorization code.
func (f *fixture) code(t *testing.T, extra map[string]string) string {
	t.Helper()
	u := f.authorize(t, authorizeParams(testutil.ConfidentialClientID, extra))
	code := u.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect %s carries no code", u)
	}
	return code
}

func (f *fixture) exchange(code string) (*TokenResponse, error) {
	return f.srv.Token(context.Background(), &TokenRequest{
		GrantType:    string(GrantTypeAuthorizationCode),
		ClientID:     testutil.ConfidentialClientID,
		ClientSecret: testutil.ConfidentialClientSecret,
		Code:         code,
		RedirectURI:  testutil.RedirectURI,
	})
}

func wantOAuthError(t *testing.T, err error, code string) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	oe := AsOAuthError(err)
	if oe.Code != code {
		t.Fatalf("error code = %q (%v), want %q", oe.Code, err, code)
	}
	return oe
}
