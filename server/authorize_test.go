package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/giantswarm/oauth-server/internal/testutil"
	"github.com/giantswarm/oauth-server/token"
)

func TestValidateAuthorizationRequest(t *testing.T) {
	tests := []struct {
		name         string
		params       url.Values
		wantCode     string
		wantRedirect bool
	}{
		{
			name:     "missing response type",
			params:   url.Values{"client_id": {testutil.PublicClientID}},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "unsupported response type",
			params:   authorizeParams(testutil.PublicClientID, map[string]string{"response_type": "id_token"}),
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name:     "unknown client",
			params:   authorizeParams("ghost", nil),
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unregistered redirect",
			params:   authorizeParams(testutil.PublicClientID, map[string]string{"redirect_uri": "https://evil.example.com/cb"}),
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "ambiguous redirect",
			params:   authorizeParams(testutil.PublicClientID, map[string]string{"redirect_uri": ""}),
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:         "unknown scope",
			params:       authorizeParams(testutil.PublicClientID, map[string]string{"scope": "openid admin"}),
			wantCode:     ErrorCodeInvalidScope,
			wantRedirect: true,
		},
		{
			name:         "plain pkce not allowed",
			params:       authorizeParams(testutil.PublicClientID, map[string]string{"code_challenge": strings.Repeat("x", 43)}),
			wantCode:     ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name:         "method without challenge",
			params:       authorizeParams(testutil.PublicClientID, map[string]string{"code_challenge_method": "S256"}),
			wantCode:     ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
		{
			name: "short challenge",
			params: authorizeParams(testutil.PublicClientID, map[string]string{
				"code_challenge": "abc", "code_challenge_method": "S256",
			}),
			wantCode:     ErrorCodeInvalidRequest,
			wantRedirect: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			req, err := f.srv.ValidateAuthorizationRequest(context.Background(), tt.params)
			if req != nil {
				t.Fatal("expected no request on error")
			}
			oe := wantOAuthError(t, err, tt.wantCode)
			if oe.IsRedirect() != tt.wantRedirect {
				t.Fatalf("IsRedirect() = %v, want %v", oe.IsRedirect(), tt.wantRedirect)
			}
			if tt.wantRedirect {
				u, err := oe.RedirectURL()
				if err != nil {
					t.Fatal(err)
				}
				if u.Query().Get("error") != tt.wantCode || u.Query().Get("state") != "xyz" {
					t.Errorf("redirect = %s", u)
				}
			}
		})
	}
}

func TestValidateAuthorizationRequestDefaults(t *testing.T) {
	f := newFixture(t, nil)
	params := authorizeParams(testutil.ConfidentialClientID, nil)
	params.Del("redirect_uri")

	req, err := f.srv.ValidateAuthorizationRequest(context.Background(), params)
	if err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}
	if req.RedirectURI != testutil.RedirectURI {
		t.Errorf("RedirectURI = %q, want the single registered uri", req.RedirectURI)
	}
	if got := req.ScopeIDs(); len(got) != 1 || got[0] != "openid" {
		t.Errorf("ScopeIDs() = %v, want default scope", got)
	}
	if req.State != StateRequestValidated {
		t.Errorf("State = %s", req.State)
	}
	if req.ID == "" {
		t.Error("request has no id")
	}
}

func TestRequirePKCE(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RequirePKCE = true })
	_, err := f.srv.ValidateAuthorizationRequest(context.Background(), authorizeParams(testutil.PublicClientID, nil))
	wantOAuthError(t, err, ErrorCodeInvalidRequest)

	challenge, _ := testutil.PKCEPair()
	req, err := f.srv.ValidateAuthorizationRequest(context.Background(), authorizeParams(testutil.PublicClientID, map[string]string{
		"code_challenge": challenge, "code_challenge_method": "S256",
	}))
	if err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}
	if req.CodeChallengeMethod != PKCEMethodS256 {
		t.Errorf("CodeChallengeMethod = %q", req.CodeChallengeMethod)
	}
}

func TestAuthorizationStateMachine(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req, err := f.srv.ValidateAuthorizationRequest(ctx, authorizeParams(testutil.ConfidentialClientID, nil))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.srv.CompleteAuthorization(ctx, req); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("CompleteAuthorization() before a decision = %v", err)
	}
	if err := f.srv.Approve(ctx, req); err != nil {
		// validated requests may be approved directly by trusted callers
		t.Fatalf("Approve() error = %v", err)
	}
	if err := f.srv.Deny(ctx, req); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Deny() after Approve() = %v", err)
	}
	if err := f.srv.BeginAuthorization(ctx, req, testutil.UserID); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("BeginAuthorization() after Approve() = %v", err)
	}
}

func TestAuthorizationAwaitsLogin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req, err := f.srv.ValidateAuthorizationRequest(ctx, authorizeParams(testutil.ConfidentialClientID, nil))
	if err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := f.srv.BeginAuthorization(ctx, req, ""); err != nil {
			t.Fatalf("BeginAuthorization() without user error = %v", err)
		}
		if req.State != StateAwaitingUserLogin {
			t.Fatalf("State = %s, want awaiting_user_login", req.State)
		}
	}

	if err := f.srv.BeginAuthorization(ctx, req, testutil.UserID); err != nil {
		t.Fatal(err)
	}
	if req.State != StateAwaitingApproval {
		t.Errorf("State = %s, want awaiting_approval", req.State)
	}
	if req.UserID != testutil.UserID || req.AuthTime.IsZero() {
		t.Errorf("user not attached: %+v", req)
	}
}

func TestAuthorizationAutoApprove(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.exchange(f.code(t, map[string]string{"scope": "openid email"})); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		scope    string
		wantAuto bool
	}{
		{name: "covered scopes", scope: "email", wantAuto: true},
		{name: "same scopes", scope: "openid email", wantAuto: true},
		{name: "wider scopes", scope: "openid email profile", wantAuto: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := f.srv.ValidateAuthorizationRequest(ctx, authorizeParams(testutil.ConfidentialClientID, map[string]string{"scope": tt.scope}))
			if err != nil {
				t.Fatal(err)
			}
			if err := f.srv.BeginAuthorization(ctx, req, testutil.UserID); err != nil {
				t.Fatal(err)
			}
			if req.AutoApproved != tt.wantAuto {
				t.Errorf("AutoApproved = %v, want %v", req.AutoApproved, tt.wantAuto)
			}
			wantState := StateAwaitingApproval
			if tt.wantAuto {
				wantState = StateApproved
			}
			if req.State != wantState {
				t.Errorf("State = %s, want %s", req.State, wantState)
			}
		})
	}

	// another user gets no auto approval from alice's tokens
	req, err := f.srv.ValidateAuthorizationRequest(ctx, authorizeParams(testutil.ConfidentialClientID, map[string]string{"scope": "email"}))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.srv.BeginAuthorization(ctx, req, "user-bob"); err != nil {
		t.Fatal(err)
	}
	if req.AutoApproved {
		t.Error("auto approved for a user without tokens")
	}
}

func TestAuthorizationNoAutoApproveAfterRevocation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp, err := f.exchange(f.code(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	err = f.srv.Revoke(ctx, &RevokeRequest{
		Token:        resp.AccessToken,
		ClientID:     testutil.ConfidentialClientID,
		ClientSecret: testutil.ConfidentialClientSecret,
	})
	if err != nil {
		t.Fatal(err)
	}

	req, err := f.srv.ValidateAuthorizationRequest(ctx, authorizeParams(testutil.ConfidentialClientID, nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.srv.BeginAuthorization(ctx, req, testutil.UserID); err != nil {
		t.Fatal(err)
	}
	if req.AutoApproved {
		t.Error("auto approved with a revoked token")
	}
}

func TestAuthorizationDeny(t *testing.T) {
	var (
		mu     sync.Mutex
		events []EventType
	)
	record := func(_ context.Context, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.Type)
	}
	f := newFixture(t, func(c *Config) { c.EventHandlers = []EventHandler{record} })
	ctx := context.Background()

	req, err := f.srv.ValidateAuthorizationRequest(ctx, authorizeParams(testutil.ConfidentialClientID, nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.srv.BeginAuthorization(ctx, req, testutil.UserID); err != nil {
		t.Fatal(err)
	}
	if err := f.srv.Deny(ctx, req); err != nil {
		t.Fatal(err)
	}
	u, err := f.srv.CompleteAuthorization(ctx, req)
	if err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}

	if got := u.Query().Get("error"); got != ErrorCodeAccessDenied {
		t.Errorf("error = %q", got)
	}
	if got := u.Query().Get("state"); got != "xyz" {
		t.Errorf("state = %q", got)
	}
	if u.Query().Get("code") != "" {
		t.Error("denied redirect carries a code")
	}
	if req.State != StateCompleted {
		t.Errorf("State = %s", req.State)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != EventBeforeAuthorize || events[1] != EventAfterDeny {
		t.Errorf("events = %v", events)
	}
}

func TestAuthorizationEvents(t *testing.T) {
	var approved []Event
	panicky := func(context.Context, Event) { panic("boom") }
	f := newFixture(t, func(c *Config) {
		c.EventHandlers = []EventHandler{
			panicky,
			OnEvent(EventAfterAuthorize, func(_ context.Context, ev Event) { approved = append(approved, ev) }),
		}
	})

	u := f.authorize(t, authorizeParams(testutil.ConfidentialClientID, nil))
	if u.Query().Get("code") == "" {
		t.Fatal("panicking handler broke the flow")
	}
	if len(approved) != 1 {
		t.Fatalf("afterAuthorize fired %d times", len(approved))
	}
	ev := approved[0]
	if ev.ID == "" || ev.Request == nil || ev.Request.UserID != testutil.UserID {
		t.Errorf("unexpected event %+v", ev)
	}
	if !ev.Time.Equal(f.clock.Now()) {
		t.Errorf("event time %v, want %v", ev.Time, f.clock.Now())
	}
}

func TestImplicitAuthorization(t *testing.T) {
	f := newFixture(t, nil)
	u := f.authorize(t, authorizeParams(testutil.PublicClientID, map[string]string{
		"response_type": "token",
		"scope":         "openid email",
	}))

	if u.RawQuery != "" {
		t.Errorf("implicit response leaked into the query: %s", u.RawQuery)
	}
	frag, err := url.ParseQuery(u.Fragment)
	if err != nil {
		t.Fatal(err)
	}
	if frag.Get("token_type") != "Bearer" || frag.Get("state") != "xyz" || frag.Get("scope") != "openid email" {
		t.Errorf("fragment = %v", frag)
	}
	if frag.Get("refresh_token") != "" {
		t.Error("implicit grant issued a refresh token")
	}
	if _, err := f.codec.Parse(token.KindAccessToken, frag.Get("access_token")); err != nil {
		t.Errorf("access token does not parse: %v", err)
	}
}

func TestImplicitDenyUsesFragment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req, err := f.srv.ValidateAuthorizationRequest(ctx, authorizeParams(testutil.PublicClientID, map[string]string{"response_type": "token"}))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.srv.BeginAuthorization(ctx, req, testutil.UserID); err != nil {
		t.Fatal(err)
	}
	if err := f.srv.Deny(ctx, req); err != nil {
		t.Fatal(err)
	}
	u, err := f.srv.CompleteAuthorization(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	frag, _ := url.ParseQuery(u.Fragment)
	if frag.Get("error") != ErrorCodeAccessDenied {
		t.Errorf("fragment = %q", u.Fragment)
	}
}

func TestServiceDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ServiceDisabled = true })
	ctx := context.Background()

	_, err := f.srv.ValidateAuthorizationRequest(ctx, authorizeParams(testutil.PublicClientID, nil))
	wantOAuthError(t, err, ErrorCodeTemporarilyUnavailable)

	_, err = f.srv.Token(ctx, &TokenRequest{GrantType: "authorization_code"})
	wantOAuthError(t, err, ErrorCodeTemporarilyUnavailable)

	_, err = f.srv.Resource().Validate(ctx, "Bearer abc")
	wantOAuthError(t, err, ErrorCodeTemporarilyUnavailable)

	if got := f.srv.Status().ServiceStatus; got != "disabled" {
		t.Errorf("ServiceStatus = %q", got)
	}
}

func TestAuthorizationStateString(t *testing.T) {
	if got := StateAwaitingApproval.String(); got != "awaiting_approval" {
		t.Errorf("String() = %q", got)
	}
	if got := AuthorizationState(42).String(); got != "state(42)" {
		t.Errorf("String() = %q", got)
	}
}
