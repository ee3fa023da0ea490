package server

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-server/internal/testutil"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/memory"
	"github.com/giantswarm/oauth-server/token"
)

func TestAuthorizationCodeExchange(t *testing.T) {
	f := newFixture(t, nil)
	code := f.code(t, map[string]string{"scope": "openid email", "nonce": "n-123"})

	resp, err := f.exchange(code)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}
	if resp.TokenType != "Bearer" || resp.ExpiresIn != int64(DefaultAccessTokenTTL/time.Second) {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Scope != "openid email" {
		t.Errorf("Scope = %q", resp.Scope)
	}
	if resp.RefreshToken == "" {
		t.Error("expected a refresh token")
	}
	if resp.IDToken == "" {
		t.Fatal("expected an id token for the openid scope")
	}

	id, err := f.codec.Parse(token.KindIDToken, resp.IDToken)
	if err != nil {
		t.Fatalf("id token does not parse: %v", err)
	}
	if id.Subject != testutil.UserID || id.Nonce != "n-123" {
		t.Errorf("id token claims = %+v", id)
	}
	if id.Extra["email"] != "alice@example.com" {
		t.Errorf("id token misses email claim: %v", id.Extra)
	}
	if _, ok := id.Extra["name"]; ok {
		t.Error("id token released a profile claim without the profile scope")
	}

	at, err := f.codec.Parse(token.KindAccessToken, resp.AccessToken)
	if err != nil {
		t.Fatalf("access token does not parse: %v", err)
	}
	revoked, err := f.store.IsAccessTokenRevoked(context.Background(), at.ID)
	if err != nil || revoked {
		t.Errorf("access token not persisted: revoked=%v err=%v", revoked, err)
	}
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	f := newFixture(t, nil)
	code := f.code(t, nil)

	if _, err := f.exchange(code); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	_, err := f.exchange(code)
	wantOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestAuthorizationCodeConcurrentExchange(t *testing.T) {
	f := newFixture(t, nil)
	code := f.code(t, nil)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exchange(code)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		if AsOAuthError(err).Code != ErrorCodeInvalidGrant {
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("%d exchanges succeeded, want exactly 1", ok)
	}
}

func TestAuthorizationCodeRejections(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(req *TokenRequest, f *fixture)
		wantCode string
	}{
		{
			name:     "missing code",
			mutate:   func(req *TokenRequest, _ *fixture) { req.Code = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "missing redirect uri",
			mutate:   func(req *TokenRequest, _ *fixture) { req.RedirectURI = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "wrong secret",
			mutate:   func(req *TokenRequest, _ *fixture) { req.ClientSecret = "nope" },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "missing secret for confidential client",
			mutate:   func(req *TokenRequest, _ *fixture) { req.ClientSecret = "" },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unknown client",
			mutate:   func(req *TokenRequest, _ *fixture) { req.ClientID = "ghost" },
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name: "other client",
			mutate: func(req *TokenRequest, _ *fixture) {
				req.ClientID = testutil.PublicClientID
				req.ClientSecret = ""
			},
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "redirect uri mismatch",
			mutate:   func(req *TokenRequest, _ *fixture) { req.RedirectURI = "https://app.example.com/other" },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "garbage code",
			mutate:   func(req *TokenRequest, _ *fixture) { req.Code = "not-a-code" },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "expired code",
			mutate:   func(_ *TokenRequest, f *fixture) { f.clock.Advance(DefaultAuthorizationCodeTTL + time.Second) },
			wantCode: ErrorCodeInvalidGrant,
		},
		{
			name:     "broader scope",
			mutate:   func(req *TokenRequest, _ *fixture) { req.Scope = "openid email" },
			wantCode: ErrorCodeInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			req := &TokenRequest{
				GrantType:    string(GrantTypeAuthorizationCode),
				ClientID:     testutil.ConfidentialClientID,
				ClientSecret: testutil.ConfidentialClientSecret,
				Code:         f.code(t, nil),
				RedirectURI:  testutil.RedirectURI,
			}
			tt.mutate(req, f)
			_, err := f.srv.Token(context.Background(), req)
			wantOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestAuthorizationCodeNarrowerScope(t *testing.T) {
	f := newFixture(t, nil)
	code := f.code(t, map[string]string{"scope": "openid email profile"})

	resp, err := f.srv.Token(context.Background(), &TokenRequest{
		GrantType:    string(GrantTypeAuthorizationCode),
		ClientID:     testutil.ConfidentialClientID,
		ClientSecret: testutil.ConfidentialClientSecret,
		Code:         code,
		RedirectURI:  testutil.RedirectURI,
		Scope:        "email",
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.Scope != "email" {
		t.Errorf("Scope = %q, want email", resp.Scope)
	}
	if resp.IDToken != "" {
		t.Error("id token issued without the openid scope")
	}
}

func TestAuthorizationCodePKCE(t *testing.T) {
	challenge, verifier := testutil.PKCEPair()

	tests := []struct {
		name     string
		verifier string
		wantErr  bool
	}{
		{name: "matching verifier", verifier: verifier},
		{name: "missing verifier", verifier: "", wantErr: true},
		{name: "wrong verifier", verifier: strings.Repeat("a", 43), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			u := f.authorize(t, authorizeParams(testutil.PublicClientID, map[string]string{
				"code_challenge":        challenge,
				"code_challenge_method": "S256",
			}))
			_, err := f.srv.Token(context.Background(), &TokenRequest{
				GrantType:    string(GrantTypeAuthorizationCode),
				ClientID:     testutil.PublicClientID,
				Code:         u.Query().Get("code"),
				RedirectURI:  testutil.RedirectURI,
				CodeVerifier: tt.verifier,
			})
			if tt.wantErr {
				wantOAuthError(t, err, ErrorCodeInvalidGrant)
			} else if err != nil {
				t.Fatalf("Token() error = %v", err)
			}
		})
	}
}

func (f *fixture) refresh(rt, scope string) (*TokenResponse, error) {
	return f.srv.Token(context.Background(), &TokenRequest{
		GrantType:    string(GrantTypeRefreshToken),
		ClientID:     testutil.ConfidentialClientID,
		ClientSecret: testutil.ConfidentialClientSecret,
		RefreshToken: rt,
		Scope:        scope,
	})
}

func TestRefreshTokenRotation(t *testing.T) {
	f := newFixture(t, nil)
	first, err := f.exchange(f.code(t, map[string]string{"scope": "openid email"}))
	if err != nil {
		t.Fatal(err)
	}

	second, err := f.refresh(first.RefreshToken, "")
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Error("rotation must hand out a new refresh token")
	}
	if second.IDToken != "" {
		t.Error("refresh must not issue an id token")
	}
	if second.Scope != "openid email" {
		t.Errorf("Scope = %q", second.Scope)
	}

	_, err = f.refresh(first.RefreshToken, "")
	wantOAuthError(t, err, ErrorCodeInvalidGrant)

	// the access token issued with the consumed refresh token is revoked
	_, err = f.srv.Resource().Validate(context.Background(), "Bearer "+first.AccessToken)
	wantOAuthError(t, err, ErrorCodeInvalidToken)

	if _, err := f.srv.Resource().Validate(context.Background(), "Bearer "+second.AccessToken); err != nil {
		t.Errorf("new access token rejected: %v", err)
	}
}

func TestRefreshTokenParallel(t *testing.T) {
	f := newFixture(t, nil)
	first, err := f.exchange(f.code(t, nil))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = f.refresh(first.RefreshToken, "")
		}()
	}
	wg.Wait()

	var ok, failed int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case AsOAuthError(err).Code == ErrorCodeInvalidGrant:
			failed++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}
	if ok != 1 || failed != 1 {
		t.Errorf("ok=%d failed=%d, want one of each", ok, failed)
	}
}

func TestRefreshTokenScopes(t *testing.T) {
	f := newFixture(t, nil)
	first, err := f.exchange(f.code(t, map[string]string{"scope": "openid email"}))
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.refresh(first.RefreshToken, "openid phone")
	wantOAuthError(t, err, ErrorCodeInvalidScope)

	narrowed, err := f.refresh(first.RefreshToken, "email")
	if err != nil {
		t.Fatalf("narrowing refresh error = %v", err)
	}
	if narrowed.Scope != "email" {
		t.Errorf("Scope = %q", narrowed.Scope)
	}
}

func TestRefreshTokenRevocationDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.DisableRefreshTokenRevocation = true })
	first, err := f.exchange(f.code(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	for i := range 2 {
		if _, err := f.refresh(first.RefreshToken, ""); err != nil {
			t.Fatalf("refresh %d error = %v", i, err)
		}
	}
}

func TestRefreshTokenExpired(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RefreshTokenTTL = time.Hour })
	first, err := f.exchange(f.code(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Hour)
	_, err = f.refresh(first.RefreshToken, "")
	wantOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestRefreshTokensDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.DisableRefreshTokens = true })
	resp, err := f.exchange(f.code(t, nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.RefreshToken != "" {
		t.Error("refresh token issued while disabled")
	}
}

func TestPasswordGrant(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp, err := f.srv.Token(ctx, &TokenRequest{
		GrantType:    string(GrantTypePassword),
		ClientID:     testutil.ConfidentialClientID,
		ClientSecret: testutil.ConfidentialClientSecret,
		Username:     testutil.UserLogin,
		Password:     testutil.UserPassword,
		Scope:        "openid profile",
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.RefreshToken == "" || resp.IDToken == "" {
		t.Errorf("password grant response = %+v", resp)
	}

	_, err = f.srv.Token(ctx, &TokenRequest{
		GrantType:    string(GrantTypePassword),
		ClientID:     testutil.ConfidentialClientID,
		ClientSecret: testutil.ConfidentialClientSecret,
		Username:     testutil.UserLogin,
		Password:     "wrong",
	})
	wantOAuthError(t, err, ErrorCodeInvalidGrant)

	_, err = f.srv.Token(ctx, &TokenRequest{
		GrantType: string(GrantTypePassword),
		ClientID:  testutil.ConfidentialClientID,
		Username:  testutil.UserLogin,
	})
	wantOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestPasswordGrantRequiresUserStore(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	store, _ := testutil.NewStore(t, clock)
	reg := storage.NewRegistry()
	for _, role := range []storage.Role{storage.RoleClient, storage.RoleScope, storage.RoleAccessToken, storage.RoleRefreshToken} {
		if err := reg.Bind(role, store); err != nil {
			t.Fatal(err)
		}
	}
	_, err := New(reg, testutil.Codec(t, clock), &Config{GrantTypes: []GrantType{GrantTypePassword}}, nil)
	if err == nil || !strings.Contains(err.Error(), "user repository") {
		t.Errorf("New() error = %v, want missing user repository", err)
	}
}

func TestClientCredentialsGrant(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp, err := f.srv.Token(ctx, &TokenRequest{
		GrantType:    string(GrantTypeClientCredentials),
		ClientID:     testutil.ConfidentialClientID,
		ClientSecret: testutil.ConfidentialClientSecret,
		Scope:        "email",
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.RefreshToken != "" || resp.IDToken != "" {
		t.Errorf("client_credentials must only issue an access token: %+v", resp)
	}
	at, err := f.codec.Parse(token.KindAccessToken, resp.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if at.Subject != "" {
		t.Errorf("sub = %q, want empty", at.Subject)
	}

	_, err = f.srv.Token(ctx, &TokenRequest{
		GrantType: string(GrantTypeClientCredentials),
		ClientID:  testutil.PublicClientID,
	})
	wantOAuthError(t, err, ErrorCodeInvalidClient)

	_, err = f.srv.Token(ctx, &TokenRequest{
		GrantType:    string(GrantTypeClientCredentials),
		ClientID:     testutil.ConfidentialClientID,
		ClientSecret: testutil.ConfidentialClientSecret,
		Scope:        "admin",
	})
	wantOAuthError(t, err, ErrorCodeInvalidScope)
}

func TestUnsupportedGrant(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.GrantTypes = []GrantType{GrantTypeAuthorizationCode} })
	ctx := context.Background()

	for _, gt := range []string{"password", "urn:ietf:params:oauth:grant-type:device_code", "implicit"} {
		_, err := f.srv.Token(ctx, &TokenRequest{GrantType: gt, ClientID: testutil.ConfidentialClientID})
		wantOAuthError(t, err, ErrorCodeUnsupportedGrantType)
	}

	_, err := f.srv.Token(ctx, &TokenRequest{})
	wantOAuthError(t, err, ErrorCodeInvalidRequest)
}

// flakyTokens fails the next save of each kind selected by failAccess and
// failRefresh and records the ids of the access tokens it saved.
type flakyTokens struct {
	*memory.Store

	mu          sync.Mutex
	failAccess  bool
	failRefresh bool
	savedAccess []string
}

func (s *flakyTokens) SaveAccessToken(ctx context.Context, t *storage.AccessToken) error {
	s.mu.Lock()
	if s.failAccess {
		s.failAccess = false
		s.mu.Unlock()
		return errors.New("storage unavailable")
	}
	s.savedAccess = append(s.savedAccess, t.ID)
	s.mu.Unlock()
	return s.Store.SaveAccessToken(ctx, t)
}

func (s *flakyTokens) SaveRefreshToken(ctx context.Context, t *storage.RefreshToken) error {
	s.mu.Lock()
	if s.failRefresh {
		s.failRefresh = false
		s.mu.Unlock()
		return errors.New("storage unavailable")
	}
	s.mu.Unlock()
	return s.Store.SaveRefreshToken(ctx, t)
}

func (s *flakyTokens) saved() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.savedAccess)
}

// withFlakyTokens returns a server sharing f's store and codec whose token
// saves go through a flakyTokens.
func withFlakyTokens(t *testing.T, f *fixture) (*Server, *flakyTokens) {
	t.Helper()
	flaky := &flakyTokens{Store: f.store}
	reg := storage.NewRegistry()
	reg.BindAll(f.store)
	for _, role := range []storage.Role{storage.RoleAccessToken, storage.RoleRefreshToken} {
		if err := reg.Bind(role, flaky); err != nil {
			t.Fatal(err)
		}
	}
	srv, err := New(reg, f.codec, &Config{
		DefaultScope: "openid",
		GrantTypes:   []GrantType{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return srv, flaky
}

func refreshWith(srv *Server, rt string) (*TokenResponse, error) {
	return srv.Token(context.Background(), &TokenRequest{
		GrantType:    string(GrantTypeRefreshToken),
		ClientID:     testutil.ConfidentialClientID,
		ClientSecret: testutil.ConfidentialClientSecret,
		RefreshToken: rt,
	})
}

func wantServerError(t *testing.T, resp *TokenResponse, err error) {
	t.Helper()
	if resp != nil {
		t.Error("tokens returned despite persistence failure")
	}
	oe := wantOAuthError(t, err, ErrorCodeServerError)
	if oe.Description != genericServerErrorDescription {
		t.Errorf("Description = %q leaks internals", oe.Description)
	}
}

func wantAccessRevoked(t *testing.T, store *memory.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		revoked, err := store.IsAccessTokenRevoked(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if !revoked {
			t.Errorf("access token %s left behind by a failed issuance", id)
		}
	}
}

func TestAuthorizationCodePersistenceFailure(t *testing.T) {
	tests := []struct {
		name        string
		failAccess  bool
		failRefresh bool
	}{
		{name: "access token save fails", failAccess: true},
		{name: "refresh token save fails", failRefresh: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			srv, flaky := withFlakyTokens(t, f)
			code := f.code(t, nil)

			flaky.failAccess, flaky.failRefresh = tt.failAccess, tt.failRefresh
			resp, err := srv.Token(context.Background(), &TokenRequest{
				GrantType:    string(GrantTypeAuthorizationCode),
				ClientID:     testutil.ConfidentialClientID,
				ClientSecret: testutil.ConfidentialClientSecret,
				Code:         code,
				RedirectURI:  testutil.RedirectURI,
			})
			wantServerError(t, resp, err)
			wantAccessRevoked(t, f.store, flaky.saved()...)

			// the code was not spent by the failed exchange
			if _, err := f.exchange(code); err != nil {
				t.Errorf("exchange after recovery error = %v", err)
			}
		})
	}
}

func TestRefreshPersistenceFailure(t *testing.T) {
	tests := []struct {
		name        string
		failAccess  bool
		failRefresh bool
	}{
		{name: "access token save fails", failAccess: true},
		{name: "refresh token save fails", failRefresh: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			srv, flaky := withFlakyTokens(t, f)
			ctx := context.Background()
			first, err := f.exchange(f.code(t, nil))
			if err != nil {
				t.Fatal(err)
			}

			flaky.failAccess, flaky.failRefresh = tt.failAccess, tt.failRefresh
			resp, err := refreshWith(srv, first.RefreshToken)
			wantServerError(t, resp, err)
			wantAccessRevoked(t, f.store, flaky.saved()...)

			if _, err := srv.Resource().Validate(ctx, "Bearer "+first.AccessToken); err != nil {
				t.Errorf("previous access token rejected after failed refresh: %v", err)
			}

			second, err := refreshWith(srv, first.RefreshToken)
			if err != nil {
				t.Fatalf("refresh after recovery error = %v", err)
			}
			if _, err := srv.Resource().Validate(ctx, "Bearer "+second.AccessToken); err != nil {
				t.Errorf("new access token rejected: %v", err)
			}
			_, err = srv.Resource().Validate(ctx, "Bearer "+first.AccessToken)
			wantOAuthError(t, err, ErrorCodeInvalidToken)
			_, err = refreshWith(srv, first.RefreshToken)
			wantOAuthError(t, err, ErrorCodeInvalidGrant)
		})
	}
}

func TestRefreshRaceLoserLeavesNoTokens(t *testing.T) {
	f := newFixture(t, nil)
	srv, flaky := withFlakyTokens(t, f)
	first, err := f.exchange(f.code(t, nil))
	if err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	winners := make(chan *TokenResponse, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := refreshWith(srv, first.RefreshToken)
			switch {
			case err == nil:
				winners <- resp
			case AsOAuthError(err).Code != ErrorCodeInvalidGrant:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	close(winners)

	if len(winners) != 1 {
		t.Fatalf("%d refreshes succeeded, want 1", len(winners))
	}
	winner := <-winners
	won, err := f.codec.Parse(token.KindAccessToken, winner.AccessToken)
	if err != nil {
		t.Fatal(err)
	}

	var losers []string
	for _, id := range flaky.saved() {
		if id != won.ID {
			losers = append(losers, id)
		}
	}
	// losers that got past validation saved a pair before losing the consume
	wantAccessRevoked(t, f.store, losers...)
}
