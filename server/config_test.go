package server

import (
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-server/internal/testutil"
)

func TestApplySecureDefaults(t *testing.T) {
	cfg := applySecureDefaults(&Config{Issuer: testutil.Issuer}, slog.Default())

	if cfg.AuthorizationCodeTTL != DefaultAuthorizationCodeTTL {
		t.Errorf("AuthorizationCodeTTL = %v", cfg.AuthorizationCodeTTL)
	}
	if cfg.AccessTokenTTL != DefaultAccessTokenTTL || cfg.IDTokenTTL != DefaultAccessTokenTTL {
		t.Errorf("AccessTokenTTL = %v, IDTokenTTL = %v", cfg.AccessTokenTTL, cfg.IDTokenTTL)
	}
	if cfg.RefreshTokenTTL != DefaultRefreshTokenTTL {
		t.Errorf("RefreshTokenTTL = %v", cfg.RefreshTokenTTL)
	}
	if !slices.Equal(cfg.GrantTypes, DefaultGrantTypes()) {
		t.Errorf("GrantTypes = %v", cfg.GrantTypes)
	}
	if !cfg.RefreshTokensEnabled() || !cfg.OpenIDConnectEnabled() {
		t.Error("refresh tokens and OIDC should be on by default")
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate() = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := applySecureDefaults(&Config{Issuer: testutil.Issuer, AccessTokenTTL: time.Millisecond}, slog.Default())
	if err := cfg.validate(); err == nil || !strings.Contains(err.Error(), "access token") {
		t.Errorf("validate() = %v", err)
	}
	if err := (&Config{}).validate(); err == nil {
		t.Error("empty issuer accepted")
	}
}

func TestRefreshTokensEnabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{name: "grant enabled", cfg: Config{GrantTypes: []GrantType{GrantTypeRefreshToken}}, want: true},
		{name: "grant missing", cfg: Config{GrantTypes: []GrantType{GrantTypeAuthorizationCode}}, want: false},
		{name: "disabled", cfg: Config{GrantTypes: []GrantType{GrantTypeRefreshToken}, DisableRefreshTokens: true}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.RefreshTokensEnabled(); got != tt.want {
				t.Errorf("RefreshTokensEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	clock := testutil.NewMockTime(time.Now())
	_, reg := testutil.NewStore(t, clock)
	codec := testutil.Codec(t, clock)

	if _, err := New(nil, codec, nil, nil); err == nil {
		t.Error("expected error without registry")
	}
	if _, err := New(reg, nil, nil, nil); err == nil {
		t.Error("expected error without codec")
	}
	if _, err := New(reg, codec, &Config{Issuer: "https://other.example.com"}, nil); err == nil {
		t.Error("expected issuer mismatch error")
	}
	if _, err := New(reg, codec, &Config{GrantTypes: []GrantType{"device_code"}}, nil); err == nil {
		t.Error("expected unknown grant error")
	}

	srv, err := New(reg, codec, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.Config.Issuer != testutil.Issuer {
		t.Errorf("Issuer = %q", srv.Config.Issuer)
	}
}

func TestParseGrantType(t *testing.T) {
	if g, err := ParseGrantType("password"); err != nil || g != GrantTypePassword {
		t.Errorf("ParseGrantType(password) = %v, %v", g, err)
	}
	if _, err := ParseGrantType("device_code"); err == nil {
		t.Error("expected error for unknown grant")
	}
}
