package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-server/keys"
	"github.com/giantswarm/oauth-server/server"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/redis"
	"github.com/giantswarm/oauth-server/storage/sqlite"
)

// writeKey stores a fresh private key in dir and returns its file name.
func writeKey(t *testing.T, dir string) string {
	t.Helper()
	m, err := keys.Generate()
	require.NoError(t, err)
	pem, err := keys.EncodePrivateKeyPEM(m.Signer(), nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "signing.pem"), pem, 0o600))
	return "signing.pem"
}

const minimalConfig = `
issuer: https://auth.example.com
keys:
  private_key_path: signing.pem
  encryption_key: a-long-random-secret
`

func TestParseFullConfig(t *testing.T) {
	t.Setenv("TEST_OAUTH_SECRET", "from-the-environment")

	cfg, err := Parse([]byte(`
issuer: https://auth.example.com
listen: 127.0.0.1:9000
login_url: https://app.example.com/login
session_header: X-Forwarded-User
keys:
  private_key_path: keys/signing.pem
  passphrase: hunter2
  encryption_key: ${TEST_OAUTH_SECRET}
default_scope: openid
grant_types: [authorization_code, refresh_token, client_credentials]
ttl:
  authorization_code: 5m
  access_token: PT30M
  refresh_token: P30D
clock_skew: 30s
extensions:
  openid_connect: false
revoke_refresh_tokens: false
require_pkce: true
client_registration_url: https://example.com/register
endpoints:
  status_disabled: true
storage:
  default: sqlite
  repositories:
    access_token: redis
  redis:
    address: localhost:6379
  sqlite:
    path: data/oauth.db
rate_limit:
  requests_per_second: 5
  burst: 10
`), "/etc/oauth")
	require.NoError(t, err)

	assert.Equal(t, "from-the-environment", cfg.Keys.EncryptionKey)
	assert.Equal(t, "/etc/oauth/keys/signing.pem", cfg.Path(cfg.Keys.PrivateKeyPath))
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddress())
	assert.Equal(t, BackendRedis, cfg.Storage.Backend(storage.RoleAccessToken))
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend(storage.RoleClient))

	sc := cfg.serverConfig()
	assert.Equal(t, []server.GrantType{
		server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken, server.GrantTypeClientCredentials,
	}, sc.GrantTypes)
	assert.Equal(t, 5*time.Minute, sc.AuthorizationCodeTTL)
	assert.Equal(t, 30*time.Minute, sc.AccessTokenTTL)
	assert.Equal(t, 30*24*time.Hour, sc.RefreshTokenTTL)
	assert.Zero(t, sc.IDTokenTTL)
	assert.True(t, sc.DisableOpenIDConnect)
	assert.True(t, sc.DisableRefreshTokenRevocation)
	assert.False(t, sc.DisableRefreshTokens)
	assert.True(t, sc.RequirePKCE)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig), "")
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddress, cfg.ListenAddress())
	for _, role := range storage.Roles() {
		assert.Equal(t, BackendMemory, cfg.Storage.Backend(role), role)
	}

	sc := cfg.serverConfig()
	assert.False(t, sc.DisableOpenIDConnect)
	assert.False(t, sc.DisableRefreshTokens)
	assert.False(t, sc.DisableRefreshTokenRevocation)
	assert.Empty(t, sc.GrantTypes)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing issuer",
			yaml:    "keys: {private_key_path: k.pem, encryption_key: x}",
			wantErr: "issuer",
		},
		{
			name:    "issuer not a url",
			yaml:    "issuer: auth\nkeys: {private_key_path: k.pem, encryption_key: x}",
			wantErr: "issuer",
		},
		{
			name:    "missing keys",
			yaml:    "issuer: https://auth.example.com",
			wantErr: "private_key_path",
		},
		{
			name:    "unknown grant",
			yaml:    minimalConfig + "grant_types: [device_code]",
			wantErr: "grant_types",
		},
		{
			name:    "unknown role",
			yaml:    minimalConfig + "storage: {repositories: {sessions: memory}}",
			wantErr: "repositories",
		},
		{
			name:    "unknown backend",
			yaml:    minimalConfig + "storage: {repositories: {client: postgres}}",
			wantErr: "repositories",
		},
		{
			name:    "redis without address",
			yaml:    minimalConfig + "storage: {default: redis}",
			wantErr: "storage.redis.address",
		},
		{
			name:    "sqlite without path",
			yaml:    minimalConfig + "storage: {repositories: {user: sqlite}}",
			wantErr: "storage.sqlite.path",
		},
		{
			name:    "bad duration",
			yaml:    minimalConfig + "ttl: {access_token: P1M}",
			wantErr: "invalid duration",
		},
		{
			name:    "unknown field",
			yaml:    minimalConfig + "isuer: typo",
			wantErr: "isuer",
		},
		{
			name:    "negative rate",
			yaml:    minimalConfig + "rate_limit: {requests_per_second: -1}",
			wantErr: "requests_per_second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFileResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oauth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "signing.pem"), cfg.Path(cfg.Keys.PrivateKeyPath))

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func buildRuntime(t *testing.T, extra string) *Runtime {
	t.Helper()
	dir := t.TempDir()
	writeKey(t, dir)

	cfg, err := Parse([]byte(minimalConfig+extra), dir)
	require.NoError(t, err)

	rt, err := Build(context.Background(), cfg, "test", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt
}

func TestBuildMemory(t *testing.T) {
	rt := buildRuntime(t, "login_url: https://app.example.com/login\nsession_header: X-User\n")

	require.NoError(t, rt.Stores.Require(storage.Roles()...))
	assert.Nil(t, rt.SQLite)
	assert.Equal(t, "https://app.example.com/login", rt.HTTP.LoginURL)
	assert.NotNil(t, rt.HTTP.Sessions)

	csrf, err := rt.Material.SubKey(purposeApprovalCSRF)
	require.NoError(t, err)
	assert.Equal(t, csrf, rt.HTTP.CSRFKey)

	h, err := rt.Handler()
	require.NoError(t, err)
	t.Cleanup(h.Close)

	req := httptest.NewRequest(http.MethodGet, "/status.json", nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"service_status":"enabled"`)
}

func TestBuildSQLite(t *testing.T) {
	rt := buildRuntime(t, "storage: {default: sqlite, sqlite: {path: oauth.db}}\n")

	require.NotNil(t, rt.SQLite)
	for _, role := range storage.Roles() {
		_, ok := rt.Stores.Handle(role).(*sqlite.Store)
		assert.True(t, ok, "role %s is not bound to sqlite", role)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rt.PurgeLoop(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PurgeLoop did not stop")
	}
}

func TestBuildMixedBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	rt := buildRuntime(t, "storage:\n  repositories:\n    access_token: redis\n    refresh_token: redis\n  redis:\n    address: "+mr.Addr()+"\n")

	_, ok := rt.Stores.Handle(storage.RoleAccessToken).(*redis.Store)
	assert.True(t, ok)
	assert.Same(t, rt.Stores.Handle(storage.RoleAccessToken), rt.Stores.Handle(storage.RoleRefreshToken))
	assert.NotSame(t, rt.Stores.Handle(storage.RoleAccessToken), rt.Stores.Handle(storage.RoleClient))
}

func TestBuildFailsWithoutKeyFile(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig), t.TempDir())
	require.NoError(t, err)

	_, err = Build(context.Background(), cfg, "test", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load keys")
}
