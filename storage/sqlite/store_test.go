package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "oauth.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), " ", nil); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth.db")
	ctx := context.Background()

	first, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := first.SaveScope(ctx, &storage.Scope{ID: "openid", Description: "x"}); err != nil {
		t.Fatalf("save scope: %v", err)
	}
	_ = first.Close()

	second, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()
	if _, err := second.GetScope(ctx, "openid"); err != nil {
		t.Fatalf("scope lost across reopen: %v", err)
	}
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t)
	created := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	hash, _ := storage.HashSecret("secret")
	in := &storage.Client{
		ID:           "client-1",
		Name:         "Example",
		RedirectURIs: []string{"https://app.example.com/cb", "http://127.0.0.1/cb"},
		SecretHash:   hash,
		Scopes:       []string{"openid"},
		CreatedAt:    created,
	}
	if err := s.SaveClient(ctx, in); err != nil {
		t.Fatalf("save client: %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("get client: %v", err)
	}
	if got.Name != "Example" || len(got.RedirectURIs) != 2 || !got.CreatedAt.Equal(created) {
		t.Fatalf("client = %+v", got)
	}

	in.Name = "Renamed"
	if err := s.SaveClient(ctx, in); err != nil {
		t.Fatalf("update client: %v", err)
	}
	list, err := s.ListClients(ctx)
	if err != nil || len(list) != 1 || list[0].Name != "Renamed" {
		t.Fatalf("list clients = %+v, %v", list, err)
	}

	if err := s.ValidateClientSecret(ctx, "client-1", "secret"); err != nil {
		t.Errorf("validate secret: %v", err)
	}
	if err := s.ValidateClientSecret(ctx, "client-1", "nope"); !errors.Is(err, storage.ErrInvalidCredentials) {
		t.Errorf("wrong secret error = %v", err)
	}
	if _, err := s.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("missing client error = %v", err)
	}
}

func TestConsumeAuthCodeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t)

	if err := s.SaveAuthCode(ctx, &storage.AuthorizationCode{
		ID: "code-1", ClientID: "c", UserID: "alice",
		Scopes: []string{"openid"}, ExpiresAt: time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("save code: %v", err)
	}

	var wg sync.WaitGroup
	var wins atomic.Int32
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ConsumeAuthCode(ctx, "code-1")
			if err == nil {
				wins.Add(1)
				return
			}
			if !errors.Is(err, storage.ErrRevoked) {
				t.Errorf("consume error = %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("wins = %d, want 1", wins.Load())
	}
	if revoked, _ := s.IsAuthCodeRevoked(ctx, "code-1"); !revoked {
		t.Error("consumed code should be revoked")
	}
	if err := s.ConsumeAuthCode(ctx, "unknown"); !errors.Is(err, storage.ErrAuthCodeNotFound) {
		t.Errorf("unknown code error = %v", err)
	}
}

func TestRefreshTokenConsumeAndPurge(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t)
	now := time.Now()

	_ = s.SaveRefreshToken(ctx, &storage.RefreshToken{
		ID: "rt-live", AccessTokenID: "at-1", ClientID: "c", UserID: "alice",
		Scopes: []string{"openid", "email"}, ExpiresAt: now.Add(time.Hour),
	})
	_ = s.SaveRefreshToken(ctx, &storage.RefreshToken{
		ID: "rt-old", ClientID: "c", ExpiresAt: now.Add(-time.Hour),
	})

	rt, err := s.ConsumeRefreshToken(ctx, "rt-live")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if rt.AccessTokenID != "at-1" || len(rt.Scopes) != 2 {
		t.Fatalf("refresh token = %+v", rt)
	}
	if _, err := s.ConsumeRefreshToken(ctx, "rt-live"); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("second consume error = %v", err)
	}

	n, err := s.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
}

func TestAccessTokens(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t)
	now := time.Now()

	_ = s.SaveAccessToken(ctx, &storage.AccessToken{
		ID: "at-1", ClientID: "c", UserID: "alice",
		Scopes: []string{"openid", "profile"}, ExpiresAt: now.Add(time.Hour),
	})
	_ = s.SaveAccessToken(ctx, &storage.AccessToken{
		ID: "at-expired", ClientID: "c", UserID: "alice",
		Scopes: []string{"openid"}, ExpiresAt: now.Add(-time.Hour),
	})

	active, err := s.FindActiveAccessTokens(ctx, "c", "alice", now)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(active) != 1 || active[0].ID != "at-1" {
		t.Fatalf("active = %+v", active)
	}

	if ok, _ := s.HasScopes(ctx, "at-1", []string{"profile", "openid"}); !ok {
		t.Error("HasScopes should match regardless of order")
	}
	if ok, _ := s.HasScopes(ctx, "missing", nil); ok {
		t.Error("HasScopes on missing token should be false")
	}

	_ = s.RevokeAccessToken(ctx, "at-1")
	if revoked, _ := s.IsAccessTokenRevoked(ctx, "at-1"); !revoked {
		t.Error("revoked token reported active")
	}
	if active, _ := s.FindActiveAccessTokens(ctx, "c", "alice", now); len(active) != 0 {
		t.Errorf("revoked token still active: %+v", active)
	}
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t)

	err := s.SaveUser(ctx, &storage.User{
		ID:     "u-1",
		Claims: map[string]any{"preferred_username": "alice", "email": "alice@example.com"},
	}, "pa55")
	if err != nil {
		t.Fatalf("save user: %v", err)
	}

	u, err := s.GetUserByCredentials(ctx, "alice", "pa55")
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if u.Claims["email"] != "alice@example.com" {
		t.Errorf("claims = %v", u.Claims)
	}
	if _, err := s.GetUserByCredentials(ctx, "alice", "bad"); !errors.Is(err, storage.ErrInvalidCredentials) {
		t.Errorf("bad password error = %v", err)
	}
	if _, err := s.GetUserByCredentials(ctx, "mallory", "pa55"); !errors.Is(err, storage.ErrInvalidCredentials) {
		t.Errorf("unknown user error = %v", err)
	}
	if _, err := s.GetUserByID(ctx, "nobody"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("unknown id error = %v", err)
	}
}

func TestUserClaimsEncrypted(t *testing.T) {
	ctx := context.Background()
	s := openTempStore(t)

	// written before a key was configured
	if err := s.SaveUser(ctx, &storage.User{ID: "u-old", Claims: map[string]any{"name": "Old"}}, ""); err != nil {
		t.Fatal(err)
	}

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatal(err)
	}
	s.SetEncryptor(enc)

	if err := s.SaveUser(ctx, &storage.User{ID: "u-new", Claims: map[string]any{"email": "new@example.com"}}, ""); err != nil {
		t.Fatal(err)
	}
	var stored string
	if err := s.db.QueryRowContext(ctx, `SELECT claims FROM users WHERE id = ?`, "u-new").Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if !security.IsEncrypted(stored) {
		t.Errorf("claims stored in plaintext: %s", stored)
	}

	for id, want := range map[string]string{"u-old": "Old", "u-new": "new@example.com"} {
		u, err := s.GetUserByID(ctx, id)
		if err != nil {
			t.Fatalf("GetUserByID(%s) error = %v", id, err)
		}
		if u.Claims["name"] != want && u.Claims["email"] != want {
			t.Errorf("claims of %s = %v", id, u.Claims)
		}
	}
}

func TestUpSection(t *testing.T) {
	got := upSection("-- +migrate Up\nCREATE TABLE a (x);\n-- +migrate Down\nDROP TABLE a;\n")
	if got != "\nCREATE TABLE a (x);\n" {
		t.Errorf("upSection() = %q", got)
	}
	if got := upSection("SELECT 1;"); got != "SELECT 1;" {
		t.Errorf("upSection(no markers) = %q", got)
	}
}
