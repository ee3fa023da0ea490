package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-server/keys"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/memory"
	"github.com/giantswarm/oauth-server/token"
)

// Issuer is the issuer used by every fixture.
const Issuer = "https://auth.example.com"

// Fixture identities seeded by NewStore.
const (
	ConfidentialClientID     = "confidential-client"
	ConfidentialClientSecret = "s3cret-s3cret-s3cret"
	PublicClientID           = "public-client"
	RedirectURI              = "https://app.example.com/callback"

	UserID       = "user-alice"
	UserLogin    = "alice"
	UserPassword = "correct horse battery staple"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

var (
	materialOnce sync.Once
	material     *keys.Material
	materialErr  error
)

// Material returns an RSA key pair and encryption key generated once per
// test binary.
func Material(t testing.TB) *keys.Material {
	t.Helper()
	materialOnce.Do(func() { material, materialErr = keys.Generate() })
	if materialErr != nil {
		t.Fatalf("failed to generate key material: %v", materialErr)
	}
	return material
}

// Codec returns a codec for Issuer driven by clock.
func Codec(t testing.TB, clock *MockTime) *token.Codec {
	t.Helper()
	c, err := token.NewCodec(Material(t), token.Config{Issuer: Issuer, Now: clock.Now})
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	return c
}

// NewStore returns a memory store seeded with the default scopes, one
// confidential client, one public client and one user, plus a registry
// binding it to every role. The store shares clock.
func NewStore(t testing.TB, clock *MockTime) (*memory.Store, *storage.Registry) {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	t.Cleanup(store.Stop)
	store.SetClock(clock.Now)

	for _, sc := range storage.DefaultScopes() {
		if err := store.SaveScope(ctx, sc); err != nil {
			t.Fatalf("failed to seed scope: %v", err)
		}
	}

	hash, err := storage.HashSecret(ConfidentialClientSecret)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	clients := []*storage.Client{
		{ID: ConfidentialClientID, Name: "Confidential", RedirectURIs: []string{RedirectURI}, SecretHash: hash},
		{ID: PublicClientID, Name: "Public", RedirectURIs: []string{RedirectURI, "http://127.0.0.1:8765/cb"}},
	}
	for _, c := range clients {
		if err := store.SaveClient(ctx, c); err != nil {
			t.Fatalf("failed to seed client: %v", err)
		}
	}

	err = store.SaveUser(ctx, &storage.User{
		ID: UserID,
		Claims: map[string]any{
			"preferred_username": UserLogin,
			"name":               "Alice Liddell",
			"email":              "alice@example.com",
			"email_verified":     true,
			"phone_number":       "+44 20 7946 0000",
		},
	}, UserPassword)
	if err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}

	reg := storage.NewRegistry()
	reg.BindAll(store)
	return store, reg
}

// PKCEPair returns an S256 challenge and its verifier.
func PKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}
