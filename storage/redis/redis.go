package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/storage"
)

const (
	// DefaultKeyPrefix is prepended to every key written by the store
	DefaultKeyPrefix = "oauth:"

	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	connectionVerifyTimeout = 5 * time.Second
	tokenIDLogLength        = 8
	backendName             = "redis"
)

// consumeCodeScript marks a code consumed. KEYS[1] is the code record,
// KEYS[2] the consumed marker, ARGV[1] the marker TTL in milliseconds.
// SET NX makes exactly one caller win.
var consumeCodeScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'NOT_FOUND'
end
if redis.call('SET', KEYS[2], '1', 'NX', 'PX', ARGV[1]) then
  return 'OK'
end
return 'REVOKED'
`)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Address is the server address (required), e.g. "localhost:6379"
	Address string

	Username string
	Password string
	DB       int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS enables encrypted connections when set
	TLS *tls.Config

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// Store is a Redis-backed implementation of every storage role. Records carry
// a TTL matching their expiry, so no cleanup loop is needed.
type Store struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger
	sealer storage.ClaimsSealer

	obs storage.Observer
}

var (
	_ storage.ClientStore       = (*Store)(nil)
	_ storage.ClientWriter      = (*Store)(nil)
	_ storage.ScopeStore        = (*Store)(nil)
	_ storage.ScopeWriter       = (*Store)(nil)
	_ storage.AuthCodeStore     = (*Store)(nil)
	_ storage.AccessTokenStore  = (*Store)(nil)
	_ storage.TokenScopeChecker = (*Store)(nil)
	_ storage.RefreshTokenStore = (*Store)(nil)
	_ storage.UserStore         = (*Store)(nil)
	_ storage.IdentityStore     = (*Store)(nil)
	_ storage.UserWriter        = (*Store)(nil)
)

// New connects to Redis and verifies the connection with a PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    cfg.TLS,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewFromClient(client, cfg.KeyPrefix, cfg.Logger)
	s.logger.Info("Connected to Redis storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewFromClient wraps an existing client. An empty prefix selects DefaultKeyPrefix.
func NewFromClient(client goredis.UniversalClient, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, prefix: prefix, logger: logger, obs: storage.Observer{Backend: backendName}}
}

// SetInstrumentation enables spans and operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.obs.SetInstrumentation(inst)
}

// SetEncryptor encrypts user claims written from now on.
func (s *Store) SetEncryptor(sealer storage.ClaimsSealer) {
	s.sealer = sealer
}

// Close closes the client connection.
func (s *Store) Close() error {
	s.logger.Info("Redis storage connection closed")
	return s.client.Close()
}

func (s *Store) key(kind, id string) string { return s.prefix + kind + ":" + id }

func (s *Store) clientsIndexKey() string { return s.prefix + "clients" }
func (s *Store) scopesIndexKey() string  { return s.prefix + "scopes" }

func (s *Store) accessIndexKey(clientID, userID string) string {
	return s.prefix + "access_idx:" + clientID + ":" + userID
}

// ============================================================
// Records
// ============================================================

type clientJSON struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RedirectURIs []string  `json:"redirect_uris"`
	SecretHash   string    `json:"secret_hash,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type codeJSON struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	UserID      string    `json:"user_id"`
	RedirectURI string    `json:"redirect_uri"`
	Scopes      []string  `json:"scopes"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type tokenJSON struct {
	ID            string    `json:"id"`
	AccessTokenID string    `json:"access_token_id,omitempty"`
	ClientID      string    `json:"client_id"`
	UserID        string    `json:"user_id"`
	Scopes        []string  `json:"scopes"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// userJSON keeps claims as an encoded string so they can be sealed with
// the store's encryptor.
type userJSON struct {
	ID           string `json:"id"`
	Claims       string `json:"claims"`
	PasswordHash string `json:"password_hash,omitempty"`
}

func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

// getJSON loads key into v and returns notFound when the key does not exist.
func (s *Store) getJSON(ctx context.Context, key string, v any, notFound error) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return notFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// ttlUntil returns the TTL for a record expiring at t. Records already expired
// get a one millisecond TTL so they vanish immediately.
func ttlUntil(t time.Time) time.Duration {
	d := time.Until(t)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

// ============================================================
// Clients and scopes
// ============================================================

// SaveClient stores or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.obs.Start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ID == "" {
		return fmt.Errorf("client id is required")
	}
	j := clientJSON{
		ID:           client.ID,
		Name:         client.Name,
		RedirectURIs: client.RedirectURIs,
		SecretHash:   client.SecretHash,
		Scopes:       client.Scopes,
		CreatedAt:    client.CreatedAt,
	}
	if err = s.setJSON(ctx, s.key("client", client.ID), j, 0); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return s.client.SAdd(ctx, s.clientsIndexKey(), client.ID).Err()
}

// GetClient loads a client by id
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.obs.Start(ctx, "get_client")
	defer func() { done(err) }()

	var j clientJSON
	if err = s.getJSON(ctx, s.key("client", clientID), &j, storage.ErrClientNotFound); err != nil {
		return nil, err
	}
	return &storage.Client{
		ID:           j.ID,
		Name:         j.Name,
		RedirectURIs: j.RedirectURIs,
		SecretHash:   j.SecretHash,
		Scopes:       j.Scopes,
		CreatedAt:    j.CreatedAt,
	}, nil
}

// ValidateClientSecret compares secret against the stored hash
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			_ = storage.CompareSecret("", clientSecret)
			return storage.ErrInvalidCredentials
		}
		return err
	}
	return storage.CompareSecret(client.SecretHash, clientSecret)
}

// ListClients returns every client ordered by id
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	ids, err := s.client.SMembers(ctx, s.clientsIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	slices.Sort(ids)

	out := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetClient(ctx, id)
		if errors.Is(err, storage.ErrClientNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// SaveScope stores or replaces a scope
func (s *Store) SaveScope(ctx context.Context, scope *storage.Scope) error {
	if scope == nil || scope.ID == "" {
		return fmt.Errorf("scope id is required")
	}
	if err := s.client.Set(ctx, s.key("scope", scope.ID), scope.Description, 0).Err(); err != nil {
		return fmt.Errorf("failed to save scope: %w", err)
	}
	return s.client.SAdd(ctx, s.scopesIndexKey(), scope.ID).Err()
}

// GetScope loads a scope by id
func (s *Store) GetScope(ctx context.Context, id string) (_ *storage.Scope, err error) {
	ctx, done := s.obs.Start(ctx, "get_scope")
	defer func() { done(err) }()

	desc, err := s.client.Get(ctx, s.key("scope", id)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrScopeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &storage.Scope{ID: id, Description: desc}, nil
}

// ListScopes returns every scope ordered by id
func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	ids, err := s.client.SMembers(ctx, s.scopesIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	slices.Sort(ids)

	out := make([]*storage.Scope, 0, len(ids))
	for _, id := range ids {
		sc, err := s.GetScope(ctx, id)
		if errors.Is(err, storage.ErrScopeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

// ============================================================
// Authorization codes
// ============================================================

// SaveAuthCode stores a code record that expires with the code
func (s *Store) SaveAuthCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.obs.Start(ctx, "save_auth_code")
	defer func() { done(err) }()

	if code == nil || code.ID == "" {
		return fmt.Errorf("authorization code id is required")
	}
	j := codeJSON{
		ID:          code.ID,
		ClientID:    code.ClientID,
		UserID:      code.UserID,
		RedirectURI: code.RedirectURI,
		Scopes:      code.Scopes,
		ExpiresAt:   code.ExpiresAt,
	}
	return s.setJSON(ctx, s.key("code", code.ID), j, ttlUntil(code.ExpiresAt))
}

// ConsumeAuthCode marks the code consumed. Only one concurrent caller succeeds.
func (s *Store) ConsumeAuthCode(ctx context.Context, codeID string) (err error) {
	ctx, done := s.obs.Start(ctx, "consume_auth_code")
	defer func() { done(err) }()

	codeKey := s.key("code", codeID)
	ttl, err := s.client.PTTL(ctx, codeKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read code ttl: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	result, err := consumeCodeScript.Run(ctx, s.client,
		[]string{codeKey, s.key("code_consumed", codeID)},
		ttl.Milliseconds(),
	).Text()
	if err != nil {
		return fmt.Errorf("failed to execute atomic code consume: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return storage.ErrAuthCodeNotFound
	case "REVOKED":
		s.logger.Warn("Authorization code consumed twice",
			"code_prefix", util.SafeTruncate(codeID, tokenIDLogLength))
		return storage.ErrRevoked
	}
	return nil
}

// IsAuthCodeRevoked reports true for consumed, expired or unknown codes
func (s *Store) IsAuthCodeRevoked(ctx context.Context, codeID string) (bool, error) {
	consumed, err := s.client.Exists(ctx, s.key("code_consumed", codeID)).Result()
	if err != nil {
		return true, err
	}
	if consumed > 0 {
		return true, nil
	}
	live, err := s.client.Exists(ctx, s.key("code", codeID)).Result()
	if err != nil {
		return true, err
	}
	return live == 0, nil
}

// ============================================================
// Access tokens
// ============================================================

// SaveAccessToken stores the token and indexes it by client and user
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, done := s.obs.Start(ctx, "save_access_token")
	defer func() { done(err) }()

	if token == nil || token.ID == "" {
		return fmt.Errorf("access token id is required")
	}
	ttl := ttlUntil(token.ExpiresAt)
	j := tokenJSON{
		ID:        token.ID,
		ClientID:  token.ClientID,
		UserID:    token.UserID,
		Scopes:    token.Scopes,
		ExpiresAt: token.ExpiresAt,
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal access token: %w", err)
	}

	idx := s.accessIndexKey(token.ClientID, token.UserID)
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, s.key("access", token.ID), data, ttl)
		p.SAdd(ctx, idx, token.ID)
		// every access token shares one TTL, so the newest member outlives the rest
		p.Expire(ctx, idx, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save access token: %w", err)
	}
	return nil
}

func (s *Store) getAccessToken(ctx context.Context, tokenID string) (*storage.AccessToken, error) {
	var j tokenJSON
	if err := s.getJSON(ctx, s.key("access", tokenID), &j, storage.ErrTokenNotFound); err != nil {
		return nil, err
	}
	return &storage.AccessToken{
		ID:        j.ID,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scopes:    j.Scopes,
		ExpiresAt: j.ExpiresAt,
	}, nil
}

// IsAccessTokenRevoked reports true when no record exists for the token
func (s *Store) IsAccessTokenRevoked(ctx context.Context, tokenID string) (_ bool, err error) {
	ctx, done := s.obs.Start(ctx, "is_access_token_revoked")
	defer func() { done(err) }()

	n, err := s.client.Exists(ctx, s.key("access", tokenID)).Result()
	if err != nil {
		return true, err
	}
	return n == 0, nil
}

// RevokeAccessToken deletes the token record
func (s *Store) RevokeAccessToken(ctx context.Context, tokenID string) error {
	return s.client.Del(ctx, s.key("access", tokenID)).Err()
}

// FindActiveAccessTokens returns the client's tokens for userID that expire after now
func (s *Store) FindActiveAccessTokens(ctx context.Context, clientID, userID string, now time.Time) ([]*storage.AccessToken, error) {
	idx := s.accessIndexKey(clientID, userID)
	ids, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read access token index: %w", err)
	}

	var out []*storage.AccessToken
	for _, id := range ids {
		t, err := s.getAccessToken(ctx, id)
		if errors.Is(err, storage.ErrTokenNotFound) {
			// expired or revoked, prune the index entry
			_ = s.client.SRem(ctx, idx, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.ExpiresAt.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

// HasScopes reports whether the persisted scopes of the token equal scopes
func (s *Store) HasScopes(ctx context.Context, tokenID string, scopes []string) (bool, error) {
	t, err := s.getAccessToken(ctx, tokenID)
	if errors.Is(err, storage.ErrTokenNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return storage.SameScopeSet(t.Scopes, scopes), nil
}

// ============================================================
// Refresh tokens
// ============================================================

// SaveRefreshToken stores a refresh token record that expires with the token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, done := s.obs.Start(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.ID == "" {
		return fmt.Errorf("refresh token id is required")
	}
	j := tokenJSON{
		ID:            token.ID,
		AccessTokenID: token.AccessTokenID,
		ClientID:      token.ClientID,
		UserID:        token.UserID,
		Scopes:        token.Scopes,
		ExpiresAt:     token.ExpiresAt,
	}
	return s.setJSON(ctx, s.key("refresh", token.ID), j, ttlUntil(token.ExpiresAt))
}

// ConsumeRefreshToken deletes and returns the record with GETDEL, so only one
// concurrent caller receives it.
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenID string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.obs.Start(ctx, "consume_refresh_token")
	defer func() { done(err) }()

	data, err := s.client.GetDel(ctx, s.key("refresh", tokenID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	s.logger.Debug("Consumed refresh token",
		"token_prefix", util.SafeTruncate(tokenID, tokenIDLogLength),
		"client_id", j.ClientID)

	return &storage.RefreshToken{
		ID:            j.ID,
		AccessTokenID: j.AccessTokenID,
		ClientID:      j.ClientID,
		UserID:        j.UserID,
		Scopes:        j.Scopes,
		ExpiresAt:     j.ExpiresAt,
	}, nil
}

// IsRefreshTokenRevoked reports true when no record exists for the token
func (s *Store) IsRefreshTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key("refresh", tokenID)).Result()
	if err != nil {
		return true, err
	}
	return n == 0, nil
}

// RevokeRefreshToken deletes the token record
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	return s.client.Del(ctx, s.key("refresh", tokenID)).Err()
}

// ============================================================
// Users
// ============================================================

// SaveUser stores a user and indexes it by login name (the preferred_username
// claim, falling back to the id).
func (s *Store) SaveUser(ctx context.Context, user *storage.User, password string) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	var hash string
	if password != "" {
		var err error
		if hash, err = storage.HashSecret(password); err != nil {
			return err
		}
	}
	claims, err := storage.EncodeClaims(user.Claims, s.sealer)
	if err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.key("user", user.ID), userJSON{ID: user.ID, Claims: claims, PasswordHash: hash}, 0); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return s.client.Set(ctx, s.key("username", loginName(user)), user.ID, 0).Err()
}

func (s *Store) getUser(ctx context.Context, userID string) (*userJSON, error) {
	var j userJSON
	if err := s.getJSON(ctx, s.key("user", userID), &j, storage.ErrUserNotFound); err != nil {
		return nil, err
	}
	return &j, nil
}

// GetUserByCredentials authenticates a resource owner
func (s *Store) GetUserByCredentials(ctx context.Context, username, password string) (_ *storage.User, err error) {
	ctx, done := s.obs.Start(ctx, "get_user_by_credentials")
	defer func() { done(err) }()

	var hash string
	var user *userJSON
	id, lookupErr := s.client.Get(ctx, s.key("username", username)).Result()
	switch {
	case errors.Is(lookupErr, goredis.Nil):
	case lookupErr != nil:
		return nil, lookupErr
	default:
		user, err = s.getUser(ctx, id)
		if err != nil && !errors.Is(err, storage.ErrUserNotFound) {
			return nil, err
		}
		if user != nil {
			hash = user.PasswordHash
		}
	}

	if err := storage.CompareSecret(hash, password); err != nil || user == nil {
		return nil, storage.ErrInvalidCredentials
	}
	return s.toUser(user)
}

// GetUserByID loads a user for claim resolution
func (s *Store) GetUserByID(ctx context.Context, userID string) (*storage.User, error) {
	j, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.toUser(j)
}

func (s *Store) toUser(j *userJSON) (*storage.User, error) {
	claims, err := storage.DecodeClaims(j.Claims, s.sealer)
	if err != nil {
		return nil, err
	}
	return &storage.User{ID: j.ID, Claims: claims}, nil
}

func loginName(u *storage.User) string {
	if name, ok := u.Claims["preferred_username"].(string); ok && name != "" {
		return name
	}
	return u.ID
}
