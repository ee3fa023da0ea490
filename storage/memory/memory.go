package memory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/storage"
)

const (
	// tokenIDLogLength is the number of characters of a token id included in logs
	tokenIDLogLength = 8

	backendName = "memory"
)

type userRecord struct {
	user         *storage.User
	passwordHash string
}

// Store is an in-memory implementation of all storage roles.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	scopes        map[string]*storage.Scope
	authCodes     map[string]*storage.AuthorizationCode
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken
	users         map[string]*userRecord // user id -> record
	usernames     map[string]string      // login name -> user id

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// lock-free counters for the size gauges
	clientsCount       atomic.Int64
	authCodesCount     atomic.Int64
	accessTokensCount  atomic.Int64
	refreshTokensCount atomic.Int64

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
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

// New creates a new in-memory store with a one minute cleanup interval.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store that sweeps expired records every interval.
func NewWithInterval(interval time.Duration) *Store {
	s := &Store{
		clients:         make(map[string]*storage.Client),
		scopes:          make(map[string]*storage.Scope),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		accessTokens:    make(map[string]*storage.AccessToken),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		users:           make(map[string]*userRecord),
		usernames:       make(map[string]string),
		now:             time.Now,
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets the logger for the store
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetClock replaces the time source used for expiry decisions. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation enables spans, operation metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.syncCountersLocked()
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(instrumentation.StorageSizes{
		Clients:       s.clientsCount.Load,
		AuthCodes:     s.authCodesCount.Load,
		AccessTokens:  s.accessTokensCount.Load,
		RefreshTokens: s.refreshTokensCount.Load,
	})
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// Clients
// ============================================================

// SaveClient stores or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	startTime := time.Now()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil || client.ID == "" {
		err = fmt.Errorf("client id is required")
		return err
	}

	c := *client
	c.RedirectURIs = slices.Clone(client.RedirectURIs)
	c.Scopes = slices.Clone(client.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = &c
	s.clientsCount.Store(int64(len(s.clients)))
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}
	c := *client
	return &c, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// A bcrypt comparison runs even for unknown clients.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	hash := ""
	if client, err := s.GetClient(ctx, clientID); err == nil {
		hash = client.SecretHash
	}
	return storage.CompareSecret(hash, clientSecret)
}

// ListClients returns every stored client
func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		cp := *c
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *storage.Client) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// ============================================================
// Scopes
// ============================================================

// SaveScope stores or replaces a scope
func (s *Store) SaveScope(_ context.Context, scope *storage.Scope) error {
	if scope == nil || scope.ID == "" {
		return fmt.Errorf("scope id is required")
	}
	sc := *scope

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[sc.ID] = &sc
	return nil
}

// GetScope retrieves a scope by id
func (s *Store) GetScope(ctx context.Context, id string) (*storage.Scope, error) {
	ctx, span := s.startStorageSpan(ctx, "get_scope")
	defer span.End()
	startTime := time.Now()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_scope", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	scope, ok := s.scopes[id]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrScopeNotFound, id)
		return nil, err
	}
	sc := *scope
	return &sc, nil
}

// ListScopes returns every scope ordered by id
func (s *Store) ListScopes(_ context.Context) ([]*storage.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.Scope, 0, len(s.scopes))
	for _, sc := range s.scopes {
		cp := *sc
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *storage.Scope) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// ============================================================
// Authorization codes
// ============================================================

// SaveAuthCode stores an authorization code record
func (s *Store) SaveAuthCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_auth_code")
	defer span.End()
	startTime := time.Now()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_auth_code", err, startTime) }()

	if code == nil || code.ID == "" {
		err = fmt.Errorf("authorization code id is required")
		return err
	}
	c := *code
	c.Scopes = slices.Clone(code.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCodes[c.ID] = &c
	s.authCodesCount.Store(int64(len(s.authCodes)))
	return nil
}

// ConsumeAuthCode atomically marks a code revoked. The write lock makes the
// check-and-set a single step across goroutines.
func (s *Store) ConsumeAuthCode(ctx context.Context, codeID string) error {
	ctx, span := s.startStorageSpan(ctx, "consume_auth_code")
	defer span.End()
	startTime := time.Now()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "consume_auth_code", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.authCodes[codeID]
	if !ok {
		err = storage.ErrAuthCodeNotFound
		return err
	}
	if code.Revoked {
		s.logger.Warn("Authorization code consumed twice",
			"code_prefix", util.SafeTruncate(codeID, tokenIDLogLength),
			"client_id", code.ClientID)
		err = storage.ErrRevoked
		return err
	}
	code.Revoked = true

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(codeID, tokenIDLogLength))
	return nil
}

// IsAuthCodeRevoked reports true for revoked or unknown codes
func (s *Store) IsAuthCodeRevoked(_ context.Context, codeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.authCodes[codeID]
	return !ok || code.Revoked, nil
}

// ============================================================
// Access tokens
// ============================================================

// SaveAccessToken stores an access token record
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_access_token")
	defer span.End()
	startTime := time.Now()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_access_token", err, startTime) }()

	if token == nil || token.ID == "" {
		err = fmt.Errorf("access token id is required")
		return err
	}
	t := *token
	t.Scopes = slices.Clone(token.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens[t.ID] = &t
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	return nil
}

// IsAccessTokenRevoked reports true when no record exists for the token
func (s *Store) IsAccessTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "is_access_token_revoked")
	defer span.End()
	startTime := time.Now()
	defer s.recordStorageOperation(ctx, span, "is_access_token_revoked", nil, startTime)

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.accessTokens[tokenID]
	return !ok, nil
}

// RevokeAccessToken deletes the token record
func (s *Store) RevokeAccessToken(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessTokens, tokenID)
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	return nil
}

// FindActiveAccessTokens returns the client's tokens for userID that expire after now
func (s *Store) FindActiveAccessTokens(_ context.Context, clientID, userID string, now time.Time) ([]*storage.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.AccessToken
	for _, t := range s.accessTokens {
		if t.ClientID != clientID || t.UserID != userID || !t.ExpiresAt.After(now) {
			continue
		}
		cp := *t
		cp.Scopes = slices.Clone(t.Scopes)
		out = append(out, &cp)
	}
	return out, nil
}

// HasScopes reports whether the persisted scopes of the token equal scopes
func (s *Store) HasScopes(_ context.Context, tokenID string, scopes []string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.accessTokens[tokenID]
	if !ok {
		return false, nil
	}
	return storage.SameScopeSet(t.Scopes, scopes), nil
}

// ============================================================
// Refresh tokens
// ============================================================

// SaveRefreshToken stores a refresh token record
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()
	startTime := time.Now()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime) }()

	if token == nil || token.ID == "" {
		err = fmt.Errorf("refresh token id is required")
		return err
	}
	t := *token
	t.Scopes = slices.Clone(token.Scopes)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[t.ID] = &t
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	return nil
}

// ConsumeRefreshToken atomically deletes and returns the refresh token record
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenID string) (*storage.RefreshToken, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()
	startTime := time.Now()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.refreshTokens[tokenID]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}
	delete(s.refreshTokens, tokenID)
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))

	s.logger.Debug("Consumed refresh token",
		"token_prefix", util.SafeTruncate(tokenID, tokenIDLogLength),
		"client_id", t.ClientID)
	return t, nil
}

// IsRefreshTokenRevoked reports true when no record exists for the token
func (s *Store) IsRefreshTokenRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.refreshTokens[tokenID]
	return !ok, nil
}

// RevokeRefreshToken deletes the token record
func (s *Store) RevokeRefreshToken(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshTokens, tokenID)
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
	return nil
}

// ============================================================
// Users
// ============================================================

// SaveUser stores a user. The "preferred_username" claim, falling back to the
// user id, is the login name for the password grant.
func (s *Store) SaveUser(_ context.Context, user *storage.User, password string) error {
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

	u := &storage.User{ID: user.ID, Claims: cloneClaims(user.Claims)}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &userRecord{user: u, passwordHash: hash}
	s.usernames[loginName(u)] = u.ID
	return nil
}

// GetUserByCredentials verifies a username and password
func (s *Store) GetUserByCredentials(ctx context.Context, username, password string) (*storage.User, error) {
	ctx, span := s.startStorageSpan(ctx, "get_user_by_credentials")
	defer span.End()
	startTime := time.Now()

	var err error
	defer func() { s.recordStorageOperation(ctx, span, "get_user_by_credentials", err, startTime) }()

	s.mu.RLock()
	var rec *userRecord
	if id, ok := s.usernames[username]; ok {
		rec = s.users[id]
	}
	s.mu.RUnlock()

	hash := ""
	if rec != nil {
		hash = rec.passwordHash
	}
	if err = storage.CompareSecret(hash, password); err != nil {
		return nil, err
	}
	return &storage.User{ID: rec.user.ID, Claims: cloneClaims(rec.user.Claims)}, nil
}

// GetUserByID returns the user with its claim set
func (s *Store) GetUserByID(_ context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
	}
	return &storage.User{ID: rec.user.ID, Claims: cloneClaims(rec.user.Claims)}, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired codes and tokens
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for id, c := range s.authCodes {
		if now.After(c.ExpiresAt) {
			delete(s.authCodes, id)
			cleaned++
		}
	}
	for id, t := range s.accessTokens {
		if now.After(t.ExpiresAt) {
			delete(s.accessTokens, id)
			cleaned++
		}
	}
	for id, t := range s.refreshTokens {
		if now.After(t.ExpiresAt) {
			delete(s.refreshTokens, id)
			cleaned++
		}
	}
	s.syncCountersLocked()

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired records", "count", cleaned)
	}
}

func (s *Store) syncCountersLocked() {
	s.clientsCount.Store(int64(len(s.clients)))
	s.authCodesCount.Store(int64(len(s.authCodes)))
	s.accessTokensCount.Store(int64(len(s.accessTokens)))
	s.refreshTokensCount.Store(int64(len(s.refreshTokens)))
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, backendName)
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	s.instrumentation.Metrics().RecordStorageOperation(ctx, backendName, operation, result, durationMs)
}

func loginName(u *storage.User) string {
	if name, ok := u.Claims["preferred_username"].(string); ok && name != "" {
		return name
	}
	return u.ID
}

func cloneClaims(in map[string]any) map[string]any {
	return maps.Clone(in)
}
