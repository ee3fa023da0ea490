// Package sqlite provides a SQLite-backed implementation of every storage role.
//
// The schema is embedded and applied on Open. Timestamps are stored as Unix
// milliseconds and scope lists as JSON arrays. Codes and refresh tokens are
// consumed with a conditional UPDATE, so exactly one caller flips the revoked
// flag even across processes sharing the database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/sqlite/migrations"
)

const (
	backendName      = "sqlite"
	tokenIDLogLength = 8
)

// Store persists clients, scopes, codes, tokens and users in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	obs    storage.Observer
	sealer storage.ClaimsSealer
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

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer at a time; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("Opened SQLite storage", "path", path)
	return &Store{db: db, logger: logger, obs: storage.Observer{Backend: backendName}}, nil
}

// SetInstrumentation enables spans and operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.obs.SetInstrumentation(inst)
}

// SetEncryptor encrypts user claims written from now on. Rows written
// without a key stay readable.
func (s *Store) SetEncryptor(sealer storage.ClaimsSealer) {
	s.sealer = sealer
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(raw string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return out, nil
}

// ============================================================
// Clients and scopes
// ============================================================

// SaveClient inserts or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.obs.Start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ID == "" {
		return fmt.Errorf("client id is required")
	}
	created := client.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (id, name, redirect_uris, secret_hash, scopes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   redirect_uris = excluded.redirect_uris,
		   secret_hash = excluded.secret_hash,
		   scopes = excluded.scopes`,
		client.ID, client.Name, encodeList(client.RedirectURIs), client.SecretHash,
		encodeList(client.Scopes), toMillis(created),
	)
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*storage.Client, error) {
	var (
		c              storage.Client
		uris, scopes   string
		createdAtMilli int64
	)
	if err := row.Scan(&c.ID, &c.Name, &uris, &c.SecretHash, &scopes, &createdAtMilli); err != nil {
		return nil, err
	}
	var err error
	if c.RedirectURIs, err = decodeList(uris); err != nil {
		return nil, err
	}
	if c.Scopes, err = decodeList(scopes); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(createdAtMilli)
	return &c, nil
}

// GetClient loads a client by id
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.obs.Start(ctx, "get_client")
	defer func() { done(err) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, redirect_uris, secret_hash, scopes, created_at FROM clients WHERE id = ?`,
		clientID)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return c, nil
}

// ValidateClientSecret compares secret against the stored hash
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	c, err := s.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			_ = storage.CompareSecret("", clientSecret)
			return storage.ErrInvalidCredentials
		}
		return err
	}
	return storage.CompareSecret(c.SecretHash, clientSecret)
}

// ListClients returns every client ordered by id
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, redirect_uris, secret_hash, scopes, created_at FROM clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []*storage.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveScope inserts or replaces a scope
func (s *Store) SaveScope(ctx context.Context, scope *storage.Scope) error {
	if scope == nil || scope.ID == "" {
		return fmt.Errorf("scope id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scopes (id, description) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET description = excluded.description`,
		scope.ID, scope.Description)
	if err != nil {
		return fmt.Errorf("save scope: %w", err)
	}
	return nil
}

// GetScope loads a scope by id
func (s *Store) GetScope(ctx context.Context, id string) (_ *storage.Scope, err error) {
	ctx, done := s.obs.Start(ctx, "get_scope")
	defer func() { done(err) }()

	var sc storage.Scope
	err = s.db.QueryRowContext(ctx, `SELECT id, description FROM scopes WHERE id = ?`, id).
		Scan(&sc.ID, &sc.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrScopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scope: %w", err)
	}
	return &sc, nil
}

// ListScopes returns every scope ordered by id
func (s *Store) ListScopes(ctx context.Context) ([]*storage.Scope, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, description FROM scopes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var out []*storage.Scope
	for rows.Next() {
		var sc storage.Scope
		if err := rows.Scan(&sc.ID, &sc.Description); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}

// ============================================================
// Authorization codes
// ============================================================

// SaveAuthCode records an issued code
func (s *Store) SaveAuthCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, done := s.obs.Start(ctx, "save_auth_code")
	defer func() { done(err) }()

	if code == nil || code.ID == "" {
		return fmt.Errorf("authorization code id is required")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auth_codes (id, client_id, user_id, redirect_uri, scopes, expires_at, revoked)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		code.ID, code.ClientID, code.UserID, code.RedirectURI, encodeList(code.Scopes),
		toMillis(code.ExpiresAt), code.Revoked,
	)
	if err != nil {
		return fmt.Errorf("save authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthCode flips the revoked flag of a live code. The WHERE clause makes
// the check-and-set a single statement; zero affected rows means another caller
// won or the code does not exist.
func (s *Store) ConsumeAuthCode(ctx context.Context, codeID string) (err error) {
	ctx, done := s.obs.Start(ctx, "consume_auth_code")
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_codes SET revoked = 1 WHERE id = ? AND revoked = 0`, codeID)
	if err != nil {
		return fmt.Errorf("consume authorization code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume authorization code: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM auth_codes WHERE id = ?`, codeID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrAuthCodeNotFound
	}
	if err != nil {
		return fmt.Errorf("consume authorization code: %w", err)
	}
	s.logger.Warn("Authorization code consumed twice",
		"code_prefix", util.SafeTruncate(codeID, tokenIDLogLength))
	return storage.ErrRevoked
}

// IsAuthCodeRevoked reports true for consumed or unknown codes
func (s *Store) IsAuthCodeRevoked(ctx context.Context, codeID string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT revoked FROM auth_codes WHERE id = ?`, codeID).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("read authorization code: %w", err)
	}
	return revoked, nil
}

// ============================================================
// Access tokens
// ============================================================

// SaveAccessToken records an issued access token
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, done := s.obs.Start(ctx, "save_access_token")
	defer func() { done(err) }()

	if token == nil || token.ID == "" {
		return fmt.Errorf("access token id is required")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO access_tokens (id, client_id, user_id, scopes, expires_at) VALUES (?, ?, ?, ?, ?)`,
		token.ID, token.ClientID, token.UserID, encodeList(token.Scopes), toMillis(token.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save access token: %w", err)
	}
	return nil
}

// IsAccessTokenRevoked reports true for revoked or unknown tokens
func (s *Store) IsAccessTokenRevoked(ctx context.Context, tokenID string) (_ bool, err error) {
	ctx, done := s.obs.Start(ctx, "is_access_token_revoked")
	defer func() { done(err) }()

	var revoked bool
	err = s.db.QueryRowContext(ctx, `SELECT revoked FROM access_tokens WHERE id = ?`, tokenID).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("read access token: %w", err)
	}
	return revoked, nil
}

// RevokeAccessToken flags the token revoked
func (s *Store) RevokeAccessToken(ctx context.Context, tokenID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE access_tokens SET revoked = 1 WHERE id = ?`, tokenID); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

// FindActiveAccessTokens returns unrevoked tokens of the client for userID that expire after now
func (s *Store) FindActiveAccessTokens(ctx context.Context, clientID, userID string, now time.Time) ([]*storage.AccessToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scopes, expires_at FROM access_tokens
		 WHERE client_id = ? AND user_id = ? AND revoked = 0 AND expires_at > ?`,
		clientID, userID, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("find access tokens: %w", err)
	}
	defer rows.Close()

	var out []*storage.AccessToken
	for rows.Next() {
		t := storage.AccessToken{ClientID: clientID, UserID: userID}
		var scopes string
		var exp int64
		if err := rows.Scan(&t.ID, &scopes, &exp); err != nil {
			return nil, fmt.Errorf("scan access token: %w", err)
		}
		if t.Scopes, err = decodeList(scopes); err != nil {
			return nil, err
		}
		t.ExpiresAt = fromMillis(exp)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// HasScopes reports whether the persisted scopes of the token equal scopes
func (s *Store) HasScopes(ctx context.Context, tokenID string, scopes []string) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT scopes FROM access_tokens WHERE id = ?`, tokenID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read access token scopes: %w", err)
	}
	stored, err := decodeList(raw)
	if err != nil {
		return false, err
	}
	return storage.SameScopeSet(stored, scopes), nil
}

// ============================================================
// Refresh tokens
// ============================================================

// SaveRefreshToken records an issued refresh token
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, done := s.obs.Start(ctx, "save_refresh_token")
	defer func() { done(err) }()

	if token == nil || token.ID == "" {
		return fmt.Errorf("refresh token id is required")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, access_token_id, client_id, user_id, scopes, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		token.ID, token.AccessTokenID, token.ClientID, token.UserID,
		encodeList(token.Scopes), toMillis(token.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken flips the revoked flag and returns the row in one
// statement. Only one concurrent caller gets a row back.
func (s *Store) ConsumeRefreshToken(ctx context.Context, tokenID string) (_ *storage.RefreshToken, err error) {
	ctx, done := s.obs.Start(ctx, "consume_refresh_token")
	defer func() { done(err) }()

	t := storage.RefreshToken{ID: tokenID}
	var scopes string
	var exp int64
	err = s.db.QueryRowContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1 WHERE id = ? AND revoked = 0
		 RETURNING access_token_id, client_id, user_id, scopes, expires_at`,
		tokenID,
	).Scan(&t.AccessTokenID, &t.ClientID, &t.UserID, &scopes, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consume refresh token: %w", err)
	}
	if t.Scopes, err = decodeList(scopes); err != nil {
		return nil, err
	}
	t.ExpiresAt = fromMillis(exp)

	s.logger.Debug("Consumed refresh token",
		"token_prefix", util.SafeTruncate(tokenID, tokenIDLogLength),
		"client_id", t.ClientID)
	return &t, nil
}

// IsRefreshTokenRevoked reports true for revoked or unknown tokens
func (s *Store) IsRefreshTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT revoked FROM refresh_tokens WHERE id = ?`, tokenID).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("read refresh token: %w", err)
	}
	return revoked, nil
}

// RevokeRefreshToken flags the token revoked
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = 1 WHERE id = ?`, tokenID); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// PurgeExpired deletes codes and tokens that expired before now and returns
// the number of rows removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"auth_codes", "access_tokens", "refresh_tokens"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= ?`, toMillis(now))
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.logger.Debug("Purged expired records", "count", total)
	}
	return total, nil
}

// ============================================================
// Users
// ============================================================

// SaveUser inserts or replaces a user. The "preferred_username" claim, falling
// back to the id, is the login name for the password grant.
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
	rawClaims, err := storage.EncodeClaims(user.Claims, s.sealer)
	if err != nil {
		return err
	}

	login := user.ID
	if name, ok := user.Claims["preferred_username"].(string); ok && name != "" {
		login = name
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, login, password_hash, claims) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   login = excluded.login,
		   password_hash = excluded.password_hash,
		   claims = excluded.claims`,
		user.ID, login, hash, rawClaims)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// GetUserByCredentials authenticates a resource owner
func (s *Store) GetUserByCredentials(ctx context.Context, username, password string) (_ *storage.User, err error) {
	ctx, done := s.obs.Start(ctx, "get_user_by_credentials")
	defer func() { done(err) }()

	var id, hash, rawClaims string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, password_hash, claims FROM users WHERE login = ?`, username,
	).Scan(&id, &hash, &rawClaims)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get user: %w", err)
	}
	// compared on a miss too, see storage.CompareSecret
	if cmpErr := storage.CompareSecret(hash, password); cmpErr != nil || id == "" {
		return nil, storage.ErrInvalidCredentials
	}
	return s.userFromRow(id, rawClaims)
}

// GetUserByID loads a user for claim resolution
func (s *Store) GetUserByID(ctx context.Context, userID string) (*storage.User, error) {
	var rawClaims string
	err := s.db.QueryRowContext(ctx, `SELECT claims FROM users WHERE id = ?`, userID).Scan(&rawClaims)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return s.userFromRow(userID, rawClaims)
}

func (s *Store) userFromRow(id, rawClaims string) (*storage.User, error) {
	claims, err := storage.DecodeClaims(rawClaims, s.sealer)
	if err != nil {
		return nil, err
	}
	return &storage.User{ID: id, Claims: claims}, nil
}
