package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/token"
)

// ResourceUser is the identity behind a validated bearer token. It is
// never persisted.
type ResourceUser struct {
	AccessTokenID string
	ClientID      string
	// UserID is empty for client_credentials tokens.
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
}

// HasScope reports whether the token was granted scope.
func (u *ResourceUser) HasScope(scope string) bool {
	return util.ContainsAll(u.Scopes, []string{scope})
}

// ResourceServer validates bearer tokens presented to protected resources.
type ResourceServer struct {
	codec        *token.Codec
	accessTokens storage.AccessTokenStore
	config       *Config
	logger       *slog.Logger

	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

// NewResourceServer creates a resource server. cfg may be nil; it is only
// consulted for ServiceDisabled.
func NewResourceServer(codec *token.Codec, accessTokens storage.AccessTokenStore, cfg *Config, logger *slog.Logger) (*ResourceServer, error) {
	if codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if accessTokens == nil {
		return nil, fmt.Errorf("access token store is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceServer{
		codec:        codec,
		accessTokens: accessTokens,
		config:       cfg,
		logger:       logger,
	}, nil
}

// SetInstrumentation enables tracing and metrics.
func (rs *ResourceServer) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		rs.tracer, rs.metrics = nil, nil
		return
	}
	rs.tracer = inst.Tracer("resource")
	rs.metrics = inst.Metrics()
}

// Validate checks an Authorization header value. The scheme must be
// Bearer; the token must verify, be unexpired and not revoked. When the
// store can check scope integrity, the token's scopes must match the
// persisted grant exactly.
func (rs *ResourceServer) Validate(ctx context.Context, authorization string) (*ResourceUser, error) {
	if rs.tracer != nil {
		var span trace.Span
		ctx, span = rs.tracer.Start(ctx, "oauth.resource.validate")
		defer span.End()
	}

	user, err := rs.validate(ctx, authorization)
	result := "valid"
	if err != nil {
		result = AsOAuthError(err).Code
	}
	rs.metrics.RecordBearerValidation(ctx, result)
	return user, err
}

func (rs *ResourceServer) validate(ctx context.Context, authorization string) (*ResourceUser, error) {
	if rs.config.ServiceDisabled {
		return nil, ErrTemporarilyUnavailable("The authorization service is disabled")
	}
	raw, err := bearerToken(authorization)
	if err != nil {
		return nil, err
	}

	c, err := rs.codec.Parse(token.KindAccessToken, raw)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrInvalidToken("Access token has expired")
		}
		rs.logger.Debug("Bearer token rejected", "reason", err)
		return nil, ErrInvalidToken("Access token could not be verified")
	}

	revoked, err := rs.accessTokens.IsAccessTokenRevoked(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check access token: %w", err)
	}
	if revoked {
		return nil, ErrInvalidToken("Access token has been revoked")
	}

	if checker, ok := rs.accessTokens.(storage.TokenScopeChecker); ok {
		match, err := checker.HasScopes(ctx, c.ID, c.Scopes)
		if err != nil {
			return nil, fmt.Errorf("failed to check access token scopes: %w", err)
		}
		if !match {
			rs.logger.Warn("Access token scopes differ from the persisted grant", "client_id", c.ClientID)
			return nil, ErrInvalidToken("Access token scopes do not match the grant")
		}
	}

	return &ResourceUser{
		AccessTokenID: c.ID,
		ClientID:      c.ClientID,
		UserID:        c.Subject,
		Scopes:        c.Scopes,
		ExpiresAt:     c.ExpiresAt,
	}, nil
}

// bearerToken extracts the token from "Bearer <token>". The scheme is
// case-insensitive.
func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrInvalidRequest("Missing Authorization header")
	}
	scheme, value, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidRequest("Authorization header must use the Bearer scheme")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ErrInvalidRequest("Missing bearer token")
	}
	return value, nil
}

// RequireScopes returns insufficient_scope unless user holds every scope.
func RequireScopes(user *ResourceUser, scopes ...string) error {
	if user == nil {
		return ErrInvalidToken("No authenticated token")
	}
	if !util.ContainsAll(user.Scopes, scopes) {
		return ErrInsufficientScope(fmt.Sprintf("The request requires scope %q", util.FormatScopes(scopes)))
	}
	return nil
}
