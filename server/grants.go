package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/token"
)

// GrantType identifies a grant.
type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeRefreshToken      GrantType = "refresh_token"
	GrantTypeImplicit          GrantType = "implicit"
	GrantTypePassword          GrantType = "password"
	GrantTypeClientCredentials GrantType = "client_credentials"
)

// ParseGrantType validates a configured grant name.
func ParseGrantType(s string) (GrantType, error) {
	g := GrantType(s)
	if _, ok := grantFactories[g]; !ok {
		return "", fmt.Errorf("unknown grant type %q", s)
	}
	return g, nil
}

// TokenRequest is a token endpoint request after client credentials have
// been extracted from the Authorization header or the form.
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	Code         string
	RedirectURI  string
	CodeVerifier string

	RefreshToken string

	Username string
	Password string

	Scope string

	ClientIP string
}

// ValidatedGrantRequest is the output of Grant.ValidateRequest. It holds
// everything RespondToRequest needs; nothing has been persisted yet.
type ValidatedGrantRequest struct {
	Grant  GrantType
	Client *storage.Client
	UserID string
	Scopes []string

	// ID token context carried by authorization codes
	Nonce    string
	AuthTime time.Time

	// CodeID is the authorization code to consume.
	CodeID string

	// RefreshToken is the presented refresh token to rotate.
	RefreshToken *token.Claims

	ClientIP string
}

// TokenResponse is the successful token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Grant is a token endpoint grant.
type Grant interface {
	Type() GrantType

	// ValidateRequest authenticates the client and checks the request
	// without side effects.
	ValidateRequest(ctx context.Context, req *TokenRequest) (*ValidatedGrantRequest, error)

	// RespondToRequest consumes whatever the request redeems and issues tokens.
	RespondToRequest(ctx context.Context, v *ValidatedGrantRequest) (*TokenResponse, error)
}

// AuthorizationGrant is a grant that answers /authorize requests.
type AuthorizationGrant interface {
	Grant

	// ResponseType is the response_type the grant answers, e.g. "code".
	ResponseType() string

	// CompleteAuthorization issues the grant's artifact for an approved
	// request and returns the client redirect.
	CompleteAuthorization(ctx context.Context, req *AuthorizationRequest) (*url.URL, error)
}

type grantFactory func(s *Server) (Grant, error)

var grantFactories = map[GrantType]grantFactory{
	GrantTypeAuthorizationCode: newAuthCodeGrant,
	GrantTypeRefreshToken:      newRefreshTokenGrant,
	GrantTypeImplicit:          newImplicitGrant,
	GrantTypePassword:          newPasswordGrant,
	GrantTypeClientCredentials: newClientCredentialsGrant,
}

func newGrant(gt GrantType, s *Server) (Grant, error) {
	factory, ok := grantFactories[gt]
	if !ok {
		return nil, fmt.Errorf("unknown grant type %q", gt)
	}
	g, err := factory(s)
	if err != nil {
		return nil, fmt.Errorf("grant %s: %w", gt, err)
	}
	return g, nil
}

// Token runs the token endpoint: it dispatches to the grant named by
// req.GrantType, validates, then responds.
func (s *Server) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "oauth.server.token")
	defer span.End()

	if s.Config.ServiceDisabled {
		return nil, ErrTemporarilyUnavailable("The authorization service is disabled")
	}
	if req.GrantType == "" {
		return nil, ErrInvalidRequest("grant_type is required")
	}
	gt := GrantType(req.GrantType)
	g, ok := s.grants[gt]
	if !ok {
		s.metrics.RecordGrantFailure(ctx, req.GrantType, ErrorCodeUnsupportedGrantType)
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("The grant type %q is not supported", req.GrantType))
	}

	v, err := g.ValidateRequest(ctx, req)
	if err == nil {
		var resp *TokenResponse
		resp, err = g.RespondToRequest(ctx, v)
		if err == nil {
			s.metrics.RecordTokenIssued(ctx, req.GrantType, resp.RefreshToken != "", resp.IDToken != "")
			s.Auditor.LogTokenIssued(v.UserID, v.Client.ID, req.GrantType, resp.Scope)
			return resp, nil
		}
	}

	oe := AsOAuthError(err)
	s.metrics.RecordGrantFailure(ctx, req.GrantType, oe.Code)
	if oe.Code == ErrorCodeServerError || oe.Code == ErrorCodeTemporarilyUnavailable {
		s.Logger.Error("Token request failed", "grant_type", req.GrantType, "client_id", req.ClientID, "error", err)
	} else {
		s.Logger.Debug("Token request rejected", "grant_type", req.GrantType, "client_id", req.ClientID, "error", err)
	}
	return nil, oe
}

// ============================================================
// Issuance
// ============================================================

// issueOptions selects the optional tokens of a response.
type issueOptions struct {
	refresh bool
	idToken bool

	// commit runs after every record is saved, typically to consume the
	// code or refresh token being exchanged. When it fails the saved
	// records are revoked and its error is returned as is.
	commit func(context.Context) error
}

// rolled back token ids are logged with this many characters
const tokenIDLogLength = 8

// issue encodes and persists an access token, and optionally a refresh
// token and an ID token. It either saves every record and commits, or
// leaves no usable record behind.
func (s *Server) issue(ctx context.Context, v *ValidatedGrantRequest, opts issueOptions) (*TokenResponse, error) {
	now := s.codec.Now()
	accessExpiry := now.Add(s.Config.AccessTokenTTL)

	at := &storage.AccessToken{
		ID:        storage.NewTokenID(),
		ClientID:  v.Client.ID,
		UserID:    v.UserID,
		Scopes:    slices.Clone(v.Scopes),
		ExpiresAt: accessExpiry,
	}
	rawAccess, err := s.codec.Issue(token.KindAccessToken, &token.Claims{
		ID:        at.ID,
		Subject:   v.UserID,
		ClientID:  v.Client.ID,
		Scopes:    at.Scopes,
		IssuedAt:  now,
		ExpiresAt: accessExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode access token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken: rawAccess,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.Config.AccessTokenTTL / time.Second),
		Scope:       util.FormatScopes(v.Scopes),
	}

	var rt *storage.RefreshToken
	if opts.refresh && s.Config.RefreshTokensEnabled() {
		rt = &storage.RefreshToken{
			ID:            storage.NewTokenID(),
			AccessTokenID: at.ID,
			ClientID:      v.Client.ID,
			UserID:        v.UserID,
			Scopes:        slices.Clone(v.Scopes),
			ExpiresAt:     now.Add(s.Config.RefreshTokenTTL),
		}
		resp.RefreshToken, err = s.codec.Issue(token.KindRefreshToken, &token.Claims{
			ID:            rt.ID,
			AccessTokenID: at.ID,
			Subject:       v.UserID,
			ClientID:      v.Client.ID,
			Scopes:        rt.Scopes,
			IssuedAt:      now,
			ExpiresAt:     rt.ExpiresAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode refresh token: %w", err)
		}
	}

	if opts.idToken && s.wantsIDToken(v) {
		resp.IDToken, err = s.issueIDToken(ctx, v, now)
		if err != nil {
			return nil, err
		}
	}

	if err := s.stores.AccessTokens().SaveAccessToken(ctx, at); err != nil {
		return nil, fmt.Errorf("failed to persist access token: %w", err)
	}
	if rt != nil {
		if err := s.stores.RefreshTokens().SaveRefreshToken(ctx, rt); err != nil {
			s.rollback(ctx, at, nil)
			return nil, fmt.Errorf("failed to persist refresh token: %w", err)
		}
	}
	if opts.commit != nil {
		if err := opts.commit(ctx); err != nil {
			s.rollback(ctx, at, rt)
			return nil, err
		}
	}
	return resp, nil
}

// rollback revokes the records of an issuance that did not complete.
func (s *Server) rollback(ctx context.Context, at *storage.AccessToken, rt *storage.RefreshToken) {
	ctx = context.WithoutCancel(ctx)
	if rt != nil {
		if err := s.stores.RefreshTokens().RevokeRefreshToken(ctx, rt.ID); err != nil {
			s.Logger.Error("Failed to roll back refresh token",
				"token_prefix", util.SafeTruncate(rt.ID, tokenIDLogLength), "error", err)
		}
	}
	if err := s.stores.AccessTokens().RevokeAccessToken(ctx, at.ID); err != nil {
		s.Logger.Error("Failed to roll back access token",
			"token_prefix", util.SafeTruncate(at.ID, tokenIDLogLength), "error", err)
	}
}

func (s *Server) wantsIDToken(v *ValidatedGrantRequest) bool {
	return s.Config.OpenIDConnectEnabled() &&
		v.UserID != "" &&
		slices.Contains(v.Scopes, storage.ScopeOpenID)
}

// issueIDToken signs an ID token carrying the claims released by the
// granted scopes. Without an identity repository only the registered
// claims are included.
func (s *Server) issueIDToken(ctx context.Context, v *ValidatedGrantRequest, now time.Time) (string, error) {
	var extra map[string]any
	if identities := s.stores.Identities(); identities != nil {
		user, err := identities.GetUserByID(ctx, v.UserID)
		switch {
		case errors.Is(err, storage.ErrUserNotFound):
			s.Logger.Warn("No identity for ID token subject", "user_id", v.UserID)
		case err != nil:
			return "", fmt.Errorf("failed to load identity: %w", err)
		default:
			extra = s.claims.Extract(v.Scopes, user.Claims)
		}
	}

	authTime := v.AuthTime
	if authTime.IsZero() {
		authTime = now
	}
	raw, err := s.codec.Issue(token.KindIDToken, &token.Claims{
		ID:        storage.NewTokenID(),
		Subject:   v.UserID,
		ClientID:  v.Client.ID,
		Nonce:     v.Nonce,
		AuthTime:  authTime,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.Config.IDTokenTTL),
		Extra:     extra,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode id token: %w", err)
	}
	return raw, nil
}
