package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-server/token"
)

// Token type hints accepted by Revoke (RFC 7009 section 2.1).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// RevokeRequest is an RFC 7009 revocation request.
type RevokeRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
	ClientIP      string
}

// Revoke invalidates an access or refresh token owned by the
// authenticated client. Tokens that do not parse, are unknown or belong to
// another client are ignored, as the endpoint must not reveal them.
// Revoking a refresh token also revokes the access token it was issued with.
func (s *Server) Revoke(ctx context.Context, req *RevokeRequest) error {
	ctx, span := s.startSpan(ctx, "oauth.server.revoke")
	defer span.End()

	if s.Config.ServiceDisabled {
		return ErrTemporarilyUnavailable("The authorization service is disabled")
	}
	if req.Token == "" {
		return ErrInvalidRequest("token is required")
	}
	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP, false)
	if err != nil {
		return err
	}

	kinds := []token.Kind{token.KindAccessToken, token.KindRefreshToken}
	if req.TokenTypeHint == TokenTypeHintRefreshToken {
		kinds = []token.Kind{token.KindRefreshToken, token.KindAccessToken}
	}

	for _, kind := range kinds {
		if kind == token.KindRefreshToken && s.stores.RefreshTokens() == nil {
			continue
		}
		c, err := s.codec.Parse(kind, req.Token)
		if err != nil && !errors.Is(err, token.ErrExpired) {
			continue
		}
		if c == nil {
			// expired tokens are already unusable
			return nil
		}
		if c.ClientID != client.ID {
			s.Logger.Debug("Ignoring revocation of a token owned by another client", "client_id", client.ID)
			return nil
		}
		return s.revoke(ctx, kind, c, client.ID, req.ClientIP)
	}
	return nil
}

func (s *Server) revoke(ctx context.Context, kind token.Kind, c *token.Claims, clientID, clientIP string) error {
	switch kind {
	case token.KindAccessToken:
		if err := s.stores.AccessTokens().RevokeAccessToken(ctx, c.ID); err != nil {
			return fmt.Errorf("failed to revoke access token: %w", err)
		}
	case token.KindRefreshToken:
		if err := s.stores.RefreshTokens().RevokeRefreshToken(ctx, c.ID); err != nil {
			return fmt.Errorf("failed to revoke refresh token: %w", err)
		}
		if c.AccessTokenID != "" {
			if err := s.stores.AccessTokens().RevokeAccessToken(ctx, c.AccessTokenID); err != nil {
				return fmt.Errorf("failed to revoke access token: %w", err)
			}
		}
	}
	s.metrics.RecordTokenRevocation(ctx, kind.String())
	s.Auditor.LogTokenRevoked(clientID, clientIP, kind.String())
	return nil
}
