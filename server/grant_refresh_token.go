package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/token"
)

type refreshTokenGrant struct {
	s      *Server
	tokens storage.RefreshTokenStore
}

func newRefreshTokenGrant(s *Server) (Grant, error) {
	if err := s.stores.Require(storage.RoleRefreshToken); err != nil {
		return nil, err
	}
	return &refreshTokenGrant{s: s, tokens: s.stores.RefreshTokens()}, nil
}

func (g *refreshTokenGrant) Type() GrantType { return GrantTypeRefreshToken }

func (g *refreshTokenGrant) ValidateRequest(ctx context.Context, req *TokenRequest) (*ValidatedGrantRequest, error) {
	s := g.s
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP, false)
	if err != nil {
		return nil, err
	}

	rt, err := s.codec.Parse(token.KindRefreshToken, req.RefreshToken)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrInvalidGrant("Token has expired")
		}
		return nil, ErrInvalidGrant("Cannot decrypt the refresh token")
	}
	if rt.ClientID != client.ID {
		s.Auditor.LogAuthFailure(rt.Subject, client.ID, req.ClientIP, "refresh_token_client_mismatch")
		return nil, ErrInvalidGrant("Token is not linked to client")
	}

	revoked, err := g.tokens.IsRefreshTokenRevoked(ctx, rt.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check refresh token: %w", err)
	}
	if revoked {
		g.logReplay(rt, req.ClientIP)
		return nil, ErrInvalidGrant("Token has been revoked")
	}

	scopes, err := narrowScopes(rt.Scopes, req.Scope)
	if err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventScopeEscalationAttempt,
			UserID:    rt.Subject,
			ClientID:  client.ID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"requested": req.Scope},
		})
		return nil, err
	}

	return &ValidatedGrantRequest{
		Grant:        GrantTypeRefreshToken,
		Client:       client,
		UserID:       rt.Subject,
		Scopes:       scopes,
		RefreshToken: rt,
		ClientIP:     req.ClientIP,
	}, nil
}

// RespondToRequest saves the new pair before consuming the presented refresh
// token, so a storage failure leaves the old pair usable. The consume stays
// the arbiter between concurrent exchanges: the loser's new pair is revoked.
func (g *refreshTokenGrant) RespondToRequest(ctx context.Context, v *ValidatedGrantRequest) (*TokenResponse, error) {
	s := g.s
	rotated := !s.Config.DisableRefreshTokenRevocation

	opts := issueOptions{refresh: true}
	if rotated {
		opts.commit = func(ctx context.Context) error {
			_, err := g.tokens.ConsumeRefreshToken(ctx, v.RefreshToken.ID)
			switch {
			case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrRevoked):
				g.logReplay(v.RefreshToken, v.ClientIP)
				return ErrInvalidGrant("Token has been revoked")
			case err != nil:
				return fmt.Errorf("failed to consume refresh token: %w", err)
			}
			return nil
		}
	}

	resp, err := s.issue(ctx, v, opts)
	if err != nil {
		return nil, err
	}

	if rotated && v.RefreshToken.AccessTokenID != "" {
		if err := s.stores.AccessTokens().RevokeAccessToken(ctx, v.RefreshToken.AccessTokenID); err != nil {
			s.Logger.Warn("Failed to revoke access token of rotated refresh token",
				"client_id", v.Client.ID, "error", err)
		}
	}
	s.Auditor.LogTokenRefreshed(v.UserID, v.Client.ID, rotated)
	return resp, nil
}

func (g *refreshTokenGrant) logReplay(rt *token.Claims, clientIP string) {
	g.s.Logger.Warn("Refresh token replay", "client_id", rt.ClientID)
	g.s.Auditor.LogEvent(security.Event{
		Type:      security.EventRefreshTokenReplay,
		UserID:    rt.Subject,
		ClientID:  rt.ClientID,
		IPAddress: clientIP,
	})
}
