package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/token"
)

type authCodeGrant struct {
	s     *Server
	codes storage.AuthCodeStore
}

func newAuthCodeGrant(s *Server) (Grant, error) {
	if err := s.stores.Require(storage.RoleAuthCode); err != nil {
		return nil, err
	}
	return &authCodeGrant{s: s, codes: s.stores.AuthCodes()}, nil
}

func (g *authCodeGrant) Type() GrantType { return GrantTypeAuthorizationCode }

func (g *authCodeGrant) ResponseType() string { return "code" }

func (g *authCodeGrant) ValidateRequest(ctx context.Context, req *TokenRequest) (*ValidatedGrantRequest, error) {
	s := g.s
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if req.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP, false)
	if err != nil {
		return nil, err
	}

	code, err := s.codec.Parse(token.KindAuthCode, req.Code)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrInvalidGrant("Authorization code has expired")
		}
		s.Logger.Debug("Authorization code rejected", "client_id", client.ID, "reason", err)
		return nil, ErrInvalidGrant("Cannot decrypt the authorization code")
	}

	if code.ClientID != client.ID {
		s.Auditor.LogAuthFailure(code.Subject, client.ID, req.ClientIP, "code_client_mismatch")
		return nil, ErrInvalidGrant("Authorization code was not issued to this client")
	}
	if code.RedirectURI != req.RedirectURI {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			UserID:    code.Subject,
			ClientID:  client.ID,
			IPAddress: req.ClientIP,
		})
		return nil, ErrInvalidGrant("Invalid redirect URI")
	}

	revoked, err := g.codes.IsAuthCodeRevoked(ctx, code.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check authorization code: %w", err)
	}
	if revoked {
		g.logReplay(code, req.ClientIP)
		return nil, ErrInvalidGrant("Authorization code has been revoked")
	}

	if err := validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			UserID:    code.Subject,
			ClientID:  client.ID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"reason": err.Error()},
		})
		return nil, ErrInvalidGrant("Failed to verify code_verifier")
	}

	scopes, err := narrowScopes(code.Scopes, req.Scope)
	if err != nil {
		return nil, err
	}

	return &ValidatedGrantRequest{
		Grant:    GrantTypeAuthorizationCode,
		Client:   client,
		UserID:   code.Subject,
		Scopes:   scopes,
		Nonce:    code.Nonce,
		AuthTime: code.AuthTime,
		CodeID:   code.ID,
		ClientIP: req.ClientIP,
	}, nil
}

func (g *authCodeGrant) RespondToRequest(ctx context.Context, v *ValidatedGrantRequest) (*TokenResponse, error) {
	return g.s.issue(ctx, v, issueOptions{
		refresh: true,
		idToken: true,
		// the code is spent only once the tokens it buys are saved
		commit: func(ctx context.Context) error {
			err := g.codes.ConsumeAuthCode(ctx, v.CodeID)
			switch {
			case errors.Is(err, storage.ErrRevoked), errors.Is(err, storage.ErrAuthCodeNotFound):
				g.logReplay(&token.Claims{ID: v.CodeID, Subject: v.UserID, ClientID: v.Client.ID}, v.ClientIP)
				return ErrInvalidGrant("Authorization code has been revoked")
			case err != nil:
				return fmt.Errorf("failed to consume authorization code: %w", err)
			}
			return nil
		},
	})
}

func (g *authCodeGrant) logReplay(code *token.Claims, clientIP string) {
	g.s.Logger.Warn("Authorization code replay", "client_id", code.ClientID)
	g.s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeReplay,
		UserID:    code.Subject,
		ClientID:  code.ClientID,
		IPAddress: clientIP,
	})
}

// CompleteAuthorization stores and seals a code for an approved request and
// returns the redirect carrying code and state in the query.
func (g *authCodeGrant) CompleteAuthorization(ctx context.Context, req *AuthorizationRequest) (*url.URL, error) {
	s := g.s
	now := s.codec.Now()

	record := &storage.AuthorizationCode{
		ID:          storage.NewTokenID(),
		ClientID:    req.Client.ID,
		UserID:      req.UserID,
		RedirectURI: req.RedirectURI,
		Scopes:      req.ScopeIDs(),
		ExpiresAt:   now.Add(s.Config.AuthorizationCodeTTL),
	}
	raw, err := s.codec.Issue(token.KindAuthCode, &token.Claims{
		ID:                  record.ID,
		Subject:             record.UserID,
		ClientID:            record.ClientID,
		Scopes:              record.Scopes,
		RedirectURI:         record.RedirectURI,
		Nonce:               req.Nonce,
		AuthTime:            req.AuthTime,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		IssuedAt:            now,
		ExpiresAt:           record.ExpiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode authorization code: %w", err)
	}
	if err := g.codes.SaveAuthCode(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to persist authorization code: %w", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		UserID:   req.UserID,
		ClientID: req.Client.ID,
	})

	params := url.Values{"code": {raw}}
	if req.ClientState != "" {
		params.Set("state", req.ClientState)
	}
	return buildRedirect(req.RedirectURI, params, false)
}

// buildRedirect appends params to redirectURI.
func buildRedirect(redirectURI string, params url.Values, fragment bool) (*url.URL, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect uri: %w", err)
	}
	appendParams(u, params, fragment)
	return u, nil
}
