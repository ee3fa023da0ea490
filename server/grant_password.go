package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-server/storage"
)

// passwordGrant is the resource owner password credentials grant.
type passwordGrant struct {
	s     *Server
	users storage.UserStore
}

func newPasswordGrant(s *Server) (Grant, error) {
	if err := s.stores.Require(storage.RoleUser); err != nil {
		return nil, fmt.Errorf("password grant needs a user repository: %w", err)
	}
	return &passwordGrant{s: s, users: s.stores.Users()}, nil
}

func (g *passwordGrant) Type() GrantType { return GrantTypePassword }

func (g *passwordGrant) ValidateRequest(ctx context.Context, req *TokenRequest) (*ValidatedGrantRequest, error) {
	s := g.s
	if req.Username == "" {
		return nil, ErrInvalidRequest("username is required")
	}
	if req.Password == "" {
		return nil, ErrInvalidRequest("password is required")
	}

	client, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP, false)
	if err != nil {
		return nil, err
	}

	scopes, err := s.resolveScopes(ctx, client, req.Scope)
	if err != nil {
		return nil, err
	}

	user, err := g.users.GetUserByCredentials(ctx, req.Username, req.Password)
	if errors.Is(err, storage.ErrInvalidCredentials) {
		s.Auditor.LogAuthFailure("", client.ID, req.ClientIP, "invalid_user_credentials")
		return nil, ErrInvalidGrant("The user credentials were incorrect")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to verify user credentials: %w", err)
	}

	return &ValidatedGrantRequest{
		Grant:    GrantTypePassword,
		Client:   client,
		UserID:   user.ID,
		Scopes:   scopeIDs(scopes),
		AuthTime: s.codec.Now(),
		ClientIP: req.ClientIP,
	}, nil
}

func (g *passwordGrant) RespondToRequest(ctx context.Context, v *ValidatedGrantRequest) (*TokenResponse, error) {
	return g.s.issue(ctx, v, issueOptions{refresh: true, idToken: true})
}
