package server

import (
	"context"
)

// clientCredentialsGrant issues tokens to confidential clients acting on
// their own behalf. Tokens have no subject and no refresh token.
type clientCredentialsGrant struct {
	s *Server
}

func newClientCredentialsGrant(s *Server) (Grant, error) {
	return &clientCredentialsGrant{s: s}, nil
}

func (g *clientCredentialsGrant) Type() GrantType { return GrantTypeClientCredentials }

func (g *clientCredentialsGrant) ValidateRequest(ctx context.Context, req *TokenRequest) (*ValidatedGrantRequest, error) {
	client, err := g.s.authenticateClient(ctx, req.ClientID, req.ClientSecret, req.ClientIP, true)
	if err != nil {
		return nil, err
	}
	scopes, err := g.s.resolveScopes(ctx, client, req.Scope)
	if err != nil {
		return nil, err
	}
	return &ValidatedGrantRequest{
		Grant:    GrantTypeClientCredentials,
		Client:   client,
		Scopes:   scopeIDs(scopes),
		ClientIP: req.ClientIP,
	}, nil
}

func (g *clientCredentialsGrant) RespondToRequest(ctx context.Context, v *ValidatedGrantRequest) (*TokenResponse, error) {
	return g.s.issue(ctx, v, issueOptions{})
}
