package server

import (
	"context"
	"net/url"
	"strconv"
)

// implicitGrant answers response_type=token. It has no token endpoint
// flow and never issues refresh tokens.
type implicitGrant struct {
	s *Server
}

func newImplicitGrant(s *Server) (Grant, error) {
	return &implicitGrant{s: s}, nil
}

func (g *implicitGrant) Type() GrantType { return GrantTypeImplicit }

func (g *implicitGrant) ResponseType() string { return "token" }

func (g *implicitGrant) ValidateRequest(context.Context, *TokenRequest) (*ValidatedGrantRequest, error) {
	return nil, ErrUnsupportedGrantType("The implicit grant is not available at the token endpoint")
}

func (g *implicitGrant) RespondToRequest(context.Context, *ValidatedGrantRequest) (*TokenResponse, error) {
	return nil, ErrUnsupportedGrantType("The implicit grant is not available at the token endpoint")
}

// CompleteAuthorization issues an access token and returns it in the
// redirect fragment.
func (g *implicitGrant) CompleteAuthorization(ctx context.Context, req *AuthorizationRequest) (*url.URL, error) {
	resp, err := g.s.issue(ctx, &ValidatedGrantRequest{
		Grant:    GrantTypeImplicit,
		Client:   req.Client,
		UserID:   req.UserID,
		Scopes:   req.ScopeIDs(),
		AuthTime: req.AuthTime,
	}, issueOptions{})
	if err != nil {
		return nil, err
	}
	g.s.metrics.RecordTokenIssued(ctx, string(GrantTypeImplicit), false, false)
	g.s.Auditor.LogTokenIssued(req.UserID, req.Client.ID, string(GrantTypeImplicit), resp.Scope)

	params := url.Values{
		"access_token": {resp.AccessToken},
		"token_type":   {resp.TokenType},
		"expires_in":   {strconv.FormatInt(resp.ExpiresIn, 10)},
		"scope":        {resp.Scope},
	}
	if req.ClientState != "" {
		params.Set("state", req.ClientState)
	}
	return buildRedirect(req.RedirectURI, params, true)
}
