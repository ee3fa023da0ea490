package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-server/storage"
)

// UserInfo returns the OIDC claims the token's scopes release for its
// user. The token must carry the openid scope.
func (s *Server) UserInfo(ctx context.Context, user *ResourceUser) (map[string]any, error) {
	if !s.Config.OpenIDConnectEnabled() {
		return nil, ErrAccessDenied("OpenID Connect is disabled")
	}
	if err := RequireScopes(user, storage.ScopeOpenID); err != nil {
		return nil, err
	}
	if user.UserID == "" {
		return nil, ErrAccessDenied("The access token has no end user")
	}

	var raw map[string]any
	if identities := s.stores.Identities(); identities != nil {
		u, err := identities.GetUserByID(ctx, user.UserID)
		switch {
		case errors.Is(err, storage.ErrUserNotFound):
			return nil, ErrAccessDenied("Unknown user")
		case err != nil:
			return nil, fmt.Errorf("failed to load identity: %w", err)
		}
		raw = u.Claims
	}
	return s.claims.UserInfo(user.UserID, user.ClientID, user.Scopes, raw), nil
}
