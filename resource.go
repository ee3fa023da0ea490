package oauth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/giantswarm/oauth-server/internal/util"
	"github.com/giantswarm/oauth-server/server"
)

type resourceUserKey struct{}

// ContextWithResourceUser returns ctx carrying user.
func ContextWithResourceUser(ctx context.Context, user *server.ResourceUser) context.Context {
	return context.WithValue(ctx, resourceUserKey{}, user)
}

// ResourceUserFromContext returns the identity stored by RequireBearer.
func ResourceUserFromContext(ctx context.Context) (*server.ResourceUser, bool) {
	user, ok := ctx.Value(resourceUserKey{}).(*server.ResourceUser)
	return user, ok && user != nil
}

// RequireBearer protects a resource with this server's access tokens.
// Requests need a valid bearer token holding every scope.
func (h *Handler) RequireBearer(scopes ...string) func(http.Handler) http.Handler {
	return BearerMiddleware(h.server.Resource(), h.logger, scopes...)
}

// BearerMiddleware protects a resource with rs. It is the building block
// for resource servers that run apart from the authorization server.
// Missing or bad tokens get 401, missing scopes 403 (RFC 6750).
func BearerMiddleware(rs *server.ResourceServer, logger *slog.Logger, scopes ...string) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	var challenge []string
	if len(scopes) > 0 {
		challenge = []string{"scope", util.FormatScopes(scopes)}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := rs.Validate(r.Context(), r.Header.Get("Authorization"))
			if err == nil {
				err = server.RequireScopes(user, scopes...)
			}
			if err != nil {
				oe := AsOAuthError(err)
				if oe.Status >= http.StatusInternalServerError {
					logger.Error("Bearer validation failed", "error", oe.Error())
				}
				renderError(w, oe, tokenTypeBearer, challenge...)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithResourceUser(r.Context(), user)))
		})
	}
}
