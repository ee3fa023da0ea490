package oauth

import (
	"net/http"

	"github.com/giantswarm/oauth-server/storage"
)

const corsMaxAge = "3600"

// setUserInfoCORS allows any origin. userinfo is authenticated by bearer
// token only, never by cookies.
func setUserInfoCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	h.Set("Access-Control-Max-Age", corsMaxAge)
}

// ServeUserInfo handles the OIDC userinfo endpoint. The token must carry
// the openid scope; the response holds the claims its scopes release.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	setUserInfoCORS(w)

	if h.config.Endpoints.UserinfoDisabled {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodPost:
	default:
		w.Header().Set("Allow", "GET, POST, OPTIONS")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	user, err := h.server.Resource().Validate(ctx, r.Header.Get("Authorization"))
	if err != nil {
		h.writeError(w, r, err, tokenTypeBearer)
		return
	}

	info, err := h.server.UserInfo(ctx, user)
	if err != nil {
		h.writeError(w, r, err, tokenTypeBearer, "scope", storage.ScopeOpenID)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}
