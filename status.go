package oauth

import (
	"mime"
	"net/http"
	"strings"
)

// ServeStatus reports the running configuration as JSON. Only JSON is
// served: the path must end in .json or the client must accept
// application/json.
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	if h.config.Endpoints.StatusDisabled {
		h.writeError(w, r, ErrTemporarilyUnavailable("The status endpoint is disabled"), tokenTypeBearer)
		return
	}
	if !wantsJSON(r) {
		http.NotFound(w, r)
		return
	}
	h.writeJSON(w, http.StatusOK, h.server.Status())
}

func wantsJSON(r *http.Request) bool {
	if strings.HasSuffix(r.URL.Path, ".json") {
		return true
	}
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mediaType == "application/json" {
			return true
		}
	}
	return false
}
