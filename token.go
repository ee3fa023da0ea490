package oauth

import (
	"net/http"
	"net/url"

	"github.com/giantswarm/oauth-server/server"
)

// clientAuth is the client identity presented on a token endpoint request.
type clientAuth struct {
	id     string
	secret string
	basic  bool
}

// challenge is the WWW-Authenticate scheme for invalid_client responses.
func (c clientAuth) challenge() string {
	if c.basic {
		return challengeBasic
	}
	return tokenTypeBearer
}

// parseClientAuth reads client credentials from HTTP Basic auth
// (form-urlencoded per RFC 6749 section 2.3.1) or from the form body.
// The form must already be parsed.
func parseClientAuth(r *http.Request) (clientAuth, error) {
	formID := r.PostForm.Get("client_id")

	user, pass, ok := r.BasicAuth()
	if !ok {
		return clientAuth{id: formID, secret: r.PostForm.Get("client_secret")}, nil
	}

	id, err := url.QueryUnescape(user)
	if err != nil {
		return clientAuth{}, ErrInvalidRequest("Malformed client credentials")
	}
	secret, err := url.QueryUnescape(pass)
	if err != nil {
		return clientAuth{}, ErrInvalidRequest("Malformed client credentials")
	}
	if formID != "" && formID != id {
		return clientAuth{}, ErrInvalidRequest("client_id does not match the authenticated client")
	}
	if r.PostForm.Get("client_secret") != "" {
		return clientAuth{}, ErrInvalidRequest("Only one client authentication method may be used")
	}
	return clientAuth{id: id, secret: secret, basic: true}, nil
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return ErrInvalidRequest("Failed to parse request")
	}
	return nil
}

// ServeToken handles POST /token and POST /access_token.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(w, r); err != nil {
		h.writeError(w, r, err, tokenTypeBearer)
		return
	}
	client, err := parseClientAuth(r)
	if err != nil {
		h.writeError(w, r, err, tokenTypeBearer)
		return
	}

	form := r.PostForm
	resp, err := h.server.Token(r.Context(), &server.TokenRequest{
		GrantType:    form.Get("grant_type"),
		ClientID:     client.id,
		ClientSecret: client.secret,
		Code:         form.Get("code"),
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),
		RefreshToken: form.Get("refresh_token"),
		Username:     form.Get("username"),
		Password:     form.Get("password"),
		Scope:        form.Get("scope"),
		ClientIP:     h.ips.ClientIP(r),
	})
	if err != nil {
		h.writeError(w, r, err, client.challenge())
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRevocation handles POST /revoke (RFC 7009). Unknown tokens and
// tokens of other clients are answered with 200 like revoked ones.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	if err := h.parseForm(w, r); err != nil {
		h.writeError(w, r, err, tokenTypeBearer)
		return
	}
	client, err := parseClientAuth(r)
	if err != nil {
		h.writeError(w, r, err, tokenTypeBearer)
		return
	}

	err = h.server.Revoke(r.Context(), &server.RevokeRequest{
		Token:         r.PostForm.Get("token"),
		TokenTypeHint: r.PostForm.Get("token_type_hint"),
		ClientID:      client.id,
		ClientSecret:  client.secret,
		ClientIP:      h.ips.ClientIP(r),
	})
	if err != nil {
		h.writeError(w, r, err, client.challenge())
		return
	}
	w.WriteHeader(http.StatusOK)
}
