package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/giantswarm/oauth-server/claims"
	"github.com/giantswarm/oauth-server/server"
)

// Cache-Control max-age for the JWKS and discovery documents (1 hour).
const discoveryCacheMaxAge = 3600

// idTokenClaims are the claims every ID token may carry besides the
// scope-released ones.
var idTokenClaims = []string{claims.Subject, claims.Audience, "iss", "exp", "iat", "auth_time", "nonce"}

func setCacheable(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", discoveryCacheMaxAge))
	w.Header().Del("Pragma")
}

// ServeJWKS handles GET /.well-known/jwks.json with the public signing key.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	data, err := json.Marshal(h.server.Codec().JWKS())
	if err != nil {
		h.writeError(w, r, fmt.Errorf("failed to encode JWKS: %w", err), tokenTypeBearer)
		return
	}
	setCacheable(w)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// ServeOpenIDConfiguration handles GET /.well-known/openid-configuration.
// It is only served while the OpenID Connect extension is enabled.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	if !h.server.Config.OpenIDConnectEnabled() {
		http.NotFound(w, r)
		return
	}
	setCacheable(w)
	h.writeJSON(w, http.StatusOK, h.providerMetadata(r))
}

func (h *Handler) providerMetadata(r *http.Request) *ProviderMetadata {
	cfg := h.server.Config
	md := &ProviderMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             h.endpoint("/authorize"),
		TokenEndpoint:                     h.endpoint("/token"),
		JWKSURI:                           h.endpoint("/.well-known/jwks.json"),
		RevocationEndpoint:                h.endpoint("/revoke"),
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{h.server.Codec().SigningAlgorithm()},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		ResponseTypesSupported:            []string{},
	}
	if !h.config.Endpoints.UserinfoDisabled {
		md.UserinfoEndpoint = h.endpoint("/userinfo")
	}
	if cfg.AllowPKCEPlain {
		md.CodeChallengeMethodsSupported = append(md.CodeChallengeMethodsSupported, "plain")
	}

	for _, gt := range h.server.GrantTypes() {
		md.GrantTypesSupported = append(md.GrantTypesSupported, string(gt))
		switch gt {
		case server.GrantTypeAuthorizationCode:
			md.ResponseTypesSupported = append(md.ResponseTypesSupported, "code")
		case server.GrantTypeImplicit:
			md.ResponseTypesSupported = append(md.ResponseTypesSupported, "token")
		}
	}

	scopes, err := h.server.Stores().Scopes().ListScopes(r.Context())
	if err != nil {
		h.logger.Warn("Failed to list scopes for discovery", "error", err)
	}
	for _, sc := range scopes {
		md.ScopesSupported = append(md.ScopesSupported, sc.ID)
	}

	md.ClaimsSupported = slices.Clone(idTokenClaims)
	for _, set := range h.server.ClaimsExtractor().ClaimSets() {
		for _, c := range set.Claims {
			if !slices.Contains(md.ClaimsSupported, c) {
				md.ClaimsSupported = append(md.ClaimsSupported, c)
			}
		}
	}
	return md
}
