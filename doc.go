// Package oauth serves an OAuth 2.0 authorization server with the OpenID
// Connect extension over HTTP.
//
// The protocol logic lives in the server package; this package parses
// requests, resolves the browser session, renders the consent page and
// writes responses. Routes:
//
//	GET  /                                  301 to /authorize, query kept
//	GET  /authorize, POST /authorize        authorization endpoint and consent
//	POST /token, POST /access_token         token endpoint
//	POST /revoke                            RFC 7009 revocation
//	GET  /userinfo                          OIDC userinfo (CORS: any origin)
//	GET  /status, /status.json              configuration report, JSON only
//	GET  /.well-known/jwks.json             signing keys
//	GET  /.well-known/openid-configuration  discovery
//
// Example:
//
//	h, err := oauth.New(oauth.Options{
//	    Stores: registry,
//	    Codec:  codec,
//	    Server: &server.Config{DefaultScope: "openid"},
//	    HTTP: &oauth.Config{
//	        LoginURL: "https://app.example.com/login",
//	        Sessions: oauth.HeaderSession("X-Forwarded-User"),
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close()
//
//	api := chi.NewRouter()
//	api.With(h.RequireBearer("email")).Get("/me", meHandler)
//
//	mux := http.NewServeMux()
//	mux.Handle("/", h.Router())
package oauth
