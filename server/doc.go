// Package server implements the authorization server and resource server
// core, independent of HTTP.
//
// The Server type runs:
//   - the token endpoint grants (authorization_code, refresh_token,
//     implicit, password, client_credentials), selected by configuration
//   - the /authorize request state machine with login, consent,
//     auto-approval and authorization events
//   - token revocation (RFC 7009), userinfo and status reporting
//
// Tokens are encoded by the token package and persisted through the
// repositories bound in a storage.Registry. Codes and refresh tokens are
// single use: adapters consume them atomically.
//
// Example usage:
//
//	material, _ := keys.Generate()
//	codec, _ := token.NewCodec(material, token.Config{Issuer: "https://auth.example.com"})
//
//	store := memory.New()
//	reg := storage.NewRegistry()
//	reg.BindAll(store)
//
//	srv, err := server.New(reg, codec, &server.Config{DefaultScope: "openid"}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
