package server

import "time"

// ExtensionOpenIDConnect is the status label of the OIDC extension.
const ExtensionOpenIDConnect = "OpenID Connect"

// TokenTTLSeconds reports configured lifetimes per token kind.
type TokenTTLSeconds struct {
	AuthorizationCode int64 `json:"authorization_code"`
	AccessToken       int64 `json:"access_token"`
	RefreshToken      int64 `json:"refresh_token"`
	IDToken           int64 `json:"id_token"`
}

// Status is the body of the status endpoint.
type Status struct {
	ServiceStatus         string          `json:"service_status"`
	GrantTypes            []GrantType     `json:"grant_types"`
	Extensions            []string        `json:"extensions"`
	RefreshTokensEnabled  bool            `json:"refresh_tokens_enabled"`
	TokenTTLSeconds       TokenTTLSeconds `json:"token_ttl_seconds"`
	ClientRegistrationURL string          `json:"client_registration_url,omitempty"`
}

// Status describes the running configuration.
func (s *Server) Status() *Status {
	st := &Status{
		ServiceStatus:         "enabled",
		GrantTypes:            s.GrantTypes(),
		Extensions:            []string{},
		RefreshTokensEnabled:  s.Config.RefreshTokensEnabled(),
		ClientRegistrationURL: s.Config.ClientRegistrationURL,
		TokenTTLSeconds: TokenTTLSeconds{
			AuthorizationCode: seconds(s.Config.AuthorizationCodeTTL),
			AccessToken:       seconds(s.Config.AccessTokenTTL),
			RefreshToken:      seconds(s.Config.RefreshTokenTTL),
			IDToken:           seconds(s.Config.IDTokenTTL),
		},
	}
	if s.Config.ServiceDisabled {
		st.ServiceStatus = "disabled"
	}
	if s.Config.OpenIDConnectEnabled() {
		st.Extensions = append(st.Extensions, ExtensionOpenIDConnect)
	}
	return st
}

func seconds(d time.Duration) int64 { return int64(d / time.Second) }
