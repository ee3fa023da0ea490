package server

import (
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// Default token lifetimes.
const (
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultAccessTokenTTL       = time.Hour
	DefaultRefreshTokenTTL      = 90 * 24 * time.Hour
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL). It must match the
	// issuer of the token codec.
	Issuer string

	// GrantTypes lists the enabled grants. Unknown names fail New.
	// Default: authorization_code, refresh_token
	GrantTypes []GrantType

	// DefaultScope is applied when a request carries no scope, e.g. "openid".
	// Empty means a scope is mandatory.
	DefaultScope string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL time.Duration // default: 10 minutes

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL time.Duration // default: 1 hour

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL time.Duration // default: 90 days

	// IDTokenTTL is how long ID tokens are valid
	IDTokenTTL time.Duration // default: AccessTokenTTL

	// DisableRefreshTokens stops refresh tokens from being issued even when
	// the refresh_token grant is enabled.
	DisableRefreshTokens bool

	// DisableRefreshTokenRevocation keeps a refresh token usable after it has
	// been exchanged. Rotation still hands out a new token.
	// WARNING: a leaked refresh token stays valid until it expires.
	DisableRefreshTokenRevocation bool

	// DisableOpenIDConnect turns off ID tokens, userinfo and discovery.
	DisableOpenIDConnect bool

	// RequirePKCE makes code_challenge mandatory for response_type=code.
	RequirePKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	AllowPKCEPlain bool

	// ServiceDisabled makes every endpoint answer temporarily_unavailable.
	ServiceDisabled bool

	// ClientRegistrationURL is advertised on the status endpoint.
	ClientRegistrationURL string

	// EventHandlers are notified of authorization events in order.
	EventHandlers []EventHandler
}

// DefaultGrantTypes is used when Config.GrantTypes is empty.
func DefaultGrantTypes() []GrantType {
	return []GrantType{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
}

// HasGrant reports whether g is enabled.
func (c *Config) HasGrant(g GrantType) bool {
	return slices.Contains(c.GrantTypes, g)
}

// RefreshTokensEnabled reports whether grants hand out refresh tokens.
func (c *Config) RefreshTokensEnabled() bool {
	return !c.DisableRefreshTokens && c.HasGrant(GrantTypeRefreshToken)
}

// OpenIDConnectEnabled reports whether the OIDC extension is on.
func (c *Config) OpenIDConnectEnabled() bool {
	return !c.DisableOpenIDConnect
}

// applySecureDefaults fills in zero values and logs warnings for weakened
// settings.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)

	if len(config.GrantTypes) == 0 {
		config.GrantTypes = DefaultGrantTypes()
	}

	logSecurityWarnings(config, logger)

	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = config.AccessTokenTTL
	}
}

// validate rejects configurations that cannot work.
func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	for name, ttl := range map[string]time.Duration{
		"authorization code": c.AuthorizationCodeTTL,
		"access token":       c.AccessTokenTTL,
		"refresh token":      c.RefreshTokenTTL,
		"id token":           c.IDTokenTTL,
	} {
		if ttl < time.Second {
			return fmt.Errorf("%s TTL must be at least one second, got %s", name, ttl)
		}
	}
	return nil
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.RefreshTokensEnabled() && config.DisableRefreshTokenRevocation {
		logger.Warn("SECURITY WARNING: Refresh tokens are not revoked after use",
			"risk", "Stolen refresh tokens remain usable until they expire",
			"recommendation", "Leave DisableRefreshTokenRevocation unset")
	}
	if config.HasGrant(GrantTypeImplicit) {
		logger.Warn("SECURITY WARNING: Implicit grant is ENABLED",
			"risk", "Access tokens are exposed in the browser history and referrer",
			"recommendation", "Use authorization_code with PKCE instead")
	}
	if config.HasGrant(GrantTypePassword) {
		logger.Warn("SECURITY NOTICE: Password grant is ENABLED",
			"risk", "Clients handle end-user credentials directly",
			"recommendation", "Restrict to first-party clients")
	}
}
