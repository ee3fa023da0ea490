package oauth

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/giantswarm/oauth-server/security"
)

// Config holds the HTTP handler configuration. Protocol settings such as
// grants and token lifetimes live in server.Config.
type Config struct {
	// LoginURL is where users without a session are sent. The original
	// authorize URL is passed in the "redirect" query parameter. Empty
	// means unauthenticated authorize requests get a 401.
	LoginURL string

	// Sessions resolves the logged-in user of a browser request.
	// Default: no session support, every user must log in.
	Sessions SessionResolver

	// Approval renders the consent page. Default: built-in HTML template.
	Approval ApprovalRenderer

	// Endpoints switches optional endpoints off.
	Endpoints EndpointConfig

	// RateLimit limits the token and revocation endpoints per client IP.
	RateLimit RateLimitConfig

	// CSRFKey authenticates approval form submissions. When empty a
	// random key is generated, which breaks pending consent pages across
	// restarts and replicas.
	CSRFKey []byte

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// EndpointConfig disables optional endpoints.
type EndpointConfig struct {
	StatusDisabled        bool
	IndexRedirectDisabled bool
	UserinfoDisabled      bool
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerSecond allowed per IP. Zero disables limiting.
	RequestsPerSecond float64

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries bounds the number of tracked IPs.
	MaxEntries int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the
	// server. Zero means one.
	TrustedProxyCount int
}

// Enabled reports whether rate limiting is on.
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerSecond > 0
}

func (c RateLimitConfig) limiterConfig() security.RateLimitConfig {
	burst := c.Burst
	if burst <= 0 {
		burst = max(int(c.RequestsPerSecond), 1)
	}
	return security.RateLimitConfig{
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             burst,
		MaxEntries:        c.MaxEntries,
	}
}

func (c RateLimitConfig) ipResolver() security.ClientIPResolver {
	return security.ClientIPResolver{TrustProxy: c.TrustProxy, TrustedProxyCount: c.TrustedProxyCount}
}

const csrfKeySize = 32

// applyDefaults fills in optional collaborators and validates the rest.
func (c *Config) applyDefaults() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Sessions == nil {
		c.Sessions = noSessions{}
	}
	if c.Approval == nil {
		c.Approval = DefaultApprovalRenderer()
	}
	if c.LoginURL != "" {
		u, err := url.Parse(c.LoginURL)
		if err != nil {
			return fmt.Errorf("invalid login URL: %w", err)
		}
		if u.Fragment != "" {
			return fmt.Errorf("login URL must not contain a fragment")
		}
	}
	if len(c.CSRFKey) == 0 {
		c.CSRFKey = make([]byte, csrfKeySize)
		if _, err := rand.Read(c.CSRFKey); err != nil {
			return fmt.Errorf("failed to generate CSRF key: %w", err)
		}
		c.Logger.Warn("No CSRF key configured, using a random key; approval pages will not survive restarts")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}
