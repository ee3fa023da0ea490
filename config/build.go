package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	oauth "github.com/giantswarm/oauth-server"
	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/keys"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/server"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/storage/memory"
	"github.com/giantswarm/oauth-server/storage/redis"
	"github.com/giantswarm/oauth-server/storage/sqlite"
	"github.com/giantswarm/oauth-server/token"
)

// Sub-key purposes derived from the configured encryption key.
const (
	purposeUserClaims   = "user-claims"
	purposeApprovalCSRF = "approval-csrf"
)

// DefaultPurgeInterval is how often the sqlite backend drops expired rows.
const DefaultPurgeInterval = 10 * time.Minute

// Runtime holds every component built from a Config. Close releases them.
type Runtime struct {
	Material        *keys.Material
	Stores          *storage.Registry
	Codec           *token.Codec
	Instrumentation *instrumentation.Instrumentation
	Auditor         *security.Auditor
	Server          *server.Config
	HTTP            *oauth.Config

	// SQLite is set when any role is bound to the sqlite backend.
	SQLite *sqlite.Store

	logger  *slog.Logger
	closers []func(context.Context) error
}

// Build loads key material, opens the storage backends and derives the
// server and handler configuration.
func Build(ctx context.Context, cfg *Config, version string, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{logger: logger}

	material, err := keys.Load(keys.Source{
		PrivateKeyPath: cfg.Path(cfg.Keys.PrivateKeyPath),
		PublicKeyPath:  cfg.Path(cfg.Keys.PublicKeyPath),
		Passphrase:     cfg.Keys.Passphrase,
		EncryptionKey:  cfg.Keys.EncryptionKey,
	})
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	rt.Material = material

	inst, err := instrumentation.New(cfg.Telemetry.instrumentation(version))
	if err != nil {
		return nil, fmt.Errorf("create instrumentation: %w", err)
	}
	rt.Instrumentation = inst
	rt.closers = append(rt.closers, inst.Shutdown)

	rt.Auditor = security.NewAuditor(logger, cfg.Audit)
	rt.Auditor.SetRecorder(inst.Metrics())

	if err := rt.openStores(ctx, cfg); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	rt.Codec, err = token.NewCodec(material, token.Config{
		Issuer:    cfg.Issuer,
		ClockSkew: cfg.ClockSkew.Std(),
	})
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("create token codec: %w", err)
	}

	rt.Server = cfg.serverConfig()

	rt.HTTP, err = cfg.httpConfig(material, logger)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

// Handler builds the HTTP handler over the runtime's components.
func (rt *Runtime) Handler() (*oauth.Handler, error) {
	return oauth.New(oauth.Options{
		Stores:          rt.Stores,
		Codec:           rt.Codec,
		Server:          rt.Server,
		HTTP:            rt.HTTP,
		Auditor:         rt.Auditor,
		Instrumentation: rt.Instrumentation,
		Logger:          rt.logger,
	})
}

// Close releases backends and flushes telemetry, in reverse build order.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *Runtime) openStores(ctx context.Context, cfg *Config) error {
	claimsKey, err := rt.Material.SubKey(purposeUserClaims)
	if err != nil {
		return err
	}
	encryptor, err := security.NewEncryptor(claimsKey)
	if err != nil {
		return fmt.Errorf("create claims encryptor: %w", err)
	}

	backends := make(map[string]any)
	open := func(name string) (any, error) {
		if h, ok := backends[name]; ok {
			return h, nil
		}
		var h any
		switch name {
		case BackendMemory:
			s := memory.New()
			s.SetLogger(rt.logger)
			s.SetInstrumentation(rt.Instrumentation)
			rt.closers = append(rt.closers, func(context.Context) error { s.Stop(); return nil })
			h = s
		case BackendRedis:
			r := cfg.Storage.Redis
			s, err := redis.New(redis.Config{
				Address:   r.Address,
				Username:  r.Username,
				Password:  r.Password,
				DB:        r.DB,
				KeyPrefix: r.KeyPrefix,
				Logger:    rt.logger,
			})
			if err != nil {
				return nil, err
			}
			s.SetInstrumentation(rt.Instrumentation)
			s.SetEncryptor(encryptor)
			rt.closers = append(rt.closers, func(context.Context) error { return s.Close() })
			h = s
		case BackendSQLite:
			s, err := sqlite.Open(ctx, cfg.Path(cfg.Storage.SQLite.Path), rt.logger)
			if err != nil {
				return nil, err
			}
			s.SetInstrumentation(rt.Instrumentation)
			s.SetEncryptor(encryptor)
			rt.closers = append(rt.closers, func(context.Context) error { return s.Close() })
			rt.SQLite = s
			h = s
		default:
			return nil, fmt.Errorf("unknown storage backend %q", name)
		}
		backends[name] = h
		return h, nil
	}

	reg := storage.NewRegistry()
	for _, role := range storage.Roles() {
		name := cfg.Storage.Backend(role)
		h, err := open(name)
		if err != nil {
			return fmt.Errorf("open %s storage for %s: %w", name, role, err)
		}
		if err := reg.Bind(role, h); err != nil {
			return err
		}
		rt.logger.Debug("Bound repository", "role", role, "backend", name)
	}
	rt.Stores = reg
	return nil
}

func (c *Config) serverConfig() *server.Config {
	grants := make([]server.GrantType, 0, len(c.GrantTypes))
	for _, g := range c.GrantTypes {
		grants = append(grants, server.GrantType(g))
	}

	return &server.Config{
		Issuer:                        c.Issuer,
		GrantTypes:                    grants,
		DefaultScope:                  c.DefaultScope,
		AuthorizationCodeTTL:          c.TTL.AuthorizationCode.Std(),
		AccessTokenTTL:                c.TTL.AccessToken.Std(),
		RefreshTokenTTL:               c.TTL.RefreshToken.Std(),
		IDTokenTTL:                    c.TTL.IDToken.Std(),
		DisableRefreshTokens:          !enabled(c.RefreshTokensEnabled),
		DisableRefreshTokenRevocation: !enabled(c.RevokeRefreshTokens),
		DisableOpenIDConnect:          !enabled(c.Extensions.OpenIDConnect),
		RequirePKCE:                   c.RequirePKCE,
		AllowPKCEPlain:                c.AllowPKCEPlain,
		ServiceDisabled:               c.Endpoints.ServiceDisabled,
		ClientRegistrationURL:         c.ClientRegistrationURL,
	}
}

func (c *Config) httpConfig(material *keys.Material, logger *slog.Logger) (*oauth.Config, error) {
	csrfKey, err := material.SubKey(purposeApprovalCSRF)
	if err != nil {
		return nil, err
	}

	cfg := &oauth.Config{
		LoginURL: c.LoginURL,
		CSRFKey:  csrfKey,
		Endpoints: oauth.EndpointConfig{
			StatusDisabled:        c.Endpoints.StatusDisabled,
			IndexRedirectDisabled: c.Endpoints.IndexRedirectDisabled,
			UserinfoDisabled:      c.Endpoints.UserinfoDisabled,
		},
		RateLimit: oauth.RateLimitConfig{
			RequestsPerSecond: c.RateLimit.RequestsPerSecond,
			Burst:             c.RateLimit.Burst,
			TrustProxy:        c.RateLimit.TrustProxy,
			TrustedProxyCount: c.RateLimit.TrustedProxyCount,
		},
		Logger: logger,
	}
	if c.SessionHeader != "" {
		cfg.Sessions = oauth.HeaderSession(c.SessionHeader)
	}
	return cfg, nil
}

// PurgeLoop deletes expired sqlite rows every interval until ctx is done.
// It returns immediately when no role uses sqlite.
func (rt *Runtime) PurgeLoop(ctx context.Context, interval time.Duration) {
	if rt.SQLite == nil {
		return
	}
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := rt.SQLite.PurgeExpired(ctx, now)
			if err != nil {
				rt.logger.Warn("Failed to purge expired rows", "error", err)
				continue
			}
			if n > 0 {
				rt.logger.Debug("Purged expired rows", "count", n)
			}
		}
	}
}
