package server

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-server/claims"
	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/token"
)

// Server is the authorization server core: it runs the grants, the
// authorization request state machine and token revocation. It knows
// nothing about HTTP.
type Server struct {
	stores   *storage.Registry
	codec    *token.Codec
	claims   *claims.Extractor
	grants   map[GrantType]Grant
	resource *ResourceServer

	// authorization grants in configuration order
	authGrants []AuthorizationGrant

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config

	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

// New creates a new OAuth server over the bound repositories. Client,
// scope and access token repositories are always required; the others
// are required by the grants that use them.
func New(
	stores *storage.Registry,
	codec *token.Codec,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if stores == nil {
		return nil, fmt.Errorf("storage registry is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Issuer == "" {
		config.Issuer = codec.Issuer()
	}

	config = applySecureDefaults(config, logger)
	if err := config.validate(); err != nil {
		return nil, err
	}
	if config.Issuer != codec.Issuer() {
		return nil, fmt.Errorf("issuer %q does not match token codec issuer %q", config.Issuer, codec.Issuer())
	}

	if err := stores.Require(storage.RoleClient, storage.RoleScope, storage.RoleAccessToken); err != nil {
		return nil, err
	}
	if config.RefreshTokensEnabled() {
		if err := stores.Require(storage.RoleRefreshToken); err != nil {
			return nil, fmt.Errorf("refresh tokens are enabled: %w", err)
		}
	}

	extractor, err := claims.New()
	if err != nil {
		return nil, err
	}

	srv := &Server{
		stores: stores,
		codec:  codec,
		claims: extractor,
		grants: make(map[GrantType]Grant, len(config.GrantTypes)),
		Config: config,
		Logger: logger,
	}

	for _, gt := range config.GrantTypes {
		if _, dup := srv.grants[gt]; dup {
			continue
		}
		g, err := newGrant(gt, srv)
		if err != nil {
			return nil, err
		}
		srv.grants[gt] = g
		if ag, ok := g.(AuthorizationGrant); ok {
			srv.authGrants = append(srv.authGrants, ag)
		}
	}

	srv.resource, err = NewResourceServer(codec, stores.AccessTokens(), config, logger)
	if err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables tracing and metrics for the server, its
// resource server and every store that accepts instrumentation.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst == nil {
		s.tracer, s.metrics = nil, nil
	} else {
		s.tracer = inst.Tracer("server")
		s.metrics = inst.Metrics()
		if s.Auditor != nil {
			s.Auditor.SetRecorder(s.metrics)
		}
	}
	s.resource.SetInstrumentation(inst)

	type instrumented interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	seen := map[any]bool{}
	for _, role := range storage.Roles() {
		h := s.stores.Handle(role)
		if h == nil || seen[h] {
			continue
		}
		seen[h] = true
		if setter, ok := h.(instrumented); ok {
			setter.SetInstrumentation(inst)
		}
	}
}

// SetClaimsExtractor replaces the default OIDC claims mapping.
func (s *Server) SetClaimsExtractor(e *claims.Extractor) {
	if e != nil {
		s.claims = e
	}
}

// Codec returns the token codec.
func (s *Server) Codec() *token.Codec { return s.codec }

// Stores returns the repository registry.
func (s *Server) Stores() *storage.Registry { return s.stores }

// Resource returns the resource server sharing this server's codec and
// access token repository.
func (s *Server) Resource() *ResourceServer { return s.resource }

// ClaimsExtractor returns the OIDC claims mapping.
func (s *Server) ClaimsExtractor() *claims.Extractor { return s.claims }

// GrantTypes returns the enabled grant identifiers in configuration order.
func (s *Server) GrantTypes() []GrantType {
	out := make([]GrantType, 0, len(s.grants))
	for _, gt := range s.Config.GrantTypes {
		if _, ok := s.grants[gt]; ok && !slices.Contains(out, gt) {
			out = append(out, gt)
		}
	}
	return out
}

// startSpan opens a span when tracing is enabled. The returned span is
// never nil.
func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}
