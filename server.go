package oauth

import (
	"fmt"
	"log/slog"

	"github.com/giantswarm/oauth-server/claims"
	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/server"
	"github.com/giantswarm/oauth-server/storage"
	"github.com/giantswarm/oauth-server/token"
)

// Options wires a complete authorization server.
type Options struct {
	// Stores binds a repository to every role the enabled grants need.
	Stores *storage.Registry

	// Codec issues and verifies tokens. Its issuer is the server's issuer.
	Codec *token.Codec

	// Server configures grants, lifetimes and extensions.
	Server *server.Config

	// HTTP configures the handler. Optional.
	HTTP *Config

	// Claims overrides the OIDC scope to claims mapping. Optional.
	Claims *claims.Extractor

	// Auditor receives security events. Optional.
	Auditor *security.Auditor

	// Instrumentation enables tracing and metrics. Optional.
	Instrumentation *instrumentation.Instrumentation

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// New builds the server core and its HTTP handler.
func New(opts Options) (*Handler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	srv, err := server.New(opts.Stores, opts.Codec, opts.Server, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	srv.SetAuditor(opts.Auditor)
	srv.SetClaimsExtractor(opts.Claims)
	if opts.Instrumentation != nil {
		srv.SetInstrumentation(opts.Instrumentation)
	}

	httpCfg := opts.HTTP
	if httpCfg == nil {
		httpCfg = &Config{}
	}
	if httpCfg.Logger == nil {
		httpCfg.Logger = logger
	}
	return NewHandler(srv, httpCfg)
}

// Server returns the protocol core behind the handler.
func (h *Handler) Server() *server.Server {
	return h.server
}
