package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/server"
)

const (
	tokenTypeBearer = "Bearer"
	challengeBasic  = "Basic"
	challengeRealm  = "oauth"
)

// Handler is a thin HTTP adapter for the authorization server core.
// It parses requests, delegates to server.Server and owns the response
// shape.
type Handler struct {
	server *server.Server
	config *Config
	logger *slog.Logger
	tracer trace.Tracer

	limiter *security.RateLimiter
	ips     security.ClientIPResolver
	csrf    approvalCSRF
}

// NewHandler creates the HTTP handler. cfg may be nil. Call Close to stop
// the rate limiter's background cleanup.
func NewHandler(srv *server.Server, cfg *Config) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	h := &Handler{
		server: srv,
		config: cfg,
		logger: cfg.Logger,
		ips:    cfg.RateLimit.ipResolver(),
		csrf:   approvalCSRF{key: cfg.CSRFKey, now: srv.Codec().Now},
	}

	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}
	if cfg.RateLimit.Enabled() {
		h.limiter = security.NewRateLimiter(cfg.RateLimit.limiterConfig(), cfg.Logger)
	}

	return h, nil
}

// Close releases background resources.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Router returns a router with every endpoint registered. Mount it at the
// issuer's path.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(security.SecurityHeadersMiddleware(h.server.Config.Issuer))
	r.Use(h.instrument)

	r.Get("/", h.ServeIndex)
	r.Get("/authorize", h.ServeAuthorization)
	r.Post("/authorize", h.ServeAuthorization)

	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Post("/token", h.ServeToken)
		r.Post("/access_token", h.ServeToken)
		r.Post("/revoke", h.ServeRevocation)
	})

	r.HandleFunc("/userinfo", h.ServeUserInfo)
	r.Get("/status", h.ServeStatus)
	r.Get("/status.json", h.ServeStatus)

	r.Get("/.well-known/jwks.json", h.ServeJWKS)
	r.Get("/.well-known/openid-configuration", h.ServeOpenIDConfiguration)
	return r
}

// endpoint returns the absolute URL of an endpoint below the issuer.
func (h *Handler) endpoint(path string) string {
	return strings.TrimSuffix(h.server.Config.Issuer, "/") + path
}

func (h *Handler) metrics() *instrumentation.Metrics {
	if h.server.Instrumentation == nil {
		return nil
	}
	return h.server.Instrumentation.Metrics()
}

// instrument records a span, request metrics and a debug log line per
// request.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		var span trace.Span
		if h.tracer != nil {
			ctx, span = h.tracer.Start(ctx, "oauth.http.request")
			defer span.End()
			r = r.WithContext(ctx)
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		if span != nil {
			span.SetName("oauth.http " + route)
			instrumentation.AddHTTPAttributes(span, r.Method, route, status)
		}
		h.metrics().RecordHTTPRequest(ctx, r.Method, route, status, float64(time.Since(start).Microseconds())/1000)
		h.logger.Debug("HTTP request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
			"request_id", security.GetRequestID(ctx))
	})
}

// rateLimit refuses requests beyond the per-IP budget with 429.
func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		clientIP := h.ips.ClientIP(r)
		if h.limiter.Allow(clientIP) {
			next.ServeHTTP(w, r)
			return
		}

		h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
		h.metrics().RecordRateLimitExceeded(r.Context(), r.URL.Path)
		h.server.Auditor.LogRateLimitExceeded(clientIP, r.URL.Path)

		w.Header().Set("Retry-After", strconv.Itoa(h.limiter.RetryAfter()))
		h.writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
			Error:            ErrorCodeRateLimitExceeded,
			ErrorDescription: "Rate limit exceeded. Please try again later.",
		})
	})
}

// writeError renders err as a JSON OAuth error. 401 and 403 responses
// carry a WWW-Authenticate challenge for scheme; extra is appended to the
// challenge parameters.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, scheme string, extra ...string) {
	oe := AsOAuthError(err)
	h.logError(r.Context(), oe)
	renderError(w, oe, scheme, extra...)
}

func renderError(w http.ResponseWriter, oe *OAuthError, scheme string, extra ...string) {
	if oe.Status == http.StatusUnauthorized || oe.Status == http.StatusForbidden {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(scheme, oe, extra...))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oe.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: oe.Code, ErrorDescription: oe.Description})
}

// writeRedirectError sends err to the client's redirect URI when it has
// one and falls back to JSON otherwise.
func (h *Handler) writeRedirectError(w http.ResponseWriter, r *http.Request, err error) {
	oe := AsOAuthError(err)
	if !oe.IsRedirect() {
		h.writeError(w, r, oe, tokenTypeBearer)
		return
	}
	u, uerr := oe.RedirectURL()
	if uerr != nil {
		h.writeError(w, r, fmt.Errorf("failed to build error redirect: %w", uerr), tokenTypeBearer)
		return
	}
	h.logError(r.Context(), oe)
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (h *Handler) logError(ctx context.Context, oe *OAuthError) {
	if oe.Status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			"error", oe.Error(),
			"request_id", security.GetRequestID(ctx))
		return
	}
	h.logger.Debug("Request rejected",
		"code", oe.Code,
		"description", oe.Description,
		"request_id", security.GetRequestID(ctx))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// formatWWWAuthenticate builds an RFC 6750 section 3 challenge. Quoted
// values are escaped per RFC 7230 quoted-string rules.
func formatWWWAuthenticate(scheme string, oe *OAuthError, extra ...string) string {
	params := []string{fmt.Sprintf(`realm="%s"`, challengeRealm)}
	if scheme == tokenTypeBearer {
		params = append(params, fmt.Sprintf(`error="%s"`, quoteEscape(oe.Code)))
		if oe.Description != "" {
			params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(oe.Description)))
		}
	}
	for i := 0; i+1 < len(extra); i += 2 {
		params = append(params, fmt.Sprintf(`%s="%s"`, extra[i], quoteEscape(extra[i+1])))
	}
	return scheme + " " + strings.Join(params, ", ")
}

func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
