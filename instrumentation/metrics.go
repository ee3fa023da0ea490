package instrumentation

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the authorization server
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Protocol
	AuthorizationsTotal    metric.Int64Counter
	TokensIssuedTotal      metric.Int64Counter
	GrantFailuresTotal     metric.Int64Counter
	BearerValidationsTotal metric.Int64Counter
	TokensRevokedTotal     metric.Int64Counter

	// Security
	RateLimitExceeded metric.Int64Counter
	AuditEventsTotal  metric.Int64Counter

	// Storage
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageClientsCount       metric.Int64ObservableGauge
	StorageAuthCodesCount     metric.Int64ObservableGauge
	StorageAccessTokensCount  metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
}

type counterSpec struct {
	dst         *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.AuthorizationsTotal, serverMeter, "oauth.authorizations.total", "Authorization transactions by outcome", "{authorization}"},
		{&m.TokensIssuedTotal, serverMeter, "oauth.tokens.issued.total", "Access tokens issued by grant type", "{token}"},
		{&m.GrantFailuresTotal, serverMeter, "oauth.grant.failures.total", "Failed grant requests by grant type and error code", "{failure}"},
		{&m.BearerValidationsTotal, serverMeter, "oauth.bearer.validations.total", "Bearer token validations by result", "{validation}"},
		{&m.TokensRevokedTotal, serverMeter, "oauth.tokens.revoked.total", "Revoked tokens by token type", "{token}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.rate_limit.exceeded", "Requests rejected by the rate limiter", "{request}"},
		{&m.AuditEventsTotal, securityMeter, "oauth.audit.events.total", "Security audit events by type", "{event}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Storage operations by operation and result", "{operation}"},
	}
	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []struct {
		dst  *metric.Int64ObservableGauge
		name string
		desc string
	}{
		{&m.StorageClientsCount, "storage.clients.count", "Number of stored clients"},
		{&m.StorageAuthCodesCount, "storage.auth_codes.count", "Number of stored authorization codes"},
		{&m.StorageAccessTokensCount, "storage.access_tokens.count", "Number of stored access tokens"},
		{&m.StorageRefreshTokensCount, "storage.refresh_tokens.count", "Number of stored refresh tokens"},
	}
	for _, g := range gauges {
		gauge, err := storageMeter.Int64ObservableGauge(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = gauge
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, endpoint and status
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPRoute, endpoint),
		attribute.String(AttrHTTPStatusCode, strconv.Itoa(statusCode)),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordAuthorization records the outcome of an authorization transaction
// ("approved", "auto_approved", "denied", "login_required", "error").
func (m *Metrics) RecordAuthorization(ctx context.Context, clientID, outcome string) {
	if m == nil {
		return
	}
	m.AuthorizationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientID, clientID),
		attribute.String(AttrOutcome, outcome),
	))
}

// RecordTokenIssued records an access token issued through grantType
func (m *Metrics) RecordTokenIssued(ctx context.Context, grantType string, withRefresh, withIDToken bool) {
	if m == nil {
		return
	}
	m.TokensIssuedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.Bool(AttrRefreshIssued, withRefresh),
		attribute.Bool(AttrIDTokenIssued, withIDToken),
	))
}

// RecordGrantFailure records a failed grant request
func (m *Metrics) RecordGrantFailure(ctx context.Context, grantType, errorCode string) {
	if m == nil {
		return
	}
	m.GrantFailuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.String(AttrError, errorCode),
	))
}

// RecordBearerValidation records a bearer validation result ("valid" or an error code)
func (m *Metrics) RecordBearerValidation(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.BearerValidationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrOutcome, result)))
}

// RecordTokenRevocation records an explicit token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	if m == nil {
		return
	}
	m.TokensRevokedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrTokenType, tokenType)))
}

// RecordRateLimitExceeded records a rate limit rejection
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrHTTPRoute, endpoint)))
}

// RecordAuditEvent records a security audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrEventType, eventType)))
}

// RecordStorageOperation records a storage operation with result and duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageType, backend),
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
