package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for spans and metrics.
//
// Never attach credential values (tokens, codes, secrets) to spans or metrics.
// Only metadata such as grant types, scopes and results belong here.
const (
	AttrClientID      = "oauth.client_id"
	AttrUserID        = "oauth.user_id"
	AttrScope         = "oauth.scope"
	AttrGrantType     = "oauth.grant_type"
	AttrResponseType  = "oauth.response_type"
	AttrClientType    = "oauth.client_type"
	AttrTokenType     = "oauth.token_type" //nolint:gosec // token kind, not a token
	AttrRefreshIssued = "oauth.refresh_token.issued"
	AttrIDTokenIssued = "oauth.id_token.issued"
	AttrOutcome       = "oauth.outcome"
	AttrError         = "oauth.error"
	AttrEventType     = "oauth.event_type"
	AttrTxState       = "oauth.authorization.state"

	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	AttrHTTPMethod     = "http.method"
	AttrHTTPRoute      = "http.route"
	AttrHTTPStatusCode = "http.status_code"
	AttrClientIP       = "client.address"
)

// RecordError records an error on the span and marks it failed
func RecordError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks the span as successful
func SetSpanSuccess(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// SetSpanError marks the span failed with a message
func SetSpanError(span trace.Span, message string) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Error, message)
}

// SetSpanAttributes sets attributes on the span, ignoring nil spans
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}
	span.SetAttributes(attrs...)
}

// AddOAuthFlowAttributes adds the client, user and scope of a flow to the span.
// Empty values are skipped.
func AddOAuthFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if span == nil {
		return
	}
	var attrs []attribute.KeyValue
	if clientID != "" {
		attrs = append(attrs, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		attrs = append(attrs, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		attrs = append(attrs, attribute.String(AttrScope, scope))
	}
	span.SetAttributes(attrs...)
}

// AddStorageAttributes adds storage attributes to a span
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span
func AddHTTPAttributes(span trace.Span, method, route string, statusCode int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPRoute, route),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
