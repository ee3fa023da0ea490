package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-server/instrumentation"
)

// IsNotFound reports whether err is one of the lookup misses.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrScopeNotFound) ||
		errors.Is(err, ErrAuthCodeNotFound) ||
		errors.Is(err, ErrTokenNotFound) ||
		errors.Is(err, ErrUserNotFound)
}

// Observer records spans and operation metrics for a storage backend.
// The zero value with an empty Backend is usable and records nothing.
type Observer struct {
	Backend string

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// SetInstrumentation enables recording. Call before the store is shared.
func (o *Observer) SetInstrumentation(inst *instrumentation.Instrumentation) {
	o.inst = inst
	o.tracer = nil
	if inst != nil {
		o.tracer = inst.Tracer("storage")
	}
}

// Start opens a span for operation and returns a function that ends it and
// records the result. Lookup misses are recorded as "not_found", not errors.
func (o *Observer) Start(ctx context.Context, operation string) (context.Context, func(error)) {
	if o == nil || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, o.Backend)
	start := time.Now()

	return ctx, func(err error) {
		defer span.End()
		result := "success"
		switch {
		case err == nil:
			instrumentation.SetSpanSuccess(span)
		case IsNotFound(err):
			result = "not_found"
		default:
			result = "error"
			instrumentation.RecordError(span, err)
		}
		ms := float64(time.Since(start).Microseconds()) / 1000.0
		o.inst.Metrics().RecordStorageOperation(ctx, o.Backend, operation, result, ms)
	}
}
