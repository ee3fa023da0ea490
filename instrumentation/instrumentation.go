package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "oauth-server"

	instrumentationScopePrefix = "github.com/giantswarm/oauth-server/"
)

// Exporter names accepted by Config.MetricsExporter and Config.TracesExporter.
const (
	ExporterNone       = "none"
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "oauth-server")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used regardless of the exporter settings.
	Enabled bool

	// MetricsExporter selects the metric reader: "prometheus" or "none" (default).
	MetricsExporter string

	// PrometheusRegisterer is where the Prometheus exporter registers its collector.
	// Defaults to prometheus.DefaultRegisterer, which is what promhttp.Handler serves.
	PrometheusRegisterer prometheus.Registerer

	// TracesExporter selects the span exporter: "otlp" or "none" (default).
	TracesExporter string

	// OTLPEndpoint is the host:port of the OTLP/HTTP collector. Empty uses the
	// exporter's own default and OTEL_EXPORTER_OTLP_* environment variables.
	OTLPEndpoint string

	// OTLPInsecure disables TLS towards the collector.
	OTLPInsecure bool

	// LogClientIPs controls whether client IP addresses are attached to spans.
	// Client IPs may be personal data; keep this off unless required.
	LogClientIPs bool

	// Resource allows custom resource attributes
	// If nil, default resource is created with service name and version
	Resource *resource.Resource
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// Shutdown functions (registered during New() only)
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:         config,
		resource:       res,
		meterProvider:  noop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}

	if config.Enabled {
		if err := inst.initializeProviders(); err != nil {
			// release whatever was created before the failure
			_ = inst.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to initialize providers: %w", err)
		}
	}

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// initializeProviders wires the configured exporters into SDK providers.
func (i *Instrumentation) initializeProviders() error {
	switch i.config.MetricsExporter {
	case "", ExporterNone:
	case ExporterPrometheus:
		var opts []otelprom.Option
		if i.config.PrometheusRegisterer != nil {
			opts = append(opts, otelprom.WithRegisterer(i.config.PrometheusRegisterer))
		}
		exporter, err := otelprom.New(opts...)
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(i.resource),
		)
		i.meterProvider = mp
		i.shutdownFuncs = append(i.shutdownFuncs, mp.Shutdown)
	default:
		return fmt.Errorf("unsupported metrics exporter %q", i.config.MetricsExporter)
	}

	switch i.config.TracesExporter {
	case "", ExporterNone:
	case ExporterOTLP:
		var opts []otlptracehttp.Option
		if i.config.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(i.config.OTLPEndpoint))
		}
		if i.config.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(context.Background(), opts...)
		if err != nil {
			return fmt.Errorf("failed to create otlp trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(i.resource),
		)
		i.tracerProvider = tp
		i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown)
	default:
		return fmt.Errorf("unsupported traces exporter %q", i.config.TracesExporter)
	}

	return nil
}

// Shutdown flushes and stops all providers. Safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope ("http", "server", "storage", "security").
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationScopePrefix + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationScopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs returns whether client IP addresses should be recorded
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// StorageSizes groups the callbacks a store can report. Nil callbacks are skipped.
type StorageSizes struct {
	Clients       StorageSizeCallback
	AuthCodes     StorageSizeCallback
	AccessTokens  StorageSizeCallback
	RefreshTokens StorageSizeCallback
}

// RegisterStorageSizeCallbacks registers observable gauge callbacks for a store.
func (i *Instrumentation) RegisterStorageSizeCallbacks(sizes StorageSizes) error {
	m := i.metrics
	_, err := i.Meter("storage").RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			if sizes.Clients != nil {
				observer.ObserveInt64(m.StorageClientsCount, sizes.Clients())
			}
			if sizes.AuthCodes != nil {
				observer.ObserveInt64(m.StorageAuthCodesCount, sizes.AuthCodes())
			}
			if sizes.AccessTokens != nil {
				observer.ObserveInt64(m.StorageAccessTokensCount, sizes.AccessTokens())
			}
			if sizes.RefreshTokens != nil {
				observer.ObserveInt64(m.StorageRefreshTokensCount, sizes.RefreshTokens())
			}
			return nil
		},
		m.StorageClientsCount,
		m.StorageAuthCodesCount,
		m.StorageAccessTokensCount,
		m.StorageRefreshTokensCount,
	)
	return err
}
