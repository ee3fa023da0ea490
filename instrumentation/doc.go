// Package instrumentation provides OpenTelemetry instrumentation for the
// authorization server.
//
// Metrics cover the HTTP layer, authorization outcomes, issued tokens, grant
// failures, bearer validations, rate limiting and storage operations. Spans are
// opened by the HTTP handler, the server core and every storage backend.
//
// Exporters are selected by configuration:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "oauth-server",
//		MetricsExporter: instrumentation.ExporterPrometheus,
//		TracesExporter:  instrumentation.ExporterOTLP,
//		OTLPEndpoint:    "otel-collector:4318",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", promhttp.Handler())
//
// With Enabled set to false every provider is a no-op.
package instrumentation
