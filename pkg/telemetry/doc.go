// Package telemetry provides logging, tracing and metrics for passportd.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus) behind a single Telemetry value
// that is built once at process start and passed to the components that
// need it.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
// Components receive plain zerolog.Logger values tagged with their name:
//
//	logger := tel.Logger.Component("anchorer")
//	logger.Info().Ctx(ctx).Str("protocol_id", id).Msg("Protocol anchored")
//
// Events logged with a context that carries a span are stamped with
// trace_id and span_id.
//
// # Metrics
//
// Metrics implements engine.Observer, so the engine services count their
// own failures, transitions and anchoring outcomes:
//
//	units := engine.NewUnitService(store, revisions, gate, tel.Metrics, logger)
//
// Key metrics exposed:
//
//   - passportd_failures_total{kind}
//   - passportd_failures_by_category_total{category}
//   - passportd_status_transitions_total{entity,from,to}
//   - passportd_anchor_jobs_total{outcome}
//   - passportd_anchor_queue_jobs{status}
//   - passportd_http_requests_total{method,route,code}
//   - passportd_http_request_duration_seconds{method,route}
//
// The API router serves Metrics.Handler on Metrics.Path.
//
// # Tracing
//
// NewTracer installs the global tracer provider. The engine starts its own
// spans from the global provider, so enabling tracing here is enough to
// trace state-machine operations end to end.
//
// Supported exporters: "otlp" (gRPC), "stdout", "none".
package telemetry
