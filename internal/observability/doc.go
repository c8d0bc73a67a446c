// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for the relay server.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts secrets (API keys,
// bearer tokens, JWTs) from messages and string attributes before they are
// written. Connection-scoped fields stored on the context with WithConnID,
// WithUserID, WithConversationID and WithRequestID are appended to every
// record logged through the *Context methods:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.WithConnID(ctx, conn.ID())
//	logger.InfoContext(ctx, "connection accepted")
//
// # Metrics
//
// NewMetrics registers the relay_* collectors on the given registerer. Pass a
// fresh prometheus.NewRegistry in tests to keep them isolated:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	fanout := channellayer.NewFanout(layer, metrics.ObserveBroadcast)
//
// # Tracing
//
// NewTracer installs a global OTLP/gRPC tracer provider when an endpoint is
// configured and returns a no-op tracer otherwise. Packages create spans via
// otel.Tracer, so they pick up the provider without depending on this package.
package observability
