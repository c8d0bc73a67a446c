package observability

import (
	"strconv"
	"time"

	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the relay_* Prometheus collectors.
type Metrics struct {
	// Connections is the number of live connections.
	// Labels: surface (chat|global|connections|notifications|assistant)
	Connections *prometheus.GaugeVec

	// MessagesRouted counts chat messages accepted by the router.
	// Labels: type (text|image|video|voice|file), outcome (stored|duplicate|rejected)
	MessagesRouted *prometheus.CounterVec

	// Broadcasts counts fan-out publishes.
	// Labels: room_kind (conversation|user|global), event, outcome (ok|error)
	Broadcasts *prometheus.CounterVec

	// Errors counts errors returned to clients.
	// Labels: kind (auth_failure|membership_failure|validation_failure|persistence_failure|rate_limited|internal_error)
	Errors *prometheus.CounterVec

	// HeartbeatEvictions counts connections closed for missed heartbeats.
	HeartbeatEvictions prometheus.Counter

	// AuthFailures counts rejected connection attempts.
	// Labels: surface
	AuthFailures *prometheus.CounterVec

	// RateLimited counts inbound frames dropped by the rate limiter.
	RateLimited prometheus.Counter

	// AssistantStreams counts finished assistant streams.
	// Labels: provider, reason (complete|stopped|timeout|error)
	AssistantStreams *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_connections",
				Help: "Number of live connections by surface",
			},
			[]string{"surface"},
		),
		MessagesRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_routed_total",
				Help: "Total number of chat messages handled by the router",
			},
			[]string{"type", "outcome"},
		),
		Broadcasts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_broadcasts_total",
				Help: "Total number of room broadcasts by room kind, event and outcome",
			},
			[]string{"room_kind", "event", "outcome"},
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_errors_total",
				Help: "Total number of errors reported to clients by kind",
			},
			[]string{"kind"},
		),
		HeartbeatEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_heartbeat_evictions_total",
				Help: "Total number of connections closed after missed heartbeats",
			},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_auth_failures_total",
				Help: "Total number of rejected connection attempts by surface",
			},
			[]string{"surface"},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_rate_limited_total",
				Help: "Total number of inbound frames rejected by the rate limiter",
			},
		),
		AssistantStreams: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_assistant_streams_total",
				Help: "Total number of assistant streams by provider and finish reason",
			},
			[]string{"provider", "reason"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route", "status_code"},
		),
	}
}

// ObserveBroadcast records a fan-out outcome. Its signature matches
// channellayer.ObserveFunc.
func (m *Metrics) ObserveBroadcast(roomKind string, eventType models.EventType, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Broadcasts.WithLabelValues(roomKind, string(eventType), outcome).Inc()
}

// ConnectionOpened increments the live connection gauge.
func (m *Metrics) ConnectionOpened(surface string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(surface).Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *Metrics) ConnectionClosed(surface string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(surface).Dec()
}

// MessageRouted records a router outcome for a message of the given type.
func (m *Metrics) MessageRouted(messageType models.MessageType, outcome string) {
	if m == nil {
		return
	}
	if messageType == "" {
		messageType = models.MessageText
	}
	m.MessagesRouted.WithLabelValues(string(messageType), outcome).Inc()
}

// RecordError counts err under its relayerr kind.
func (m *Metrics) RecordError(err error) {
	if m == nil || err == nil {
		return
	}
	m.Errors.WithLabelValues(string(relayerr.KindOf(err))).Inc()
}

// HeartbeatEvicted counts a heartbeat eviction.
func (m *Metrics) HeartbeatEvicted() {
	if m == nil {
		return
	}
	m.HeartbeatEvictions.Inc()
}

// AuthFailed counts a rejected connection attempt.
func (m *Metrics) AuthFailed(surface string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(surface).Inc()
}

// RateLimitHit counts a rate-limited frame.
func (m *Metrics) RateLimitHit() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// AssistantStreamFinished counts a finished assistant stream.
func (m *Metrics) AssistantStreamFinished(provider, reason string) {
	if m == nil {
		return
	}
	m.AssistantStreams.WithLabelValues(provider, reason).Inc()
}

// ObserveHTTP records the latency of an HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
