package observability

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersOnRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.ConnectionOpened("chat")
	metrics.HeartbeatEvicted()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered metric families")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("registering twice on the same registry should panic")
		}
	}()
	NewMetrics(registry)
}

func TestObserveBroadcast(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveBroadcast("conversation", models.EventChatMessage, nil)
	metrics.ObserveBroadcast("conversation", models.EventChatMessage, nil)
	metrics.ObserveBroadcast("user", models.EventNotification, errors.New("redis down"))

	expected := `
		# HELP relay_broadcasts_total Total number of room broadcasts by room kind, event and outcome
		# TYPE relay_broadcasts_total counter
		relay_broadcasts_total{event="chat_message",outcome="ok",room_kind="conversation"} 2
		relay_broadcasts_total{event="notification",outcome="error",room_kind="user"} 1
	`
	if err := testutil.CollectAndCompare(metrics.Broadcasts, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestConnectionGauge(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.ConnectionOpened("chat")
	metrics.ConnectionOpened("chat")
	metrics.ConnectionOpened("global")
	metrics.ConnectionClosed("chat")

	if got := testutil.ToFloat64(metrics.Connections.WithLabelValues("chat")); got != 1 {
		t.Fatalf("chat connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.Connections.WithLabelValues("global")); got != 1 {
		t.Fatalf("global connections = %v, want 1", got)
	}
}

func TestRecordErrorByKind(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.RecordError(nil)
	metrics.RecordError(relayerr.New(relayerr.KindValidation, "empty message"))
	metrics.RecordError(relayerr.New(relayerr.KindValidation, "too large"))
	metrics.RecordError(relayerr.New(relayerr.KindAuth, "bad token"))

	if got := testutil.ToFloat64(metrics.Errors.WithLabelValues(string(relayerr.KindValidation))); got != 2 {
		t.Fatalf("validation errors = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(metrics.Errors); got != 2 {
		t.Fatalf("error label sets = %d, want 2", got)
	}
}

func TestCountersAndHistogram(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.MessageRouted("", "stored")
	metrics.MessageRouted(models.MessageImage, "duplicate")
	metrics.AuthFailed("chat")
	metrics.RateLimitHit()
	metrics.RateLimitHit()
	metrics.AssistantStreamFinished("openai", "complete")
	metrics.ObserveHTTP("GET", "/api/presence/{userID}", 200, 15*time.Millisecond)

	if got := testutil.ToFloat64(metrics.MessagesRouted.WithLabelValues("text", "stored")); got != 1 {
		t.Fatalf("text/stored = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.RateLimited); got != 2 {
		t.Fatalf("rate limited = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.AuthFailures.WithLabelValues("chat")); got != 1 {
		t.Fatalf("auth failures = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(metrics.HTTPRequestDuration); got != 1 {
		t.Fatalf("http histogram series = %d, want 1", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveBroadcast("global", models.EventChatMessage, nil)
	metrics.ConnectionOpened("chat")
	metrics.RecordError(errors.New("x"))
	metrics.ObserveHTTP("GET", "/healthz", 200, time.Millisecond)
}
