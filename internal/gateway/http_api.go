package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/presence"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/pkg/models"
)

const readyTimeout = 2 * time.Second

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /chat/global", s.serveWS(SurfaceGlobal))
	mux.HandleFunc("GET /chat/{conversationID}", s.serveWS(SurfaceChat))
	mux.HandleFunc("GET /connections", s.serveWS(SurfaceConnections))
	mux.HandleFunc("GET /notifications", s.serveWS(SurfaceNotifications))
	mux.HandleFunc("GET /assistant/chat", s.serveWS(SurfaceAssistant))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	authed := auth.Middleware(s.deps.Gate, s.logger)
	mux.Handle("GET /api/presence/{userID}", s.instrument(authed(http.HandlerFunc(s.handleGetPresence))))
	mux.Handle("PUT /api/presence", s.instrument(authed(http.HandlerFunc(s.handlePutPresence))))
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.isDraining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "sessions": s.Sessions()})
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.PathValue("userID"))
	p, err := s.deps.Presence.GetStatus(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceView(p))
}

func (s *Server) handlePutPresence(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, auth.ErrMissingToken)
		return
	}
	var req models.SetStatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		writeError(w, relayerr.Validation("body must be a JSON object with a status"))
		return
	}
	p, err := s.deps.Presence.RequestStatus(r.Context(), user.ID, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presenceView(p))
}

func presenceView(p *models.Presence) models.PresenceChanged {
	return models.PresenceChanged{
		UserID:     p.UserID,
		Status:     p.Status,
		IsOnline:   p.IsOnline(),
		LastActive: p.LastActive,
	}
}

// instrument records request latency by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.ObserveHTTP(r.Method, route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch relayerr.KindOf(err) {
	case relayerr.KindAuth:
		status = http.StatusUnauthorized
	case relayerr.KindMembership:
		status = http.StatusForbidden
	case relayerr.KindValidation:
		status = http.StatusBadRequest
	case relayerr.KindRateLimited:
		status = http.StatusTooManyRequests
	}
	if errors.Is(err, presence.ErrUnknownUser) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, models.ErrorPayload{
		Code:    string(relayerr.KindOf(err)),
		Message: relayerr.Public(err),
	})
}
