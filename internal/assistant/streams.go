package assistant

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// Done reasons reported in assistant_done.
const (
	ReasonComplete = "complete"
	ReasonStopped  = "stopped"
	ReasonTimeout  = "timeout"
	ReasonError    = "error"
)

// Emitter forwards an outbound event to the owning connection.
type Emitter func(eventType models.EventType, payload any) error

type stream struct {
	cancel  context.CancelFunc
	stopped atomic.Bool
}

// Streams runs the assistant streams of one connection. The provider task
// produces into a bounded channel; the consumer forwards chunks until the
// channel closes or the stream is stopped.
type Streams struct {
	provider Provider
	config   Config
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*stream
	wg     sync.WaitGroup
}

// NewStreams creates a stream set. A nil provider rejects every Start.
func NewStreams(provider Provider, cfg Config, logger *slog.Logger) *Streams {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streams{
		provider: provider,
		config:   cfg.withDefaults(),
		logger:   logger.With("component", "assistant"),
		active:   make(map[string]*stream),
	}
}

// Start launches a stream and returns its id. Chunks and the final
// assistant_done event go through emit.
func (s *Streams) Start(ctx context.Context, streamID string, req Request, emit Emitter) (string, error) {
	if s.provider == nil {
		return "", ErrDisabled
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", ErrEmptyPrompt
	}
	if streamID == "" {
		streamID = uuid.NewString()
	}

	s.mu.Lock()
	if _, exists := s.active[streamID]; exists {
		s.mu.Unlock()
		return "", ErrStreamExists
	}
	if len(s.active) >= s.config.MaxPerClient {
		s.mu.Unlock()
		return "", ErrTooManyStreams
	}
	streamCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	st := &stream{cancel: cancel}
	s.active[streamID] = st
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(streamCtx, streamID, st, req, emit)
	return streamID, nil
}

func (s *Streams) run(ctx context.Context, streamID string, st *stream, req Request, emit Emitter) {
	defer s.wg.Done()
	defer func() {
		st.cancel()
		s.mu.Lock()
		delete(s.active, streamID)
		s.mu.Unlock()
	}()

	deltas := make(chan string, s.config.BufferSize)
	errc := make(chan error, 1)
	go func() {
		errc <- s.provider.Stream(ctx, req, deltas)
		close(deltas)
	}()

	for delta := range deltas {
		if st.stopped.Load() {
			continue
		}
		if err := emit(models.EventAssistantChunk, models.AssistantChunk{StreamID: streamID, Delta: delta}); err != nil {
			s.logger.Debug("assistant chunk dropped", "stream_id", streamID, "error", err)
			st.stopped.Store(true)
			st.cancel()
		}
	}
	err := <-errc

	done := models.AssistantDone{StreamID: streamID, Reason: ReasonComplete}
	switch {
	case st.stopped.Load():
		done.Reason = ReasonStopped
	case errors.Is(err, context.DeadlineExceeded):
		done.Reason = ReasonTimeout
	case err != nil:
		done.Reason = ReasonError
		done.Error = "assistant request failed"
		s.logger.Warn("assistant stream failed", "stream_id", streamID, "provider", s.provider.Name(), "error", err)
	}
	if err := emit(models.EventAssistantDone, done); err != nil {
		s.logger.Debug("assistant done dropped", "stream_id", streamID, "error", err)
	}
}

// Stop cancels streamID, or every stream when streamID is empty. It
// returns how many streams were cancelled.
func (s *Streams) Stop(streamID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	stopped := 0
	for id, st := range s.active {
		if streamID != "" && id != streamID {
			continue
		}
		st.stopped.Store(true)
		st.cancel()
		stopped++
	}
	return stopped
}

// Active returns the number of running streams.
func (s *Streams) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close stops every stream and waits for them to finish.
func (s *Streams) Close() {
	s.Stop("")
	s.wg.Wait()
}
