// Package router persists chat messages and fans them out to conversation
// rooms, together with the side-channel events of a conversation.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/relay/internal/channellayer"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/internal/typing"
	"github.com/haasonsaas/relay/internal/unread"
	"github.com/haasonsaas/relay/internal/workers"
	"github.com/haasonsaas/relay/pkg/models"
)

var (
	ErrNotAMember      = relayerr.New(relayerr.KindMembership, "not a member of this conversation")
	ErrEmptyMessage    = relayerr.New(relayerr.KindValidation, "message needs content or files")
	ErrMessageTooLarge = relayerr.New(relayerr.KindValidation, "message content is too long")
	ErrTooManyFiles    = relayerr.New(relayerr.KindValidation, "too many attached files")
	ErrInvalidEmoji    = relayerr.New(relayerr.KindValidation, "emoji must be 1-32 bytes without whitespace")
	ErrMessageNotFound = relayerr.New(relayerr.KindValidation, "message not found")
	ErrForbidden       = relayerr.New(relayerr.KindMembership, "operation not permitted")
	// ErrOutcomeUnknown means the caller stopped waiting before the write
	// finished. The message may still be committed; a retry with the same
	// client message id is safe.
	ErrOutcomeUnknown = relayerr.New(relayerr.KindInternal, "message outcome unknown")
)

const maxEmojiBytes = 32

// Fanout is the broadcast path used by the router. Chat messages are sent
// as prepared envelopes so the conversation sequence travels in the frame.
type Fanout interface {
	channellayer.Broadcaster
	Send(ctx context.Context, room models.RoomKey, env *models.Envelope) error
}

// Config bounds inbound messages.
type Config struct {
	MaxContentBytes int           `yaml:"max_content_bytes" json:"max_content_bytes"`
	MaxFiles        int           `yaml:"max_files" json:"max_files"`
	TypingTTL       time.Duration `yaml:"typing_ttl" json:"typing_ttl"`
}

func (c Config) withDefaults() Config {
	if c.MaxContentBytes <= 0 {
		c.MaxContentBytes = 8 * 1024
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = 10
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = typing.DefaultTTL
	}
	return c
}

// Router serializes the state changes of each conversation on a keyed
// worker, so broadcast order always equals commit order.
type Router struct {
	conversations storage.ConversationStore
	messages      storage.MessageStore
	unread        *unread.Counter
	fanout        Fanout
	events        events.Publisher
	pool          *workers.Pool
	typing        *typing.Indicators
	config        Config
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time
}

// Option customizes a Router.
type Option func(*Router)

// WithEvents publishes domain events for every committed change.
func WithEvents(publisher events.Publisher) Option {
	return func(r *Router) { r.events = publisher }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a router. The pool is owned by the caller.
func New(conversations storage.ConversationStore, messages storage.MessageStore, counter *unread.Counter,
	fanout Fanout, pool *workers.Pool, cfg Config, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		conversations: conversations,
		messages:      messages,
		unread:        counter,
		fanout:        fanout,
		pool:          pool,
		config:        cfg.withDefaults(),
		logger:        logger.With("component", "router"),
		tracer:        otel.Tracer("github.com/haasonsaas/relay/internal/router"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.typing = typing.NewIndicators(r.config.TypingTTL, r.typingExpired)
	return r
}

// Close stops the typing timers.
func (r *Router) Close() {
	r.typing.Close()
}

// DeriveMessageType classifies a message by its content and attachments.
// Files alone yield the dominant category; ties prefer image, video, voice, file.
func DeriveMessageType(content string, files []models.FileRef) models.MessageType {
	hasText := strings.TrimSpace(content) != ""
	switch {
	case len(files) == 0:
		return models.MessageText
	case hasText:
		return models.MessageMixed
	}
	counts := make(map[models.MessageType]int, 4)
	for _, file := range files {
		counts[file.Category()]++
	}
	best := models.MessageFile
	bestCount := -1
	for _, category := range []models.MessageType{models.MessageImage, models.MessageVideo, models.MessageVoice, models.MessageFile} {
		if counts[category] > bestCount {
			best = category
			bestCount = counts[category]
		}
	}
	return best
}

// RouteMessage validates, persists and broadcasts a chat message. A repeat of
// an already stored client message id returns the stored message and is not
// broadcast again.
func (r *Router) RouteMessage(ctx context.Context, senderID, conversationID string, req models.ChatMessageRequest) (*models.Message, error) {
	msg, err := r.build(senderID, conversationID, req)
	if err != nil {
		return nil, err
	}
	if _, err := r.member(ctx, conversationID, senderID); err != nil {
		return nil, err
	}
	return r.route(ctx, msg)
}

// BroadcastGlobal sends an ephemeral message to the global lobby. Lobby
// messages are never persisted and carry no sequence.
func (r *Router) BroadcastGlobal(ctx context.Context, senderID string, req models.ChatMessageRequest) (*models.Message, error) {
	msg, err := r.build(senderID, "", req)
	if err != nil {
		return nil, err
	}
	if err := r.fanout.Broadcast(ctx, models.GlobalRoom, models.EventChatMessage, msg); err != nil {
		return nil, relayerr.Wrap(relayerr.KindInternal, "broadcast global", err)
	}
	return msg, nil
}

func (r *Router) build(senderID, conversationID string, req models.ChatMessageRequest) (*models.Message, error) {
	if req.Conversation != "" && conversationID != "" && req.Conversation != conversationID {
		return nil, relayerr.Validation("conversation %q does not match this connection", req.Conversation)
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Files) == 0 {
		return nil, ErrEmptyMessage
	}
	if len(req.Content) > r.config.MaxContentBytes {
		return nil, ErrMessageTooLarge
	}
	if len(req.Files) > r.config.MaxFiles {
		return nil, ErrTooManyFiles
	}
	for _, file := range req.Files {
		if strings.TrimSpace(file.URL) == "" {
			return nil, relayerr.Validation("file reference needs a url")
		}
	}
	return &models.Message{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		SenderID:        senderID,
		ClientMessageID: strings.TrimSpace(req.ClientMessageID),
		Content:         req.Content,
		Type:            DeriveMessageType(req.Content, req.Files),
		Status:          models.StatusSent,
		Files:           req.Files,
		ReplyTo:         req.ReplyTo,
		ThreadID:        req.ThreadID,
		CreatedAt:       r.now(),
	}, nil
}

func (r *Router) route(ctx context.Context, msg *models.Message) (*models.Message, error) {
	ctx, span := r.tracer.Start(ctx, "router.route_message", trace.WithAttributes(
		attribute.String("conversation_id", msg.ConversationID),
		attribute.String("message_type", string(msg.Type)),
	))
	defer span.End()

	var (
		stored  *models.Message
		created bool
	)
	err := r.pool.Do(ctx, msg.ConversationID, func(ctx context.Context) error {
		saved, fresh, err := r.messages.InsertMessage(ctx, msg)
		if err != nil {
			return relayerr.Wrap(relayerr.KindPersistence, "insert message", err)
		}
		stored, created = saved, fresh
		if !fresh {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return nil
		}
		// The message is committed; counters and broadcasts are best-effort from here.
		if _, err := r.unread.OnNewMessage(ctx, saved.ConversationID, saved.SenderID); err != nil {
			r.logger.Warn("unread increment failed",
				"conversation_id", saved.ConversationID, "message_id", saved.ID, "error", err)
		}
		env, err := models.NewEnvelope(models.EventChatMessage, saved)
		if err != nil {
			return relayerr.Wrap(relayerr.KindInternal, "encode message", err)
		}
		env.Seq = saved.Seq
		if err := r.fanout.Send(ctx, models.ConversationRoom(saved.ConversationID), env); err != nil {
			r.logger.Warn("message broadcast failed",
				"conversation_id", saved.ConversationID, "message_id", saved.ID, "error", err)
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		span.RecordError(err)
		return nil, ErrNotAMember
	case errors.Is(err, workers.ErrQueueFull), errors.Is(err, workers.ErrClosed):
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("message not queued",
			"conversation_id", msg.ConversationID, "sender_id", msg.SenderID, "error", err)
		return nil, relayerr.Wrap(relayerr.KindInternal, "queue message", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		span.RecordError(err)
		span.SetStatus(codes.Error, "caller stopped waiting")
		r.logger.Warn("message outcome unknown: caller stopped waiting",
			"conversation_id", msg.ConversationID, "sender_id", msg.SenderID,
			"client_message_id", msg.ClientMessageID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("message persistence failed",
			"conversation_id", msg.ConversationID, "sender_id", msg.SenderID, "error", err)
		return nil, err
	}
	// Subscribers run synchronously, so publish once the worker is free.
	if created {
		r.publish(ctx, events.MessageCreated, stored.ConversationID, stored)
	}
	return stored, nil
}

// member loads the caller's membership and maps absence to ErrNotAMember.
func (r *Router) member(ctx context.Context, conversationID, userID string) (*models.ConversationMember, error) {
	if conversationID == "" || userID == "" {
		return nil, ErrNotAMember
	}
	member, err := r.conversations.GetMember(ctx, conversationID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotAMember
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindPersistence, "load member", err)
	}
	return member, nil
}

func (r *Router) publish(ctx context.Context, eventType events.Type, key string, payload any) {
	if r.events == nil {
		return
	}
	r.events.Publish(ctx, events.Event{Type: eventType, Key: key, At: r.now(), Payload: payload})
}
