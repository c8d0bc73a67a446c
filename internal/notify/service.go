// Package notify persists notifications, delivers them to personal rooms and
// runs the connection request and friend suggestion flows.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/relay/internal/channellayer"
	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/internal/router"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/internal/workers"
	"github.com/haasonsaas/relay/pkg/models"
)

var (
	ErrRequestNotFound = relayerr.New(relayerr.KindValidation, "connection request not found")
	ErrDuplicate       = relayerr.New(relayerr.KindValidation, "connection request already exists")
	ErrSelfRequest     = relayerr.New(relayerr.KindValidation, "cannot connect to yourself")
)

const previewRunes = 80

// PresenceReader reports whether a recipient is connected.
type PresenceReader interface {
	GetPresence(ctx context.Context, userID string) (*models.Presence, error)
}

// Service owns notification delivery.
type Service struct {
	notifications storage.NotificationStore
	connections   storage.ConnectionStore
	conversations storage.ConversationStore
	presence      PresenceReader
	fanout        channellayer.Broadcaster
	events        events.Publisher
	pool          *workers.Pool
	logger        *slog.Logger
	now           func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithEvents publishes notification and connection events.
func WithEvents(publisher events.Publisher) Option {
	return func(s *Service) { s.events = publisher }
}

// WithPool runs event-driven notifications on pool instead of inline.
func WithPool(pool *workers.Pool) Option {
	return func(s *Service) { s.pool = pool }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the notification service.
func NewService(stores storage.StoreSet, fanout channellayer.Broadcaster, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		notifications: stores.Notifications,
		connections:   stores.Connections,
		conversations: stores.Conversations,
		presence:      stores.Presence,
		fanout:        fanout,
		logger:        logger.With("component", "notify"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify persists a notification for recipientID and pushes it to their
// personal room. It returns nil without error when the recipient's
// preferences suppress the type.
func (s *Service) Notify(ctx context.Context, recipientID string, kind models.NotificationType, payload models.NotificationPayload) (*models.Notification, error) {
	prefs, err := s.notifications.GetPreferences(ctx, recipientID)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindPersistence, "load preferences", err)
	}
	if !prefs.Allows(kind) {
		return nil, nil
	}
	n := &models.Notification{
		RecipientID: recipientID,
		Type:        kind,
		Payload:     payload,
		CreatedAt:   s.now(),
	}
	if err := s.notifications.CreateNotification(ctx, n); err != nil {
		return nil, relayerr.Wrap(relayerr.KindPersistence, "create notification", err)
	}
	if err := s.fanout.Broadcast(ctx, models.UserRoom(recipientID), models.EventNotification, n); err != nil {
		s.logger.Debug("notification push failed", "user_id", recipientID, "error", err)
	}
	s.publish(ctx, events.NotificationCreated, recipientID, n)
	return n, nil
}

// List returns the newest notifications of userID.
func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*models.Notification, error) {
	list, err := s.notifications.ListNotifications(ctx, userID, unreadOnly, limit)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindPersistence, "list notifications", err)
	}
	return list, nil
}

// MarkRead marks the caller's notifications as read and returns how many changed.
func (s *Service) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, relayerr.Validation("ids is required")
	}
	n, err := s.notifications.MarkNotificationsRead(ctx, userID, ids)
	if err != nil {
		return 0, relayerr.Wrap(relayerr.KindPersistence, "mark notifications read", err)
	}
	return n, nil
}

// Preferences returns the typed preferences of userID.
func (s *Service) Preferences(ctx context.Context, userID string) (models.NotificationPreferences, error) {
	prefs, err := s.notifications.GetPreferences(ctx, userID)
	if err != nil {
		return prefs, relayerr.Wrap(relayerr.KindPersistence, "load preferences", err)
	}
	return prefs, nil
}

// SavePreferences stores prefs for their user.
func (s *Service) SavePreferences(ctx context.Context, prefs models.NotificationPreferences) error {
	if err := s.notifications.SavePreferences(ctx, prefs); err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			return relayerr.Validation("preferences need a user id")
		}
		return relayerr.Wrap(relayerr.KindPersistence, "save preferences", err)
	}
	return nil
}

// Subscribe wires the service to the domain events it reacts to.
func (s *Service) Subscribe(bus *events.Bus) {
	bus.Subscribe(s.handleMessage, events.MessageCreated)
	bus.Subscribe(s.handleReaction, events.ReactionToggled)
}

// handleMessage notifies offline members of a new message. Online members
// already see it on their sockets.
func (s *Service) handleMessage(ctx context.Context, event events.Event) {
	msg, ok := event.Payload.(*models.Message)
	if !ok || msg == nil {
		return
	}
	s.dispatch(ctx, msg.ConversationID, func(ctx context.Context) error {
		members, err := s.conversations.ListMembers(ctx, msg.ConversationID)
		if err != nil {
			return err
		}
		payload := models.NotificationPayload{
			ActorID:        msg.SenderID,
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			Preview:        preview(msg.Content),
		}
		for _, member := range members {
			if member.UserID == msg.SenderID || member.Muted {
				continue
			}
			presence, err := s.presence.GetPresence(ctx, member.UserID)
			if err == nil && presence.IsOnline() {
				continue
			}
			if _, err := s.Notify(ctx, member.UserID, models.NotificationMessage, payload); err != nil {
				s.logger.Warn("message notification failed", "user_id", member.UserID, "message_id", msg.ID, "error", err)
			}
		}
		return nil
	})
}

func (s *Service) handleReaction(ctx context.Context, event events.Event) {
	reaction, ok := event.Payload.(router.ReactionEvent)
	if !ok || !reaction.IsSelected || reaction.MessageSenderID == "" || reaction.MessageSenderID == reaction.UserID {
		return
	}
	s.dispatch(ctx, reaction.MessageSenderID, func(ctx context.Context) error {
		_, err := s.Notify(ctx, reaction.MessageSenderID, models.NotificationReaction, models.NotificationPayload{
			ActorID:        reaction.UserID,
			ConversationID: reaction.ConversationID,
			MessageID:      reaction.MessageID,
			Emoji:          reaction.Emoji,
		})
		return err
	})
}

// dispatch runs task on the pool when one is configured. Bus handlers must
// not block the publishing conversation worker.
func (s *Service) dispatch(ctx context.Context, key string, task workers.Task) {
	if s.pool == nil {
		if err := task(ctx); err != nil {
			s.logger.Warn("notification task failed", "key", key, "error", err)
		}
		return
	}
	err := s.pool.Go(ctx, "notify:"+key, func(ctx context.Context) error {
		if err := task(ctx); err != nil {
			s.logger.Warn("notification task failed", "key", key, "error", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("notification dropped", "key", key, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, eventType events.Type, key string, payload any) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, events.Event{Type: eventType, Key: key, At: s.now(), Payload: payload})
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewRunes]) + "…"
}
