package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

// UserStore persists user identities.
type UserStore interface {
	// Create stores the user together with an offline presence record.
	Create(ctx context.Context, user *models.User) error
	Get(ctx context.Context, id string) (*models.User, error)
}

// PresenceStore persists presence records.
type PresenceStore interface {
	GetPresence(ctx context.Context, userID string) (*models.Presence, error)
	// SetPresence stores status and lastActive and returns the previous status.
	SetPresence(ctx context.Context, userID string, status models.PresenceStatus, lastActive time.Time) (models.PresenceStatus, error)
	// ListStalePresence returns non-offline records whose last activity is before cutoff.
	ListStalePresence(ctx context.Context, cutoff time.Time, limit int) ([]*models.Presence, error)
}

// ConversationStore persists conversations, membership and unread counters.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *models.Conversation, members []*models.ConversationMember) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// GetMember returns ErrNotFound when userID is not a member.
	GetMember(ctx context.Context, conversationID, userID string) (*models.ConversationMember, error)
	ListMembers(ctx context.Context, conversationID string) ([]*models.ConversationMember, error)
	ListConversationIDs(ctx context.Context, userID string) ([]string, error)
	// IncrementUnread atomically adds one to every member except exceptUserID
	// and returns the affected members with their new counters.
	IncrementUnread(ctx context.Context, conversationID, exceptUserID string) ([]*models.ConversationMember, error)
	// ResetUnread zeroes the counter of one member and stamps last_read.
	ResetUnread(ctx context.Context, conversationID, userID string, at time.Time) (*models.ConversationMember, error)
}

// MessageStore persists messages and reactions.
type MessageStore interface {
	// InsertMessage assigns the next conversation sequence and stores msg in
	// one transaction. When a message with the same conversation, sender and
	// client message id already exists it is returned with created=false.
	InsertMessage(ctx context.Context, msg *models.Message) (stored *models.Message, created bool, err error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]*models.Message, error)
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) (*models.Message, error)
	SetPinned(ctx context.Context, id string, pinned bool, by string) (*models.Message, error)
	MarkDeleted(ctx context.Context, id string) (*models.Message, error)
	// MarkRead moves the listed messages not sent by readerID to read and
	// returns the ids that actually changed.
	MarkRead(ctx context.Context, conversationID, readerID string, ids []string) ([]string, error)
	// ToggleReaction adds the reaction if absent, removes it otherwise, and
	// returns the resulting selection state and the emoji's count.
	ToggleReaction(ctx context.Context, reaction *models.Reaction) (selected bool, count int, err error)
}

// ConnectionStore persists the social graph between users.
type ConnectionStore interface {
	CreateRequest(ctx context.Context, req *models.ConnectionRequest) error
	RespondRequest(ctx context.Context, id string, status models.ConnectionStatus, at time.Time) (*models.ConnectionRequest, error)
	ListPending(ctx context.Context, userID string) ([]*models.ConnectionRequest, error)
	AddSuggestion(ctx context.Context, suggestion *models.FriendSuggestion) error
	ListSuggestions(ctx context.Context, userID string, limit int) ([]*models.FriendSuggestion, error)
	// RelatedUsers returns conversation partners and accepted connections.
	RelatedUsers(ctx context.Context, userID string) ([]string, error)
}

// NotificationStore persists notifications and per-user preferences.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]*models.Notification, error)
	MarkNotificationsRead(ctx context.Context, recipientID string, ids []string) (int, error)
	GetPreferences(ctx context.Context, userID string) (models.NotificationPreferences, error)
	SavePreferences(ctx context.Context, prefs models.NotificationPreferences) error
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Users         UserStore
	Presence      PresenceStore
	Conversations ConversationStore
	Messages      MessageStore
	Connections   ConnectionStore
	Notifications NotificationStore
	closer        func() error
	pinger        func(context.Context) error
}

// Ping checks the backing database. In-memory sets always answer.
func (s StoreSet) Ping(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	return s.pinger(ctx)
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
