package models

import "time"

// NotificationType identifies what caused a notification.
type NotificationType string

const (
	NotificationMessage            NotificationType = "message"
	NotificationReaction           NotificationType = "reaction"
	NotificationConnectionRequest  NotificationType = "connection_request"
	NotificationConnectionAccepted NotificationType = "connection_accepted"
	NotificationFriendSuggestion   NotificationType = "friend_suggestion"
	NotificationSystem             NotificationType = "system"
)

// NotificationPayload carries the typed references of a notification.
type NotificationPayload struct {
	ActorID        string `json:"actor_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
	Emoji          string `json:"emoji,omitempty"`
	Preview        string `json:"preview,omitempty"`
}

// Notification is a persisted notification for a single recipient.
type Notification struct {
	ID          string              `json:"id"`
	RecipientID string              `json:"recipient_id"`
	Type        NotificationType    `json:"type"`
	Payload     NotificationPayload `json:"payload"`
	IsRead      bool                `json:"is_read"`
	CreatedAt   time.Time           `json:"created_at"`
}

// NotificationPreferences controls which notifications a user receives.
type NotificationPreferences struct {
	UserID             string `json:"user_id"`
	MuteAll            bool   `json:"mute_all"`
	Messages           bool   `json:"messages"`
	Reactions          bool   `json:"reactions"`
	ConnectionRequests bool   `json:"connection_requests"`
	FriendSuggestions  bool   `json:"friend_suggestions"`
}

// DefaultNotificationPreferences enables every notification type.
func DefaultNotificationPreferences(userID string) NotificationPreferences {
	return NotificationPreferences{
		UserID:             userID,
		Messages:           true,
		Reactions:          true,
		ConnectionRequests: true,
		FriendSuggestions:  true,
	}
}

// Allows reports whether a notification of type t should be delivered.
func (p NotificationPreferences) Allows(t NotificationType) bool {
	if p.MuteAll {
		return t == NotificationSystem
	}
	switch t {
	case NotificationMessage:
		return p.Messages
	case NotificationReaction:
		return p.Reactions
	case NotificationConnectionRequest, NotificationConnectionAccepted:
		return p.ConnectionRequests
	case NotificationFriendSuggestion:
		return p.FriendSuggestions
	default:
		return true
	}
}
