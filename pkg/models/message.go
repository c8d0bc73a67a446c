package models

import (
	"mime"
	"strings"
	"time"
)

// MessageType classifies the content of a chat message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageVideo  MessageType = "video"
	MessageVoice  MessageType = "voice"
	MessageFile   MessageType = "file"
	MessageMixed  MessageType = "mixed"
	MessageSystem MessageType = "system"
)

// MessageStatus tracks delivery state of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Message is a persisted chat message within a conversation.
type Message struct {
	ID              string        `json:"id"`
	ConversationID  string        `json:"conversation_id"`
	SenderID        string        `json:"sender_id"`
	Seq             int64         `json:"seq"`
	ClientMessageID string        `json:"client_message_id,omitempty"`
	Content         string        `json:"content"`
	Type            MessageType   `json:"type"`
	Status          MessageStatus `json:"status"`
	Files           []FileRef     `json:"files,omitempty"`
	ReplyTo         string        `json:"reply_to,omitempty"`
	ThreadID        string        `json:"thread_id,omitempty"`
	ForwardedFrom   string        `json:"forwarded_from,omitempty"`
	IsEdited        bool          `json:"is_edited"`
	EditedAt        *time.Time    `json:"edited_at,omitempty"`
	IsPinned        bool          `json:"is_pinned"`
	PinnedBy        string        `json:"pinned_by,omitempty"`
	IsDeleted       bool          `json:"is_deleted,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// FileRef is an opaque reference to an uploaded file. The gateway never
// touches file bytes.
type FileRef struct {
	URL      string      `json:"url"`
	Name     string      `json:"name,omitempty"`
	MimeType string      `json:"mime_type,omitempty"`
	Size     int64       `json:"size,omitempty"`
	Kind     MessageType `json:"kind,omitempty"`
}

// Category reports the media category of the file. An explicit Kind wins,
// otherwise the MIME type (or the file extension) decides.
func (f FileRef) Category() MessageType {
	switch f.Kind {
	case MessageImage, MessageVideo, MessageVoice, MessageFile:
		return f.Kind
	}
	mimeType := strings.ToLower(strings.TrimSpace(f.MimeType))
	if mimeType == "" {
		name := f.Name
		if name == "" {
			name = f.URL
		}
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			mimeType = mime.TypeByExtension(strings.ToLower(name[idx:]))
		}
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MessageImage
	case strings.HasPrefix(mimeType, "video/"):
		return MessageVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return MessageVoice
	default:
		return MessageFile
	}
}

// Reaction is a single emoji reaction by a user on a message.
// (MessageID, UserID, Emoji) is unique.
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// User represents an authenticated user.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username,omitempty"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
