package models

import (
	"encoding/json"
	"errors"
	"time"
)

// EventType is the "type" discriminator of a WebSocket envelope.
type EventType string

// Client to server events.
const (
	EventChatMessage       EventType = "chat_message"
	EventReaction          EventType = "reaction"
	EventTyping            EventType = "typing"
	EventRead              EventType = "read"
	EventPing              EventType = "ping"
	EventHeartbeat         EventType = "heartbeat"
	EventStopStream        EventType = "stop_stream"
	EventEdit              EventType = "edit"
	EventDelete            EventType = "delete"
	EventPin               EventType = "pin"
	EventForward           EventType = "forward"
	EventSetStatus         EventType = "set_status"
	EventAssistantMessage  EventType = "assistant_message"
	EventNotificationRead  EventType = "notification_read"
	EventConnectionRespond EventType = "connection_respond"
)

// Server to client events. chat_message, typing, heartbeat and
// connection_request are shared with the inbound set.
const (
	EventReactionUpdate     EventType = "reaction_update"
	EventMessageStatus      EventType = "message_status"
	EventUnreadCountUpdate  EventType = "unread_count_update"
	EventHeartbeatAck       EventType = "heartbeat_ack"
	EventPong               EventType = "pong"
	EventOnlineStatusChange EventType = "online_status_change"
	EventError              EventType = "error"
	EventMessageUpdated     EventType = "message_updated"
	EventMessageDeleted     EventType = "message_deleted"
	EventMessagePinned      EventType = "message_pinned"
	EventNotification       EventType = "notification"
	EventConnectionRequest  EventType = "connection_request"
	EventFriendSuggestion   EventType = "friend_suggestion"
	EventAssistantChunk     EventType = "assistant_chunk"
	EventAssistantDone      EventType = "assistant_done"
	EventConnected          EventType = "connected"
)

// Envelope is the JSON frame exchanged over every WebSocket surface.
type Envelope struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
}

// NewEnvelope encodes payload into an envelope of the given type.
func NewEnvelope(eventType EventType, payload any) (*Envelope, error) {
	env := &Envelope{Type: eventType, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if e == nil {
		return errors.New("nil envelope")
	}
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// ChatMessageRequest is the payload of an inbound chat_message.
type ChatMessageRequest struct {
	// Conversation is optional on /chat/{id}; when set it must match the
	// connection's conversation.
	Conversation    string    `json:"conversation,omitempty"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	Content         string    `json:"content,omitempty"`
	Files           []FileRef `json:"files,omitempty"`
	ReplyTo         string    `json:"replyTo,omitempty"`
	ThreadID        string    `json:"threadId,omitempty"`
}

// ReactionRequest toggles a reaction.
type ReactionRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// TypingRequest reports typing activity in the connection's conversation.
type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// ReadRequest acknowledges a batch of messages as read.
type ReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// EditRequest replaces the content of a message.
type EditRequest struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// DeleteRequest removes a message.
type DeleteRequest struct {
	MessageID string `json:"messageId"`
}

// PinRequest pins or unpins a message.
type PinRequest struct {
	MessageID string `json:"messageId"`
	Pinned    bool   `json:"pinned"`
}

// ForwardRequest copies a message into another conversation.
type ForwardRequest struct {
	MessageID            string `json:"messageId"`
	TargetConversationID string `json:"targetConversationId"`
	ClientMessageID      string `json:"clientMessageId,omitempty"`
}

// SetStatusRequest changes the caller's presence.
type SetStatusRequest struct {
	Status PresenceStatus `json:"status"`
}

// AssistantRequest starts an assistant stream.
type AssistantRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// StopStreamRequest cancels a running assistant stream. An empty StreamID
// cancels every stream of the connection.
type StopStreamRequest struct {
	StreamID string `json:"streamId,omitempty"`
}

// NotificationReadRequest marks notifications as read.
type NotificationReadRequest struct {
	IDs []string `json:"ids"`
}

// ConnectionRequestCreate is the payload of an inbound connection_request.
type ConnectionRequestCreate struct {
	ToUserID string `json:"toUserId"`
	Message  string `json:"message,omitempty"`
}

// ConnectionRespondRequest accepts or declines a pending connection request.
type ConnectionRespondRequest struct {
	ID     string `json:"id"`
	Accept bool   `json:"accept"`
}

// ReactionUpdate is broadcast after a reaction is toggled.
type ReactionUpdate struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	Emoji          string `json:"emoji"`
	IsSelected     bool   `json:"isSelected"`
	Count          int    `json:"count"`
}

// TypingUpdate is broadcast when a member starts or stops typing.
type TypingUpdate struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageStatusUpdate is broadcast when messages change delivery status.
type MessageStatusUpdate struct {
	ConversationID string        `json:"conversationId"`
	MessageIDs     []string      `json:"messageIds"`
	Status         MessageStatus `json:"status"`
	UserID         string        `json:"userId"`
}

// UnreadCountUpdate carries the authoritative unread counter of one member.
type UnreadCountUpdate struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Count          int    `json:"count"`
	Muted          bool   `json:"muted,omitempty"`
}

// PresenceChanged is broadcast when a user's status changes.
type PresenceChanged struct {
	UserID     string         `json:"userId"`
	Status     PresenceStatus `json:"status"`
	IsOnline   bool           `json:"isOnline"`
	LastActive time.Time      `json:"lastActive"`
}

// MessageDeleted is broadcast when a message is removed.
type MessageDeleted struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	DeletedBy      string `json:"deletedBy"`
}

// MessagePinned is broadcast when a message is pinned or unpinned.
type MessagePinned struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Pinned         bool   `json:"pinned"`
	PinnedBy       string `json:"pinnedBy,omitempty"`
}

// ErrorPayload is sent to the originating connection only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatPayload is the server probe and the ack body.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
	Missed    int   `json:"missed,omitempty"`
}

// AssistantChunk is one streamed piece of an assistant reply.
type AssistantChunk struct {
	StreamID string `json:"streamId"`
	Delta    string `json:"delta"`
}

// AssistantDone terminates an assistant stream.
type AssistantDone struct {
	StreamID string `json:"streamId"`
	Reason   string `json:"reason"`
	Error    string `json:"error,omitempty"`
}

// Connected is the first frame after a successful handshake.
type Connected struct {
	ConnectionID        string    `json:"connectionId"`
	UserID              string    `json:"userId"`
	Surface             string    `json:"surface"`
	Rooms               []RoomKey `json:"rooms"`
	HeartbeatIntervalMs int64     `json:"heartbeatIntervalMs"`
}
