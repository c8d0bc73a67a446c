package models

import "time"

// ConversationKind distinguishes one-to-one from group conversations.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation is a chat thread. LastSeq is the sequence number of the
// newest message and only ever grows.
type Conversation struct {
	ID        string           `json:"id"`
	Kind      ConversationKind `json:"kind"`
	Title     string           `json:"title,omitempty"`
	LastSeq   int64            `json:"last_seq"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// MemberRole is a member's permission level inside a conversation.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// ConversationMember links a user to a conversation together with
// per-member read state.
type ConversationMember struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Role           MemberRole `json:"role"`
	UnreadCount    int        `json:"unread_count"`
	LastRead       *time.Time `json:"last_read,omitempty"`
	Muted          bool       `json:"muted"`
	Pinned         bool       `json:"pinned"`
	JoinedAt       time.Time  `json:"joined_at"`
}

// CanModerate reports whether the member may pin or delete other members' messages.
func (m *ConversationMember) CanModerate() bool {
	return m != nil && (m.Role == RoleOwner || m.Role == RoleAdmin)
}
