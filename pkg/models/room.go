package models

import (
	"fmt"
	"strings"
)

// RoomKey names a broadcast group: conversation:<id>, user:<id> or global.
type RoomKey string

// GlobalRoom is the lobby every authenticated global-chat connection joins.
const GlobalRoom RoomKey = "global"

const (
	roomKindConversation = "conversation"
	roomKindUser         = "user"
)

// ConversationRoom returns the room of a conversation.
func ConversationRoom(conversationID string) RoomKey {
	return RoomKey(roomKindConversation + ":" + conversationID)
}

// UserRoom returns the personal room of a user.
func UserRoom(userID string) RoomKey {
	return RoomKey(roomKindUser + ":" + userID)
}

// Kind returns "conversation", "user" or "global".
func (k RoomKey) Kind() string {
	if k == GlobalRoom {
		return string(GlobalRoom)
	}
	kind, _, _ := strings.Cut(string(k), ":")
	return kind
}

// ID returns the identifier part of the key, empty for the global room.
func (k RoomKey) ID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

func (k RoomKey) String() string { return string(k) }

// ParseRoomKey validates a room key string.
func ParseRoomKey(raw string) (RoomKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == string(GlobalRoom) {
		return GlobalRoom, nil
	}
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("invalid room key %q", raw)
	}
	switch kind {
	case roomKindConversation, roomKindUser:
		return RoomKey(raw), nil
	default:
		return "", fmt.Errorf("invalid room kind %q", kind)
	}
}
