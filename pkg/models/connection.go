package models

import "time"

// ConnectionStatus is the state of a connection request between two users.
type ConnectionStatus string

const (
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionAccepted ConnectionStatus = "accepted"
	ConnectionDeclined ConnectionStatus = "declined"
)

// ConnectionRequest is a social connection between two users. Accepted
// requests form the relationship graph used for presence fan-out.
type ConnectionRequest struct {
	ID          string           `json:"id"`
	FromUserID  string           `json:"from_user_id"`
	ToUserID    string           `json:"to_user_id"`
	Status      ConnectionStatus `json:"status"`
	Message     string           `json:"message,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	RespondedAt *time.Time       `json:"responded_at,omitempty"`
}

// Other returns the counterpart of userID in the request.
func (r *ConnectionRequest) Other(userID string) string {
	if r == nil {
		return ""
	}
	if r.FromUserID == userID {
		return r.ToUserID
	}
	return r.FromUserID
}

// FriendSuggestion is a precomputed suggestion pushed to a user. Scoring
// happens elsewhere; the gateway only delivers.
type FriendSuggestion struct {
	UserID          string    `json:"user_id"`
	SuggestedUserID string    `json:"suggested_user_id"`
	Reason          string    `json:"reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}
