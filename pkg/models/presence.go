package models

import (
	"fmt"
	"strings"
	"time"
)

// PresenceStatus is a user's visible availability.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// ParsePresenceStatus normalizes and validates a status string.
func ParsePresenceStatus(raw string) (PresenceStatus, error) {
	status := PresenceStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown presence status %q", raw)
	}
	return status, nil
}

// Presence is the persisted presence record of a user.
type Presence struct {
	UserID     string         `json:"user_id"`
	Status     PresenceStatus `json:"status"`
	LastActive time.Time      `json:"last_active"`
}

// IsOnline reports whether the user has at least one live session.
// Away and busy users are still connected.
func (p *Presence) IsOnline() bool {
	return p != nil && p.Status != "" && p.Status != PresenceOffline
}
