// Package unread maintains per-member unread counters and pushes the
// authoritative value to each member's personal room.
package unread

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/relay/internal/channellayer"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

// ErrNotAMember is returned by OnRead for users outside the conversation.
var ErrNotAMember = relayerr.New(relayerr.KindMembership, "not a member of this conversation")

// Counter updates unread counters through atomic store increments.
type Counter struct {
	store  storage.ConversationStore
	fanout channellayer.Broadcaster
	logger *slog.Logger
	now    func() time.Time
}

// NewCounter creates a counter.
func NewCounter(store storage.ConversationStore, fanout channellayer.Broadcaster, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{store: store, fanout: fanout, logger: logger.With("component", "unread"), now: time.Now}
}

// OnNewMessage increments the counter of every member except senderID and
// pushes each new value. It returns the updated members.
func (c *Counter) OnNewMessage(ctx context.Context, conversationID, senderID string) ([]*models.ConversationMember, error) {
	members, err := c.store.IncrementUnread(ctx, conversationID, senderID)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindPersistence, "increment unread", err)
	}
	for _, member := range members {
		c.push(ctx, member)
	}
	return members, nil
}

// OnRead zeroes the member's counter, stamps last_read and pushes the zero.
func (c *Counter) OnRead(ctx context.Context, conversationID, userID string) (*models.ConversationMember, error) {
	member, err := c.store.ResetUnread(ctx, conversationID, userID, c.now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotAMember
		}
		return nil, relayerr.Wrap(relayerr.KindPersistence, "reset unread", err)
	}
	c.push(ctx, member)
	return member, nil
}

// push is best effort; the next update carries the full value again.
func (c *Counter) push(ctx context.Context, member *models.ConversationMember) {
	if c.fanout == nil {
		return
	}
	update := models.UnreadCountUpdate{
		ConversationID: member.ConversationID,
		UserID:         member.UserID,
		Count:          member.UnreadCount,
		Muted:          member.Muted,
	}
	if err := c.fanout.Broadcast(ctx, models.UserRoom(member.UserID), models.EventUnreadCountUpdate, update); err != nil {
		c.logger.Warn("push unread count failed",
			"conversation_id", member.ConversationID,
			"user_id", member.UserID,
			"error", err,
		)
	}
}
