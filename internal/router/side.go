package router

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

// ReactionEvent is published after a reaction toggle commits.
type ReactionEvent struct {
	models.ReactionUpdate
	MessageSenderID string `json:"messageSenderId"`
}

// ValidEmoji reports whether emoji can be stored as a reaction.
func ValidEmoji(emoji string) bool {
	if emoji == "" || len(emoji) > maxEmojiBytes {
		return false
	}
	return !strings.ContainsFunc(emoji, unicode.IsSpace)
}

// ToggleReaction adds the caller's reaction when absent and removes it otherwise.
func (r *Router) ToggleReaction(ctx context.Context, userID, conversationID string, req models.ReactionRequest) (*models.ReactionUpdate, error) {
	if !ValidEmoji(req.Emoji) {
		return nil, ErrInvalidEmoji
	}
	if _, err := r.member(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msg, err := r.conversationMessage(ctx, conversationID, req.MessageID)
	if err != nil {
		return nil, err
	}

	var update *models.ReactionUpdate
	err = r.pool.Do(ctx, conversationID, func(ctx context.Context) error {
		selected, count, err := r.messages.ToggleReaction(ctx, &models.Reaction{
			MessageID: msg.ID,
			UserID:    userID,
			Emoji:     req.Emoji,
			CreatedAt: r.now(),
		})
		if err != nil {
			return relayerr.Wrap(relayerr.KindPersistence, "toggle reaction", err)
		}
		update = &models.ReactionUpdate{
			ConversationID: conversationID,
			MessageID:      msg.ID,
			UserID:         userID,
			Emoji:          req.Emoji,
			IsSelected:     selected,
			Count:          count,
		}
		r.broadcast(ctx, conversationID, models.EventReactionUpdate, update)
		return nil
	})
	if err != nil {
		r.logFailure("reaction", conversationID, userID, err)
		return nil, err
	}
	r.publish(ctx, events.ReactionToggled, conversationID, ReactionEvent{ReactionUpdate: *update, MessageSenderID: msg.SenderID})
	return update, nil
}

// Typing starts or stops the caller's typing indicator. Only transitions
// are broadcast; indicators expire on their own after the TTL.
func (r *Router) Typing(ctx context.Context, userID, conversationID string, isTyping bool) error {
	if conversationID == "" || userID == "" {
		return ErrNotAMember
	}
	var changed bool
	if isTyping {
		changed = r.typing.Start(conversationID, userID)
	} else {
		changed = r.typing.Stop(conversationID, userID)
	}
	if !changed {
		return nil
	}
	return r.fanout.Broadcast(ctx, models.ConversationRoom(conversationID), models.EventTyping, models.TypingUpdate{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})
}

func (r *Router) typingExpired(conversationID, userID string) {
	err := r.fanout.Broadcast(context.Background(), models.ConversationRoom(conversationID), models.EventTyping, models.TypingUpdate{
		ConversationID: conversationID,
		UserID:         userID,
	})
	if err != nil {
		r.logger.Debug("typing expiry broadcast failed", "conversation_id", conversationID, "user_id", userID, "error", err)
	}
}

// MarkRead moves the listed messages to read for userID, resets the unread
// counter and tells the room which messages changed.
func (r *Router) MarkRead(ctx context.Context, userID, conversationID string, messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, relayerr.Validation("messageIds is required")
	}
	if _, err := r.member(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	var (
		changed []string
		update  models.MessageStatusUpdate
	)
	err := r.pool.Do(ctx, conversationID, func(ctx context.Context) error {
		ids, err := r.messages.MarkRead(ctx, conversationID, userID, messageIDs)
		if err != nil {
			return relayerr.Wrap(relayerr.KindPersistence, "mark read", err)
		}
		changed = ids
		if _, err := r.unread.OnRead(ctx, conversationID, userID); err != nil {
			r.logger.Warn("unread reset failed", "conversation_id", conversationID, "user_id", userID, "error", err)
		}
		if len(ids) == 0 {
			return nil
		}
		update = models.MessageStatusUpdate{
			ConversationID: conversationID,
			MessageIDs:     ids,
			Status:         models.StatusRead,
			UserID:         userID,
		}
		r.broadcast(ctx, conversationID, models.EventMessageStatus, update)
		return nil
	})
	if err != nil {
		r.logFailure("read", conversationID, userID, err)
		return nil, err
	}
	if len(changed) > 0 {
		r.publish(ctx, events.MessagesRead, conversationID, update)
	}
	return changed, nil
}

// EditMessage replaces the content of one of the caller's own messages.
func (r *Router) EditMessage(ctx context.Context, userID, conversationID string, req models.EditRequest) (*models.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyMessage
	}
	if len(req.Content) > r.config.MaxContentBytes {
		return nil, ErrMessageTooLarge
	}
	if _, err := r.member(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msg, err := r.conversationMessage(ctx, conversationID, req.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, ErrForbidden
	}
	return r.mutate(ctx, "edit", userID, msg, models.EventMessageUpdated, events.MessageUpdated,
		func(ctx context.Context) (*models.Message, error) {
			return r.messages.UpdateContent(ctx, msg.ID, req.Content, r.now())
		})
}

// SetPinned pins or unpins a message. Owners and admins may pin in any
// conversation; in direct conversations every member may.
func (r *Router) SetPinned(ctx context.Context, userID, conversationID string, req models.PinRequest) (*models.Message, error) {
	member, err := r.member(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !member.CanModerate() {
		conv, err := r.conversations.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, relayerr.Wrap(relayerr.KindPersistence, "load conversation", err)
		}
		if conv.Kind != models.ConversationDirect {
			return nil, ErrForbidden
		}
	}
	msg, err := r.conversationMessage(ctx, conversationID, req.MessageID)
	if err != nil {
		return nil, err
	}

	var stored *models.Message
	err = r.pool.Do(ctx, conversationID, func(ctx context.Context) error {
		saved, err := r.messages.SetPinned(ctx, msg.ID, req.Pinned, userID)
		if err != nil {
			return relayerr.Wrap(relayerr.KindPersistence, "pin message", err)
		}
		stored = saved
		r.broadcast(ctx, conversationID, models.EventMessagePinned, models.MessagePinned{
			ConversationID: conversationID,
			MessageID:      saved.ID,
			Pinned:         saved.IsPinned,
			PinnedBy:       saved.PinnedBy,
		})
		return nil
	})
	if err != nil {
		r.logFailure("pin", conversationID, userID, err)
		return nil, err
	}
	r.publish(ctx, events.MessageUpdated, conversationID, stored)
	return stored, nil
}

// DeleteMessage soft-deletes a message. The sender, owners and admins may delete.
func (r *Router) DeleteMessage(ctx context.Context, userID, conversationID string, req models.DeleteRequest) error {
	member, err := r.member(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	msg, err := r.conversationMessage(ctx, conversationID, req.MessageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID && !member.CanModerate() {
		return ErrForbidden
	}
	deleted := models.MessageDeleted{ConversationID: conversationID, MessageID: msg.ID, DeletedBy: userID}
	err = r.pool.Do(ctx, conversationID, func(ctx context.Context) error {
		if _, err := r.messages.MarkDeleted(ctx, msg.ID); err != nil {
			return relayerr.Wrap(relayerr.KindPersistence, "delete message", err)
		}
		r.broadcast(ctx, conversationID, models.EventMessageDeleted, deleted)
		return nil
	})
	if err != nil {
		r.logFailure("delete", conversationID, userID, err)
		return err
	}
	r.publish(ctx, events.MessageDeleted, conversationID, deleted)
	return nil
}

// Forward copies a message from conversationID into the target conversation.
// The caller must be a member of both.
func (r *Router) Forward(ctx context.Context, userID, conversationID string, req models.ForwardRequest) (*models.Message, error) {
	if req.TargetConversationID == "" {
		return nil, relayerr.Validation("targetConversationId is required")
	}
	if _, err := r.member(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	source, err := r.conversationMessage(ctx, conversationID, req.MessageID)
	if err != nil {
		return nil, err
	}
	if _, err := r.member(ctx, req.TargetConversationID, userID); err != nil {
		return nil, err
	}
	msg, err := r.build(userID, req.TargetConversationID, models.ChatMessageRequest{
		ClientMessageID: req.ClientMessageID,
		Content:         source.Content,
		Files:           source.Files,
	})
	if err != nil {
		return nil, err
	}
	msg.ForwardedFrom = source.ID
	return r.route(ctx, msg)
}

// ClearTyping stops every indicator of userID, used when the last session
// of the user closes.
func (r *Router) ClearTyping(ctx context.Context, userID string) {
	for _, conversationID := range r.typing.StopUser(userID) {
		_ = r.fanout.Broadcast(ctx, models.ConversationRoom(conversationID), models.EventTyping, models.TypingUpdate{
			ConversationID: conversationID,
			UserID:         userID,
		})
	}
}

func (r *Router) mutate(ctx context.Context, op, userID string, msg *models.Message, eventType models.EventType,
	domainEvent events.Type, fn func(context.Context) (*models.Message, error)) (*models.Message, error) {
	var stored *models.Message
	err := r.pool.Do(ctx, msg.ConversationID, func(ctx context.Context) error {
		saved, err := fn(ctx)
		if err != nil {
			return relayerr.Wrap(relayerr.KindPersistence, op+" message", err)
		}
		stored = saved
		r.broadcast(ctx, saved.ConversationID, eventType, saved)
		return nil
	})
	if err != nil {
		r.logFailure(op, msg.ConversationID, userID, err)
		return nil, err
	}
	r.publish(ctx, domainEvent, stored.ConversationID, stored)
	return stored, nil
}

// conversationMessage loads a live message and checks it belongs to conversationID.
func (r *Router) conversationMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	if strings.TrimSpace(messageID) == "" {
		return nil, relayerr.Validation("messageId is required")
	}
	msg, err := r.messages.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindPersistence, "load message", err)
	}
	if msg.ConversationID != conversationID || msg.IsDeleted {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

func (r *Router) broadcast(ctx context.Context, conversationID string, eventType models.EventType, payload any) {
	if err := r.fanout.Broadcast(ctx, models.ConversationRoom(conversationID), eventType, payload); err != nil {
		r.logger.Warn("broadcast failed", "conversation_id", conversationID, "event", eventType, "error", err)
	}
}

func (r *Router) logFailure(op, conversationID, userID string, err error) {
	if relayerr.KindOf(err) != relayerr.KindPersistence {
		return
	}
	r.logger.Error("conversation update failed", "op", op, "conversation_id", conversationID, "sender_id", userID, "error", err)
}
