package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/relay/internal/events"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

// SendRequest creates a pending connection request and pushes it to the
// recipient's personal room.
func (s *Service) SendRequest(ctx context.Context, fromUserID, toUserID, message string) (*models.ConnectionRequest, error) {
	toUserID = strings.TrimSpace(toUserID)
	if toUserID == "" {
		return nil, relayerr.Validation("recipient is required")
	}
	if toUserID == fromUserID {
		return nil, ErrSelfRequest
	}
	req := &models.ConnectionRequest{
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Status:     models.ConnectionPending,
		Message:    strings.TrimSpace(message),
		CreatedAt:  s.now(),
	}
	if err := s.connections.CreateRequest(ctx, req); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrDuplicate
		}
		return nil, relayerr.Wrap(relayerr.KindPersistence, "create connection request", err)
	}
	if err := s.fanout.Broadcast(ctx, models.UserRoom(toUserID), models.EventConnectionRequest, req); err != nil {
		s.logger.Debug("connection request push failed", "user_id", toUserID, "error", err)
	}
	if _, err := s.Notify(ctx, toUserID, models.NotificationConnectionRequest, models.NotificationPayload{
		ActorID:   fromUserID,
		RequestID: req.ID,
	}); err != nil {
		s.logger.Warn("connection request notification failed", "request_id", req.ID, "error", err)
	}
	s.publish(ctx, events.ConnectionRequested, toUserID, req)
	return req, nil
}

// Respond accepts or declines a pending request addressed to userID.
func (s *Service) Respond(ctx context.Context, userID, requestID string, accept bool) (*models.ConnectionRequest, error) {
	pending, err := s.connections.ListPending(ctx, userID)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindPersistence, "list pending requests", err)
	}
	found := false
	for _, req := range pending {
		if req.ID == requestID {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrRequestNotFound
	}
	status := models.ConnectionDeclined
	if accept {
		status = models.ConnectionAccepted
	}
	req, err := s.connections.RespondRequest(ctx, requestID, status, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, relayerr.Wrap(relayerr.KindPersistence, "respond connection request", err)
	}
	if !accept {
		return req, nil
	}
	for _, id := range []string{req.FromUserID, req.ToUserID} {
		if err := s.fanout.Broadcast(ctx, models.UserRoom(id), models.EventConnectionRequest, req); err != nil {
			s.logger.Debug("connection accepted push failed", "user_id", id, "error", err)
		}
	}
	if _, err := s.Notify(ctx, req.FromUserID, models.NotificationConnectionAccepted, models.NotificationPayload{
		ActorID:   userID,
		RequestID: req.ID,
	}); err != nil {
		s.logger.Warn("connection accepted notification failed", "request_id", req.ID, "error", err)
	}
	s.publish(ctx, events.ConnectionAccepted, req.FromUserID, req)
	return req, nil
}

// Pending lists requests waiting for userID's answer.
func (s *Service) Pending(ctx context.Context, userID string) ([]*models.ConnectionRequest, error) {
	list, err := s.connections.ListPending(ctx, userID)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindPersistence, "list pending requests", err)
	}
	return list, nil
}

// Suggest stores a precomputed suggestion and pushes it when the user's
// preferences allow suggestions.
func (s *Service) Suggest(ctx context.Context, suggestion *models.FriendSuggestion) error {
	if suggestion == nil || suggestion.UserID == "" || suggestion.SuggestedUserID == "" {
		return relayerr.Validation("suggestion needs a user and a suggested user")
	}
	if suggestion.CreatedAt.IsZero() {
		suggestion.CreatedAt = s.now()
	}
	if err := s.connections.AddSuggestion(ctx, suggestion); err != nil {
		return relayerr.Wrap(relayerr.KindPersistence, "add suggestion", err)
	}
	prefs, err := s.notifications.GetPreferences(ctx, suggestion.UserID)
	if err != nil || !prefs.Allows(models.NotificationFriendSuggestion) {
		return nil
	}
	if err := s.fanout.Broadcast(ctx, models.UserRoom(suggestion.UserID), models.EventFriendSuggestion, suggestion); err != nil {
		s.logger.Debug("suggestion push failed", "user_id", suggestion.UserID, "error", err)
	}
	return nil
}

// Suggestions lists the newest suggestions for userID.
func (s *Service) Suggestions(ctx context.Context, userID string, limit int) ([]*models.FriendSuggestion, error) {
	list, err := s.connections.ListSuggestions(ctx, userID, limit)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindPersistence, "list suggestions", err)
	}
	return list, nil
}
