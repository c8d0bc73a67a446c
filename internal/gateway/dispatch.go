package gateway

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/relay/internal/assistant"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/internal/router"
	"github.com/haasonsaas/relay/pkg/models"
)

// handleFrame validates one inbound frame and dispatches it on the
// session's surface.
func (s *Server) handleFrame(sess *session, raw []byte) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		sess.fail("", err)
		return
	}
	s.beat(sess)

	switch env.Type {
	case models.EventHeartbeat:
		_ = sess.reply(env.RequestID, models.EventHeartbeatAck, models.HeartbeatPayload{Timestamp: time.Now().UnixMilli()})
		return
	case models.EventPing:
		_ = sess.reply(env.RequestID, models.EventPong, models.HeartbeatPayload{Timestamp: time.Now().UnixMilli()})
		return
	}

	if sess.bucket != nil && !sess.bucket.Allow() {
		s.metrics.RateLimitHit()
		sess.fail(env.RequestID, ErrRateLimited)
		return
	}

	ctx := observability.WithRequestID(sess.ctx, env.RequestID)
	ctx, span := s.tracer.Start(ctx, "relay."+string(env.Type),
		attribute.String("relay.surface", sess.surface),
		attribute.String("relay.conn_id", sess.id),
	)
	err = s.dispatch(ctx, sess, env)
	observability.RecordError(span, err)
	span.End()
	if err != nil {
		sess.fail(env.RequestID, err)
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session, env *models.Envelope) error {
	if env.Type == models.EventSetStatus {
		return s.setStatus(ctx, sess, env)
	}
	switch sess.surface {
	case SurfaceChat:
		return s.dispatchChat(ctx, sess, env)
	case SurfaceGlobal:
		return s.dispatchGlobal(ctx, sess, env)
	case SurfaceConnections:
		return s.dispatchConnections(ctx, sess, env)
	case SurfaceNotifications:
		return s.dispatchNotifications(ctx, sess, env)
	case SurfaceAssistant:
		return s.dispatchAssistant(sess, env)
	}
	return unsupported(sess, env)
}

func (s *Server) dispatchChat(ctx context.Context, sess *session, env *models.Envelope) error {
	r := s.deps.Router
	user, conv := sess.userID, sess.conversationID

	switch env.Type {
	case models.EventChatMessage:
		var req models.ChatMessageRequest
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		_, err := r.RouteMessage(ctx, user, conv, req)
		s.metrics.MessageRouted(router.DeriveMessageType(req.Content, req.Files), outcome(err))
		return err
	case models.EventReaction:
		var req models.ReactionRequest
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		_, err := r.ToggleReaction(ctx, user, conv, req)
		return err
	case models.EventTyping:
		var req models.TypingRequest
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return r.Typing(ctx, user, conv, req.IsTyping)
	case models.EventRead:
		var req models.ReadRequest
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		_, err := r.MarkRead(ctx, user, conv, req.MessageIDs)
		return err
	case models.EventEdit:
		var req models.EditRequest
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		_, err := r.EditMessage(ctx, user, conv, req)
		return err
	case models.EventDelete:
		var req models.DeleteRequest
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		return r.DeleteMessage(ctx, user, conv, req)
	case models.EventPin:
		var req models.PinRequest
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		_, err := r.SetPinned(ctx, user, conv, req)
		return err
	case models.EventForward:
		var req models.ForwardRequest
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		_, err := r.Forward(ctx, user, conv, req)
		return err
	}
	return unsupported(sess, env)
}

func (s *Server) dispatchGlobal(ctx context.Context, sess *session, env *models.Envelope) error {
	if env.Type != models.EventChatMessage {
		return unsupported(sess, env)
	}
	var req models.ChatMessageRequest
	if err := decodePayload(env, &req); err != nil {
		return err
	}
	_, err := s.deps.Router.BroadcastGlobal(ctx, sess.userID, req)
	s.metrics.MessageRouted(router.DeriveMessageType(req.Content, req.Files), outcome(err))
	return err
}

func (s *Server) dispatchConnections(ctx context.Context, sess *session, env *models.Envelope) error {
	switch env.Type {
	case models.EventConnectionRequest:
		var req models.ConnectionRequestCreate
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		created, err := s.deps.Notify.SendRequest(ctx, sess.userID, req.ToUserID, req.Message)
		if err != nil {
			return err
		}
		_ = sess.reply(env.RequestID, models.EventConnectionRequest, created)
		return nil
	case models.EventConnectionRespond:
		var req models.ConnectionRespondRequest
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		updated, err := s.deps.Notify.Respond(ctx, sess.userID, req.ID, req.Accept)
		if err != nil {
			return err
		}
		// Accepted requests reach both users through their rooms.
		if !req.Accept {
			_ = sess.reply(env.RequestID, models.EventConnectionRequest, updated)
		}
		return nil
	}
	return unsupported(sess, env)
}

func (s *Server) dispatchNotifications(ctx context.Context, sess *session, env *models.Envelope) error {
	if env.Type != models.EventNotificationRead {
		return unsupported(sess, env)
	}
	var req models.NotificationReadRequest
	if err := decodePayload(env, &req); err != nil {
		return err
	}
	_, err := s.deps.Notify.MarkRead(ctx, sess.userID, req.IDs)
	return err
}

func (s *Server) dispatchAssistant(sess *session, env *models.Envelope) error {
	switch env.Type {
	case models.EventAssistantMessage:
		var req models.AssistantRequest
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		// The stream outlives this frame, so it hangs off the session context.
		_, err := sess.streams.Start(sess.ctx, env.RequestID, assistant.Request{
			Model:  req.Model,
			Prompt: req.Prompt,
		}, s.assistantEmitter(sess))
		return err
	case models.EventStopStream:
		var req models.StopStreamRequest
		if err := decodePayload(env, &req); err != nil {
			return err
		}
		sess.streams.Stop(req.StreamID)
		return nil
	}
	return unsupported(sess, env)
}

func (s *Server) assistantEmitter(sess *session) assistant.Emitter {
	provider := "none"
	if s.deps.Assistant != nil {
		provider = s.deps.Assistant.Name()
	}
	return func(eventType models.EventType, payload any) error {
		if done, ok := payload.(models.AssistantDone); ok {
			s.metrics.AssistantStreamFinished(provider, done.Reason)
		}
		return sess.emit(eventType, payload)
	}
}

func (s *Server) setStatus(ctx context.Context, sess *session, env *models.Envelope) error {
	var req models.SetStatusRequest
	if err := decodePayload(env, &req); err != nil {
		return err
	}
	p, err := s.deps.Presence.RequestStatus(ctx, sess.userID, req.Status)
	if err != nil {
		return err
	}
	_ = sess.reply(env.RequestID, models.EventOnlineStatusChange, models.PresenceChanged{
		UserID:     p.UserID,
		Status:     p.Status,
		IsOnline:   p.IsOnline(),
		LastActive: p.LastActive,
	})
	return nil
}

func decodePayload(env *models.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return relayerr.Validation("malformed %s payload", env.Type)
	}
	return nil
}

func unsupported(sess *session, env *models.Envelope) error {
	return relayerr.Validation("%s is not supported on the %s surface", env.Type, sess.surface)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(relayerr.KindOf(err))
}

// decodeEnvelope checks raw against the envelope schema and the payload
// schema of its type.
func decodeEnvelope(raw []byte) (*models.Envelope, error) {
	frame, err := checkFrame(raw)
	if err != nil {
		return nil, err
	}
	canonical, err := json.Marshal(frame)
	if err != nil {
		return nil, relayerr.Wrap(relayerr.KindInternal, "encode frame", err)
	}
	var env models.Envelope
	if err := json.Unmarshal(canonical, &env); err != nil {
		return nil, relayerr.Validation("malformed frame")
	}
	return &env, nil
}
