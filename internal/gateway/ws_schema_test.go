package gateway

import (
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/pkg/models"
)

func TestValidateFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr string
	}{
		{name: "chat message", frame: `{"type":"chat_message","requestId":"r1","payload":{"content":"hi"}}`},
		{name: "files only", frame: `{"type":"chat_message","payload":{"files":[{"url":"https://cdn/x.png"}]}}`},
		{name: "heartbeat without payload", frame: `{"type":"heartbeat"}`},
		{name: "null payload", frame: `{"type":"ping","payload":null}`},
		{name: "stop all streams", frame: `{"type":"stop_stream","payload":{}}`},
		{name: "not json", frame: `hello`, wantErr: "JSON object"},
		{name: "array frame", frame: `[1,2]`, wantErr: "JSON object"},
		{name: "missing type", frame: `{"payload":{}}`, wantErr: "invalid envelope"},
		{name: "unknown type", frame: `{"type":"teleport"}`, wantErr: "invalid envelope"},
		{name: "extra envelope field", frame: `{"type":"ping","extra":1}`, wantErr: "invalid envelope"},
		{name: "empty chat message", frame: `{"type":"chat_message","payload":{}}`, wantErr: "chat_message payload"},
		{name: "file without url", frame: `{"type":"chat_message","payload":{"files":[{"name":"a"}]}}`, wantErr: "chat_message payload"},
		{name: "typing needs flag", frame: `{"type":"typing","payload":{}}`, wantErr: "typing payload"},
		{name: "typing flag type", frame: `{"type":"typing","payload":{"isTyping":"yes"}}`, wantErr: "typing payload"},
		{name: "read needs ids", frame: `{"type":"read","payload":{"messageIds":[]}}`, wantErr: "read payload"},
		{name: "reaction needs message", frame: `{"type":"reaction","payload":{"emoji":"x"}}`, wantErr: "reaction payload"},
		{name: "forward needs target", frame: `{"type":"forward","payload":{"messageId":"m"}}`, wantErr: "forward payload"},
		{name: "respond needs accept", frame: `{"type":"connection_respond","payload":{"id":"c"}}`, wantErr: "connection_respond payload"},
		{name: "flat chat message", frame: `{"type":"chat_message","conversation":42,"content":"hi"}`},
		{name: "flat read", frame: `{"type":"read","message_ids":["m1"]}`},
		{name: "snake case read", frame: `{"type":"read","payload":{"message_ids":["m1"]}}`},
		{name: "snake case reply", frame: `{"type":"chat_message","payload":{"content":"re","reply_to":"m1","thread_id":"t1","client_message_id":"c1"}}`},
		{name: "snake case typing", frame: `{"type":"typing","is_typing":true}`},
		{name: "both spellings", frame: `{"type":"read","payload":{"messageIds":["a"],"message_ids":["b"]}}`, wantErr: "set either"},
		{name: "flat unknown field", frame: `{"type":"chat_message","content":"hi","colour":"red"}`, wantErr: "chat_message payload"},
		{name: "payload and flat fields", frame: `{"type":"chat_message","content":"hi","payload":{"content":"hi"}}`, wantErr: "invalid envelope"},
		{name: "empty prompt", frame: `{"type":"assistant_message","payload":{"prompt":""}}`, wantErr: "assistant_message payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFrame([]byte(tt.frame))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateFrame() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if relayerr.KindOf(err) != relayerr.KindValidation {
				t.Fatalf("kind = %q, want validation", relayerr.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"type":"pin","requestId":"p","payload":{"messageId":"m1","pinned":true}}`))
	if err != nil {
		t.Fatalf("decodeEnvelope() error = %v", err)
	}
	if env.Type != "pin" || env.RequestID != "p" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestDecodeEnvelopeCanonicalizesFrames(t *testing.T) {
	env, err := decodeEnvelope([]byte(`{"type":"chat_message","request_id":"r9","conversation":42,"content":"hi","reply_to":"m0","thread_id":"t0"}`))
	if err != nil {
		t.Fatalf("decodeEnvelope() error = %v", err)
	}
	if env.RequestID != "r9" {
		t.Fatalf("requestId = %q, want r9", env.RequestID)
	}
	var chat models.ChatMessageRequest
	if err := env.Decode(&chat); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if chat.Conversation != "42" || chat.Content != "hi" || chat.ReplyTo != "m0" || chat.ThreadID != "t0" {
		t.Fatalf("chat = %+v", chat)
	}

	env, err = decodeEnvelope([]byte(`{"type":"read","message_ids":["m1","m2"]}`))
	if err != nil {
		t.Fatalf("decodeEnvelope() read error = %v", err)
	}
	var read models.ReadRequest
	if err := env.Decode(&read); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(read.MessageIDs) != 2 || read.MessageIDs[0] != "m1" {
		t.Fatalf("read = %+v", read)
	}
}
