package gateway

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/internal/relayerr"
	"github.com/haasonsaas/relay/pkg/models"
)

type wsSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	payloads map[models.EventType]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		envelope, err := jsonschema.CompileString("ws_envelope", wsEnvelopeSchema)
		if err != nil {
			wsSchemas.initErr = err
			return
		}
		wsSchemas.envelope = envelope

		payloads := map[models.EventType]string{
			models.EventChatMessage:       chatMessageSchema,
			models.EventReaction:          reactionSchema,
			models.EventTyping:            typingSchema,
			models.EventRead:              readSchema,
			models.EventEdit:              editSchema,
			models.EventDelete:            messageRefSchema,
			models.EventPin:               pinSchema,
			models.EventForward:           forwardSchema,
			models.EventSetStatus:         setStatusSchema,
			models.EventAssistantMessage:  assistantMessageSchema,
			models.EventStopStream:        stopStreamSchema,
			models.EventNotificationRead:  notificationReadSchema,
			models.EventConnectionRequest: connectionRequestSchema,
			models.EventConnectionRespond: connectionRespondSchema,
		}
		wsSchemas.payloads = make(map[models.EventType]*jsonschema.Schema, len(payloads))
		for eventType, schema := range payloads {
			compiled, err := jsonschema.CompileString("ws_payload_"+string(eventType), schema)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.payloads[eventType] = compiled
		}
	})
	return wsSchemas.initErr
}

// payloadAliases maps accepted snake_case payload keys to their canonical
// camelCase names.
var payloadAliases = map[string]string{
	"client_message_id":      "clientMessageId",
	"reply_to":               "replyTo",
	"thread_id":              "threadId",
	"message_id":             "messageId",
	"message_ids":            "messageIds",
	"is_typing":              "isTyping",
	"target_conversation_id": "targetConversationId",
	"stream_id":              "streamId",
	"to_user_id":             "toUserId",
}

// envelopeKeys are the keys that never move into a flat frame's payload.
var envelopeKeys = map[string]bool{"type": true, "requestId": true, "payload": true, "seq": true, "ts": true}

// validateFrame checks an inbound frame. Failures are validation errors
// naming the offending field.
func validateFrame(raw []byte) error {
	_, err := checkFrame(raw)
	return err
}

// checkFrame parses and validates raw and returns it in canonical form: the
// payload nested under "payload" with camelCase keys.
func checkFrame(raw []byte) (map[string]any, error) {
	if err := initWSSchemas(); err != nil {
		return nil, relayerr.Wrap(relayerr.KindInternal, "compile ws schemas", err)
	}

	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, relayerr.Validation("frame is not a JSON object")
	}
	if err := canonicalize(frame); err != nil {
		return nil, err
	}
	if err := wsSchemas.envelope.Validate(frame); err != nil {
		return nil, relayerr.Validation("invalid envelope: %s", describe(err))
	}

	eventType, _ := frame["type"].(string)
	schema := wsSchemas.payloads[models.EventType(eventType)]
	if schema == nil {
		return frame, nil
	}
	payload, ok := frame["payload"]
	if !ok || payload == nil {
		payload = map[string]any{}
	}
	if err := schema.Validate(payload); err != nil {
		return nil, relayerr.Validation("invalid %s payload: %s", eventType, describe(err))
	}
	return frame, nil
}

// canonicalize folds the flat frame form, where payload fields sit next to
// "type", into a nested payload and renames snake_case payload keys. Only
// types with a payload schema have a flat form.
func canonicalize(frame map[string]any) error {
	if id, ok := frame["request_id"]; ok {
		if _, dup := frame["requestId"]; dup {
			return relayerr.Validation("set either request_id or requestId")
		}
		frame["requestId"] = id
		delete(frame, "request_id")
	}
	eventType, _ := frame["type"].(string)
	_, hasPayload := wsSchemas.payloads[models.EventType(eventType)]
	if _, nested := frame["payload"]; !nested && hasPayload {
		flat := map[string]any{}
		for key, value := range frame {
			if !envelopeKeys[key] {
				flat[key] = value
				delete(frame, key)
			}
		}
		if len(flat) > 0 {
			frame["payload"] = flat
		}
	}
	payload, ok := frame["payload"].(map[string]any)
	if !ok {
		return nil
	}
	for alias, canonical := range payloadAliases {
		value, ok := payload[alias]
		if !ok {
			continue
		}
		if _, dup := payload[canonical]; dup {
			return relayerr.Validation("set either %s or %s", alias, canonical)
		}
		payload[canonical] = value
		delete(payload, alias)
	}
	// Conversation ids may arrive as JSON numbers.
	if n, ok := payload["conversation"].(float64); ok && n == math.Trunc(n) {
		payload["conversation"] = strconv.FormatFloat(n, 'f', -1, 64)
	}
	return nil
}

// describe reduces a schema failure to its most specific cause.
func describe(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	if verr.InstanceLocation == "" {
		return verr.Message
	}
	return verr.InstanceLocation + ": " + verr.Message
}

const wsEnvelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "enum": [
        "chat_message", "reaction", "typing", "read", "ping", "heartbeat",
        "stop_stream", "edit", "delete", "pin", "forward", "set_status",
        "assistant_message", "notification_read", "connection_request",
        "connection_respond"
      ]
    },
    "requestId": { "type": "string", "maxLength": 128 },
    "payload": { "type": ["object", "null"] },
    "seq": { "type": "integer" },
    "ts": { "type": "integer" }
  },
  "additionalProperties": false
}`

const chatMessageSchema = `{
  "type": "object",
  "properties": {
    "conversation": { "type": "string" },
    "clientMessageId": { "type": "string", "maxLength": 128 },
    "content": { "type": "string" },
    "files": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["url"],
        "properties": {
          "url": { "type": "string", "minLength": 1 },
          "name": { "type": "string" },
          "mime_type": { "type": "string" },
          "size": { "type": "integer", "minimum": 0 },
          "kind": { "enum": ["image", "video", "voice", "file"] }
        }
      }
    },
    "replyTo": { "type": "string" },
    "threadId": { "type": "string" }
  },
  "anyOf": [
    { "required": ["content"] },
    { "required": ["files"] }
  ],
  "additionalProperties": false
}`

const reactionSchema = `{
  "type": "object",
  "required": ["messageId", "emoji"],
  "properties": {
    "messageId": { "type": "string", "minLength": 1 },
    "emoji": { "type": "string", "minLength": 1, "maxLength": 32 }
  },
  "additionalProperties": false
}`

const typingSchema = `{
  "type": "object",
  "required": ["isTyping"],
  "properties": {
    "isTyping": { "type": "boolean" }
  },
  "additionalProperties": false
}`

const readSchema = `{
  "type": "object",
  "required": ["messageIds"],
  "properties": {
    "messageIds": {
      "type": "array",
      "minItems": 1,
      "items": { "type": "string", "minLength": 1 }
    }
  },
  "additionalProperties": false
}`

const editSchema = `{
  "type": "object",
  "required": ["messageId", "content"],
  "properties": {
    "messageId": { "type": "string", "minLength": 1 },
    "content": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`

const messageRefSchema = `{
  "type": "object",
  "required": ["messageId"],
  "properties": {
    "messageId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`

const pinSchema = `{
  "type": "object",
  "required": ["messageId", "pinned"],
  "properties": {
    "messageId": { "type": "string", "minLength": 1 },
    "pinned": { "type": "boolean" }
  },
  "additionalProperties": false
}`

const forwardSchema = `{
  "type": "object",
  "required": ["messageId", "targetConversationId"],
  "properties": {
    "messageId": { "type": "string", "minLength": 1 },
    "targetConversationId": { "type": "string", "minLength": 1 },
    "clientMessageId": { "type": "string", "maxLength": 128 }
  },
  "additionalProperties": false
}`

const setStatusSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false
}`

const assistantMessageSchema = `{
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": { "type": "string", "minLength": 1 },
    "model": { "type": "string" }
  },
  "additionalProperties": false
}`

const stopStreamSchema = `{
  "type": "object",
  "properties": {
    "streamId": { "type": "string" }
  },
  "additionalProperties": false
}`

const notificationReadSchema = `{
  "type": "object",
  "required": ["ids"],
  "properties": {
    "ids": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    }
  },
  "additionalProperties": false
}`

const connectionRequestSchema = `{
  "type": "object",
  "required": ["toUserId"],
  "properties": {
    "toUserId": { "type": "string", "minLength": 1 },
    "message": { "type": "string", "maxLength": 500 }
  },
  "additionalProperties": false
}`

const connectionRespondSchema = `{
  "type": "object",
  "required": ["id", "accept"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "accept": { "type": "boolean" }
  },
  "additionalProperties": false
}`
