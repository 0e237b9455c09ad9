package model

import (
	"encoding/json"
	"strings"
)

// EventKind identifies a normalized webhook event kind.
type EventKind string

// Normalized event kinds dispatched by the router.
const (
	EventMessageUpsert     EventKind = "messages.upsert"
	EventMessageStatus     EventKind = "messages.update"
	EventConnectionUpdate  EventKind = "connection.update"
	EventPairingCodeUpdate EventKind = "qrcode.updated"
	EventSendAck           EventKind = "send.message"
)

// WebhookEnvelope is the raw body the gateway POSTs: an event token, the
// gateway instance identifier and an event-specific payload.
type WebhookEnvelope struct {
	Event    string          `json:"event" validate:"required"`
	Instance string          `json:"instance" validate:"required"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// NormalizeEventKind maps the gateway's event token to a normalized kind.
// The gateway emits both dotted lower-case ("messages.upsert") and
// underscored upper-case ("MESSAGES_UPSERT") spellings depending on version;
// both normalize to the same kind. The boolean reports whether the token is
// one this service dispatches on.
func NormalizeEventKind(token string) (EventKind, bool) {
	normalized := strings.ToLower(strings.ReplaceAll(token, "_", "."))
	switch EventKind(normalized) {
	case EventMessageUpsert, EventMessageStatus, EventConnectionUpdate, EventPairingCodeUpdate, EventSendAck:
		return EventKind(normalized), true
	}
	return EventKind(normalized), false
}

// ChangeAction identifies what happened to an entity for fan-out purposes.
type ChangeAction string

const (
	ChangeActionInsert ChangeAction = "insert"
	ChangeActionUpdate ChangeAction = "update"
)

// ChangeEntity identifies which table a change notification refers to.
type ChangeEntity string

const (
	ChangeEntityConnection   ChangeEntity = "connection"
	ChangeEntityConversation ChangeEntity = "conversation"
	ChangeEntityMessage      ChangeEntity = "message"
)

// ChangeNotification is the record pushed to subscribed dashboard sessions.
// It is a cache-invalidation signal, not an event log entry: consumers must
// treat it as "refresh this entity from the source of truth" and de-duplicate
// by entity id. Delivery is at-least-once and unordered.
type ChangeNotification struct {
	ClinicID string       `json:"clinic_id"`
	Entity   ChangeEntity `json:"entity"`
	EntityID string       `json:"entity_id"`
	Action   ChangeAction `json:"action"`
}
