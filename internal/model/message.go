package model

import (
	"time"

	"gorm.io/datatypes"
)

// Message direction values
const (
	MessageDirectionInbound  = "inbound"
	MessageDirectionOutbound = "outbound"
)

// Message kind values
const (
	MessageKindText     = "text"
	MessageKindImage    = "image"
	MessageKindAudio    = "audio"
	MessageKindVideo    = "video"
	MessageKindDocument = "document"
	MessageKindSticker  = "sticker"
	MessageKindLocation = "location"
	MessageKindContact  = "contact"
)

// Message status values
const (
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

// Media processing status values
const (
	MediaStatusNone       = "none"
	MediaStatusPending    = "pending"
	MediaStatusProcessing = "processing"
	MediaStatusCompleted  = "completed"
	MediaStatusFailed     = "failed"
)

// MessageMedia carries the media metadata and (after retrieval) the full
// payload as a data URI. ProcessingStatus is "none" for text messages and
// starts at "pending" for everything else.
type MessageMedia struct {
	MimeType         string         `json:"mime_type,omitempty" gorm:"column:media_mime_type"`
	Size             int64          `json:"size,omitempty" gorm:"column:media_size"`
	Width            int32          `json:"width,omitempty" gorm:"column:media_width"`
	Height           int32          `json:"height,omitempty" gorm:"column:media_height"`
	DurationSeconds  int32          `json:"duration,omitempty" gorm:"column:media_duration_seconds"`
	Thumbnail        string         `json:"thumbnail,omitempty" gorm:"column:media_thumbnail"`
	Waveform         datatypes.JSON `json:"waveform,omitempty" gorm:"type:jsonb;column:media_waveform"`
	IsVoiceNote      bool           `json:"is_voice_note,omitempty" gorm:"column:media_is_voice_note"`
	ProcessingStatus string         `json:"processing_status,omitempty" gorm:"column:media_processing_status"`
	Payload          string         `json:"payload,omitempty" gorm:"column:media_payload"`
}

// Message is one canonical message record. Kind, direction and
// gateway_message_id are immutable after insert; only status and the media
// fields mutate post-creation. gateway_message_id, when present, is unique
// within a clinic and is the dedup key for webhook re-deliveries.
type Message struct {
	ID               string       `json:"id" gorm:"column:id;primaryKey;type:text"`
	ConversationID   string       `json:"conversation_id" gorm:"column:conversation_id;index" validate:"required"`
	ClinicID         string       `json:"clinic_id" gorm:"column:clinic_id;index;uniqueIndex:idx_messages_clinic_gateway_id" validate:"required"`
	Direction        string       `json:"direction" gorm:"column:direction" validate:"required,oneof=inbound outbound"`
	Kind             string       `json:"kind" gorm:"column:kind" validate:"required"`
	Content          string       `json:"content,omitempty" gorm:"column:content"`
	GatewayMessageID *string      `json:"gateway_message_id,omitempty" gorm:"column:gateway_message_id;uniqueIndex:idx_messages_clinic_gateway_id"`
	Status           string       `json:"status,omitempty" gorm:"column:status"`
	Media            MessageMedia `json:"media" gorm:"embedded"`
	CreatedAt        time.Time    `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime;index"`
	ReadAt           *time.Time   `json:"read_at,omitempty" gorm:"column:read_at"`
	UpdatedAt        time.Time    `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Message) TableName() string {
	return "messages"
}

// MessageUpdateColumns returns the column names mutable after creation.
func MessageUpdateColumns() []string {
	return []string{
		"status",
		"read_at",
		"media_mime_type",
		"media_size",
		"media_width",
		"media_height",
		"media_duration_seconds",
		"media_thumbnail",
		"media_waveform",
		"media_is_voice_note",
		"media_processing_status",
		"media_payload",
		"updated_at",
	}
}

// HasMedia reports whether the message kind carries a retrievable media body.
func (m *Message) HasMedia() bool {
	switch m.Kind {
	case MessageKindImage, MessageKindAudio, MessageKindVideo, MessageKindDocument, MessageKindSticker:
		return true
	}
	return false
}

// KindPreviewTag returns the bracketed preview tag used for the conversation
// preview when a message has no textual content, e.g. "[Áudio]".
func KindPreviewTag(kind string) string {
	switch kind {
	case MessageKindImage:
		return "[Imagem]"
	case MessageKindAudio:
		return "[Áudio]"
	case MessageKindVideo:
		return "[Vídeo]"
	case MessageKindDocument:
		return "[Documento]"
	case MessageKindSticker:
		return "[Figurinha]"
	case MessageKindLocation:
		return "[Localização]"
	case MessageKindContact:
		return "[Contato]"
	default:
		return "[Mensagem]"
	}
}

// PreviewFor returns the conversation preview text for a message: its content
// when present, otherwise the bracketed kind tag.
func PreviewFor(kind, content string) string {
	if content != "" {
		return content
	}
	return KindPreviewTag(kind)
}

// MapGatewayStatus maps a gateway delivery-status token onto the canonical
// message status. The mapping is a fixed total function.
func MapGatewayStatus(token string) string {
	switch token {
	case "ERROR":
		return MessageStatusFailed
	case "PENDING":
		return MessageStatusSent
	case "SERVER_ACK":
		return MessageStatusSent
	case "DELIVERY_ACK":
		return MessageStatusDelivered
	case "READ":
		return MessageStatusRead
	default:
		return MessageStatusSent
	}
}
