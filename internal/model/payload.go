package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

// FlexInt64 tolerates the gateway's habit of sending numeric fields either as
// JSON numbers or as quoted strings (fileLength in particular).
type FlexInt64 int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Some builds emit fractional seconds for durations
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		n = int64(fl)
	}
	*f = FlexInt64(n)
	return nil
}

// Int64 returns the underlying value.
func (f FlexInt64) Int64() int64 { return int64(f) }

// MessageKey identifies a message on the gateway side.
type MessageKey struct {
	ID        string `json:"id,omitempty"`
	FromMe    bool   `json:"fromMe,omitempty"`
	RemoteJid string `json:"remoteJid,omitempty"`
}

// --- message-upsert payload --- //

// MessageUpsertData is the payload of a messages.upsert (and send.message)
// event. Message holds the per-kind variant; exactly one variant is expected
// to be set, but nothing is guaranteed.
type MessageUpsertData struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	Status           string          `json:"status,omitempty"`
	MessageTimestamp FlexInt64       `json:"messageTimestamp,omitempty"`
	Message          *MessageVariant `json:"message,omitempty"`
}

// MessageVariant is the gateway's tagged union of payload shapes for one
// logical message. Unrecognized variants leave every field nil; the
// normalizer turns that into the unsupported-message placeholder.
type MessageVariant struct {
	Conversation        string               `json:"conversation,omitempty"`
	ExtendedTextMessage *ExtendedTextMessage `json:"extendedTextMessage,omitempty"`
	ImageMessage        *VisualMediaMessage  `json:"imageMessage,omitempty"`
	VideoMessage        *VisualMediaMessage  `json:"videoMessage,omitempty"`
	StickerMessage      *VisualMediaMessage  `json:"stickerMessage,omitempty"`
	AudioMessage        *AudioMessage        `json:"audioMessage,omitempty"`
	DocumentMessage     *DocumentMessage     `json:"documentMessage,omitempty"`
	LocationMessage     *LocationMessage     `json:"locationMessage,omitempty"`
	ContactMessage      *ContactMessage      `json:"contactMessage,omitempty"`
}

// ExtendedTextMessage carries rich text bodies.
type ExtendedTextMessage struct {
	Text string `json:"text,omitempty"`
}

// VisualMediaMessage covers image, video and sticker payloads; video adds
// Seconds, stickers usually carry no caption.
type VisualMediaMessage struct {
	Mimetype      string    `json:"mimetype,omitempty"`
	FileLength    FlexInt64 `json:"fileLength,omitempty"`
	Width         int32     `json:"width,omitempty"`
	Height        int32     `json:"height,omitempty"`
	Caption       string    `json:"caption,omitempty"`
	Seconds       FlexInt64 `json:"seconds,omitempty"`
	JPEGThumbnail string    `json:"jpegThumbnail,omitempty"`
}

// AudioMessage carries voice notes and plain audio.
type AudioMessage struct {
	Mimetype   string    `json:"mimetype,omitempty"`
	FileLength FlexInt64 `json:"fileLength,omitempty"`
	Seconds    FlexInt64 `json:"seconds,omitempty"`
	PTT        bool      `json:"ptt,omitempty"`
	Waveform   []byte    `json:"waveform,omitempty"`
}

// DocumentMessage carries arbitrary file attachments.
type DocumentMessage struct {
	Mimetype   string    `json:"mimetype,omitempty"`
	FileLength FlexInt64 `json:"fileLength,omitempty"`
	FileName   string    `json:"fileName,omitempty"`
	Title      string    `json:"title,omitempty"`
	Caption    string    `json:"caption,omitempty"`
}

// LocationMessage carries a shared location.
type LocationMessage struct {
	Name             string  `json:"name,omitempty"`
	Address          string  `json:"address,omitempty"`
	DegreesLatitude  float64 `json:"degreesLatitude,omitempty"`
	DegreesLongitude float64 `json:"degreesLongitude,omitempty"`
}

// ContactMessage carries a shared contact card.
type ContactMessage struct {
	DisplayName string `json:"displayName,omitempty"`
	Vcard       string `json:"vcard,omitempty"`
}

// --- message-status payload --- //

// MessageStatusData is the payload of a messages.update event. Depending on
// gateway version the message id arrives either nested under key or as a flat
// keyId field.
type MessageStatusData struct {
	Key    *MessageKey `json:"key,omitempty"`
	KeyID  string      `json:"keyId,omitempty"`
	Status string      `json:"status,omitempty"`
}

// GatewayMessageID returns the message id regardless of which shape carried it.
func (d *MessageStatusData) GatewayMessageID() string {
	if d.Key != nil && d.Key.ID != "" {
		return d.Key.ID
	}
	return d.KeyID
}

// --- connection payloads --- //

// ConnectionUpdateData is the payload of a connection.update event.
type ConnectionUpdateData struct {
	State        string `json:"state,omitempty"`
	StatusReason int    `json:"statusReason,omitempty"`
	Wuid         string `json:"wuid,omitempty"`
}

// PairingCodeUpdateData is the payload of a qrcode.updated event.
type PairingCodeUpdateData struct {
	Qrcode struct {
		PairingCode string `json:"pairingCode,omitempty"`
		Code        string `json:"code,omitempty"`
		Base64      string `json:"base64,omitempty"`
	} `json:"qrcode"`
}

// PairingCode returns the pairing code in whichever field the gateway used.
func (d *PairingCodeUpdateData) PairingCode() string {
	if d.Qrcode.PairingCode != "" {
		return d.Qrcode.PairingCode
	}
	return d.Qrcode.Code
}

// DecodeData unmarshals the envelope's raw data into the given payload type.
func DecodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
