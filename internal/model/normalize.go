package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
)

// UnsupportedMessagePlaceholder is stored as content when the gateway sends a
// payload variant this service does not recognize. The pipeline must never
// stall on a new variant, so unknown shapes degrade to this placeholder.
const UnsupportedMessagePlaceholder = "[Mensagem não suportada]"

// Silent-drop reasons for message-upsert payloads. Both are absorbed with a
// success response at the boundary.
var (
	// ErrGroupMessage marks group-addressed traffic, which is out of scope.
	ErrGroupMessage = errors.New("group-addressed message")
	// ErrInvalidPhone marks a malformed or too-short phone identifier.
	ErrInvalidPhone = errors.New("invalid phone identifier")
)

const minPhoneDigits = 8

// CanonicalMessage is the single normalized shape every gateway payload
// variant converges to before persistence.
type CanonicalMessage struct {
	GatewayMessageID string
	Phone            string
	PushName         string
	FromSelf         bool
	Kind             string
	Content          string
	Media            MessageMedia
	Timestamp        int64
}

// Direction returns the message direction implied by the from-self flag.
func (c *CanonicalMessage) Direction() string {
	if c.FromSelf {
		return MessageDirectionOutbound
	}
	return MessageDirectionInbound
}

// TrustedPushName returns the push-name only when it may be used as the
// counterpart's display name. A self-sent message's push-name is the clinic's
// own name, never the counterpart's.
func (c *CanonicalMessage) TrustedPushName() string {
	if c.FromSelf {
		return ""
	}
	return c.PushName
}

// ExtractPhone derives the counterpart phone from a gateway JID. Group JIDs
// are rejected with ErrGroupMessage, malformed or too-short identifiers with
// ErrInvalidPhone.
func ExtractPhone(remoteJid string) (string, error) {
	if strings.HasSuffix(remoteJid, "@g.us") {
		return "", ErrGroupMessage
	}
	phone := remoteJid
	if at := strings.IndexByte(phone, '@'); at >= 0 {
		phone = phone[:at]
	}
	// Device suffixes like ":12" ride along on some JIDs
	if colon := strings.IndexByte(phone, ':'); colon >= 0 {
		phone = phone[:colon]
	}
	phone = strings.TrimPrefix(phone, "+")
	if len(phone) < minPhoneDigits {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, remoteJid)
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidPhone, remoteJid)
		}
	}
	return phone, nil
}

// NormalizeMessageUpsert converts a message-upsert payload into the canonical
// record, dispatching on the payload variant. Exactly one extraction arm runs;
// the default arm yields the unsupported-message placeholder so a new gateway
// variant never breaks ingestion.
func NormalizeMessageUpsert(data *MessageUpsertData) (*CanonicalMessage, error) {
	phone, err := ExtractPhone(data.Key.RemoteJid)
	if err != nil {
		return nil, err
	}

	canonical := &CanonicalMessage{
		GatewayMessageID: data.Key.ID,
		Phone:            phone,
		PushName:         data.PushName,
		FromSelf:         data.Key.FromMe,
		Timestamp:        data.MessageTimestamp.Int64(),
	}

	variant := data.Message
	switch {
	case variant == nil:
		canonical.Kind = MessageKindText
		canonical.Content = UnsupportedMessagePlaceholder
		canonical.Media.ProcessingStatus = MediaStatusNone

	case variant.Conversation != "":
		canonical.Kind = MessageKindText
		canonical.Content = variant.Conversation
		canonical.Media.ProcessingStatus = MediaStatusNone

	case variant.ExtendedTextMessage != nil:
		canonical.Kind = MessageKindText
		canonical.Content = variant.ExtendedTextMessage.Text
		canonical.Media.ProcessingStatus = MediaStatusNone

	case variant.ImageMessage != nil:
		normalizeVisual(canonical, MessageKindImage, variant.ImageMessage)

	case variant.VideoMessage != nil:
		normalizeVisual(canonical, MessageKindVideo, variant.VideoMessage)

	case variant.StickerMessage != nil:
		normalizeVisual(canonical, MessageKindSticker, variant.StickerMessage)

	case variant.AudioMessage != nil:
		normalizeAudio(canonical, variant.AudioMessage)

	case variant.DocumentMessage != nil:
		normalizeDocument(canonical, variant.DocumentMessage)

	// Location and contact payloads carry no retrievable blob, so their
	// media state is none and the retrieval sweep never picks them up
	case variant.LocationMessage != nil:
		canonical.Kind = MessageKindLocation
		canonical.Content = composeLocation(variant.LocationMessage)
		canonical.Media.ProcessingStatus = MediaStatusNone

	case variant.ContactMessage != nil:
		canonical.Kind = MessageKindContact
		canonical.Content = variant.ContactMessage.DisplayName
		if canonical.Content == "" {
			canonical.Content = KindPreviewTag(MessageKindContact)
		}
		canonical.Media.ProcessingStatus = MediaStatusNone

	default:
		// New gateway payload variant: absorb with a placeholder
		canonical.Kind = MessageKindText
		canonical.Content = UnsupportedMessagePlaceholder
		canonical.Media.ProcessingStatus = MediaStatusNone
	}

	return canonical, nil
}

func normalizeVisual(c *CanonicalMessage, kind string, v *VisualMediaMessage) {
	c.Kind = kind
	c.Content = v.Caption
	if c.Content == "" {
		c.Content = KindPreviewTag(kind)
	}
	c.Media = MessageMedia{
		MimeType:         v.Mimetype,
		Size:             v.FileLength.Int64(),
		Width:            v.Width,
		Height:           v.Height,
		DurationSeconds:  int32(v.Seconds.Int64()),
		Thumbnail:        v.JPEGThumbnail,
		ProcessingStatus: MediaStatusPending,
	}
}

func normalizeAudio(c *CanonicalMessage, a *AudioMessage) {
	c.Kind = MessageKindAudio
	c.Content = KindPreviewTag(MessageKindAudio)
	c.Media = MessageMedia{
		MimeType:         a.Mimetype,
		Size:             a.FileLength.Int64(),
		DurationSeconds:  int32(a.Seconds.Int64()),
		IsVoiceNote:      a.PTT,
		ProcessingStatus: MediaStatusPending,
	}
	if len(a.Waveform) > 0 {
		samples := make([]int, len(a.Waveform))
		for i, b := range a.Waveform {
			samples[i] = int(b)
		}
		if encoded, err := marshalWaveform(samples); err == nil {
			c.Media.Waveform = encoded
		}
	}
}

func normalizeDocument(c *CanonicalMessage, d *DocumentMessage) {
	c.Kind = MessageKindDocument
	c.Content = d.FileName
	if c.Content == "" {
		c.Content = d.Title
	}
	if c.Content == "" {
		c.Content = KindPreviewTag(MessageKindDocument)
	}
	c.Media = MessageMedia{
		MimeType:         d.Mimetype,
		Size:             d.FileLength.Int64(),
		ProcessingStatus: MediaStatusPending,
	}
}

func composeLocation(l *LocationMessage) string {
	parts := make([]string, 0, 2)
	if l.Name != "" {
		parts = append(parts, l.Name)
	}
	if l.Address != "" {
		parts = append(parts, l.Address)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%s %.6f, %.6f", KindPreviewTag(MessageKindLocation), l.DegreesLatitude, l.DegreesLongitude)
	}
	return fmt.Sprintf("%s: %s", KindPreviewTag(MessageKindLocation), strings.Join(parts, " - "))
}

func marshalWaveform(samples []int) (datatypes.JSON, error) {
	b, err := json.Marshal(samples)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
