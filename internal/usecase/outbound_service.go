package usecase

import (
	"context"
	"strings"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/gateway"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/internal/storage"
	"github.com/clinicdesk/wa-inbox-service/internal/tenant"
	"github.com/clinicdesk/wa-inbox-service/pkg/utils"
)

// GatewaySender is the slice of the gateway client outbound sending needs.
type GatewaySender interface {
	SendText(ctx context.Context, instance string, req gateway.SendTextRequest) (*gateway.SendResult, error)
	SendMedia(ctx context.Context, instance string, req gateway.SendMediaRequest) (*gateway.SendResult, error)
}

// SendMediaInput describes one outbound media send.
type SendMediaInput struct {
	Kind     string `json:"kind" validate:"required,oneof=image audio video document"`
	MimeType string `json:"mime_type,omitempty"`
	Media    string `json:"media" validate:"required"`
	FileName string `json:"file_name,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// OutboundService sends messages through the gateway and persists them
// optimistically. The later send.message webhook for the same gateway id is
// absorbed by the dedup guard, and delivery acks flow through the normal
// status path.
type OutboundService struct {
	connections   storage.ConnectionRepo
	conversations storage.ConversationRepo
	messages      storage.MessageRepo
	gateway       GatewaySender
	publisher     ChangePublisher
}

// NewOutboundService creates the outbound send service.
func NewOutboundService(
	connections storage.ConnectionRepo,
	conversations storage.ConversationRepo,
	messages storage.MessageRepo,
	gw GatewaySender,
	publisher ChangePublisher,
) *OutboundService {
	return &OutboundService{
		connections:   connections,
		conversations: conversations,
		messages:      messages,
		gateway:       gw,
		publisher:     publisher,
	}
}

// SendText sends a plain text message into a conversation.
func (s *OutboundService) SendText(ctx context.Context, conversationID, text string) (*model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperrors.NewFatal(apperrors.ErrValidation, "text must not be empty")
	}

	conv, conn, err := s.resolveTargets(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	result, err := s.gateway.SendText(ctx, conn.InstanceID, gateway.SendTextRequest{
		Number: conv.Phone,
		Text:   text,
	})
	if err != nil {
		return nil, err
	}

	return s.persistOutbound(ctx, conv, model.MessageKindText, text, model.MessageMedia{
		ProcessingStatus: model.MediaStatusNone,
	}, result)
}

// SendMedia sends a media message into a conversation. Media content goes out
// by URL or base64 as given; the stored row keeps only the caption and
// metadata, with no retrieval pipeline involvement.
func (s *OutboundService) SendMedia(ctx context.Context, conversationID string, input SendMediaInput) (*model.Message, error) {
	if input.Media == "" {
		return nil, apperrors.NewFatal(apperrors.ErrValidation, "media content must not be empty")
	}

	conv, conn, err := s.resolveTargets(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	result, err := s.gateway.SendMedia(ctx, conn.InstanceID, gateway.SendMediaRequest{
		Number:    conv.Phone,
		MediaType: input.Kind,
		MimeType:  input.MimeType,
		Media:     input.Media,
		FileName:  input.FileName,
		Caption:   input.Caption,
	})
	if err != nil {
		return nil, err
	}

	content := input.Caption
	if content == "" {
		content = model.KindPreviewTag(input.Kind)
	}
	return s.persistOutbound(ctx, conv, input.Kind, content, model.MessageMedia{
		MimeType:         input.MimeType,
		ProcessingStatus: model.MediaStatusNone,
	}, result)
}

func (s *OutboundService) resolveTargets(ctx context.Context, conversationID string) (*model.Conversation, *model.Connection, error) {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	conv, err := s.conversations.FindByID(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	conn, err := s.connections.FindByClinicID(ctx, clinicID)
	if err != nil {
		return nil, nil, err
	}
	if conn.Status != model.ConnectionStatusConnected {
		return nil, nil, apperrors.NewFatal(apperrors.ErrConflict, "connection for clinic %s is %s, not connected", clinicID, conn.Status)
	}
	return conv, conn, nil
}

func (s *OutboundService) persistOutbound(ctx context.Context, conv *model.Conversation, kind, content string, media model.MessageMedia, result *gateway.SendResult) (*model.Message, error) {
	msg := model.Message{
		ConversationID: conv.ID,
		ClinicID:       conv.ClinicID,
		Direction:      model.MessageDirectionOutbound,
		Kind:           kind,
		Content:        content,
		Status:         model.MapGatewayStatus(result.Status),
		Media:          media,
	}
	if result.Key.ID != "" {
		id := result.Key.ID
		msg.GatewayMessageID = &id
	}
	if result.MessageTimestamp > 0 {
		msg.CreatedAt = utils.UnixToTime(result.MessageTimestamp)
	}

	saved, err := s.messages.CreateWithAggregates(ctx, msg)
	if err != nil {
		if apperrors.IsDuplicateError(err) {
			// The webhook ack won the race; the stored row is authoritative
			return saved, nil
		}
		return nil, err
	}

	if s.publisher != nil {
		_ = s.publisher.PublishChange(ctx, model.ChangeNotification{
			ClinicID: conv.ClinicID,
			Entity:   model.ChangeEntityMessage,
			EntityID: saved.ID,
			Action:   model.ChangeActionInsert,
		})
		_ = s.publisher.PublishChange(ctx, model.ChangeNotification{
			ClinicID: conv.ClinicID,
			Entity:   model.ChangeEntityConversation,
			EntityID: conv.ID,
			Action:   model.ChangeActionUpdate,
		})
	}
	return saved, nil
}
