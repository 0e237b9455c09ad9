package handler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/internal/tenant"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

// WebhookService defines the operations the webhook handler dispatches to
type WebhookService interface {
	ProcessMessageUpsert(ctx context.Context, instanceID string, data *model.MessageUpsertData) error
	ProcessStatusUpdate(ctx context.Context, instanceID string, data *model.MessageStatusData) error
	ProcessConnectionUpdate(ctx context.Context, instanceID string, data *model.ConnectionUpdateData) error
	ProcessPairingCode(ctx context.Context, instanceID string, data *model.PairingCodeUpdateData) error
}

// WebhookHandler decodes webhook payloads and hands them to the ingest service
type WebhookHandler struct {
	service WebhookService
}

// NewWebhookHandler creates a new webhook event handler
func NewWebhookHandler(service WebhookService) *WebhookHandler {
	return &WebhookHandler{service: service}
}

// HandleEvent processes one webhook event
func (h *WebhookHandler) HandleEvent(ctx context.Context, kind model.EventKind, envelope *model.WebhookEnvelope) error {
	requestID := uuid.NewString()
	ctx = tenant.WithRequestID(ctx, requestID)
	ctx = logger.WithLogger(ctx, logger.FromContext(ctx).With(zap.String("request_id", requestID)))

	switch kind {
	case model.EventMessageUpsert, model.EventSendAck:
		return h.handleMessageUpsert(ctx, envelope)
	case model.EventMessageStatus:
		return h.handleStatusUpdate(ctx, envelope)
	case model.EventConnectionUpdate:
		return h.handleConnectionUpdate(ctx, envelope)
	case model.EventPairingCodeUpdate:
		return h.handlePairingCode(ctx, envelope)
	default:
		err := fmt.Errorf("unsupported webhook event kind: %s", kind)
		logger.FromContext(ctx).Error("Unsupported webhook event kind", zap.String("kind", string(kind)))
		return apperrors.NewFatal(err, "unsupported webhook event kind")
	}
}

// HandleUnknown acknowledges event kinds this service does not dispatch on.
// Returning an error would make the gateway redeliver them forever.
func (h *WebhookHandler) HandleUnknown(ctx context.Context, kind model.EventKind, envelope *model.WebhookEnvelope) error {
	logger.FromContext(ctx).Debug("Unhandled webhook event kind acknowledged",
		zap.String("kind", string(kind)))
	return nil
}

func (h *WebhookHandler) handleMessageUpsert(ctx context.Context, envelope *model.WebhookEnvelope) error {
	var data model.MessageUpsertData
	if err := model.DecodeData(envelope.Data, &data); err != nil {
		logger.FromContext(ctx).Error("Failed to unmarshal message upsert payload", zap.Error(err))
		return apperrors.NewFatal(fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err), "failed to unmarshal message upsert payload")
	}
	return h.service.ProcessMessageUpsert(ctx, envelope.Instance, &data)
}

func (h *WebhookHandler) handleStatusUpdate(ctx context.Context, envelope *model.WebhookEnvelope) error {
	var data model.MessageStatusData
	if err := model.DecodeData(envelope.Data, &data); err != nil {
		logger.FromContext(ctx).Error("Failed to unmarshal status update payload", zap.Error(err))
		return apperrors.NewFatal(fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err), "failed to unmarshal status update payload")
	}
	return h.service.ProcessStatusUpdate(ctx, envelope.Instance, &data)
}

func (h *WebhookHandler) handleConnectionUpdate(ctx context.Context, envelope *model.WebhookEnvelope) error {
	var data model.ConnectionUpdateData
	if err := model.DecodeData(envelope.Data, &data); err != nil {
		logger.FromContext(ctx).Error("Failed to unmarshal connection update payload", zap.Error(err))
		return apperrors.NewFatal(fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err), "failed to unmarshal connection update payload")
	}
	return h.service.ProcessConnectionUpdate(ctx, envelope.Instance, &data)
}

func (h *WebhookHandler) handlePairingCode(ctx context.Context, envelope *model.WebhookEnvelope) error {
	var data model.PairingCodeUpdateData
	if err := model.DecodeData(envelope.Data, &data); err != nil {
		logger.FromContext(ctx).Error("Failed to unmarshal pairing code payload", zap.Error(err))
		return apperrors.NewFatal(fmt.Errorf("%w: %v", apperrors.ErrBadRequest, err), "failed to unmarshal pairing code payload")
	}
	return h.service.ProcessPairingCode(ctx, envelope.Instance, &data)
}
