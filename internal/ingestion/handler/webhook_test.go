package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

func init() {
	logger.Log = zap.NewNop()
}

type webhookServiceMock struct {
	mock.Mock
}

func (m *webhookServiceMock) ProcessMessageUpsert(ctx context.Context, instanceID string, data *model.MessageUpsertData) error {
	args := m.Called(ctx, instanceID, data)
	return args.Error(0)
}

func (m *webhookServiceMock) ProcessStatusUpdate(ctx context.Context, instanceID string, data *model.MessageStatusData) error {
	args := m.Called(ctx, instanceID, data)
	return args.Error(0)
}

func (m *webhookServiceMock) ProcessConnectionUpdate(ctx context.Context, instanceID string, data *model.ConnectionUpdateData) error {
	args := m.Called(ctx, instanceID, data)
	return args.Error(0)
}

func (m *webhookServiceMock) ProcessPairingCode(ctx context.Context, instanceID string, data *model.PairingCodeUpdateData) error {
	args := m.Called(ctx, instanceID, data)
	return args.Error(0)
}

func envelope(event, instance string, data string) *model.WebhookEnvelope {
	return &model.WebhookEnvelope{
		Event:    event,
		Instance: instance,
		Data:     json.RawMessage(data),
	}
}

func TestHandleEvent_MessageUpsert(t *testing.T) {
	svc := new(webhookServiceMock)
	h := NewWebhookHandler(svc)

	svc.On("ProcessMessageUpsert", mock.Anything, "inst-1", mock.MatchedBy(func(d *model.MessageUpsertData) bool {
		return d.Key.ID == "ABC123" &&
			d.Key.RemoteJid == "628111222333@s.whatsapp.net" &&
			d.PushName == "Maria Silva" &&
			d.Message != nil && d.Message.Conversation == "Oi"
	})).Return(nil).Once()

	err := h.HandleEvent(context.Background(), model.EventMessageUpsert, envelope("messages.upsert", "inst-1",
		`{"key":{"id":"ABC123","remoteJid":"628111222333@s.whatsapp.net","fromMe":false},"pushName":"Maria Silva","messageTimestamp":1719430000,"message":{"conversation":"Oi"}}`))
	require.NoError(t, err)
	svc.AssertExpectations(t)
}

func TestHandleEvent_SendAckRoutesAsUpsert(t *testing.T) {
	svc := new(webhookServiceMock)
	h := NewWebhookHandler(svc)

	svc.On("ProcessMessageUpsert", mock.Anything, "inst-1", mock.MatchedBy(func(d *model.MessageUpsertData) bool {
		return d.Key.FromMe
	})).Return(nil).Once()

	err := h.HandleEvent(context.Background(), model.EventSendAck, envelope("send.message", "inst-1",
		`{"key":{"id":"OUT1","remoteJid":"628111222333@s.whatsapp.net","fromMe":true},"message":{"conversation":"ok"}}`))
	require.NoError(t, err)
	svc.AssertExpectations(t)
}

func TestHandleEvent_ImageWithStringFileLength(t *testing.T) {
	svc := new(webhookServiceMock)
	h := NewWebhookHandler(svc)

	// fileLength arrives as a quoted string on some gateway builds
	svc.On("ProcessMessageUpsert", mock.Anything, "inst-1", mock.MatchedBy(func(d *model.MessageUpsertData) bool {
		return d.Message != nil &&
			d.Message.ImageMessage != nil &&
			d.Message.ImageMessage.FileLength.Int64() == 204800
	})).Return(nil).Once()

	err := h.HandleEvent(context.Background(), model.EventMessageUpsert, envelope("messages.upsert", "inst-1",
		`{"key":{"id":"IMG1","remoteJid":"628111222333@s.whatsapp.net"},"message":{"imageMessage":{"mimetype":"image/jpeg","fileLength":"204800","width":1280,"height":960}}}`))
	require.NoError(t, err)
	svc.AssertExpectations(t)
}

func TestHandleEvent_StatusUpdateFlatKeyID(t *testing.T) {
	svc := new(webhookServiceMock)
	h := NewWebhookHandler(svc)

	svc.On("ProcessStatusUpdate", mock.Anything, "inst-1", mock.MatchedBy(func(d *model.MessageStatusData) bool {
		return d.GatewayMessageID() == "ABC123" && d.Status == "READ"
	})).Return(nil).Once()

	err := h.HandleEvent(context.Background(), model.EventMessageStatus, envelope("messages.update", "inst-1",
		`{"keyId":"ABC123","status":"READ"}`))
	require.NoError(t, err)
	svc.AssertExpectations(t)
}

func TestHandleEvent_ConnectionUpdate(t *testing.T) {
	svc := new(webhookServiceMock)
	h := NewWebhookHandler(svc)

	svc.On("ProcessConnectionUpdate", mock.Anything, "inst-1", mock.MatchedBy(func(d *model.ConnectionUpdateData) bool {
		return d.State == "open"
	})).Return(nil).Once()

	err := h.HandleEvent(context.Background(), model.EventConnectionUpdate, envelope("connection.update", "inst-1",
		`{"state":"open","statusReason":200}`))
	require.NoError(t, err)
	svc.AssertExpectations(t)
}

func TestHandleEvent_PairingCode(t *testing.T) {
	svc := new(webhookServiceMock)
	h := NewWebhookHandler(svc)

	svc.On("ProcessPairingCode", mock.Anything, "inst-1", mock.MatchedBy(func(d *model.PairingCodeUpdateData) bool {
		return d.PairingCode() == "XQ-77"
	})).Return(nil).Once()

	err := h.HandleEvent(context.Background(), model.EventPairingCodeUpdate, envelope("qrcode.updated", "inst-1",
		`{"qrcode":{"pairingCode":"XQ-77"}}`))
	require.NoError(t, err)
	svc.AssertExpectations(t)
}

func TestHandleEvent_MalformedPayloadIsFatal(t *testing.T) {
	svc := new(webhookServiceMock)
	h := NewWebhookHandler(svc)

	err := h.HandleEvent(context.Background(), model.EventMessageUpsert, envelope("messages.upsert", "inst-1",
		`{"key":`))
	require.Error(t, err)
	assert.True(t, apperrors.IsFatal(err))
	assert.True(t, apperrors.IsBadRequestError(err))
	svc.AssertNotCalled(t, "ProcessMessageUpsert", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleUnknown_Acks(t *testing.T) {
	svc := new(webhookServiceMock)
	h := NewWebhookHandler(svc)

	err := h.HandleUnknown(context.Background(), model.EventKind("call.offer"), envelope("CALL_OFFER", "inst-1", `{}`))
	assert.NoError(t, err)
}
