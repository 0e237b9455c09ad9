package mock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/clinicdesk/wa-inbox-service/internal/model"
)

// --- ConnectionRepo Mock ---

// ConnectionRepoMock mocks the ConnectionRepo interface
type ConnectionRepoMock struct {
	mock.Mock
}

// Upsert mocks the Upsert method
func (m *ConnectionRepoMock) Upsert(ctx context.Context, conn model.Connection) error {
	args := m.Called(ctx, conn)
	return args.Error(0)
}

// UpdateStatus mocks the UpdateStatus method
func (m *ConnectionRepoMock) UpdateStatus(ctx context.Context, clinicID, status, pairingCode string) error {
	args := m.Called(ctx, clinicID, status, pairingCode)
	return args.Error(0)
}

// RecordProbeResult mocks the RecordProbeResult method
func (m *ConnectionRepoMock) RecordProbeResult(ctx context.Context, clinicID string, result model.ProbeResult) error {
	args := m.Called(ctx, clinicID, result)
	return args.Error(0)
}

// FindByClinicID mocks the FindByClinicID method
func (m *ConnectionRepoMock) FindByClinicID(ctx context.Context, clinicID string) (*model.Connection, error) {
	args := m.Called(ctx, clinicID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Connection), args.Error(1)
}

// FindByInstanceID mocks the FindByInstanceID method
func (m *ConnectionRepoMock) FindByInstanceID(ctx context.Context, instanceID string) (*model.Connection, error) {
	args := m.Called(ctx, instanceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Connection), args.Error(1)
}

// FindAll mocks the FindAll method
func (m *ConnectionRepoMock) FindAll(ctx context.Context) ([]model.Connection, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Connection), args.Error(1)
}

// Close mocks the Close method
func (m *ConnectionRepoMock) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// --- ConversationRepo Mock ---

// ConversationRepoMock mocks the ConversationRepo interface
type ConversationRepoMock struct {
	mock.Mock
}

// FindOrCreate mocks the FindOrCreate method
func (m *ConversationRepoMock) FindOrCreate(ctx context.Context, phone, displayName string) (*model.Conversation, error) {
	args := m.Called(ctx, phone, displayName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Conversation), args.Error(1)
}

// FindByID mocks the FindByID method
func (m *ConversationRepoMock) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Conversation), args.Error(1)
}

// FindByPhone mocks the FindByPhone method
func (m *ConversationRepoMock) FindByPhone(ctx context.Context, phone string) (*model.Conversation, error) {
	args := m.Called(ctx, phone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Conversation), args.Error(1)
}

// MarkRead mocks the MarkRead method
func (m *ConversationRepoMock) MarkRead(ctx context.Context, conversationID string) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

// Close mocks the Close method
func (m *ConversationRepoMock) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// --- MessageRepo Mock ---

// MessageRepoMock mocks the MessageRepo interface
type MessageRepoMock struct {
	mock.Mock
}

// CreateWithAggregates mocks the CreateWithAggregates method
func (m *MessageRepoMock) CreateWithAggregates(ctx context.Context, message model.Message) (*model.Message, error) {
	args := m.Called(ctx, message)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

// UpdateStatusByGatewayID mocks the UpdateStatusByGatewayID method
func (m *MessageRepoMock) UpdateStatusByGatewayID(ctx context.Context, gatewayMessageID, status string) (*model.Message, error) {
	args := m.Called(ctx, gatewayMessageID, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

// UpdateMediaState mocks the UpdateMediaState method
func (m *MessageRepoMock) UpdateMediaState(ctx context.Context, messageID string, media model.MessageMedia) error {
	args := m.Called(ctx, messageID, media)
	return args.Error(0)
}

// ClaimMediaProcessing mocks the ClaimMediaProcessing method
func (m *MessageRepoMock) ClaimMediaProcessing(ctx context.Context, messageID string) (bool, error) {
	args := m.Called(ctx, messageID)
	return args.Bool(0), args.Error(1)
}

// FindByID mocks the FindByID method
func (m *MessageRepoMock) FindByID(ctx context.Context, id string) (*model.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

// FindByGatewayID mocks the FindByGatewayID method
func (m *MessageRepoMock) FindByGatewayID(ctx context.Context, gatewayMessageID string) (*model.Message, error) {
	args := m.Called(ctx, gatewayMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Message), args.Error(1)
}

// FindStalledMedia mocks the FindStalledMedia method
func (m *MessageRepoMock) FindStalledMedia(ctx context.Context, olderThan time.Time, limit int) ([]model.Message, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Message), args.Error(1)
}

// Close mocks the Close method
func (m *MessageRepoMock) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// --- ContactRepo Mock ---

// ContactRepoMock mocks the ContactRepo interface
type ContactRepoMock struct {
	mock.Mock
}

// UpsertObserved mocks the UpsertObserved method
func (m *ContactRepoMock) UpsertObserved(ctx context.Context, phone, pushName string, seenAt time.Time) error {
	args := m.Called(ctx, phone, pushName, seenAt)
	return args.Error(0)
}

// FindByPhone mocks the FindByPhone method
func (m *ContactRepoMock) FindByPhone(ctx context.Context, phone string) (*model.Contact, error) {
	args := m.Called(ctx, phone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Contact), args.Error(1)
}

// Close mocks the Close method
func (m *ContactRepoMock) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
