package storage

import (
	"context"
	"time"

	"github.com/clinicdesk/wa-inbox-service/internal/model"
)

// ConnectionRepo defines connection storage operations
type ConnectionRepo interface {
	Upsert(ctx context.Context, conn model.Connection) error
	UpdateStatus(ctx context.Context, clinicID, status, pairingCode string) error
	RecordProbeResult(ctx context.Context, clinicID string, result model.ProbeResult) error
	FindByClinicID(ctx context.Context, clinicID string) (*model.Connection, error)
	FindByInstanceID(ctx context.Context, instanceID string) (*model.Connection, error)
	FindAll(ctx context.Context) ([]model.Connection, error)
	Close(ctx context.Context) error
}

// ConversationRepo defines conversation storage operations
type ConversationRepo interface {
	FindOrCreate(ctx context.Context, phone, displayName string) (*model.Conversation, error)
	FindByID(ctx context.Context, id string) (*model.Conversation, error)
	FindByPhone(ctx context.Context, phone string) (*model.Conversation, error)
	MarkRead(ctx context.Context, conversationID string) error
	Close(ctx context.Context) error
}

// MessageRepo defines message storage operations
type MessageRepo interface {
	CreateWithAggregates(ctx context.Context, message model.Message) (*model.Message, error)
	UpdateStatusByGatewayID(ctx context.Context, gatewayMessageID, status string) (*model.Message, error)
	UpdateMediaState(ctx context.Context, messageID string, media model.MessageMedia) error
	ClaimMediaProcessing(ctx context.Context, messageID string) (bool, error)
	FindByID(ctx context.Context, id string) (*model.Message, error)
	FindByGatewayID(ctx context.Context, gatewayMessageID string) (*model.Message, error)
	FindStalledMedia(ctx context.Context, olderThan time.Time, limit int) ([]model.Message, error)
	Close(ctx context.Context) error
}

// ContactRepo defines contact storage operations
type ContactRepo interface {
	UpsertObserved(ctx context.Context, phone, pushName string, seenAt time.Time) error
	FindByPhone(ctx context.Context, phone string) (*model.Contact, error)
	Close(ctx context.Context) error
}
