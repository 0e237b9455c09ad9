package storage

import (
	"context"
	"time"

	"github.com/clinicdesk/wa-inbox-service/internal/model"
)

// ConnectionRepoAdapter adapts the PostgresRepo to the ConnectionRepo interface
type ConnectionRepoAdapter struct {
	postgres *PostgresRepo
}

// NewConnectionRepoAdapter creates a new connection repository adapter
func NewConnectionRepoAdapter(postgres *PostgresRepo) ConnectionRepo {
	return &ConnectionRepoAdapter{postgres: postgres}
}

// Upsert saves a connection
func (a *ConnectionRepoAdapter) Upsert(ctx context.Context, conn model.Connection) error {
	return a.postgres.SaveConnection(ctx, conn)
}

// UpdateStatus applies a connection-state transition
func (a *ConnectionRepoAdapter) UpdateStatus(ctx context.Context, clinicID, status, pairingCode string) error {
	return a.postgres.UpdateConnectionStatus(ctx, clinicID, status, pairingCode)
}

// RecordProbeResult persists a health probe outcome
func (a *ConnectionRepoAdapter) RecordProbeResult(ctx context.Context, clinicID string, result model.ProbeResult) error {
	return a.postgres.RecordConnectionProbe(ctx, clinicID, result)
}

// FindByClinicID finds the clinic's connection
func (a *ConnectionRepoAdapter) FindByClinicID(ctx context.Context, clinicID string) (*model.Connection, error) {
	return a.postgres.FindConnectionByClinicID(ctx, clinicID)
}

// FindByInstanceID resolves a gateway instance to its connection
func (a *ConnectionRepoAdapter) FindByInstanceID(ctx context.Context, instanceID string) (*model.Connection, error) {
	return a.postgres.FindConnectionByInstanceID(ctx, instanceID)
}

// FindAll lists all connections
func (a *ConnectionRepoAdapter) FindAll(ctx context.Context) ([]model.Connection, error) {
	return a.postgres.FindAllConnections(ctx)
}

func (a *ConnectionRepoAdapter) Close(ctx context.Context) error {
	return a.postgres.Close(ctx)
}

// ConversationRepoAdapter adapts the PostgresRepo to the ConversationRepo interface
type ConversationRepoAdapter struct {
	postgres *PostgresRepo
}

// NewConversationRepoAdapter creates a new conversation repository adapter
func NewConversationRepoAdapter(postgres *PostgresRepo) ConversationRepo {
	return &ConversationRepoAdapter{postgres: postgres}
}

// FindOrCreate returns the (clinic, phone) conversation, creating it when absent
func (a *ConversationRepoAdapter) FindOrCreate(ctx context.Context, phone, displayName string) (*model.Conversation, error) {
	return a.postgres.FindOrCreateConversation(ctx, phone, displayName)
}

// FindByID finds a conversation by ID
func (a *ConversationRepoAdapter) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	return a.postgres.FindConversationByID(ctx, id)
}

// FindByPhone finds a conversation by counterpart phone
func (a *ConversationRepoAdapter) FindByPhone(ctx context.Context, phone string) (*model.Conversation, error) {
	return a.postgres.FindConversationByPhone(ctx, phone)
}

// MarkRead zeroes the unread counter and stamps unread inbound messages
func (a *ConversationRepoAdapter) MarkRead(ctx context.Context, conversationID string) error {
	return a.postgres.MarkConversationRead(ctx, conversationID)
}

func (a *ConversationRepoAdapter) Close(ctx context.Context) error {
	return a.postgres.Close(ctx)
}

// MessageRepoAdapter adapts the PostgresRepo to the MessageRepo interface
type MessageRepoAdapter struct {
	postgres *PostgresRepo
}

// NewMessageRepoAdapter creates a new message repository adapter
func NewMessageRepoAdapter(postgres *PostgresRepo) MessageRepo {
	return &MessageRepoAdapter{postgres: postgres}
}

// CreateWithAggregates inserts a message and updates conversation aggregates
func (a *MessageRepoAdapter) CreateWithAggregates(ctx context.Context, message model.Message) (*model.Message, error) {
	return a.postgres.CreateMessageWithAggregates(ctx, message)
}

// UpdateStatusByGatewayID applies a delivery-status transition
func (a *MessageRepoAdapter) UpdateStatusByGatewayID(ctx context.Context, gatewayMessageID, status string) (*model.Message, error) {
	return a.postgres.UpdateMessageStatusByGatewayID(ctx, gatewayMessageID, status)
}

// UpdateMediaState persists the media columns for one message
func (a *MessageRepoAdapter) UpdateMediaState(ctx context.Context, messageID string, media model.MessageMedia) error {
	return a.postgres.UpdateMessageMedia(ctx, messageID, media)
}

// ClaimMediaProcessing transitions pending/failed media to processing
func (a *MessageRepoAdapter) ClaimMediaProcessing(ctx context.Context, messageID string) (bool, error) {
	return a.postgres.ClaimMediaProcessing(ctx, messageID)
}

// FindByID finds a message by ID
func (a *MessageRepoAdapter) FindByID(ctx context.Context, id string) (*model.Message, error) {
	return a.postgres.FindMessageByID(ctx, id)
}

// FindByGatewayID finds a message by gateway message id
func (a *MessageRepoAdapter) FindByGatewayID(ctx context.Context, gatewayMessageID string) (*model.Message, error) {
	return a.postgres.FindMessageByGatewayID(ctx, gatewayMessageID)
}

// FindStalledMedia lists pending/failed media rows for the sweep
func (a *MessageRepoAdapter) FindStalledMedia(ctx context.Context, olderThan time.Time, limit int) ([]model.Message, error) {
	return a.postgres.FindStalledMedia(ctx, olderThan, limit)
}

func (a *MessageRepoAdapter) Close(ctx context.Context) error {
	return a.postgres.Close(ctx)
}

// ContactRepoAdapter adapts the PostgresRepo to the ContactRepo interface
type ContactRepoAdapter struct {
	postgres *PostgresRepo
}

// NewContactRepoAdapter creates a new contact repository adapter
func NewContactRepoAdapter(postgres *PostgresRepo) ContactRepo {
	return &ContactRepoAdapter{postgres: postgres}
}

// UpsertObserved records an observed counterpart
func (a *ContactRepoAdapter) UpsertObserved(ctx context.Context, phone, pushName string, seenAt time.Time) error {
	return a.postgres.UpsertObservedContact(ctx, phone, pushName, seenAt)
}

// FindByPhone finds a contact by phone number
func (a *ContactRepoAdapter) FindByPhone(ctx context.Context, phone string) (*model.Contact, error) {
	return a.postgres.FindContactByPhone(ctx, phone)
}

func (a *ContactRepoAdapter) Close(ctx context.Context) error {
	return a.postgres.Close(ctx)
}

// Ensure adapters implement the interfaces
var _ ConnectionRepo = (*ConnectionRepoAdapter)(nil)
var _ ConversationRepo = (*ConversationRepoAdapter)(nil)
var _ MessageRepo = (*MessageRepoAdapter)(nil)
var _ ContactRepo = (*ContactRepoAdapter)(nil)
