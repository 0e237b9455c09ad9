package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/cache"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/internal/observer"
	"github.com/clinicdesk/wa-inbox-service/internal/storage"
	"github.com/clinicdesk/wa-inbox-service/internal/tenant"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
	"github.com/clinicdesk/wa-inbox-service/pkg/utils"
)

// ChangePublisher pushes change notifications toward subscribed dashboard
// sessions. Publish failures must never fail the originating write.
type ChangePublisher interface {
	PublishChange(ctx context.Context, change model.ChangeNotification) error
}

// MediaSubmitter accepts media retrieval tasks for asynchronous execution.
type MediaSubmitter interface {
	Submit(task MediaTask) error
}

// IngestService turns webhook payloads into persisted state. It owns tenant
// resolution: every operation receives the gateway instance id and derives the
// clinic from it before touching storage.
type IngestService struct {
	connections   storage.ConnectionRepo
	conversations storage.ConversationRepo
	messages      storage.MessageRepo
	contacts      storage.ContactRepo
	resolver      *cache.ResolverCache
	publisher     ChangePublisher
	media         MediaSubmitter
}

// NewIngestService creates the ingest service.
func NewIngestService(
	connections storage.ConnectionRepo,
	conversations storage.ConversationRepo,
	messages storage.MessageRepo,
	contacts storage.ContactRepo,
	resolver *cache.ResolverCache,
	publisher ChangePublisher,
	media MediaSubmitter,
) *IngestService {
	return &IngestService{
		connections:   connections,
		conversations: conversations,
		messages:      messages,
		contacts:      contacts,
		resolver:      resolver,
		publisher:     publisher,
		media:         media,
	}
}

// ResolveClinic maps a gateway instance id to the owning clinic. Hits come
// from the TTL cache; misses fall through to the connections table. An
// instance no clinic owns resolves to apperrors.ErrNotFound, which the
// boundary reports as an operator-visible 404.
func (s *IngestService) ResolveClinic(ctx context.Context, instanceID string) (string, error) {
	if instanceID == "" {
		return "", apperrors.NewFatal(apperrors.ErrBadRequest, "webhook envelope carries no instance id")
	}
	if clinicID, ok := s.resolver.Get(instanceID); ok {
		return clinicID, nil
	}
	conn, err := s.connections.FindByInstanceID(ctx, instanceID)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			return "", apperrors.NewFatal(apperrors.ErrNotFound, "no clinic owns gateway instance %s", instanceID)
		}
		return "", err
	}
	s.resolver.Put(instanceID, conn.ClinicID)
	return conn.ClinicID, nil
}

// resolveTenantCtx resolves the clinic and returns a context carrying it.
func (s *IngestService) resolveTenantCtx(ctx context.Context, instanceID string) (context.Context, string, error) {
	clinicID, err := s.ResolveClinic(ctx, instanceID)
	if err != nil {
		return ctx, "", err
	}
	ctx = tenant.WithClinicID(ctx, clinicID)
	ctx = logger.WithLogger(ctx, logger.FromContext(ctx).With(zap.String("clinic_id", clinicID)))
	return ctx, clinicID, nil
}

// ProcessMessageUpsert persists one inbound or outbound message from a
// messages.upsert (or send.message) payload. Group-addressed and
// malformed-phone payloads are dropped silently; webhook re-deliveries are
// absorbed by the dedup guard without touching aggregates.
func (s *IngestService) ProcessMessageUpsert(ctx context.Context, instanceID string, data *model.MessageUpsertData) error {
	ctx, clinicID, err := s.resolveTenantCtx(ctx, instanceID)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx)

	canonical, err := model.NormalizeMessageUpsert(data)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrGroupMessage):
			log.Debug("Dropping group-addressed message", zap.String("remote_jid", data.Key.RemoteJid))
			observer.IncWebhookEventsDropped(string(model.EventMessageUpsert), clinicID, "group_message")
			return nil
		case errors.Is(err, model.ErrInvalidPhone):
			log.Warn("Dropping message with malformed phone identifier", zap.String("remote_jid", data.Key.RemoteJid))
			observer.IncWebhookEventsDropped(string(model.EventMessageUpsert), clinicID, "invalid_phone")
			return nil
		}
		return apperrors.NewFatal(err, "failed to normalize message payload")
	}

	conv, err := s.conversations.FindOrCreate(ctx, canonical.Phone, canonical.TrustedPushName())
	if err != nil {
		return err
	}

	msg := model.Message{
		ConversationID: conv.ID,
		ClinicID:       clinicID,
		Direction:      canonical.Direction(),
		Kind:           canonical.Kind,
		Content:        canonical.Content,
		Status:         model.MessageStatusSent,
		Media:          canonical.Media,
	}
	if canonical.GatewayMessageID != "" {
		id := canonical.GatewayMessageID
		msg.GatewayMessageID = &id
	}
	if canonical.Timestamp > 0 {
		msg.CreatedAt = utils.UnixToTime(canonical.Timestamp)
	}

	saved, err := s.messages.CreateWithAggregates(ctx, msg)
	if err != nil {
		if apperrors.IsDuplicateError(err) {
			log.Info("Webhook re-delivery absorbed",
				zap.String("gateway_message_id", canonical.GatewayMessageID))
			observer.IncWebhookEventsDropped(string(model.EventMessageUpsert), clinicID, "duplicate")
			return nil
		}
		return err
	}

	if !canonical.FromSelf && canonical.PushName != "" {
		if err := s.contacts.UpsertObserved(ctx, canonical.Phone, canonical.PushName, saved.CreatedAt); err != nil {
			// Contact bookkeeping is best effort
			log.Warn("Failed to record observed contact", zap.Error(err))
		}
	}

	s.publish(ctx, model.ChangeNotification{
		ClinicID: clinicID,
		Entity:   model.ChangeEntityMessage,
		EntityID: saved.ID,
		Action:   model.ChangeActionInsert,
	})
	s.publish(ctx, model.ChangeNotification{
		ClinicID: clinicID,
		Entity:   model.ChangeEntityConversation,
		EntityID: conv.ID,
		Action:   model.ChangeActionUpdate,
	})

	if saved.HasMedia() && saved.Media.ProcessingStatus == model.MediaStatusPending {
		task := MediaTask{
			ClinicID:  clinicID,
			MessageID: saved.ID,
			Kind:      saved.Kind,
		}
		if err := s.media.Submit(task); err != nil {
			// The row stays pending; the sweep picks it up later
			log.Warn("Media retrieval task not accepted, leaving row for sweep",
				zap.String("message_id", saved.ID),
				zap.Error(err))
			observer.IncMediaTasksDropped(clinicID)
		}
	}

	observer.IncEventProcessingAction(string(model.EventMessageUpsert), clinicID, "persist_message", "")
	return nil
}

// ProcessStatusUpdate applies one delivery-status transition from a
// messages.update payload. Unknown message ids and stale acknowledgements are
// both silent no-ops.
func (s *IngestService) ProcessStatusUpdate(ctx context.Context, instanceID string, data *model.MessageStatusData) error {
	ctx, clinicID, err := s.resolveTenantCtx(ctx, instanceID)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx)

	gatewayID := data.GatewayMessageID()
	if gatewayID == "" {
		log.Warn("Status update carries no message id")
		observer.IncWebhookEventsDropped(string(model.EventMessageStatus), clinicID, "missing_key")
		return nil
	}

	status := model.MapGatewayStatus(data.Status)
	msg, err := s.messages.UpdateStatusByGatewayID(ctx, gatewayID, status)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			log.Debug("Status update for unknown message ignored",
				zap.String("gateway_message_id", gatewayID),
				zap.String("status", data.Status))
			observer.IncWebhookEventsDropped(string(model.EventMessageStatus), clinicID, "unknown_message")
			return nil
		}
		return err
	}

	s.publish(ctx, model.ChangeNotification{
		ClinicID: clinicID,
		Entity:   model.ChangeEntityMessage,
		EntityID: msg.ID,
		Action:   model.ChangeActionUpdate,
	})
	observer.IncEventProcessingAction(string(model.EventMessageStatus), clinicID, "update_status", "")
	return nil
}

// ProcessConnectionUpdate reflects the gateway's reported state onto the
// clinic's connection row.
func (s *IngestService) ProcessConnectionUpdate(ctx context.Context, instanceID string, data *model.ConnectionUpdateData) error {
	ctx, clinicID, err := s.resolveTenantCtx(ctx, instanceID)
	if err != nil {
		return err
	}

	status := model.MapConnectionState(data.State)
	if err := s.connections.UpdateStatus(ctx, clinicID, status, ""); err != nil {
		return err
	}

	s.publishConnectionChange(ctx, clinicID)
	observer.IncEventProcessingAction(string(model.EventConnectionUpdate), clinicID, "update_connection", "")
	return nil
}

// ProcessPairingCode stores a fresh pairing code, which always forces the
// connection into the pairing state.
func (s *IngestService) ProcessPairingCode(ctx context.Context, instanceID string, data *model.PairingCodeUpdateData) error {
	ctx, clinicID, err := s.resolveTenantCtx(ctx, instanceID)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx)

	code := data.PairingCode()
	if code == "" {
		log.Debug("Pairing event without a code ignored")
		observer.IncWebhookEventsDropped(string(model.EventPairingCodeUpdate), clinicID, "missing_code")
		return nil
	}

	if err := s.connections.UpdateStatus(ctx, clinicID, model.ConnectionStatusPairing, code); err != nil {
		return err
	}

	s.publishConnectionChange(ctx, clinicID)
	observer.IncEventProcessingAction(string(model.EventPairingCodeUpdate), clinicID, "store_pairing_code", "")
	return nil
}

// MarkConversationRead zeroes the unread counter and stamps read_at on the
// conversation's unread inbound messages.
func (s *IngestService) MarkConversationRead(ctx context.Context, conversationID string) error {
	if err := s.conversations.MarkRead(ctx, conversationID); err != nil {
		return err
	}
	if clinicID, err := tenant.FromContext(ctx); err == nil {
		s.publish(ctx, model.ChangeNotification{
			ClinicID: clinicID,
			Entity:   model.ChangeEntityConversation,
			EntityID: conversationID,
			Action:   model.ChangeActionUpdate,
		})
	}
	return nil
}

func (s *IngestService) publish(ctx context.Context, change model.ChangeNotification) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishChange(ctx, change); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish change notification",
			zap.String("entity", string(change.Entity)),
			zap.String("entity_id", change.EntityID),
			zap.Error(err))
		observer.IncChangePublishErrors(string(change.Entity), change.ClinicID)
		return
	}
	observer.IncChangeEventsPublished(string(change.Entity), change.ClinicID)
}

func (s *IngestService) publishConnectionChange(ctx context.Context, clinicID string) {
	s.publish(ctx, model.ChangeNotification{
		ClinicID: clinicID,
		Entity:   model.ChangeEntityConnection,
		EntityID: clinicID,
		Action:   model.ChangeActionUpdate,
	})
}

// InvalidateResolver drops a cached instance mapping, for connection
// reassignment paths.
func (s *IngestService) InvalidateResolver(instanceID string) {
	s.resolver.Invalidate(instanceID)
}
