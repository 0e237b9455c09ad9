package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/internal/observer"
	"github.com/clinicdesk/wa-inbox-service/internal/tenant"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
	"github.com/clinicdesk/wa-inbox-service/pkg/utils"
)

// statusRank orders message statuses so reconciliation never walks a message
// backwards, e.g. a late SERVER_ACK after READ.
func statusRank(status string) int {
	switch status {
	case model.MessageStatusSent:
		return 1
	case model.MessageStatusDelivered:
		return 2
	case model.MessageStatusRead:
		return 3
	case model.MessageStatusFailed:
		return 4
	default:
		return 0
	}
}

// CreateMessageWithAggregates inserts a message and updates its conversation's
// aggregates in one transaction: last_message_at, preview, and the unread
// counter (inbound only). A unique violation on (clinic_id,
// gateway_message_id) means a webhook re-delivery; the existing row is
// returned together with ErrDuplicate so the caller can acknowledge without
// side effects.
func (r *PostgresRepo) CreateMessageWithAggregates(ctx context.Context, message model.Message) (*model.Message, error) {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}
	if clinicID != message.ClinicID {
		return nil, fmt.Errorf("%w: message ClinicID %s does not match tenant ID %s", apperrors.ErrBadRequest, message.ClinicID, clinicID)
	}
	loggerCtx := logger.FromContext(ctx)

	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	now := utils.Now()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	message.UpdatedAt = now

	var duplicate bool
	operation := func() error {
		duplicate = false
		txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if createErr := checkConstraintViolation(tx.Create(&message).Error); createErr != nil {
				if errors.Is(createErr, apperrors.ErrDuplicate) {
					duplicate = true
					return nil // Absorb re-delivery, skip aggregates
				}
				return createErr
			}

			updates := map[string]interface{}{
				"last_message_at":      message.CreatedAt,
				"last_message_preview": model.PreviewFor(message.Kind, message.Content),
				"updated_at":           now,
			}
			if message.Direction == model.MessageDirectionInbound {
				updates["unread_count"] = gormExprIncrement("unread_count")
			}
			aggr := tx.Model(&model.Conversation{}).
				Where("id = ? AND clinic_id = ?", message.ConversationID, clinicID).
				Updates(updates)
			if aggr.Error != nil {
				return checkConstraintViolation(aggr.Error)
			}
			if aggr.RowsAffected == 0 {
				return fmt.Errorf("%w: conversation %s", apperrors.ErrNotFound, message.ConversationID)
			}
			return nil
		})
		return txErr
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "CreateMessageWithAggregates Commit", operation)
	observer.ObserveDbOperationDuration("create", "message", clinicID, time.Since(startTime), commitErr)

	if commitErr != nil {
		loggerCtx.Error("Failed to create message after retries",
			zap.Stringp("gateway_message_id", message.GatewayMessageID),
			zap.Error(commitErr))
		return nil, commitErr
	}

	if duplicate {
		existing, findErr := r.FindMessageByGatewayID(ctx, derefString(message.GatewayMessageID))
		if findErr != nil {
			return nil, findErr
		}
		return existing, apperrors.ErrDuplicate
	}

	return &message, nil
}

// UpdateMessageStatusByGatewayID applies a delivery-status transition to the
// message matching (clinic, gateway id). Unknown ids return ErrNotFound so the
// caller can no-op; status never moves backwards. A transition to read also
// stamps read_at.
func (r *PostgresRepo) UpdateMessageStatusByGatewayID(ctx context.Context, gatewayMessageID, status string) (*model.Message, error) {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}
	loggerCtx := logger.FromContext(ctx)

	var message model.Message
	operation := func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("gateway_message_id = ? AND clinic_id = ?", gatewayMessageID, clinicID).
				First(&message)
			if result.Error != nil {
				return checkConstraintViolation(result.Error)
			}

			if statusRank(status) <= statusRank(message.Status) {
				return nil // Stale ack, keep current status
			}

			now := utils.Now()
			updates := map[string]interface{}{
				"status":     status,
				"updated_at": now,
			}
			if status == model.MessageStatusRead {
				// Read on the counterpart's device, not through the dashboard
				updates["read_at"] = now
			}
			update := tx.Model(&model.Message{}).
				Where("id = ?", message.ID).
				Updates(updates)
			if update.Error != nil {
				return checkConstraintViolation(update.Error)
			}
			message.Status = status
			message.UpdatedAt = now
			if status == model.MessageStatusRead {
				message.ReadAt = &now
			}
			return nil
		})
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "UpdateMessageStatusByGatewayID Commit", operation)
	observer.ObserveDbOperationDuration("update", "message", clinicID, time.Since(startTime), commitErr)

	if commitErr != nil {
		if errors.Is(commitErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		loggerCtx.Error("Failed to update message status after retries",
			zap.String("gateway_message_id", gatewayMessageID),
			zap.String("status", status),
			zap.Error(commitErr))
		return nil, commitErr
	}

	return &message, nil
}

// UpdateMessageMedia persists the media columns for one message. Used by the
// retrieval worker to record terminal outcomes.
func (r *PostgresRepo) UpdateMessageMedia(ctx context.Context, messageID string, media model.MessageMedia) error {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}
	loggerCtx := logger.FromContext(ctx)

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Message{}).
			Where("id = ? AND clinic_id = ?", messageID, clinicID).
			Updates(map[string]interface{}{
				"media_mime_type":         media.MimeType,
				"media_size":              media.Size,
				"media_width":             media.Width,
				"media_height":            media.Height,
				"media_duration_seconds":  media.DurationSeconds,
				"media_thumbnail":         media.Thumbnail,
				"media_waveform":          media.Waveform,
				"media_is_voice_note":     media.IsVoiceNote,
				"media_processing_status": media.ProcessingStatus,
				"media_payload":           media.Payload,
				"updated_at":              utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: message %s", apperrors.ErrNotFound, messageID)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "UpdateMessageMedia Commit", operation)
	observer.ObserveDbOperationDuration("update", "message", clinicID, time.Since(startTime), commitErr)

	if commitErr != nil {
		loggerCtx.Error("Failed to update message media after retries",
			zap.String("message_id", messageID),
			zap.String("processing_status", media.ProcessingStatus),
			zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// ClaimMediaProcessing moves a message's media state to processing if and only
// if it is currently pending or failed. Returns false when another worker
// already holds it or the state is terminal.
func (r *PostgresRepo) ClaimMediaProcessing(ctx context.Context, messageID string) (bool, error) {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}

	var claimed bool
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Message{}).
			Where("id = ? AND clinic_id = ? AND media_processing_status IN ?",
				messageID, clinicID, []string{model.MediaStatusPending, model.MediaStatusFailed}).
			Updates(map[string]interface{}{
				"media_processing_status": model.MediaStatusProcessing,
				"updated_at":              utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		claimed = result.RowsAffected > 0
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "ClaimMediaProcessing Commit", operation)
	observer.ObserveDbOperationDuration("update", "message", clinicID, time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to claim media processing after retries",
			zap.String("message_id", messageID),
			zap.Error(commitErr))
		return false, commitErr
	}

	return claimed, nil
}

// FindMessageByID finds a message by primary key within the tenant.
func (r *PostgresRepo) FindMessageByID(ctx context.Context, id string) (*model.Message, error) {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}
	loggerCtx := logger.FromContext(ctx)

	var message model.Message
	operation := func() error {
		result := r.db.WithContext(ctx).Where("id = ? AND clinic_id = ?", id, clinicID).First(&message)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "FindMessageByID", operation)
	observer.ObserveDbOperationDuration("find", "message", clinicID, time.Since(startTime), findErr)

	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		loggerCtx.Error("Failed to find message by id after retries",
			zap.String("message_id", id),
			zap.Error(findErr))
		return nil, findErr
	}

	return &message, nil
}

// FindMessageByGatewayID finds a message by gateway message id within the tenant.
func (r *PostgresRepo) FindMessageByGatewayID(ctx context.Context, gatewayMessageID string) (*model.Message, error) {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}
	loggerCtx := logger.FromContext(ctx)

	var message model.Message
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("gateway_message_id = ? AND clinic_id = ?", gatewayMessageID, clinicID).
			First(&message)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "FindMessageByGatewayID", operation)
	observer.ObserveDbOperationDuration("find", "message", clinicID, time.Since(startTime), findErr)

	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		loggerCtx.Error("Failed to find message by gateway id after retries",
			zap.String("gateway_message_id", gatewayMessageID),
			zap.Error(findErr))
		return nil, findErr
	}

	return &message, nil
}

// FindStalledMedia lists the clinic's messages whose media is pending or
// failed and has not moved since olderThan, oldest first. Feeds the recovery
// sweep.
func (r *PostgresRepo) FindStalledMedia(ctx context.Context, olderThan time.Time, limit int) ([]model.Message, error) {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}
	loggerCtx := logger.FromContext(ctx)

	var messages []model.Message
	operation := func() error {
		query := r.db.WithContext(ctx).
			Where("clinic_id = ? AND media_processing_status IN ? AND updated_at < ?",
				clinicID, []string{model.MediaStatusPending, model.MediaStatusFailed}, olderThan).
			Order("updated_at ASC").
			Limit(limit).
			Find(&messages)
		if query.Error != nil {
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, query.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	err = retryableOperation(ctx, readPolicy, "FindStalledMedia", operation)
	observer.ObserveDbOperationDuration("find_stalled", "message", clinicID, time.Since(startTime), err)

	if err != nil {
		loggerCtx.Error("Failed to find stalled media after retries",
			zap.Time("older_than", olderThan),
			zap.Error(err))
		return nil, err
	}
	return messages, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
