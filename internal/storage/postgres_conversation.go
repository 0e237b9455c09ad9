package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/internal/observer"
	"github.com/clinicdesk/wa-inbox-service/internal/tenant"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
	"github.com/clinicdesk/wa-inbox-service/pkg/utils"
)

// FindOrCreateConversation returns the conversation for (clinic, phone),
// creating it when absent. A concurrent create by another webhook delivery is
// absorbed by re-reading after a unique violation. The display name defaults
// to the phone and is promoted once a trusted push-name arrives, never
// overwritten after that.
func (r *PostgresRepo) FindOrCreateConversation(ctx context.Context, phone, displayName string) (*model.Conversation, error) {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}
	loggerCtx := logger.FromContext(ctx)

	var conversation model.Conversation
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("clinic_id = ? AND phone = ?", clinicID, phone).
			First(&conversation)
		findErr := result.Error

		if findErr == nil {
			if displayName != "" && (conversation.DisplayName == "" || conversation.DisplayName == phone) {
				promote := r.db.WithContext(ctx).Model(&model.Conversation{}).
					Where("id = ? AND (display_name = '' OR display_name = ?)", conversation.ID, phone).
					Updates(map[string]interface{}{
						"display_name": displayName,
						"updated_at":   utils.Now(),
					})
				if promote.Error != nil {
					return checkConstraintViolation(promote.Error)
				}
				conversation.DisplayName = displayName
			}
			return nil
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return checkConstraintViolation(findErr)
		}

		name := displayName
		if name == "" {
			// No trusted push-name yet, the phone stands in until one arrives
			name = phone
		}
		conversation = model.Conversation{
			ID:          uuid.NewString(),
			ClinicID:    clinicID,
			Phone:       phone,
			DisplayName: name,
			Status:      model.ConversationStatusActive,
			CreatedAt:   utils.Now(),
			UpdatedAt:   utils.Now(),
		}
		createErr := checkConstraintViolation(r.db.WithContext(ctx).Create(&conversation).Error)
		if createErr == nil {
			return nil
		}
		if errors.Is(createErr, apperrors.ErrDuplicate) {
			// Lost the race, the row exists now
			reread := r.db.WithContext(ctx).
				Where("clinic_id = ? AND phone = ?", clinicID, phone).
				First(&conversation)
			if reread.Error != nil {
				return checkConstraintViolation(reread.Error)
			}
			return nil
		}
		return createErr
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "FindOrCreateConversation", operation)
	observer.ObserveDbOperationDuration("find_or_create", "conversation", clinicID, time.Since(startTime), commitErr)

	if commitErr != nil {
		loggerCtx.Error("Failed to find or create conversation after retries",
			zap.String("phone", phone),
			zap.Error(commitErr))
		return nil, commitErr
	}

	return &conversation, nil
}

// FindConversationByID finds a conversation by primary key within the tenant.
func (r *PostgresRepo) FindConversationByID(ctx context.Context, id string) (*model.Conversation, error) {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}
	loggerCtx := logger.FromContext(ctx)

	var conversation model.Conversation
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("id = ? AND clinic_id = ?", id, clinicID).
			First(&conversation)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "FindConversationByID", operation)
	observer.ObserveDbOperationDuration("find", "conversation", clinicID, time.Since(startTime), findErr)

	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		loggerCtx.Error("Failed to find conversation by id after retries",
			zap.String("conversation_id", id),
			zap.Error(findErr))
		return nil, findErr
	}

	return &conversation, nil
}

// FindConversationByPhone finds a conversation by counterpart phone within the tenant.
func (r *PostgresRepo) FindConversationByPhone(ctx context.Context, phone string) (*model.Conversation, error) {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}
	loggerCtx := logger.FromContext(ctx)

	var conversation model.Conversation
	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("clinic_id = ? AND phone = ?", clinicID, phone).
			First(&conversation)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "FindConversationByPhone", operation)
	observer.ObserveDbOperationDuration("find", "conversation", clinicID, time.Since(startTime), findErr)

	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		loggerCtx.Error("Failed to find conversation by phone after retries",
			zap.String("phone", phone),
			zap.Error(findErr))
		return nil, findErr
	}

	return &conversation, nil
}

// MarkConversationRead zeroes the unread counter and stamps read_at on the
// conversation's unread inbound messages.
func (r *PostgresRepo) MarkConversationRead(ctx context.Context, conversationID string) error {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}
	loggerCtx := logger.FromContext(ctx)

	now := utils.Now()
	operation := func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&model.Conversation{}).
				Where("id = ? AND clinic_id = ?", conversationID, clinicID).
				Updates(map[string]interface{}{
					"unread_count": 0,
					"updated_at":   now,
				})
			if result.Error != nil {
				return checkConstraintViolation(result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: conversation %s", apperrors.ErrNotFound, conversationID)
			}

			marked := tx.Model(&model.Message{}).
				Where("conversation_id = ? AND clinic_id = ? AND direction = ? AND read_at IS NULL",
					conversationID, clinicID, model.MessageDirectionInbound).
				Updates(map[string]interface{}{
					"read_at":    now,
					"updated_at": now,
				})
			if marked.Error != nil {
				return checkConstraintViolation(marked.Error)
			}
			return nil
		})
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "MarkConversationRead Commit", operation)
	observer.ObserveDbOperationDuration("update", "conversation", clinicID, time.Since(startTime), commitErr)

	if commitErr != nil {
		loggerCtx.Error("Failed to mark conversation read after retries",
			zap.String("conversation_id", conversationID),
			zap.Error(commitErr))
		return commitErr
	}

	return nil
}
