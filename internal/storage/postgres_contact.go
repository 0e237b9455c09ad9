package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/internal/observer"
	"github.com/clinicdesk/wa-inbox-service/internal/tenant"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
	"github.com/clinicdesk/wa-inbox-service/pkg/utils"
)

// UpsertObservedContact records that a counterpart was seen on inbound
// traffic. Best-effort directory upkeep keyed by (clinic_id, phone): the
// push-name and last_seen_at refresh on every observation, nothing else.
func (r *PostgresRepo) UpsertObservedContact(ctx context.Context, phone, pushName string, seenAt time.Time) error {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}

	contact := model.Contact{
		ID:         uuid.NewString(),
		ClinicID:   clinicID,
		Phone:      phone,
		PushName:   pushName,
		LastSeenAt: &seenAt,
		CreatedAt:  utils.Now(),
		UpdatedAt:  utils.Now(),
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "clinic_id"}, {Name: "phone"}},
			DoUpdates: clause.AssignmentColumns(model.ContactUpdateColumns()),
		}).Create(&contact)

		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "UpsertObservedContact Commit", operation)
	observer.ObserveDbOperationDuration("upsert", "contact", clinicID, time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to upsert contact after retries", zap.String("phone", phone), zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// FindContactByPhone finds a contact by phone within the tenant.
func (r *PostgresRepo) FindContactByPhone(ctx context.Context, phone string) (*model.Contact, error) {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}
	loggerCtx := logger.FromContext(ctx)

	var contact model.Contact
	operation := func() error {
		result := r.db.WithContext(ctx).Where("clinic_id = ? AND phone = ?", clinicID, phone).First(&contact)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "FindContactByPhone", operation)
	observer.ObserveDbOperationDuration("find", "contact", clinicID, time.Since(startTime), findErr)

	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		loggerCtx.Error("Failed to find contact by phone after retries",
			zap.String("phone", phone),
			zap.Error(findErr))
		return nil, findErr
	}

	return &contact, nil
}
