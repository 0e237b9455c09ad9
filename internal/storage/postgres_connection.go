package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"

	"github.com/clinicdesk/wa-inbox-service/internal/apperrors"
	"github.com/clinicdesk/wa-inbox-service/internal/model"
	"github.com/clinicdesk/wa-inbox-service/internal/observer"
	"github.com/clinicdesk/wa-inbox-service/internal/tenant"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
	"github.com/clinicdesk/wa-inbox-service/pkg/utils"
)

// SaveConnection upserts the clinic's connection row keyed by clinic_id.
func (r *PostgresRepo) SaveConnection(ctx context.Context, conn model.Connection) error {
	clinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}
	if clinicID != conn.ClinicID {
		return fmt.Errorf("%w: connection ClinicID %s does not match tenant ID %s", apperrors.ErrBadRequest, conn.ClinicID, clinicID)
	}

	conn.UpdatedAt = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "clinic_id"}},
			DoUpdates: clause.AssignmentColumns(model.ConnectionUpdateColumns()),
		}).Create(&conn)

		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "SaveConnection Commit", operation)
	observer.ObserveDbOperationDuration("upsert", "connection", clinicID, time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to save connection after retries", zap.String("instance_id", conn.InstanceID), zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// UpdateConnectionStatus applies a connection-state transition. The pairing
// code is cleared on any status other than pairing; a non-empty pairing code
// always forces the pairing status.
func (r *PostgresRepo) UpdateConnectionStatus(ctx context.Context, clinicID, status, pairingCode string) error {
	ctxClinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}
	if ctxClinicID != clinicID {
		return fmt.Errorf("%w: clinic ID %s does not match tenant ID %s", apperrors.ErrBadRequest, clinicID, ctxClinicID)
	}

	if pairingCode != "" {
		status = model.ConnectionStatusPairing
	}
	if status != model.ConnectionStatusPairing {
		pairingCode = ""
	}

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Connection{}).
			Where("clinic_id = ?", clinicID).
			Updates(map[string]interface{}{
				"status":       status,
				"pairing_code": pairingCode,
				"updated_at":   utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: connection not found for clinic %s", apperrors.ErrNotFound, clinicID)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "UpdateConnectionStatus Commit", operation)
	observer.ObserveDbOperationDuration("update", "connection", clinicID, time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to update connection status after retries",
			zap.String("status", status),
			zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// RecordConnectionProbe persists the outcome of one health probe: timestamp,
// observed status, next interval and a monotonically increasing check count.
func (r *PostgresRepo) RecordConnectionProbe(ctx context.Context, clinicID string, result model.ProbeResult) error {
	ctxClinicID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get clinic ID: %w", apperrors.ErrUnauthorized, err)
	}
	if ctxClinicID != clinicID {
		return fmt.Errorf("%w: clinic ID %s does not match tenant ID %s", apperrors.ErrBadRequest, clinicID, ctxClinicID)
	}

	updates := map[string]interface{}{
		"last_health_check_at":   result.CheckedAt,
		"health_status":          result.Status,
		"health_check_count":     gormExprIncrement("health_check_count"),
		"probe_interval_seconds": int64(result.NextInterval / time.Second),
		"last_health_error":      result.Err,
		"updated_at":             utils.Now(),
	}

	operation := func() error {
		res := r.db.WithContext(ctx).Model(&model.Connection{}).
			Where("clinic_id = ?", clinicID).
			Updates(updates)
		if res.Error != nil {
			return checkConstraintViolation(res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: connection not found for clinic %s", apperrors.ErrNotFound, clinicID)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "RecordConnectionProbe Commit", operation)
	observer.ObserveDbOperationDuration("update", "connection", clinicID, time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to record probe result after retries",
			zap.String("health_status", result.Status),
			zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// FindConnectionByClinicID finds the clinic's connection row.
func (r *PostgresRepo) FindConnectionByClinicID(ctx context.Context, clinicID string) (*model.Connection, error) {
	loggerCtx := logger.FromContext(ctx)

	var conn model.Connection
	operation := func() error {
		result := r.db.WithContext(ctx).Where("clinic_id = ?", clinicID).First(&conn)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "FindConnectionByClinicID", operation)
	observer.ObserveDbOperationDuration("find", "connection", clinicID, time.Since(startTime), findErr)

	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		loggerCtx.Error("Failed to find connection by clinic_id after retries",
			zap.String("clinic_id", clinicID),
			zap.Error(findErr))
		return nil, findErr
	}

	return &conn, nil
}

// FindConnectionByInstanceID resolves which clinic owns a gateway instance.
// This is the tenant-resolution lookup on the webhook hot path.
func (r *PostgresRepo) FindConnectionByInstanceID(ctx context.Context, instanceID string) (*model.Connection, error) {
	loggerCtx := logger.FromContext(ctx)

	var conn model.Connection
	operation := func() error {
		result := r.db.WithContext(ctx).Where("instance_id = ?", instanceID).First(&conn)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	findErr := retryableOperation(ctx, readPolicy, "FindConnectionByInstanceID", operation)
	observer.ObserveDbOperationDuration("find", "connection", conn.ClinicID, time.Since(startTime), findErr)

	if findErr != nil {
		if errors.Is(findErr, apperrors.ErrNotFound) {
			return nil, apperrors.ErrNotFound
		}
		loggerCtx.Error("Failed to find connection by instance_id after retries",
			zap.String("instance_id", instanceID),
			zap.Error(findErr))
		return nil, findErr
	}

	return &conn, nil
}

// FindAllConnections lists every clinic connection. Used by the probe manager
// on startup to rebuild its schedules.
func (r *PostgresRepo) FindAllConnections(ctx context.Context) ([]model.Connection, error) {
	loggerCtx := logger.FromContext(ctx)

	var conns []model.Connection
	operation := func() error {
		result := r.db.WithContext(ctx).Order("clinic_id ASC").Find(&conns)
		if result.Error != nil {
			return fmt.Errorf("%w: query failed: %w", apperrors.ErrDatabase, result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	err := retryableOperation(ctx, readPolicy, "FindAllConnections", operation)
	observer.ObserveDbOperationDuration("find_all", "connection", "", time.Since(startTime), err)

	if err != nil {
		loggerCtx.Error("Failed to list connections after retries", zap.Error(err))
		return nil, err
	}
	return conns, nil
}
