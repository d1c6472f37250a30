package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/connsync/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SyncOperationRepository struct {
	db *gorm.DB
}

func NewSyncOperationRepository(db *gorm.DB) *SyncOperationRepository {
	return &SyncOperationRepository{db: db}
}

// CreateIfNoneActive inserts op unless another pending or processing
// operation exists for the same (connection, resource). The partial unique
// index makes the check atomic; false means the insert was skipped.
func (r *SyncOperationRepository) CreateIfNoneActive(ctx context.Context, op *models.SyncOperation) (bool, error) {
	op.StartedAt = op.StartedAt.UTC()
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(op)
	if result.Error != nil {
		return false, fmt.Errorf("failed to create sync operation: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetByID retrieves a sync operation by ID
func (r *SyncOperationRepository) GetByID(ctx context.Context, id string) (*models.SyncOperation, error) {
	var op models.SyncOperation
	result := r.db.WithContext(ctx).First(&op, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSyncOperationNotFound
		}
		return nil, fmt.Errorf("failed to get sync operation: %w", result.Error)
	}
	return &op, nil
}

// GetActive returns the pending or processing operation for the resource
func (r *SyncOperationRepository) GetActive(ctx context.Context, connectionID, resourceID string) (*models.SyncOperation, error) {
	var op models.SyncOperation
	result := r.db.WithContext(ctx).
		Where("connection_id = ? AND resource_id = ?", connectionID, resourceID).
		Where("status IN ?", models.ActiveSyncStatuses).
		First(&op)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSyncOperationNotFound
		}
		return nil, fmt.Errorf("failed to get active sync operation: %w", result.Error)
	}
	return &op, nil
}

// MarkProcessing moves a pending operation to processing
func (r *SyncOperationRepository) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.SyncOperation{}).
		Where("id = ? AND status = ?", id, models.SyncStatusPending).
		Updates(map[string]interface{}{
			"status":     models.SyncStatusProcessing,
			"updated_at": at.UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark sync operation processing: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// Complete finishes an active operation with its counters
func (r *SyncOperationRepository) Complete(ctx context.Context, id string, counters models.SyncCounters, at time.Time) error {
	now := at.UTC()
	result := r.db.WithContext(ctx).Model(&models.SyncOperation{}).
		Where("id = ? AND status IN ?", id, models.ActiveSyncStatuses).
		Updates(map[string]interface{}{
			"status":            models.SyncStatusCompleted,
			"records_processed": counters.Processed,
			"records_created":   counters.Created,
			"records_skipped":   counters.Skipped,
			"error_count":       counters.Errors,
			"completed_at":      now,
			"updated_at":        now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to complete sync operation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// Fail finishes an active operation with an error message
func (r *SyncOperationRepository) Fail(ctx context.Context, id string, message string, at time.Time) error {
	now := at.UTC()
	result := r.db.WithContext(ctx).Model(&models.SyncOperation{}).
		Where("id = ? AND status IN ?", id, models.ActiveSyncStatuses).
		Updates(map[string]interface{}{
			"status":        models.SyncStatusFailed,
			"error_details": message,
			"completed_at":  now,
			"updated_at":    now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to fail sync operation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// FailStuck fails active operations started before the cutoff so the
// resource can accept new syncs, stamping them completed at at. Returns the
// number of rows changed.
func (r *SyncOperationRepository) FailStuck(ctx context.Context, startedBefore time.Time, message string, at time.Time) (int64, error) {
	now := at.UTC()
	result := r.db.WithContext(ctx).Model(&models.SyncOperation{}).
		Where("status IN ? AND started_at < ?", models.ActiveSyncStatuses, startedBefore.UTC()).
		Updates(map[string]interface{}{
			"status":        models.SyncStatusFailed,
			"error_details": message,
			"completed_at":  now,
			"updated_at":    now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to fail stuck sync operations: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListByResource returns the sync history of a resource, newest first
func (r *SyncOperationRepository) ListByResource(ctx context.Context, connectionID, resourceID string, limit int) ([]models.SyncOperation, error) {
	var ops []models.SyncOperation
	result := r.db.WithContext(ctx).
		Where("connection_id = ? AND resource_id = ?", connectionID, resourceID).
		Order("started_at DESC").
		Limit(limit).
		Find(&ops)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list sync operations: %w", result.Error)
	}
	return ops, nil
}
