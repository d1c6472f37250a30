package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/connsync/internal/models"
	"gorm.io/gorm"
)

type WatchedResourceRepository struct {
	db *gorm.DB
}

func NewWatchedResourceRepository(db *gorm.DB) *WatchedResourceRepository {
	return &WatchedResourceRepository{db: db}
}

// Create inserts a watched resource. A second row for the same (connection,
// resource) surfaces as ErrResourceExists and an unknown connection as
// ErrConnectionNotFound.
func (r *WatchedResourceRepository) Create(ctx context.Context, res *models.WatchedResource) error {
	if err := r.db.WithContext(ctx).Create(res).Error; err != nil {
		switch {
		case errors.Is(err, gorm.ErrDuplicatedKey):
			return ErrResourceExists
		case errors.Is(err, gorm.ErrForeignKeyViolated):
			return ErrConnectionNotFound
		}
		return fmt.Errorf("failed to create watched resource: %w", err)
	}
	return nil
}

// GetByConnectionAndResource retrieves the resource record for a connection
func (r *WatchedResourceRepository) GetByConnectionAndResource(ctx context.Context, connectionID, resourceID string) (*models.WatchedResource, error) {
	var res models.WatchedResource
	result := r.db.WithContext(ctx).
		Where("connection_id = ? AND resource_id = ?", connectionID, resourceID).
		First(&res)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrResourceNotFound
		}
		return nil, fmt.Errorf("failed to get watched resource: %w", result.Error)
	}
	return &res, nil
}

// SetSubscription points the resource at its current subscription
func (r *WatchedResourceRepository) SetSubscription(ctx context.Context, id string, subscriptionID string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.WatchedResource{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"webhook_subscription_id": subscriptionID,
			"updated_at":              at.UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to set resource subscription: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrResourceNotFound
	}
	return nil
}

// ClearSubscription removes the back-reference from whichever resource holds
// subscriptionID. A missing reference is not an error.
func (r *WatchedResourceRepository) ClearSubscription(ctx context.Context, subscriptionID string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.WatchedResource{}).
		Where("webhook_subscription_id = ?", subscriptionID).
		Updates(map[string]interface{}{
			"webhook_subscription_id": nil,
			"updated_at":              at.UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to clear resource subscription: %w", result.Error)
	}
	return nil
}
