package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/connsync/internal/models"
	"gorm.io/gorm"
)

type WebhookSubscriptionRepository struct {
	db *gorm.DB
}

func NewWebhookSubscriptionRepository(db *gorm.DB) *WebhookSubscriptionRepository {
	return &WebhookSubscriptionRepository{db: db}
}

// Create inserts a subscription. The partial unique index on active rows
// surfaces as ErrActiveSubscriptionExists.
func (r *WebhookSubscriptionRepository) Create(ctx context.Context, sub *models.WebhookSubscription) error {
	sub.Expiration = sub.Expiration.UTC()
	if err := r.db.WithContext(ctx).Create(sub).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrActiveSubscriptionExists
		}
		return fmt.Errorf("failed to create webhook subscription: %w", err)
	}
	return nil
}

// GetByID retrieves a subscription regardless of its active flag
func (r *WebhookSubscriptionRepository) GetByID(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	result := r.db.WithContext(ctx).First(&sub, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get webhook subscription: %w", result.Error)
	}
	return &sub, nil
}

// GetActiveByExternalResourceID resolves an inbound notification to its
// subscription.
func (r *WebhookSubscriptionRepository) GetActiveByExternalResourceID(ctx context.Context, externalResourceID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	result := r.db.WithContext(ctx).
		Where("external_resource_id = ? AND is_active = ?", externalResourceID, true).
		Order("created_at DESC").
		First(&sub)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get webhook subscription: %w", result.Error)
	}
	return &sub, nil
}

// GetActiveByChannel resolves a notification that names its channel. Several
// connections may watch the same remote file, so the channel id is what
// tells their subscriptions apart.
func (r *WebhookSubscriptionRepository) GetActiveByChannel(ctx context.Context, externalSubscriptionID, externalResourceID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	result := r.db.WithContext(ctx).
		Where("external_subscription_id = ? AND external_resource_id = ? AND is_active = ?",
			externalSubscriptionID, externalResourceID, true).
		First(&sub)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get webhook subscription: %w", result.Error)
	}
	return &sub, nil
}

func (r *WebhookSubscriptionRepository) GetActiveByResource(ctx context.Context, connectionID, resourceID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	result := r.db.WithContext(ctx).
		Where("connection_id = ? AND resource_id = ? AND is_active = ?", connectionID, resourceID, true).
		First(&sub)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get webhook subscription: %w", result.Error)
	}
	return &sub, nil
}

// Deactivate flips an active subscription off. It reports false when the row
// was already inactive.
func (r *WebhookSubscriptionRepository) Deactivate(ctx context.Context, id string, at time.Time) (bool, error) {
	at = at.UTC()
	result := r.db.WithContext(ctx).Model(&models.WebhookSubscription{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{
			"is_active":      false,
			"deactivated_at": at,
			"updated_at":     at,
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to deactivate webhook subscription: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// FindActiveExpiringBefore lists active subscriptions whose expiration is at
// or before the cutoff, oldest first.
func (r *WebhookSubscriptionRepository) FindActiveExpiringBefore(ctx context.Context, before time.Time, limit int) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	result := r.db.WithContext(ctx).
		Where("is_active = ? AND expiration <= ?", true, before.UTC()).
		Order("expiration ASC").
		Limit(limit).
		Find(&subs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to query expiring webhook subscriptions: %w", result.Error)
	}
	return subs, nil
}

// ListActiveByConnection returns the connection's active subscriptions
func (r *WebhookSubscriptionRepository) ListActiveByConnection(ctx context.Context, connectionID string) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	result := r.db.WithContext(ctx).
		Where("connection_id = ? AND is_active = ?", connectionID, true).
		Order("created_at ASC").
		Find(&subs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list webhook subscriptions: %w", result.Error)
	}
	return subs, nil
}

// ListByResource returns every subscription row for the resource, newest
// first, including deactivated history.
func (r *WebhookSubscriptionRepository) ListByResource(ctx context.Context, connectionID, resourceID string) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	result := r.db.WithContext(ctx).
		Where("connection_id = ? AND resource_id = ?", connectionID, resourceID).
		Order("created_at DESC").
		Find(&subs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list webhook subscriptions: %w", result.Error)
	}
	return subs, nil
}
