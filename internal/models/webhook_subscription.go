package models

import "time"

// WebhookSubscription is a provider push channel watching one resource.
// At most one row per (ConnectionID, ResourceID) is active.
type WebhookSubscription struct {
	ID                     string     `gorm:"column:id;primaryKey"`
	ConnectionID           string     `gorm:"column:connection_id;index"`
	ResourceID             string     `gorm:"column:resource_id"`
	ExternalSubscriptionID string     `gorm:"column:external_subscription_id"`
	ExternalResourceID     string     `gorm:"column:external_resource_id;index"`
	Expiration             time.Time  `gorm:"column:expiration;index"`
	IsActive               bool       `gorm:"column:is_active"`
	DeactivatedAt          *time.Time `gorm:"column:deactivated_at"`
	CreatedAt              time.Time  `gorm:"column:created_at"`
	UpdatedAt              time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (WebhookSubscription) TableName() string {
	return "webhook_subscriptions"
}

func (s *WebhookSubscription) ExpiredAt(now time.Time) bool {
	return !s.Expiration.After(now)
}

// WatchedResource is the local record of a remote resource (spreadsheet,
// store feed) a connection syncs. It points at its current subscription.
type WatchedResource struct {
	ID                    string    `gorm:"column:id;primaryKey"`
	ConnectionID          string    `gorm:"column:connection_id;uniqueIndex:idx_watched_resource_conn_res"`
	ResourceID            string    `gorm:"column:resource_id;uniqueIndex:idx_watched_resource_conn_res"`
	Name                  string    `gorm:"column:name"`
	SyncEnabled           bool      `gorm:"column:sync_enabled"`
	WebhookSubscriptionID *string   `gorm:"column:webhook_subscription_id;index"`
	CreatedAt             time.Time `gorm:"column:created_at"`
	UpdatedAt             time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (WatchedResource) TableName() string {
	return "watched_resources"
}
