package models

import "time"

type SyncOperationType string

const (
	SyncTypeWebhook SyncOperationType = "webhook" // Push notification from the provider
	SyncTypeManual  SyncOperationType = "manual"  // Requested by a user
	SyncTypePolling SyncOperationType = "polling" // Periodic fallback
)

type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusProcessing SyncStatus = "processing"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusFailed     SyncStatus = "failed"
)

// ActiveSyncStatuses are the statuses that block a new operation for the
// same (connection, resource).
var ActiveSyncStatuses = []SyncStatus{SyncStatusPending, SyncStatusProcessing}

// SyncOperation records one attempt to pull remote data for a resource.
type SyncOperation struct {
	ID               string            `gorm:"column:id;primaryKey"`
	ConnectionID     string            `gorm:"column:connection_id;index"`
	ResourceID       string            `gorm:"column:resource_id"`
	OperationType    SyncOperationType `gorm:"column:operation_type"`
	Status           SyncStatus        `gorm:"column:status;index"`
	RecordsProcessed int               `gorm:"column:records_processed"`
	RecordsCreated   int               `gorm:"column:records_created"`
	RecordsSkipped   int               `gorm:"column:records_skipped"`
	ErrorCount       int               `gorm:"column:error_count"`
	StartedAt        time.Time         `gorm:"column:started_at"`
	CompletedAt      *time.Time        `gorm:"column:completed_at"`
	ErrorDetails     *string           `gorm:"column:error_details"`
	CreatedAt        time.Time         `gorm:"column:created_at"`
	UpdatedAt        time.Time         `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (SyncOperation) TableName() string {
	return "sync_operations"
}

// SyncCounters are the per-operation result counts reported by a pull.
type SyncCounters struct {
	Processed int
	Created   int
	Skipped   int
	Errors    int
}
