package webhook

import "fmt"

// WebhookSetupError is returned when a channel cannot be opened for a
// resource. It is not retried automatically.
type WebhookSetupError struct {
	ConnectionID string
	ResourceID   string
	Err          error
}

func (e *WebhookSetupError) Error() string {
	return fmt.Sprintf("webhook setup failed for connection %s resource %s: %v", e.ConnectionID, e.ResourceID, e.Err)
}

func (e *WebhookSetupError) Unwrap() error { return e.Err }

// SignatureValidationError means a signature was supplied and did not match
type SignatureValidationError struct {
	Reason string
}

func (e *SignatureValidationError) Error() string {
	return "webhook signature validation failed: " + e.Reason
}

// SyncTriggerError wraps a failed hand-off to the sync queue
type SyncTriggerError struct {
	OperationID string
	Err         error
}

func (e *SyncTriggerError) Error() string {
	return fmt.Sprintf("sync trigger failed for operation %s: %v", e.OperationID, e.Err)
}

func (e *SyncTriggerError) Unwrap() error { return e.Err }
