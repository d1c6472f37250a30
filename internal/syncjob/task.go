// Package syncjob hands sync operations to an asynq queue and runs them on
// the worker side.
package syncjob

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/vipul43/connsync/internal/models"
)

// TypeSyncResource is the asynq task type for a resource pull
const TypeSyncResource = "sync:resource"

// Payload is the task body. The operation row is the source of truth; the
// other fields are for logs and the queue inspector.
type Payload struct {
	OperationID   string `json:"operationId"`
	ConnectionID  string `json:"connectionId"`
	ResourceID    string `json:"resourceId"`
	OperationType string `json:"operationType"`
}

// NewSyncTask builds the task for a pending operation
func NewSyncTask(op *models.SyncOperation) (*asynq.Task, error) {
	payload, err := json.Marshal(Payload{
		OperationID:   op.ID,
		ConnectionID:  op.ConnectionID,
		ResourceID:    op.ResourceID,
		OperationType: string(op.OperationType),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync payload: %w", err)
	}
	return asynq.NewTask(TypeSyncResource, payload), nil
}

func parsePayload(t *asynq.Task) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("failed to unmarshal sync payload: %w", err)
	}
	if p.OperationID == "" {
		return p, fmt.Errorf("sync payload has no operation id")
	}
	return p, nil
}
