package syncjob

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/connsync/internal/models"
)

type mockEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (m *mockEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.tasks = append(m.tasks, task)
	m.opts = append(m.opts, opts)
	return &asynq.TaskInfo{Queue: "sync"}, nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) interface{} {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}
	return nil
}

func testOperation() *models.SyncOperation {
	return &models.SyncOperation{
		ID:            "op-1",
		ConnectionID:  "conn-1",
		ResourceID:    "sheet-1",
		OperationType: models.SyncTypeWebhook,
		Status:        models.SyncStatusPending,
	}
}

func TestAsynqTrigger_Enqueues(t *testing.T) {
	client := &mockEnqueuer{}
	trigger := NewAsynqTrigger(client, TriggerConfig{Queue: "sync", MaxRetry: 2, Timeout: time.Minute}, nil)

	require.NoError(t, trigger.Trigger(context.Background(), testOperation()))
	require.Len(t, client.tasks, 1)

	task := client.tasks[0]
	assert.Equal(t, TypeSyncResource, task.Type())

	var payload Payload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, Payload{
		OperationID:   "op-1",
		ConnectionID:  "conn-1",
		ResourceID:    "sheet-1",
		OperationType: "webhook",
	}, payload)

	opts := client.opts[0]
	assert.Equal(t, "op-1", optionValue(opts, asynq.TaskIDOpt))
	assert.Equal(t, "sync", optionValue(opts, asynq.QueueOpt))
	assert.Equal(t, 2, optionValue(opts, asynq.MaxRetryOpt))
	assert.Equal(t, time.Minute, optionValue(opts, asynq.TimeoutOpt))
}

func TestAsynqTrigger_Errors(t *testing.T) {
	t.Run("duplicate task id is not an error", func(t *testing.T) {
		trigger := NewAsynqTrigger(&mockEnqueuer{err: asynq.ErrTaskIDConflict}, TriggerConfig{}, nil)
		assert.NoError(t, trigger.Trigger(context.Background(), testOperation()))
	})

	t.Run("broker failure is returned", func(t *testing.T) {
		brokerErr := errors.New("connection refused")
		trigger := NewAsynqTrigger(&mockEnqueuer{err: brokerErr}, TriggerConfig{}, nil)
		assert.ErrorIs(t, trigger.Trigger(context.Background(), testOperation()), brokerErr)
	})
}

func TestAsynqTrigger_RedisDedupesByOperation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	trigger := NewAsynqTrigger(client, TriggerConfig{Queue: "sync"}, nil)

	require.NoError(t, trigger.Trigger(context.Background(), testOperation()))
	require.NoError(t, trigger.Trigger(context.Background(), testOperation()))

	pending, err := mr.List("asynq:{sync}:pending")
	require.NoError(t, err)
	assert.Equal(t, []string{"op-1"}, pending)
}
