package syncjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/vipul43/connsync/internal/models"
)

// Enqueuer is the part of *asynq.Client the trigger needs
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type TriggerConfig struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		Queue:    "sync",
		MaxRetry: 3,
		Timeout:  10 * time.Minute,
	}
}

// AsynqTrigger enqueues one task per sync operation. The operation id is
// the task id, so a repeated trigger for the same operation is a no-op.
type AsynqTrigger struct {
	client Enqueuer
	config TriggerConfig
	logger *zap.Logger
}

func NewAsynqTrigger(client Enqueuer, config TriggerConfig, logger *zap.Logger) *AsynqTrigger {
	defaults := DefaultTriggerConfig()
	if config.Queue == "" {
		config.Queue = defaults.Queue
	}
	if config.MaxRetry <= 0 {
		config.MaxRetry = defaults.MaxRetry
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsynqTrigger{client: client, config: config, logger: logger}
}

func (t *AsynqTrigger) Trigger(ctx context.Context, op *models.SyncOperation) error {
	task, err := NewSyncTask(op)
	if err != nil {
		return err
	}

	info, err := t.client.EnqueueContext(ctx, task,
		asynq.TaskID(op.ID),
		asynq.Queue(t.config.Queue),
		asynq.MaxRetry(t.config.MaxRetry),
		asynq.Timeout(t.config.Timeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		t.logger.Debug("Sync task already enqueued", zap.String("operation_id", op.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue sync task: %w", err)
	}

	t.logger.Debug("Sync task enqueued",
		zap.String("operation_id", op.ID),
		zap.String("queue", info.Queue))
	return nil
}
