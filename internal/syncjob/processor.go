package syncjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/vipul43/connsync/internal/models"
	"github.com/vipul43/connsync/internal/oauth"
	"github.com/vipul43/connsync/internal/repository"
)

// Puller reads the remote resource for one operation and reports counts
type Puller interface {
	Pull(ctx context.Context, accessToken string, op *models.SyncOperation) (models.SyncCounters, error)
}

type OperationStore interface {
	GetByID(ctx context.Context, id string) (*models.SyncOperation, error)
	MarkProcessing(ctx context.Context, id string, at time.Time) error
	Complete(ctx context.Context, id string, counters models.SyncCounters, at time.Time) error
	Fail(ctx context.Context, id string, message string, at time.Time) error
}

type ConnectionStore interface {
	GetByID(ctx context.Context, connectionID string) (*models.Connection, error)
	MarkSynced(ctx context.Context, connectionID string, at time.Time) error
}

type AccessTokenSource interface {
	GetAccessToken(ctx context.Context, connectionID string) (string, error)
}

// Processor runs sync tasks: pending -> processing -> completed or failed.
type Processor struct {
	ops     OperationStore
	conns   ConnectionStore
	tokens  AccessTokenSource
	pullers map[models.PlatformType]Puller
	now     func() time.Time
	logger  *zap.Logger
}

func NewProcessor(ops OperationStore, conns ConnectionStore, tokens AccessTokenSource, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		ops:     ops,
		conns:   conns,
		tokens:  tokens,
		pullers: make(map[models.PlatformType]Puller),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// Register sets the puller used for connections on platform
func (p *Processor) Register(platform models.PlatformType, puller Puller) {
	p.pullers[platform] = puller
}

// ProcessTask implements asynq.Handler. Errors wrapping asynq.SkipRetry
// mark the task done; the operation row already records the failure.
func (p *Processor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	payload, err := parsePayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	log := p.logger.With(
		zap.String("operation_id", payload.OperationID),
		zap.String("connection_id", payload.ConnectionID),
		zap.String("resource_id", payload.ResourceID))

	op, err := p.ops.GetByID(ctx, payload.OperationID)
	if errors.Is(err, repository.ErrSyncOperationNotFound) {
		log.Warn("Sync operation no longer exists")
		return fmt.Errorf("operation %s: %w", payload.OperationID, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	switch op.Status {
	case models.SyncStatusCompleted, models.SyncStatusFailed:
		log.Info("Sync operation already finished, skipping", zap.String("status", string(op.Status)))
		return nil
	case models.SyncStatusPending:
		if err := p.ops.MarkProcessing(ctx, op.ID, p.now()); err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
			return err
		}
	}

	conn, err := p.conns.GetByID(ctx, op.ConnectionID)
	if err != nil {
		return p.fail(ctx, log, op, fmt.Errorf("failed to load connection: %w", err))
	}

	puller, ok := p.pullers[conn.PlatformType]
	if !ok {
		return p.fail(ctx, log, op, fmt.Errorf("no puller for platform %s", conn.PlatformType))
	}

	token, err := p.tokens.GetAccessToken(ctx, conn.ID)
	if err != nil {
		terminal := oauth.IsTerminal(err) || errors.Is(err, repository.ErrConnectionRevoked)
		if !terminal {
			// Leave the operation processing; asynq retries and the stuck
			// sweep fails it if retries run out.
			log.Warn("Access token unavailable, will retry", zap.Error(err))
			return err
		}
		return p.fail(ctx, log, op, err)
	}

	log.Info("Pulling resource", zap.String("platform", string(conn.PlatformType)))
	counters, err := puller.Pull(ctx, token, op)
	if err != nil {
		return p.fail(ctx, log, op, fmt.Errorf("pull failed: %w", err))
	}

	if err := p.ops.Complete(ctx, op.ID, counters, p.now()); err != nil {
		return err
	}
	if err := p.conns.MarkSynced(ctx, conn.ID, p.now()); err != nil {
		log.Warn("Failed to record sync on connection", zap.Error(err))
	}

	log.Info("Sync operation completed",
		zap.Int("processed", counters.Processed),
		zap.Int("created", counters.Created),
		zap.Int("skipped", counters.Skipped),
		zap.Int("errors", counters.Errors))
	return nil
}

// fail records cause on the operation and tells asynq not to retry.
func (p *Processor) fail(ctx context.Context, log *zap.Logger, op *models.SyncOperation, cause error) error {
	log.Error("Sync operation failed", zap.Error(cause))
	if err := p.ops.Fail(ctx, op.ID, cause.Error(), p.now()); err != nil && !errors.Is(err, repository.ErrInvalidTransition) {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	return fmt.Errorf("%v: %w", cause, asynq.SkipRetry)
}
