package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"

	"github.com/vipul43/connsync/internal/webhook"
)

// StuckMessage is recorded on operations failed by the stuck sweep
const StuckMessage = "sync operation stuck, no progress before deadline"

type SubscriptionSweeper interface {
	RenewExpiringSubscriptions(ctx context.Context) (*webhook.SweepResult, error)
	CleanupExpiredSubscriptions(ctx context.Context) (*webhook.SweepResult, error)
}

type StuckOperationStore interface {
	FailStuck(ctx context.Context, startedBefore time.Time, message string, at time.Time) (int64, error)
}

type Config struct {
	// SweepInterval is how often subscriptions are renewed and cleaned up
	SweepInterval time.Duration

	// StuckAfter fails pending or processing operations older than this
	StuckAfter time.Duration
}

// Watcher runs the periodic subscription and sync operation sweeps
type Watcher struct {
	subs   SubscriptionSweeper
	ops    StuckOperationStore
	config Config
	now    func() time.Time
	logger *zap.Logger

	running sync.Mutex
}

func New(subs SubscriptionSweeper, ops StuckOperationStore, config Config, logger *zap.Logger) *Watcher {
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Minute
	}
	if config.StuckAfter <= 0 {
		config.StuckAfter = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		subs:   subs,
		ops:    ops,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Start sweeps once, then on every interval until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Starting watcher", zap.Duration("interval", w.config.SweepInterval))

	// Catch up on anything that expired while we were down
	w.RunOnce(ctx)

	c := cron.New()
	c.Schedule(cron.Every(w.config.SweepInterval), cron.FuncJob(func() { w.RunOnce(ctx) }))
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	w.logger.Info("Watcher shutting down")
	return ctx.Err()
}

// RunOnce runs every sweep. A call made while another is still running
// returns immediately.
func (w *Watcher) RunOnce(ctx context.Context) {
	if !w.running.TryLock() {
		w.logger.Debug("Previous sweep still running, skipping")
		return
	}
	defer w.running.Unlock()

	if err := w.renewSubscriptions(ctx); err != nil {
		w.logger.Error("Subscription renewal failed", zap.Error(err))
	}
	if err := w.cleanupSubscriptions(ctx); err != nil {
		w.logger.Error("Subscription cleanup failed", zap.Error(err))
	}
	if err := w.failStuckOperations(ctx); err != nil {
		w.logger.Error("Stuck operation recovery failed", zap.Error(err))
	}
}

func (w *Watcher) renewSubscriptions(ctx context.Context) error {
	result, err := w.subs.RenewExpiringSubscriptions(ctx)
	if err != nil {
		return err
	}
	if result.Err != nil {
		w.logger.Warn("Some subscriptions failed to renew", zap.Int("failed", result.Failed), zap.Error(result.Err))
	}
	return nil
}

func (w *Watcher) cleanupSubscriptions(ctx context.Context) error {
	result, err := w.subs.CleanupExpiredSubscriptions(ctx)
	if err != nil {
		return err
	}
	if result.Err != nil {
		w.logger.Warn("Some expired subscriptions failed to clean up", zap.Int("failed", result.Failed), zap.Error(result.Err))
	}
	return nil
}

func (w *Watcher) failStuckOperations(ctx context.Context) error {
	now := w.now()
	cutoff := now.Add(-w.config.StuckAfter)
	n, err := w.ops.FailStuck(ctx, cutoff, StuckMessage, now)
	if err != nil {
		return fmt.Errorf("failed to recover stuck operations: %w", err)
	}
	if n > 0 {
		w.logger.Warn("Failed stuck sync operations", zap.Int64("count", n), zap.Time("started_before", cutoff))
	}
	return nil
}
