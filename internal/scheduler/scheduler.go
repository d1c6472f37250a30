// Package scheduler proactively refreshes OAuth tokens before they expire.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vipul43/connsync/internal/models"
	"github.com/vipul43/connsync/internal/oauth"
	"github.com/vipul43/connsync/internal/repository"
)

var ErrSweepInProgress = errors.New("token refresh sweep already in progress")

// Refresher is the refresh path shared with on-demand callers, so the
// per-connection lock covers both.
type Refresher interface {
	RefreshIfExpiring(ctx context.Context, connectionID string, within time.Duration) (bool, error)
}

// ConnectionFinder queries the credential store
type ConnectionFinder interface {
	FindExpiring(ctx context.Context, before time.Time, limit int) ([]models.Connection, error)
	TokenHealth(ctx context.Context, now time.Time, soonWindow, refreshWindow time.Duration) (repository.TokenHealthCounts, error)
}

// Config holds configuration for the token refresh scheduler
type Config struct {
	// Interval between sweeps
	Interval time.Duration

	// Lookahead selects tokens expiring within this window
	Lookahead time.Duration

	// ExpiringSoon is the health report's "expiring soon" window
	ExpiringSoon time.Duration

	// Concurrency bounds in-flight refreshes per sweep
	Concurrency int

	// RefreshTimeout bounds each provider refresh
	RefreshTimeout time.Duration

	// BatchSize caps connections picked up per sweep
	BatchSize int
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		Lookahead:      15 * time.Minute,
		ExpiringSoon:   time.Hour,
		Concurrency:    5,
		RefreshTimeout: 30 * time.Second,
		BatchSize:      500,
	}
}

// SweepResult summarizes one sweep. Err aggregates per-connection failures.
type SweepResult struct {
	Scanned   int           `json:"scanned"`
	Refreshed int           `json:"refreshed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Terminal  int           `json:"terminal"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// TokenRefreshScheduler owns the sweep timer. Construct one per process and
// drive it with Start/Stop.
type TokenRefreshScheduler struct {
	refresher Refresher
	finder    ConnectionFinder
	logger    *zap.Logger
	config    Config
	now       func() time.Time

	sweepMu   sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

func NewTokenRefreshScheduler(refresher Refresher, finder ConnectionFinder, logger *zap.Logger, config Config) *TokenRefreshScheduler {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Lookahead <= 0 {
		config.Lookahead = defaults.Lookahead
	}
	if config.ExpiringSoon <= 0 {
		config.ExpiringSoon = defaults.ExpiringSoon
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = defaults.RefreshTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TokenRefreshScheduler{
		refresher: refresher,
		finder:    finder,
		logger:    logger,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the sweep loop. A sweep runs immediately, then every
// Interval. Calling Start on a running scheduler is a no-op.
func (s *TokenRefreshScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}
	s.isRunning = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("Token refresh scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("lookahead", s.config.Lookahead),
		zap.Int("concurrency", s.config.Concurrency),
	)
	return nil
}

// Stop halts the loop and waits for the current sweep. Refreshes already
// sent to the provider are allowed to persist their result.
func (s *TokenRefreshScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Token refresh scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Token refresh scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *TokenRefreshScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// TriggerNow runs a sweep on the caller's goroutine. It fails with
// ErrSweepInProgress instead of queueing behind a running sweep.
func (s *TokenRefreshScheduler) TriggerNow(ctx context.Context) (*SweepResult, error) {
	return s.sweep(ctx)
}

// GetTokenHealthStatus reports token counts across all live connections
func (s *TokenRefreshScheduler) GetTokenHealthStatus(ctx context.Context) (repository.TokenHealthCounts, error) {
	return s.finder.TokenHealth(ctx, s.now(), s.config.ExpiringSoon, s.config.Lookahead)
}

func (s *TokenRefreshScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Token refresh loop stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *TokenRefreshScheduler) tick(ctx context.Context) {
	_, err := s.sweep(ctx)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		s.logger.Debug("Skipping tick, manual sweep still running")
	case err != nil:
		s.logger.Error("Token refresh sweep failed", zap.Error(err))
	}
}

func (s *TokenRefreshScheduler) sweep(ctx context.Context) (*SweepResult, error) {
	if !s.sweepMu.TryLock() {
		return nil, ErrSweepInProgress
	}
	defer s.sweepMu.Unlock()

	start := time.Now()
	conns, err := s.finder.FindExpiring(ctx, s.now().Add(s.config.Lookahead), s.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to find expiring connections: %w", err)
	}

	result := &SweepResult{Scanned: len(conns)}
	if len(conns) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.config.Concurrency)

	for _, conn := range conns {
		if ctx.Err() != nil {
			break
		}
		connectionID := conn.ID
		g.Go(func() error {
			refreshed, err := s.refreshOne(ctx, connectionID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
				if oauth.IsTerminal(err) {
					result.Terminal++
				}
				result.Err = multierr.Append(result.Err, fmt.Errorf("connection %s: %w", connectionID, err))
			case refreshed:
				result.Refreshed++
			default:
				result.Skipped++
			}
			// Failures are per connection and never abort the batch.
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(start)
	s.logger.Info("Token refresh sweep completed",
		zap.Int("scanned", result.Scanned),
		zap.Int("refreshed", result.Refreshed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Int("terminal", result.Terminal),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// refreshOne detaches from the loop context so Stop cannot interrupt a
// refresh between the provider response and persistence.
func (s *TokenRefreshScheduler) refreshOne(ctx context.Context, connectionID string) (bool, error) {
	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.RefreshTimeout)
	defer cancel()

	refreshed, err := s.refresher.RefreshIfExpiring(refreshCtx, connectionID, s.config.Lookahead)
	if err != nil {
		s.logger.Warn("Scheduled token refresh failed",
			zap.String("connection_id", connectionID),
			zap.Bool("terminal", oauth.IsTerminal(err)),
			zap.Error(err))
	}
	return refreshed, err
}
