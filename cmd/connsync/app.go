package main

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vipul43/connsync/internal/config"
	"github.com/vipul43/connsync/internal/database"
	"github.com/vipul43/connsync/internal/gdrive"
	"github.com/vipul43/connsync/internal/keylock"
	"github.com/vipul43/connsync/internal/logger"
	"github.com/vipul43/connsync/internal/models"
	"github.com/vipul43/connsync/internal/oauth"
	"github.com/vipul43/connsync/internal/repository"
	"github.com/vipul43/connsync/internal/secrets"
	"github.com/vipul43/connsync/internal/statestore"
)

// app holds the dependencies shared by serve and worker
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *gorm.DB
	redis    *redis.Client
	redisOpt asynq.RedisConnOpt

	configs oauth.StaticConfigProvider
	conns   *repository.ConnectionRepository
	ops     *repository.SyncOperationRepository
	drive   *gdrive.Client
	oauth   *oauth.Manager
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireSecrets(); err != nil {
		return nil, err
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	configs, err := cfg.PlatformConfigs()
	if err != nil {
		return nil, fmt.Errorf("invalid platform config: %w", err)
	}

	cipher, err := secrets.NewTokenCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	db, err := database.Connect(cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   log,
		db:       db,
		redis:    redis.NewClient(redisOptions),
		redisOpt: redisOpt,
		configs:  configs,
		conns:    repository.NewConnectionRepository(db),
		ops:      repository.NewSyncOperationRepository(db),
		drive:    gdrive.NewClient(log.Named("gdrive")),
	}

	a.oauth = oauth.NewManager(
		a.conns,
		statestore.NewRedisStore(a.redis, ""),
		cipher,
		configs,
		oauth.WithLogger(log.Named("oauth")),
		oauth.WithStateTTL(cfg.StateTTL),
		oauth.WithRefreshBuffer(cfg.TokenRefreshBuffer),
		oauth.WithRequestTimeout(cfg.ProviderTimeout),
		// serve and worker refresh the same connections; the lease outlives
		// one provider call plus the token write.
		oauth.WithSharedLock(keylock.NewRedisLease(a.redis, "oauth:refresh:", 2*cfg.ProviderTimeout)),
		oauth.WithProbe(models.PlatformGoogleSheets, a.drive.Probe),
	)

	log.Info("Application initialized",
		zap.Int("platforms", len(configs)),
		zap.Duration("state_ttl", cfg.StateTTL),
	)
	return a, nil
}

func (a *app) shutdownTimeout() time.Duration {
	return time.Duration(a.cfg.ShutdownTimeout) * time.Second
}

func (a *app) Close() error {
	err := multierr.Combine(
		a.redis.Close(),
		database.Close(a.db),
	)
	_ = a.logger.Sync()
	return err
}
