package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vipul43/connsync/internal/httpapi"
	"github.com/vipul43/connsync/internal/models"
	"github.com/vipul43/connsync/internal/repository"
	"github.com/vipul43/connsync/internal/scheduler"
	"github.com/vipul43/connsync/internal/syncjob"
	"github.com/vipul43/connsync/internal/watcher"
	"github.com/vipul43/connsync/internal/webhook"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, token refresh scheduler and subscription watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.logger

	queue := asynq.NewClient(a.redisOpt)
	defer queue.Close()

	sched := scheduler.NewTokenRefreshScheduler(a.oauth, a.conns, log.Named("scheduler"), scheduler.Config{
		Interval:       a.cfg.SchedulerInterval,
		Lookahead:      a.cfg.SchedulerLookahead,
		Concurrency:    a.cfg.SchedulerConcurrency,
		RefreshTimeout: a.cfg.ProviderTimeout,
	})

	trigger := syncjob.NewAsynqTrigger(queue, syncjob.TriggerConfig{Queue: a.cfg.SyncQueue}, log.Named("trigger"))

	webhooks := webhook.NewManager(
		repository.NewWebhookSubscriptionRepository(a.db),
		repository.NewWatchedResourceRepository(a.db),
		a.ops,
		a.oauth,
		a.drive,
		trigger,
		webhook.Config{
			CallbackURL:      a.cfg.WebhookCallbackURL(models.PlatformGoogleSheets),
			SigningSecret:    a.cfg.WebhookSigningSecret,
			SubscriptionTTL:  a.cfg.WebhookSubscriptionTTL,
			RenewalLookahead: a.cfg.WebhookRenewalLookahead,
			RequestTimeout:   a.cfg.ProviderTimeout,
		},
		webhook.WithLogger(log.Named("webhook")),
	)

	w := watcher.New(webhooks, a.ops, watcher.Config{
		SweepInterval: a.cfg.WebhookSweepInterval,
		StuckAfter:    a.cfg.SyncStuckAfter,
	}, log.Named("watcher"))

	api := httpapi.NewServer(a.oauth, a.configs, webhooks, sched, log.Named("http"))
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := sched.Start(ctx); err != nil {
		return err
	}

	errChan := make(chan error, 2)
	go func() {
		errChan <- w.Start(ctx)
	}()
	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var runErr error
	select {
	case <-sigChan:
		log.Info("Shutdown signal received")
	case runErr = <-errChan:
		log.Error("Component stopped unexpectedly", zap.Error(runErr))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn("Scheduler shutdown incomplete", zap.Error(err))
	}

	log.Info("Application stopped")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
