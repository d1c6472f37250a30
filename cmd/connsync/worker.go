package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vipul43/connsync/internal/models"
	"github.com/vipul43/connsync/internal/syncjob"
)

func newWorkerCommand() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued sync operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(concurrency)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 5, "Number of sync tasks processed in parallel")

	return cmd
}

func runWorker(concurrency int) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.logger

	processor := syncjob.NewProcessor(a.ops, a.conns, a.oauth, log.Named("processor"))
	processor.Register(models.PlatformGoogleSheets, syncjob.NewSheetsPuller(""))

	srv := syncjob.NewServer(a.redisOpt, syncjob.ServerConfig{
		Queue:       a.cfg.SyncQueue,
		Concurrency: concurrency,
	}, log.Named("asynq"))

	if err := srv.Start(syncjob.NewServeMux(processor)); err != nil {
		return err
	}
	log.Info("Worker started", zap.String("queue", a.cfg.SyncQueue), zap.Int("concurrency", concurrency))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutdown signal received")
	srv.Shutdown()
	log.Info("Worker stopped")
	return nil
}
