package syncjob

import (
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type ServerConfig struct {
	Queue         string
	Concurrency   int
	RetryInterval time.Duration
}

// NewServer builds the asynq worker for the sync queue
func NewServer(redisOpt asynq.RedisConnOpt, config ServerConfig, logger *zap.Logger) *asynq.Server {
	if config.Queue == "" {
		config.Queue = DefaultTriggerConfig().Queue
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 5
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = time.Minute
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: config.Concurrency,
		Queues:      map[string]int{config.Queue: 1},
		Logger:      logger.Sugar(),
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			delay := time.Duration(1<<uint(n)) * time.Second
			if delay > config.RetryInterval {
				delay = config.RetryInterval
			}
			return delay
		},
	})
}

// NewServeMux routes sync tasks to the processor
func NewServeMux(p *Processor) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeSyncResource, p)
	return mux
}
