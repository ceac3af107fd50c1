package jobs

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/wisdar/engine/internal/config"
	"go.uber.org/zap"
)

// Enqueuer hands tasks to the queue. Pipelines depend on this instead of
// the asynq client so tests can capture enqueues in memory.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error
}

type asynqEnqueuer struct {
	client *asynq.Client
	log    *zap.Logger
}

func NewClient(cfg config.Config) *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func NewEnqueuer(client *asynq.Client, log *zap.Logger) Enqueuer {
	return &asynqEnqueuer{client: client, log: log.Named("jobs.enqueuer")}
}

func (e *asynqEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return err
	}
	e.log.Debug("task enqueued",
		zap.String("type", task.Type()),
		zap.String("queue", info.Queue),
		zap.String("task_id", info.ID),
	)
	return nil
}
