package jobs

import (
	"context"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

// Module provides the enqueue side used by both the API and the worker.
var Module = fx.Module("jobs.client",
	fx.Provide(NewClient, NewEnqueuer),
	fx.Invoke(func(lc fx.Lifecycle, client *asynq.Client) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return client.Close()
			},
		})
	}),
)

// WorkerModule adds the handlers and the serving loop on top of Module.
var WorkerModule = fx.Module("jobs.worker",
	fx.Provide(NewPipelines, NewServeMux, NewServer),
	fx.Invoke(Run),
)
