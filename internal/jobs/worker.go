package jobs

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/wisdar/engine/internal/config"
	"github.com/wisdar/engine/internal/observability/metrics"
	"github.com/wisdar/engine/internal/provider"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewServeMux registers every pipeline handler, wrapped with the timing
// middleware.
func NewServeMux(p *Pipelines, m *metrics.WorkerMetrics) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	if m != nil {
		mux.Use(func(next asynq.Handler) asynq.Handler {
			return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
				start := time.Now()
				err := next.ProcessTask(ctx, t)
				m.ObserveTask(t.Type(), time.Since(start), err)
				return err
			})
		})
	}

	mux.HandleFunc(TypeChat, p.HandleChat)
	mux.HandleFunc(TypeTranscription, p.HandleTranscription)
	mux.HandleFunc(TypeTranscriptionChunk, p.HandleTranscriptionChunk)
	mux.HandleFunc(TypeImage, p.HandleImage)
	mux.HandleFunc(TypeTTS, p.HandleTTS)
	mux.HandleFunc(TypeVideoPlan, p.HandleVideoPlan)
	mux.HandleFunc(TypeVideoClip, p.HandleVideoClip)
	mux.HandleFunc(TypeVideoStitch, p.HandleVideoStitch)
	mux.HandleFunc(TypeVideoEdit, p.HandleVideoEdit)
	return mux
}

// NewServer builds the asynq worker. Quota rejections wait the configured
// cool-down before the next attempt; everything else uses the default
// exponential backoff.
func NewServer(cfg config.Config, log *zap.Logger) *asynq.Server {
	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues: map[string]int{
				QueueDefault: 4,
				QueueMedia:   3,
				QueueVideo:   2,
			},
			RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
				if provider.IsQuota(err) {
					return cfg.Worker.QuotaRetryDelay
				}
				return asynq.DefaultRetryDelayFunc(n, err, t)
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
				log.Warn("task attempt failed",
					zap.String("type", t.Type()),
					zap.Error(err))
			}),
		},
	)
}

// Run ties the worker to the fx lifecycle.
func Run(lc fx.Lifecycle, srv *asynq.Server, mux *asynq.ServeMux, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := srv.Start(mux); err != nil {
				return err
			}
			log.Info("worker started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Shutdown()
			return nil
		},
	})
}
