// Package server exposes the HTTP API: conversation and message CRUD, the
// live event stream, balance queries, and the served media files.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wisdar/engine/internal/config"
	convdomain "github.com/wisdar/engine/internal/conversation/domain"
	creditdomain "github.com/wisdar/engine/internal/credit/domain"
	"github.com/wisdar/engine/internal/jobs"
	"github.com/wisdar/engine/internal/notify"
	obsmetrics "github.com/wisdar/engine/internal/observability/metrics"
	"github.com/wisdar/engine/internal/ratelimit"
	"github.com/wisdar/engine/pkg/log/ctxlogger"
	"github.com/wisdar/engine/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

// NewEngine builds the gin engine with the ambient middleware stack.
func NewEngine(cfg config.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(correlationMiddleware())
	r.Use(requestLogger(log.Named("http")))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	repo        convdomain.Repository
	credits     creditdomain.Service
	bus         notify.Bus
	enqueue     jobs.Enqueuer
	limiter     *ratelimit.TokenBucket
	genID       *snowflake.Node
	httpMetrics *obsmetrics.HTTPMetrics
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	Repo        convdomain.Repository
	Credits     creditdomain.Service
	Bus         notify.Bus
	Enqueue     jobs.Enqueuer
	Limiter     *ratelimit.TokenBucket `optional:"true"`
	GenID       *snowflake.Node
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("server"),
		repo:        p.Repo,
		credits:     p.Credits,
		bus:         p.Bus,
		enqueue:     p.Enqueue,
		limiter:     p.Limiter,
		genID:       p.GenID,
		httpMetrics: p.HTTPMetrics,
	}

	s.registerAPIRoutes()
	s.registerFileRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.AccountRequired())

	api.GET("/conversations", s.ListConversations)
	api.POST("/conversations", s.CreateConversation)
	api.GET("/conversations/:id/messages", s.ListMessages)
	api.POST("/conversations/:id/messages", s.MessageRateLimit(), s.PostMessage)

	api.GET("/events", s.StreamEvents)
	api.GET("/me/credits", s.GetCredits)
}

func (s *Server) registerFileRoutes() {
	s.engine.Static("/files", s.cfg.StorageDir)
}

// correlationMiddleware assigns each request a correlation id, honoring one
// supplied by the caller, and echoes it back in the response.
func correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := correlation.ContextWithCorrelationID(
			c.Request.Context(), c.GetHeader("X-Correlation-ID"))
		ctx, cid := correlation.EnsureCorrelationID(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", cid)
		c.Next()
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			ctxlogger.ExtractCorrelation(c.Request.Context()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
			log.Warn("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
