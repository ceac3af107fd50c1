// Package ctxlogger enriches zap loggers with the correlation and tracing
// metadata carried on a context.
package ctxlogger

import (
	"context"
	"sync/atomic"

	"github.com/wisdar/engine/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var serviceName atomic.Pointer[string]

// SetServiceName configures the service field stamped on every entry.
func SetServiceName(name string) {
	serviceName.Store(&name)
}

// FromContext returns the global logger enriched from ctx.
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext returns base with the context's correlation id, trace ids and
// the service name attached.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil {
		return base
	}

	fields := make([]zap.Field, 0, 4)
	fields = append(fields, ExtractCorrelation(ctx))
	fields = append(fields, extractTrace(ctx)...)

	if name := serviceName.Load(); name != nil {
		fields = append(fields, zap.String("service", *name))
	}
	return base.With(fields...)
}

// ExtractCorrelation returns the correlation id field, minting an id when
// the context carries none so log lines are always joinable.
func ExtractCorrelation(ctx context.Context) zap.Field {
	cid := correlation.FromContext(ctx)
	if cid == "" {
		_, cid = correlation.EnsureCorrelationID(ctx)
	}
	return zap.String("correlation_id", cid)
}

func extractTrace(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
