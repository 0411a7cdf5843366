package requestctx

import (
	"context"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey contextKey = "github.com/shopcore/api/internal/platform/requestctx/logger"
	traceContextKey  contextKey = "github.com/shopcore/api/internal/platform/requestctx/trace"
)

var noopLogger = zap.NewNop()

// TraceInfo captures the trace identifiers of the current request.
type TraceInfo struct {
	TraceID string
	SpanID  string
	Sampled bool
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// RequestID returns the chi request id assigned by middleware.RequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	return middleware.GetReqID(ctx)
}

const principalContextKey contextKey = "github.com/shopcore/api/internal/platform/requestctx/principal"

type principal struct {
	userID int64
}

// WithPrincipalSlot reserves a slot that inner middleware can fill with the authenticated user id,
// making it visible to middleware that wrapped the request before authentication ran.
func WithPrincipalSlot(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, principalContextKey, &principal{})
}

// SetUserID records the authenticated user id in the reserved slot, if any.
func SetUserID(ctx context.Context, userID int64) {
	if ctx == nil {
		return
	}
	if slot, ok := ctx.Value(principalContextKey).(*principal); ok {
		slot.userID = userID
	}
}

// UserID returns the user id recorded via SetUserID.
func UserID(ctx context.Context) int64 {
	if ctx == nil {
		return 0
	}
	if slot, ok := ctx.Value(principalContextKey).(*principal); ok {
		return slot.userID
	}
	return 0
}
