package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	stepKey
	targetKey
)

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithStep returns a context with the step name set.
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, stepKey, step)
}

// WithTarget returns a context with the rig handle set.
func WithTarget(ctx context.Context, target string) context.Context {
	return context.WithValue(ctx, targetKey, target)
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// Step extracts the step name from the context, or "" if absent.
func Step(ctx context.Context) string {
	v, _ := ctx.Value(stepKey).(string)
	return v
}

// Target extracts the rig handle from the context, or "" if absent.
func Target(ctx context.Context) string {
	v, _ := ctx.Value(targetKey).(string)
	return v
}

// WithIDs stamps the execution ID, step name, and rig handle on the
// context in one call.
func WithIDs(ctx context.Context, executionID, step, target string) context.Context {
	ctx = WithExecutionID(ctx, executionID)
	ctx = WithStep(ctx, step)
	ctx = WithTarget(ctx, target)
	return ctx
}

// LogWith returns a logger carrying whichever correlation IDs the context
// holds; empty values add no attribute.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := ExecutionID(ctx); id != "" {
		logger = logger.With(slog.String("execution_id", id))
	}
	if s := Step(ctx); s != "" {
		logger = logger.With(slog.String("step", s))
	}
	if tg := Target(ctx); tg != "" {
		logger = logger.With(slog.String("target", tg))
	}
	return logger
}

// CorrelationHandler decorates an slog.Handler so every record logged
// through a context-aware call (logger.InfoContext and friends) picks up
// the correlation IDs stored on that context.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner; install it with slog.New.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := ExecutionID(ctx); v != "" {
		r.AddAttrs(slog.String("execution_id", v))
	}
	if v := Step(ctx); v != "" {
		r.AddAttrs(slog.String("step", v))
	}
	if v := Target(ctx); v != "" {
		r.AddAttrs(slog.String("target", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
