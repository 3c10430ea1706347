package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

type ctxKey int

const (
	opIDKey ctxKey = iota
	opKey
	backendKey
)

// WithOpID returns a context with the operation ID set.
func WithOpID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, opIDKey, id)
}

// WithOp returns a context with the operation name set (list, get, set, ...).
func WithOp(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, opKey, op)
}

// WithBackend returns a context with the store backing name set.
func WithBackend(ctx context.Context, backend string) context.Context {
	return context.WithValue(ctx, backendKey, backend)
}

// OpID extracts the operation ID from the context, or "" if absent.
func OpID(ctx context.Context) string {
	v, _ := ctx.Value(opIDKey).(string)
	return v
}

// Op extracts the operation name from the context, or "" if absent.
func Op(ctx context.Context) string {
	v, _ := ctx.Value(opKey).(string)
	return v
}

// Backend extracts the backing name from the context, or "" if absent.
func Backend(ctx context.Context) string {
	v, _ := ctx.Value(backendKey).(string)
	return v
}

// StartOp tags ctx with op and a fresh operation ID.
func StartOp(ctx context.Context, op string) context.Context {
	return WithOpID(WithOp(ctx, op), uuid.NewString())
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := OpID(ctx); v != "" {
		attrs = append(attrs, slog.String("op_id", v))
	}
	if v := Op(ctx); v != "" {
		attrs = append(attrs, slog.String("op", v))
	}
	if v := Backend(ctx); v != "" {
		attrs = append(attrs, slog.String("backend", v))
	}
	return attrs
}

// CorrelationHandler wraps an slog.Handler, injecting op_id, op, and backend
// from the context into every record. Use logger.InfoContext(ctx, ...) and the
// values appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug|info|warn|error (case-insensitive) to an slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger builds a text logger on w wrapped in a CorrelationHandler.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	inner := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(NewCorrelationHandler(inner))
}
