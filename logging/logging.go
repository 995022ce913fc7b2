package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type attrsKeyT struct{}

var attrsKey attrsKeyT

// ContextHandler adds the attributes stored in a context to every record
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps handler so records pick up the job and request
// attributes stashed by ContextAttrs
func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{Handler: handler}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(attrsKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// ContextAttrs returns a context whose log records carry attrs
func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	existing, _ := ctx.Value(attrsKey).([]slog.Attr)
	a := make([]slog.Attr, 0, len(existing)+len(attrs))
	a = append(a, existing...)
	a = append(a, attrs...)
	return context.WithValue(ctx, attrsKey, a)
}

// WithJobID tags log records made with ctx with the job id
func WithJobID(ctx context.Context, jobID string) context.Context {
	return ContextAttrs(ctx, slog.String("job_id", jobID))
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates the process logger writing JSON to stderr
func New(level slog.Level) *slog.Logger {
	return NewWithWriter(os.Stderr, level)
}

// NewWithWriter builds a JSON logger on w. Records below level are dropped
// and context attributes are attached via ContextHandler.
func NewWithWriter(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewContextHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// Discard returns a logger that drops everything; handy in tests
func Discard() *slog.Logger {
	return NewWithWriter(io.Discard, slog.LevelError+1)
}
