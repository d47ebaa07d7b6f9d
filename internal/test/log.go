package test

import (
	"context"
	"log/slog"
)

type Logger interface {
	Log(args ...any)
}

// NewLogHandler creates a slog handler that writes to the test log.
func NewLogHandler(t Logger, level slog.Level) slog.Handler {
	h := LogHandler{
		t: t,
	}

	h.handler = slog.NewTextHandler(&h, &slog.HandlerOptions{
		Level: level,
	})

	return &h
}

type LogHandler struct {
	t       Logger
	handler *slog.TextHandler
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r) //nolint:wrapcheck
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.handler.WithAttrs(attrs)
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return h.handler.WithGroup(name)
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *LogHandler) Write(data []byte) (int, error) {
	h.t.Log(string(data))

	return len(data), nil
}

// NewLogger creates a logger that writes to the test log.
func NewLogger(t Logger, level slog.Level) *slog.Logger {
	return slog.New(NewLogHandler(t, level))
}
