package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured field keys shared by every component.
const (
	KeyComponent = "component"
	KeyConnID    = "connId"
	KeyRecordID  = "recordId"
	KeyState     = "state"
	KeyServer    = "server"
	KeyError     = "error"
)

type contextKey struct{}

// rootSink holds the handler configured by Init. Loggers derived before Init
// resolve it on every record, so package-level loggers follow reconfiguration.
type rootSink struct {
	handler atomic.Pointer[slog.Handler]
}

func (s *rootSink) load() slog.Handler { return *s.handler.Load() }

func (s *rootSink) store(h slog.Handler) { s.handler.Store(&h) }

// deferredHandler records WithAttrs/WithGroup calls and replays them on top of
// the current root handler.
type deferredHandler struct {
	sink *rootSink
	ops  []func(slog.Handler) slog.Handler
}

func (h *deferredHandler) resolve() slog.Handler {
	out := h.sink.load()
	for _, op := range h.ops {
		out = op(out)
	}
	return out
}

func (h *deferredHandler) with(op func(slog.Handler) slog.Handler) *deferredHandler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &deferredHandler{sink: h.sink, ops: append(ops, op)}
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	attrs = append([]slog.Attr(nil), attrs...)
	return h.with(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

var (
	sink          = &rootSink{}
	defaultLogger = slog.New(&deferredHandler{sink: sink})
)

func init() {
	sink.store(newHandler("text", "info", os.Stdout))
	slog.SetDefault(defaultLogger)
}

func newHandler(format, level string, output io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(output, opts)
	}
	return slog.NewTextHandler(output, opts)
}

// Init switches every logger to the given format ("text" or "json"), level
// and output. A nil output means stdout. Safe to call more than once.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}
	sink.store(newHandler(format, level, output))
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithConn tags logger with the id of one stream connection attempt.
func WithConn(logger *slog.Logger, connID string) *slog.Logger {
	return logger.With(slog.String(KeyConnID, connID))
}

func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored by NewContext, or the root logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
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
