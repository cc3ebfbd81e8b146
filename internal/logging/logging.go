// Package logging provides structured logging for nodescope.
//
// It wraps log/slog so that every component logs with the same handler and
// carries a "component" attribute. Output is text or JSON; the "auto" format
// picks text when stdout is a terminal and JSON otherwise.
//
// Usage:
//
//	logging.Setup("info", "auto")
//
//	var log = logging.Component("tailer")
//	log.Info("tailing", "node", node, "path", path)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	InitWithHandler(handler)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// Setup configures the global logger from config strings.
// level is one of debug, info, warn, error. format is text, json or auto.
func Setup(level, format string) {
	Init(ParseLevel(level), useJSON(format))
}

// ParseLevel maps a level name to a slog level. Unknown names map to info.
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

func useJSON(format string) bool {
	switch strings.ToLower(format) {
	case "json":
		return true
	case "text":
		return false
	default:
		return !term.IsTerminal(int(os.Stdout.Fd()))
	}
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With(args...)
}

// componentHandler resolves the global handler at log time, so package-level
// component loggers created before Setup still follow the configured output.
type componentHandler struct {
	attrs  []slog.Attr
	groups []string
}

func (h *componentHandler) current() slog.Handler {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	handler := Logger.Handler().WithAttrs(h.attrs)
	for _, g := range h.groups {
		handler = handler.WithGroup(g)
	}
	return handler
}

func (h *componentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.current().Enabled(ctx, level)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.current().Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(h.groups) > 0 {
		return h.current().WithAttrs(attrs)
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &componentHandler{attrs: merged}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	return &componentHandler{attrs: h.attrs, groups: append(groups, name)}
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("alert")
//	log.Info("started") // Output: time=... level=INFO component=alert msg=started
func Component(name string) *slog.Logger {
	return slog.New(&componentHandler{
		attrs: []slog.Attr{slog.String("component", name)},
	})
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyNode contextKey = iota
	contextKeyEndpoint
)

// ContextWithNode adds a node name to the context for logging.
func ContextWithNode(ctx context.Context, node string) context.Context {
	return context.WithValue(ctx, contextKeyNode, node)
}

// ContextWithEndpoint adds an endpoint to the context for logging.
func ContextWithEndpoint(ctx context.Context, endpoint string) context.Context {
	return context.WithValue(ctx, contextKeyEndpoint, endpoint)
}

// WithContext returns a logger that includes context values.
func WithContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = With()
	}
	if node, ok := ctx.Value(contextKeyNode).(string); ok {
		base = base.With("node", node)
	}
	if endpoint, ok := ctx.Value(contextKeyEndpoint).(string); ok {
		base = base.With("endpoint", endpoint)
	}
	return base
}

// Discard silences all output. Tests call it to keep their output readable.
func Discard() {
	InitWithHandler(slog.NewTextHandler(io.Discard, nil))
}
