package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// TraceContextHandler is a slog.Handler that adds trace context to log records.
type TraceContextHandler struct {
	handler slog.Handler
}

// NewTraceContextHandler creates a new handler that adds trace context.
func NewTraceContextHandler(handler slog.Handler) *TraceContextHandler {
	return &TraceContextHandler{
		handler: handler,
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *TraceContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle adds trace_id and span_id of the span in ctx, if any, and passes
// the record on.
func (h *TraceContextHandler) Handle(ctx context.Context, record slog.Record) error {
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", spanContext.TraceID().String()),
			slog.String("span_id", spanContext.SpanID().String()),
		)
	}

	return h.handler.Handle(ctx, record)
}

// WithAttrs returns a new handler with additional attributes.
func (h *TraceContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceContextHandler{
		handler: h.handler.WithAttrs(attrs),
	}
}

// WithGroup returns a new handler with the given group.
func (h *TraceContextHandler) WithGroup(name string) slog.Handler {
	return &TraceContextHandler{
		handler: h.handler.WithGroup(name),
	}
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is the minimum level logged.
	// Default: slog.LevelInfo
	Level slog.Level

	// Format is "json" or "text".
	// Default: "text"
	Format string

	// IncludeTraceContext adds trace_id and span_id to records logged with a
	// context carrying a span.
	// Default: true
	IncludeTraceContext bool

	// AddSource includes the calling file and line.
	AddSource bool

	// Output receives the log lines. Default: os.Stderr
	Output io.Writer
}

// DefaultLoggingConfig returns a logging config with sensible defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:               slog.LevelInfo,
		Format:              "text",
		IncludeTraceContext: true,
	}
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	switch c.Format {
	case "json", "text":
		return nil
	default:
		return fmt.Errorf("log format must be json or text, got %q", c.Format)
	}
}

// ParseLevel parses a level name such as "debug", "INFO" or "warn+2".
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return level, nil
}

// NewLogger builds a logger from config without installing it.
//
// JSON output uses the keys timestamp, level and message.
func NewLogger(config LoggingConfig) (*slog.Logger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     config.Level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "json" {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				a.Key = "timestamp"
			case slog.MessageKey:
				a.Key = "message"
			}
			return a
		}
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	if config.IncludeTraceContext {
		handler = NewTraceContextHandler(handler)
	}
	return slog.New(handler), nil
}

// ConfigureLogging builds a logger from config and installs it as the
// slog default.
func ConfigureLogging(config LoggingConfig) (*slog.Logger, error) {
	logger, err := NewLogger(config)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// GetLoggerWithTrace returns the default logger with trace correlation.
func GetLoggerWithTrace() *slog.Logger {
	if _, ok := slog.Default().Handler().(*TraceContextHandler); ok {
		return slog.Default()
	}
	return slog.New(NewTraceContextHandler(slog.Default().Handler()))
}
