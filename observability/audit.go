package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

const (
	RunStarted        AuditEventType = "run_started"
	RunResumed        AuditEventType = "run_resumed"
	RunCompleted      AuditEventType = "run_completed"
	RunFailed         AuditEventType = "run_failed"
	GeneOverride      AuditEventType = "gene_override"
	CheckpointCreated AuditEventType = "checkpoint_created"
)

// AuditSeverity represents the severity level of an audit event.
type AuditSeverity string

const (
	SeverityInfo    AuditSeverity = "info"
	SeverityWarning AuditSeverity = "warning"
	SeverityError   AuditSeverity = "error"
)

// AuditEvent is one entry of the run audit trail.
type AuditEvent struct {
	EventType AuditEventType `json:"event_type"`
	Severity  AuditSeverity  `json:"severity"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action,omitempty"`
	Result    string         `json:"result,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

// NewAuditEvent creates a new audit event carrying the span of ctx.
func NewAuditEvent(ctx context.Context, eventType AuditEventType, severity AuditSeverity, message string) *AuditEvent {
	event := &AuditEvent{
		EventType: eventType,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		event.TraceID = sc.TraceID().String()
		event.SpanID = sc.SpanID().String()
	}

	return event
}

// text renders the event on one human-readable line.
func (e *AuditEvent) text() string {
	parts := []string{
		e.Timestamp.Format(time.RFC3339),
		fmt.Sprintf("[%s]", e.EventType),
		fmt.Sprintf("severity=%s", e.Severity),
	}
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("run=%s", e.RunID))
	}
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("resource=%s", e.Resource))
	}
	if e.Result != "" {
		parts = append(parts, fmt.Sprintf("result=%s", e.Result))
	}
	parts = append(parts, e.Message)
	if e.TraceID != "" {
		parts = append(parts, fmt.Sprintf("trace_id=%s", e.TraceID))
	}
	return strings.Join(parts, " ")
}

// AuditAdapter is the interface for audit log adapters.
type AuditAdapter interface {
	LogEvent(event *AuditEvent) error
}

// StructuredAuditAdapter logs audit events as JSON lines.
type StructuredAuditAdapter struct {
	Writer io.Writer
	mu     sync.Mutex
}

// NewStructuredAuditAdapter creates a new structured adapter.
func NewStructuredAuditAdapter(writer io.Writer) *StructuredAuditAdapter {
	if writer == nil {
		writer = os.Stdout
	}
	return &StructuredAuditAdapter{
		Writer: writer,
	}
}

// LogEvent logs an event as JSON.
func (a *StructuredAuditAdapter) LogEvent(event *AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	_, err = fmt.Fprintln(a.Writer, string(data))
	return err
}

// FileAuditAdapter appends audit events to a file.
type FileAuditAdapter struct {
	FilePath   string
	Structured bool
	file       *os.File
	mu         sync.Mutex
}

// NewFileAuditAdapter creates a new file adapter.
func NewFileAuditAdapter(filePath string, structured bool) (*FileAuditAdapter, error) {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileAuditAdapter{
		FilePath:   filePath,
		Structured: structured,
		file:       file,
	}, nil
}

// LogEvent logs an event to file.
func (a *FileAuditAdapter) LogEvent(event *AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	line := event.text()
	if a.Structured {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}
		line = string(data)
	}

	_, err := fmt.Fprintln(a.file, line)
	return err
}

// Close closes the file adapter.
func (a *FileAuditAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// SlogAuditAdapter forwards audit events to a slog logger.
type SlogAuditAdapter struct {
	Logger *slog.Logger
}

// LogEvent logs an event at the level matching its severity.
func (a *SlogAuditAdapter) LogEvent(event *AuditEvent) error {
	level := slog.LevelInfo
	switch event.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}

	a.Logger.LogAttrs(context.Background(), level, event.Message,
		slog.String("audit", string(event.EventType)),
		slog.String("run_id", event.RunID),
		slog.Any("metadata", event.Metadata),
	)
	return nil
}

// AuditLogger fans audit events out to its adapters.
type AuditLogger struct {
	adapters []AuditAdapter
	mu       sync.RWMutex
}

// NewAuditLogger creates a new audit logger. Without adapters, events go to
// slog.Default().
func NewAuditLogger(adapters ...AuditAdapter) *AuditLogger {
	if len(adapters) == 0 {
		adapters = []AuditAdapter{&SlogAuditAdapter{Logger: slog.Default()}}
	}
	return &AuditLogger{
		adapters: adapters,
	}
}

// AddAdapter registers another adapter.
func (l *AuditLogger) AddAdapter(adapter AuditAdapter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.adapters = append(l.adapters, adapter)
}

// LogEvent logs an audit event to all adapters.
func (l *AuditLogger) LogEvent(event *AuditEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, adapter := range l.adapters {
		if err := adapter.LogEvent(event); err != nil {
			// Adapter failures never fail the run.
			slog.Warn("audit adapter error", "error", err)
		}
	}
}

// LogRunStarted records the start (or resumption) of an optimization run.
func (l *AuditLogger) LogRunStarted(ctx context.Context, runID, algorithm string, resumed bool, metadata map[string]any) {
	eventType, verb := RunStarted, "started"
	if resumed {
		eventType, verb = RunResumed, "resumed"
	}

	event := NewAuditEvent(ctx, eventType, SeverityInfo,
		fmt.Sprintf("Run %s %s with %s", runID, verb, algorithm))
	event.RunID = runID
	event.Action = verb
	event.Result = "success"
	for k, v := range metadata {
		event.Metadata[k] = v
	}
	event.Metadata["algorithm"] = algorithm

	l.LogEvent(event)
}

// LogGeneOverride records a change to the range or value set of a gene.
func (l *AuditLogger) LogGeneOverride(ctx context.Context, runID, path, kind string, value any) {
	event := NewAuditEvent(ctx, GeneOverride, SeverityInfo,
		fmt.Sprintf("Gene %s %s overridden to %v", path, kind, value))
	event.RunID = runID
	event.Resource = path
	event.Action = "override_" + kind
	event.Result = "success"
	event.Metadata["value"] = value

	l.LogEvent(event)
}

// LogCheckpoint records a checkpoint written during a run.
func (l *AuditLogger) LogCheckpoint(ctx context.Context, runID, checkpointID string, generation int) {
	event := NewAuditEvent(ctx, CheckpointCreated, SeverityInfo,
		fmt.Sprintf("Checkpoint %s written at generation %d", checkpointID, generation))
	event.RunID = runID
	event.Resource = checkpointID
	event.Action = "checkpoint"
	event.Result = "success"
	event.Metadata["generation"] = generation

	l.LogEvent(event)
}

// LogRunCompleted records the outcome of a finished run.
func (l *AuditLogger) LogRunCompleted(ctx context.Context, runID string, bestScore float64, evaluations int) {
	event := NewAuditEvent(ctx, RunCompleted, SeverityInfo,
		fmt.Sprintf("Run %s completed after %d evaluations, best score %g", runID, evaluations, bestScore))
	event.RunID = runID
	event.Action = "complete"
	event.Result = "success"
	event.Metadata["best_score"] = bestScore
	event.Metadata["evaluations"] = evaluations

	l.LogEvent(event)
}

// LogRunFailed records a run that stopped with an error.
func (l *AuditLogger) LogRunFailed(ctx context.Context, runID string, err error) {
	event := NewAuditEvent(ctx, RunFailed, SeverityError,
		fmt.Sprintf("Run %s failed: %v", runID, err))
	event.RunID = runID
	event.Action = "complete"
	event.Result = "failure"
	event.Metadata["error"] = err.Error()

	l.LogEvent(event)
}
