package experiment

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/scttfrdmn/genekit/genekit-go/checkpointing"
	"github.com/scttfrdmn/genekit/genekit-go/evaluation"
	"github.com/scttfrdmn/genekit/genekit-go/gene"
	"github.com/scttfrdmn/genekit/genekit-go/observability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sumObjective scores x + n, plus depth when the extra block is present.
func sumObjective(_ context.Context, args gene.Args) (float64, error) {
	x, _ := args["x"].(float64)
	n, _ := args["n"].(int)
	score := x + float64(n)
	if extra, ok := args["extra"].(map[string]any); ok {
		depth, _ := extra["depth"].(int)
		score += float64(depth)
	}
	return score, nil
}

func mustParse(t *testing.T, body string) *RunConfig {
	t.Helper()
	cfg, err := ParseRunConfig([]byte(inlineConfig(body)))
	if err != nil {
		t.Fatalf("ParseRunConfig failed: %v", err)
	}
	return cfg
}

func readAudit(t *testing.T, path string) []observability.AuditEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open audit file: %v", err)
	}
	defer f.Close()

	var events []observability.AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var event observability.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("malformed audit line %q: %v", scanner.Text(), err)
		}
		events = append(events, event)
	}
	return events
}

func countEvents(events []observability.AuditEvent, eventType observability.AuditEventType) int {
	n := 0
	for _, e := range events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// TestNewRunnerErrors tests rejected runner arguments.
func TestNewRunnerErrors(t *testing.T) {
	cfg := mustParse(t, "algorithm: random")

	if _, err := NewRunner(nil, sumObjective); err == nil {
		t.Error("expected nil config to fail")
	}
	if _, err := NewRunner(cfg, nil); err == nil {
		t.Error("expected nil objective to fail")
	}

	cfg.Iterations = 0
	if _, err := NewRunner(cfg, sumObjective); err == nil {
		t.Error("expected invalid config to fail")
	}
}

// TestRunnerManager tests building the manager with audited overrides.
func TestRunnerManager(t *testing.T) {
	cfg := mustParse(t, "algorithm: random")

	var buf auditBuffer
	runner, err := NewRunner(cfg, sumObjective,
		WithLogger(discardLogger()),
		WithAuditLogger(observability.NewAuditLogger(&buf)),
	)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}

	m, err := runner.Manager(context.Background(), "run-m")
	if err != nil {
		t.Fatalf("Manager failed: %v", err)
	}
	if m.Len() != 3 {
		t.Errorf("expected 3 genes, got %d", m.Len())
	}
	if m.Epoch() != 3 {
		t.Errorf("expected epoch 3 after 3 overrides, got %d", m.Epoch())
	}

	if len(buf.events) != 3 {
		t.Fatalf("expected 3 override events, got %d", len(buf.events))
	}
	first := buf.events[0]
	if first.EventType != observability.GeneOverride || first.Resource != "x" || first.RunID != "run-m" {
		t.Errorf("unexpected override event %+v", first)
	}
	if first.Action != "override_range" {
		t.Errorf("action = %s, want override_range", first.Action)
	}
}

type auditBuffer struct {
	events []*observability.AuditEvent
}

func (b *auditBuffer) LogEvent(event *observability.AuditEvent) error {
	b.events = append(b.events, event)
	return nil
}

// TestRunnerAlgorithms tests a short run of every optimizer.
func TestRunnerAlgorithms(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"random", "algorithm: random\niterations: 8\nseed: 1"},
		{"bayesian", "algorithm: bayesian\niterations: 8\nseed: 2\nbayesian: {n_initial: 3, n_candidates: 50}"},
		{"genetic", "algorithm: genetic\niterations: 3\nseed: 3\ngenetic: {population_size: 6, keep_elitism: 1, tournament_size: 2, parallelism: 2}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mustParse(t, tt.body)
			runner, err := NewRunner(cfg, sumObjective, WithLogger(discardLogger()))
			if err != nil {
				t.Fatalf("NewRunner failed: %v", err)
			}

			result, err := runner.Run(context.Background())
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			if result.RunID == "" {
				t.Error("expected a generated run ID")
			}
			if result.Algorithm != tt.name {
				t.Errorf("algorithm = %s, want %s", result.Algorithm, tt.name)
			}
			opt := result.Optimization
			if len(opt.History) == 0 {
				t.Fatal("expected evaluations in the history")
			}
			for _, step := range opt.History {
				if step.Score > opt.BestScore {
					t.Errorf("history score %v beats best score %v", step.Score, opt.BestScore)
				}
			}
			if opt.BestArgs == nil {
				t.Error("expected best args")
			}

			if result.Recording == nil || result.Recording.RunID != result.RunID {
				t.Fatalf("unexpected recording %+v", result.Recording)
			}
			if result.Recording.Algorithm != tt.name {
				t.Errorf("recording algorithm = %s, want %s", result.Recording.Algorithm, tt.name)
			}
			if result.Recording.TrialCount() == 0 {
				t.Error("expected recorded trials")
			}
			if !result.Manager.Sealed() && tt.name == "genetic" {
				t.Error("expected the genetic algorithm to seal the manager")
			}
		})
	}
}

// TestRunnerObjectiveFailure tests that a failing objective fails the run
// and is audited.
func TestRunnerObjectiveFailure(t *testing.T) {
	cfg := mustParse(t, "algorithm: random\niterations: 3\nrun_id: failing\nmiddleware: {cache: null}")

	errBoom := errors.New("boom")
	var buf auditBuffer
	runner, err := NewRunner(cfg,
		func(context.Context, gene.Args) (float64, error) { return 0, errBoom },
		WithLogger(discardLogger()),
		WithAuditLogger(observability.NewAuditLogger(&buf)),
	)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}

	if _, err := runner.Run(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("expected boom, got %v", err)
	}

	last := buf.events[len(buf.events)-1]
	if last.EventType != observability.RunFailed || last.RunID != "failing" {
		t.Errorf("expected a run_failed event last, got %+v", last)
	}
}

// TestRunnerMiddleware tests the configured decorators and extra middleware.
func TestRunnerMiddleware(t *testing.T) {
	cfg := mustParse(t, `
algorithm: random
iterations: 20
seed: 9
middleware:
  timeout: 1s
  retry: {max_attempts: 3, initial_backoff: 1ms}
  rate_limit: {rate: 10000, burst: 100}
  circuit_breaker: {failure_threshold: 10}
`)

	calls, err := observability.NewObjectiveMetrics(sdkmetric.NewMeterProvider().Meter("inner"))
	if err != nil {
		t.Fatalf("NewObjectiveMetrics failed: %v", err)
	}
	var flaky int
	objective := func(ctx context.Context, args gene.Args) (float64, error) {
		flaky++
		if flaky == 1 {
			return 0, errors.New("transient")
		}
		return sumObjective(ctx, args)
	}

	runner, err := NewRunner(cfg, objective,
		WithLogger(discardLogger()),
		WithMiddleware(calls.Middleware()),
	)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("expected retry to absorb the transient failure, got %v", err)
	}

	stats := calls.Stats()
	if stats.Errors != 1 {
		t.Errorf("expected 1 failed inner call, got %d", stats.Errors)
	}
	if stats.Evaluations > int64(len(result.Optimization.History))+1 {
		t.Errorf("inner calls %d exceed evaluations %d plus one retry", stats.Evaluations, len(result.Optimization.History))
	}
}

// TestRunnerMetrics tests objective metrics recorded on a supplied meter.
func TestRunnerMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	cfg := mustParse(t, "algorithm: random\niterations: 5\nrun_id: metered\nmiddleware: {cache: null}")
	runner, err := NewRunner(cfg, sumObjective,
		WithLogger(discardLogger()),
		WithMeter(provider.Meter("test")),
	)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	var evaluations int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "genekit.objective.evaluations" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				evaluations += dp.Value
			}
		}
	}
	if evaluations != 5 {
		t.Errorf("expected 5 recorded evaluations, got %d", evaluations)
	}
}

// TestRunnerTracing tests the run span and the trace context stored with
// the recording.
func TestRunnerTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(previous)

	cfg := mustParse(t, "algorithm: random\niterations: 2\nrun_id: traced")
	var buf auditBuffer
	runner, err := NewRunner(cfg, sumObjective,
		WithLogger(discardLogger()),
		WithAuditLogger(observability.NewAuditLogger(&buf)),
	)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	spans := exporter.GetSpans()
	var root *tracetest.SpanStub
	for i := range spans {
		if spans[i].Name == "experiment.run" {
			root = &spans[i]
		}
	}
	if root == nil {
		t.Fatalf("expected an experiment.run span, got %d spans", len(spans))
	}

	traceID := root.SpanContext.TraceID().String()
	for _, e := range buf.events {
		if e.EventType == observability.RunCompleted && e.TraceID != traceID {
			t.Errorf("run_completed trace %s, want %s", e.TraceID, traceID)
		}
	}
}

// TestRunnerCheckpointResume tests file checkpoints, pruning, resuming and
// the audit file.
func TestRunnerCheckpointResume(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.jsonl")

	config := func(iterations int, resume bool) string {
		return fmt.Sprintf(`
algorithm: genetic
run_id: ga-exp
seed: 11
iterations: %d
genetic: {population_size: 4, keep_elitism: 1, tournament_size: 2, parallelism: 1}
checkpoint:
  backend: file
  dir: %s
  interval: 1
  keep_last: 1
  resume: %v
observability:
  audit_file: %s
`, iterations, filepath.Join(dir, "checkpoints"), resume, auditPath)
	}

	first := mustParse(t, config(3, false))
	runner, err := NewRunner(first, sumObjective, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if len(result.Checkpoints) != 1 || result.Checkpoints[0].Generation != 2 {
		t.Fatalf("expected only the generation 2 checkpoint to survive pruning, got %d", len(result.Checkpoints))
	}

	second := mustParse(t, config(5, true))
	runner, err = NewRunner(second, sumObjective, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	resumed, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}
	if got := resumed.Optimization.Metadata["resumed_at"]; got != 3 {
		t.Errorf("resumed_at = %v, want 3", got)
	}
	if resumed.Optimization.BestScore < result.Optimization.BestScore {
		t.Errorf("resumed best %v lost the checkpointed best %v",
			resumed.Optimization.BestScore, result.Optimization.BestScore)
	}
	if len(resumed.Checkpoints) != 1 || resumed.Checkpoints[0].Generation != 4 {
		t.Errorf("expected the generation 4 checkpoint to remain, got %+v", resumed.Checkpoints)
	}

	events := readAudit(t, auditPath)
	if countEvents(events, observability.RunStarted) != 1 || countEvents(events, observability.RunResumed) != 1 {
		t.Errorf("expected one started and one resumed run in %d events", len(events))
	}
	if got := countEvents(events, observability.CheckpointCreated); got != 4 {
		t.Errorf("expected 4 checkpoint events, got %d", got)
	}
	if got := countEvents(events, observability.RunCompleted); got != 2 {
		t.Errorf("expected 2 run_completed events, got %d", got)
	}
	if got := countEvents(events, observability.GeneOverride); got != 6 {
		t.Errorf("expected 3 overrides per run, got %d", got)
	}
}

// TestRunnerCheckpointStorageOption tests a caller-supplied backend.
func TestRunnerCheckpointStorageOption(t *testing.T) {
	storage := checkpointing.NewInMemoryStorage()
	cfg := mustParse(t, `
algorithm: genetic
iterations: 3
run_id: mem
genetic: {population_size: 4, keep_elitism: 1, tournament_size: 2}
checkpoint: {backend: memory, interval: 1}
`)

	runner, err := NewRunner(cfg, sumObjective,
		WithLogger(discardLogger()),
		WithCheckpointStorage(storage),
		WithRecorder(evaluation.NewTrialRecorder(nil)),
	)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	latest, err := storage.GetLatest(context.Background(), "mem")
	if err != nil || latest == nil {
		t.Fatalf("expected a stored checkpoint, got %v, %v", latest, err)
	}
	if latest.Generation != 2 {
		t.Errorf("latest generation = %d, want 2", latest.Generation)
	}
}
