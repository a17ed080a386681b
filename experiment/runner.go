package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/scttfrdmn/genekit/genekit-go/checkpointing"
	"github.com/scttfrdmn/genekit/genekit-go/evaluation"
	"github.com/scttfrdmn/genekit/genekit-go/gene"
	"github.com/scttfrdmn/genekit/genekit-go/middleware"
	"github.com/scttfrdmn/genekit/genekit-go/observability"
)

// Result is the outcome of a run.
type Result struct {
	RunID        string
	Algorithm    string
	Optimization *evaluation.OptimizationResult
	Recording    *evaluation.RunRecording
	Manager      *gene.Manager
	Checkpoints  []*checkpointing.Checkpoint // most recent first
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger overrides the logger built from the observability section.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(audit *observability.AuditLogger) RunnerOption {
	return func(r *Runner) {
		r.audit = audit
	}
}

// WithCheckpointStorage overrides the checkpoint backend of the config.
func WithCheckpointStorage(storage checkpointing.CheckpointStorage) RunnerOption {
	return func(r *Runner) {
		r.storage = storage
	}
}

// WithRecorder overrides the trial recorder of the config.
func WithRecorder(recorder *evaluation.TrialRecorder) RunnerOption {
	return func(r *Runner) {
		r.recorder = recorder
	}
}

// WithMeter records objective metrics on meter instead of a Prometheus
// provider built from the config.
func WithMeter(meter metric.Meter) RunnerOption {
	return func(r *Runner) {
		r.meter = meter
	}
}

// WithMiddleware adds decorators inside the configured ones, directly
// around the objective.
func WithMiddleware(mw ...middleware.Middleware) RunnerOption {
	return func(r *Runner) {
		r.extra = append(r.extra, mw...)
	}
}

// Runner executes one optimization run described by a RunConfig.
//
// Example:
//
//	cfg, _ := experiment.LoadRunConfig("run.yaml")
//	runner, _ := experiment.NewRunner(cfg, objective)
//	result, err := runner.Run(ctx)
//	fmt.Println(result.Optimization.BestArgs)
type Runner struct {
	config    *RunConfig
	objective evaluation.ObjectiveFunc
	logger    *slog.Logger
	audit     *observability.AuditLogger
	storage   checkpointing.CheckpointStorage
	recorder  *evaluation.TrialRecorder
	meter     metric.Meter
	extra     []middleware.Middleware
	closers   []func(context.Context) error
}

// NewRunner validates config and prepares a runner for objective.
func NewRunner(config *RunConfig, objective evaluation.ObjectiveFunc, opts ...RunnerOption) (*Runner, error) {
	if config == nil {
		return nil, fmt.Errorf("run config is required")
	}
	if objective == nil {
		return nil, fmt.Errorf("objective function is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		config:    config,
		objective: objective,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.logger == nil {
		level, _ := observability.ParseLevel(config.Observability.LogLevel)
		logger, err := observability.NewLogger(observability.LoggingConfig{
			Level:               level,
			Format:              config.Observability.LogFormat,
			IncludeTraceContext: true,
		})
		if err != nil {
			return nil, err
		}
		r.logger = logger
	}
	r.logger = r.logger.With("run", config.Name)
	return r, nil
}

// Manager builds the gene manager of the configured schema and applies its
// overrides. Every override is written to the audit log under runID.
func (r *Runner) Manager(ctx context.Context, runID string) (*gene.Manager, error) {
	doc, err := r.config.Document()
	if err != nil {
		return nil, err
	}
	manager, err := doc.Manager(gene.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}

	if r.audit != nil {
		for _, o := range doc.Overrides {
			if o.Range != nil {
				rng, _ := o.Range.Range()
				r.audit.LogGeneOverride(ctx, runID, o.Path, "range", rng.String())
			}
			if o.Values != nil {
				r.audit.LogGeneOverride(ctx, runID, o.Path, "values", o.Values)
			}
		}
	}
	return manager, nil
}

// Run executes the run and returns its result. Telemetry providers started
// for the run are shut down before Run returns.
func (r *Runner) Run(ctx context.Context) (result *Result, err error) {
	defer r.close()

	runID := r.config.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	logger := r.logger.With("run_id", runID)

	if err := r.setupTelemetry(ctx); err != nil {
		return nil, err
	}
	if err := r.setupAudit(); err != nil {
		return nil, err
	}

	ctx, span := observability.GetTracer("genekit.experiment").Start(ctx, "experiment.run")
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.algorithm", r.config.Algorithm),
		attribute.Int("run.iterations", r.config.Iterations),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if r.audit != nil {
				r.audit.LogRunFailed(ctx, runID, err)
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	manager, err := r.Manager(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to build gene manager: %w", err)
	}
	logger.Info("gene manager ready", "genes", manager.Len(), "epoch", manager.Epoch())

	objective, err := r.buildObjective(runID)
	if err != nil {
		return nil, err
	}

	recorder, err := r.trialRecorder()
	if err != nil {
		return nil, err
	}
	recorder.StartRun(runID, r.config.Algorithm, observability.InjectTraceContext(ctx, map[string]any{
		"name":       r.config.Name,
		"iterations": r.config.Iterations,
		"maximize":   r.config.Maximize,
		"seed":       r.config.Seed,
	}))

	checkpoints, err := r.checkpointManager(logger)
	if err != nil {
		return nil, err
	}

	if r.audit != nil {
		r.audit.LogRunStarted(ctx, runID, r.config.Algorithm, r.config.Checkpoint.Resume, map[string]any{
			"name":       r.config.Name,
			"iterations": r.config.Iterations,
			"genes":      manager.Len(),
		})
	}

	optimizer, err := r.optimizer(manager, objective, recorder, runID, checkpoints, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("run started", "algorithm", r.config.Algorithm, "iterations", r.config.Iterations)
	optimization, err := optimizer.Optimize(ctx, r.config.Iterations)
	if err != nil {
		return nil, fmt.Errorf("run %s failed: %w", runID, err)
	}

	recording, err := recorder.FinalizeRun(runID)
	if err != nil {
		return nil, err
	}

	result = &Result{
		RunID:        runID,
		Algorithm:    r.config.Algorithm,
		Optimization: optimization,
		Recording:    recording,
		Manager:      manager,
	}

	if checkpoints != nil {
		if keep := r.config.Checkpoint.KeepLast; keep > 0 {
			pruned, err := checkpoints.PruneOldCheckpoints(ctx, runID, keep)
			if err != nil {
				return nil, err
			}
			logger.Info("pruned checkpoints", "deleted", pruned, "kept", keep)
		}
		result.Checkpoints, err = checkpoints.ListCheckpoints(ctx, runID, 0)
		if err != nil {
			return nil, err
		}
	}

	span.SetAttributes(attribute.Float64("run.best_score", optimization.BestScore))
	if r.audit != nil {
		r.audit.LogRunCompleted(ctx, runID, optimization.BestScore, len(optimization.History))
	}
	logger.Info("run completed",
		"best_score", optimization.BestScore,
		"evaluations", len(optimization.History),
		"duration", optimization.Duration(),
	)
	return result, nil
}

// buildObjective wraps the objective in the configured middleware. From the
// outside in: cache, tracing, metrics, circuit breaker, rate limit, retry,
// timeout and the caller's extra middleware.
func (r *Runner) buildObjective(runID string) (evaluation.ObjectiveFunc, error) {
	mc := r.config.Middleware
	var chain []middleware.Middleware

	if mc.Cache != nil {
		chain = append(chain, middleware.Caching(middleware.CachingConfig{
			MaxCacheSize: mc.Cache.MaxSize,
			DefaultTTL:   mc.Cache.TTL,
		}))
	}
	if r.config.Observability.Tracing {
		chain = append(chain, observability.Tracing("objective.evaluate"))
	}
	if r.meter != nil {
		om, err := observability.NewObjectiveMetrics(r.meter,
			attribute.String("run_id", runID),
			attribute.String("algorithm", r.config.Algorithm),
		)
		if err != nil {
			return nil, err
		}
		chain = append(chain, om.Middleware())
	}
	if cb := mc.CircuitBreaker; cb != nil {
		chain = append(chain, middleware.CircuitBreaker(middleware.CircuitBreakerConfig{
			FailureThreshold: cb.FailureThreshold,
			RecoveryTimeout:  cb.RecoveryTimeout,
			Logger:           r.logger,
		}))
	}
	if rl := mc.RateLimit; rl != nil {
		chain = append(chain, middleware.RateLimiter(middleware.RateLimiterConfig{
			Rate:     rl.Rate,
			Capacity: rl.Burst,
		}))
	}
	if rc := mc.Retry; rc != nil {
		chain = append(chain, middleware.Retry(middleware.RetryConfig{
			MaxAttempts:    rc.MaxAttempts,
			InitialBackoff: rc.InitialBackoff,
			MaxBackoff:     rc.MaxBackoff,
			Logger:         r.logger,
		}))
	}
	if mc.Timeout > 0 {
		chain = append(chain, middleware.Timeout(middleware.TimeoutConfig{Timeout: mc.Timeout}))
	}
	chain = append(chain, r.extra...)

	return middleware.Chain(r.objective, chain...), nil
}

func (r *Runner) trialRecorder() (*evaluation.TrialRecorder, error) {
	if r.recorder != nil {
		return r.recorder, nil
	}
	if dir := r.config.Recording.Dir; dir != "" {
		storage, err := evaluation.NewFileRecordingStorage(dir)
		if err != nil {
			return nil, err
		}
		r.recorder = evaluation.NewTrialRecorder(storage)
	} else {
		r.recorder = evaluation.NewTrialRecorder(nil)
	}
	return r.recorder, nil
}

// checkpointManager returns nil when checkpoints are disabled.
func (r *Runner) checkpointManager(logger *slog.Logger) (*checkpointing.CheckpointManager, error) {
	cc := r.config.Checkpoint
	storage := r.storage

	if storage == nil {
		switch cc.Backend {
		case BackendNone:
			return nil, nil
		case BackendMemory:
			storage = checkpointing.NewInMemoryStorage()
		case BackendFile:
			fs, err := checkpointing.NewFileStorage(cc.Dir)
			if err != nil {
				return nil, err
			}
			storage = fs
		case BackendRedis:
			rs, err := checkpointing.NewRedisStorage(cc.RedisURL, int(cc.TTL.Seconds()), cc.KeyPrefix)
			if err != nil {
				return nil, err
			}
			r.closers = append(r.closers, func(context.Context) error { return rs.Close() })
			storage = rs
		}
		r.storage = storage
	}

	return checkpointing.NewCheckpointManager(storage, cc.Interval, checkpointing.WithLogger(logger)), nil
}

func (r *Runner) optimizer(
	manager *gene.Manager,
	objective evaluation.ObjectiveFunc,
	recorder *evaluation.TrialRecorder,
	runID string,
	checkpoints *checkpointing.CheckpointManager,
	logger *slog.Logger,
) (evaluation.Optimizer, error) {
	switch r.config.Algorithm {
	case AlgorithmRandom:
		opts := []evaluation.OptimizerOption{
			evaluation.WithLogger(logger),
			evaluation.WithRecorder(recorder, runID),
		}
		if r.config.Seed != 0 {
			opts = append(opts, evaluation.WithSeed(r.config.Seed))
		}
		return evaluation.NewRandomSearchOptimizer(objective, manager, r.config.Maximize, opts...), nil

	case AlgorithmBayesian:
		bc := r.config.Bayesian
		return evaluation.NewBayesianOptimizer(evaluation.BayesianOptimizerConfig{
			Manager:     manager,
			Objective:   objective,
			Maximize:    r.config.Maximize,
			Acquisition: evaluation.AcquisitionFunction(bc.Acquisition),
			NInitial:    bc.NInitial,
			NCandidates: bc.NCandidates,
			Xi:          bc.Xi,
			Kappa:       bc.Kappa,
			Seed:        r.config.Seed,
			Logger:      logger,
			Recorder:    recorder,
			RunID:       runID,
		})

	default:
		gc := r.config.Genetic
		config := evaluation.DefaultGeneticOptimizerConfig()
		config.Manager = manager
		config.Objective = objective
		config.Maximize = r.config.Maximize
		config.PopulationSize = gc.PopulationSize
		config.KeepElitism = gc.KeepElitism
		config.TournamentSize = gc.TournamentSize
		config.CrossoverRate = gc.CrossoverRate
		config.MutationPercentGenes = gc.MutationPercentGenes
		config.RandomMutationRate = gc.RandomMutationRate
		config.BestKnownRate = gc.BestKnownRate
		config.Parallelism = gc.Parallelism
		config.Seed = r.config.Seed
		config.Logger = logger
		config.Recorder = recorder
		config.RunID = runID
		config.Checkpoints = checkpoints
		config.Resume = r.config.Checkpoint.Resume
		if r.audit != nil {
			config.OnCheckpoint = func(ctx context.Context, cp *checkpointing.Checkpoint) {
				r.audit.LogCheckpoint(ctx, cp.RunID, cp.CheckpointID, cp.Generation)
			}
		}
		return evaluation.NewGeneticOptimizer(config)
	}
}

func (r *Runner) setupTelemetry(ctx context.Context) error {
	oc := r.config.Observability

	if oc.Tracing {
		tc := observability.DefaultTracingConfig()
		tc.ServiceName = r.config.Name
		tc.OTLPEndpoint = oc.OTLPEndpoint
		tc.ConsoleExport = oc.ConsoleTraces
		tc.SampleRatio = oc.SampleRatio
		if _, err := observability.InitTracing(ctx, tc); err != nil {
			return err
		}
		r.closers = append(r.closers, observability.Shutdown)
	}

	if oc.Metrics && r.meter == nil {
		provider, handler, err := observability.InitMetrics(observability.MetricsConfig{ServiceName: r.config.Name})
		if err != nil {
			return err
		}
		r.meter = provider.Meter("genekit.experiment")
		r.closers = append(r.closers, observability.ShutdownMetrics)

		if oc.MetricsAddr != "" {
			serveCtx, cancel := context.WithCancel(context.Background())
			go func() {
				if err := observability.ServeMetrics(serveCtx, oc.MetricsAddr, handler); err != nil {
					r.logger.Warn("metrics server stopped", "error", err)
				}
			}()
			r.closers = append(r.closers, func(context.Context) error { cancel(); return nil })
		}
	}
	return nil
}

func (r *Runner) setupAudit() error {
	path := r.config.Observability.AuditFile
	if path == "" {
		return nil
	}
	adapter, err := observability.NewFileAuditAdapter(path, true)
	if err != nil {
		return err
	}
	r.closers = append(r.closers, func(context.Context) error { return adapter.Close() })

	if r.audit == nil {
		r.audit = observability.NewAuditLogger(adapter)
	} else {
		r.audit.AddAdapter(adapter)
	}
	return nil
}

// close runs the registered closers in reverse order.
func (r *Runner) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	if err := errors.Join(errs...); err != nil {
		fmt.Fprintf(os.Stderr, "genekit: shutdown: %v\n", err)
	}
}
