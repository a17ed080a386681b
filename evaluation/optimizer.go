// Package evaluation provides optimizers that search a gene space.
//
// Every optimizer samples or evolves gene vectors through a gene.Manager,
// decodes them to configurations and scores them with an ObjectiveFunc
// supplied by the caller.
//
// Interfaces:
//   - Optimizer: Base interface for optimization algorithms
//
// Implementations:
//   - RandomSearchOptimizer: Baseline random search
//   - BayesianOptimizer: Surrogate-guided search (in bayesian_optimizer.go)
//   - GeneticOptimizer: Tournament GA with best-known mutation (in genetic_optimizer.go)
//
// Example:
//
//	manager, _ := gene.NewManager(schema)
//	if err := manager.Seal(); err != nil {
//	    return err
//	}
//
//	optimizer := evaluation.NewRandomSearchOptimizer(
//	    objectiveFunc,
//	    manager,
//	    true, // maximize
//	)
//
//	result, err := optimizer.Optimize(ctx, 50)
//	fmt.Printf("Best config: %v\n", result.BestArgs)
//	fmt.Printf("Best score: %.3f\n", result.BestScore)
package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/scttfrdmn/genekit/genekit-go/gene"
)

// Optimizer is the base interface for optimization algorithms.
type Optimizer interface {
	// Optimize runs the optimization process.
	//
	// Args:
	//   ctx: Context for cancellation
	//   nIterations: Number of iterations (generations for the GA) to run
	//
	// Returns:
	//   OptimizationResult with best configuration and history
	Optimize(ctx context.Context, nIterations int) (*OptimizationResult, error)
}

// ObjectiveFunc scores a decoded configuration.
type ObjectiveFunc func(ctx context.Context, args gene.Args) (float64, error)

// OptimizationResult contains the results of an optimization run.
type OptimizationResult struct {
	BestVector  gene.Vector
	BestArgs    gene.Args
	BestScore   float64
	History     []OptimizationStep
	NIterations int
	StartTime   time.Time
	EndTime     time.Time
	Metadata    map[string]any
}

// OptimizationStep represents a single evaluation in the optimization.
type OptimizationStep struct {
	Vector     gene.Vector
	Args       gene.Args
	Score      float64
	Generation int
}

// Duration returns the total optimization duration.
func (r *OptimizationResult) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// GetImprovement returns the improvement from initial to best score.
func (r *OptimizationResult) GetImprovement() float64 {
	if len(r.History) == 0 {
		return 0.0
	}
	return r.BestScore - r.History[0].Score
}

// OptimizerOption configures the random search optimizer.
type OptimizerOption func(*RandomSearchOptimizer)

// WithSeed fixes the random source.
func WithSeed(seed uint64) OptimizerOption {
	return func(r *RandomSearchOptimizer) {
		r.rng = newRand(seed)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) OptimizerOption {
	return func(r *RandomSearchOptimizer) {
		r.logger = logger
	}
}

// WithRecorder records every trial under runID.
func WithRecorder(recorder *TrialRecorder, runID string) OptimizerOption {
	return func(r *RandomSearchOptimizer) {
		r.recorder = recorder
		r.runID = runID
	}
}

// RandomSearchOptimizer implements baseline random search optimization.
//
// Samples vectors with Manager.RandomVector and evaluates them. Useful as a
// baseline for comparison with more sophisticated algorithms.
type RandomSearchOptimizer struct {
	objective ObjectiveFunc
	manager   *gene.Manager
	maximize  bool
	rng       *rand.Rand
	logger    *slog.Logger
	recorder  *TrialRecorder
	runID     string
	history   []OptimizationStep
}

// NewRandomSearchOptimizer creates a new random search optimizer.
//
// Args:
//
//	objective: Function to evaluate configurations
//	manager: Gene manager describing the search space
//	maximize: Whether to maximize (true) or minimize (false) objective
func NewRandomSearchOptimizer(
	objective ObjectiveFunc,
	manager *gene.Manager,
	maximize bool,
	opts ...OptimizerOption,
) *RandomSearchOptimizer {
	r := &RandomSearchOptimizer{
		objective: objective,
		manager:   manager,
		maximize:  maximize,
		rng:       newRand(uint64(time.Now().UnixNano())),
		logger:    slog.Default(),
		history:   make([]OptimizationStep, 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Optimize runs random search optimization.
func (r *RandomSearchOptimizer) Optimize(ctx context.Context, nIterations int) (*OptimizationResult, error) {
	if err := r.manager.Check(); err != nil {
		return nil, fmt.Errorf("gene manager: %w", err)
	}
	startTime := time.Now()
	r.history = make([]OptimizationStep, 0, nIterations)

	bestIdx := -1
	for i := 0; i < nIterations; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		vec := r.manager.RandomVector(r.rng)
		step, err := evaluateVector(ctx, r.manager, r.objective, vec, i, r.recorder, r.runID)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate config: %w", err)
		}
		r.history = append(r.history, step)

		if bestIdx < 0 || isBetter(step.Score, r.history[bestIdx].Score, r.maximize) {
			bestIdx = len(r.history) - 1
			r.logger.Debug("random search improved", "iteration", i, "score", step.Score)
		}
	}

	result := &OptimizationResult{
		History:     r.history,
		NIterations: nIterations,
		StartTime:   startTime,
		EndTime:     time.Now(),
		Metadata: map[string]any{
			"algorithm": "random_search",
			"maximize":  r.maximize,
		},
	}
	if bestIdx >= 0 {
		best := r.history[bestIdx]
		result.BestVector = best.Vector.Clone()
		result.BestArgs = best.Args
		result.BestScore = best.Score
	}
	return result, nil
}

// GetHistory returns the optimization history.
func (r *RandomSearchOptimizer) GetHistory() []OptimizationStep {
	return r.history
}

// evaluateVector decodes vec, scores it and records the trial.
func evaluateVector(
	ctx context.Context,
	manager *gene.Manager,
	objective ObjectiveFunc,
	vec gene.Vector,
	generation int,
	recorder *TrialRecorder,
	runID string,
) (OptimizationStep, error) {
	args, err := manager.VectorToArgs(vec)
	if err != nil {
		return OptimizationStep{}, err
	}

	start := time.Now()
	score, err := objective(ctx, args)
	if err != nil {
		return OptimizationStep{}, err
	}

	step := OptimizationStep{Vector: vec.Clone(), Args: args, Score: score, Generation: generation}
	if recorder != nil {
		recorder.RecordTrial(runID, step, time.Since(start), nil)
	}
	return step, nil
}

func isBetter(score, best float64, maximize bool) bool {
	if maximize {
		return score > best
	}
	return score < best
}

// fitness turns a score into a value where larger is always better.
func fitness(score float64, maximize bool) float64 {
	if maximize {
		return score
	}
	return -score
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
