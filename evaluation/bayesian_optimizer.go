// Bayesian Optimization uses a probabilistic surrogate to pick the next gene
// vector to evaluate.

package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/scttfrdmn/genekit/genekit-go/gene"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// AcquisitionFunction specifies the acquisition function type for Bayesian optimization.
type AcquisitionFunction string

const (
	// AcquisitionEI represents Expected Improvement
	AcquisitionEI AcquisitionFunction = "ei"
	// AcquisitionUCB represents Upper Confidence Bound
	AcquisitionUCB AcquisitionFunction = "ucb"
	// AcquisitionPI represents Probability of Improvement
	AcquisitionPI AcquisitionFunction = "pi"
)

// BayesianOptimizer implements Bayesian optimization over a gene space.
//
// This implementation uses a simplified surrogate model based on local statistics
// rather than full Gaussian Process regression. It balances exploration and
// exploitation through acquisition functions.
//
// Algorithm:
//  1. Sample n_initial random vectors
//  2. Evaluate and build local statistics
//  3. Score random candidate vectors with the acquisition function
//  4. Evaluate the best candidate
//  5. Update statistics and repeat
type BayesianOptimizer struct {
	manager     *gene.Manager
	spaces      []gene.Space
	objective   ObjectiveFunc
	maximize    bool
	acquisition AcquisitionFunction
	nInitial    int
	nCandidates int
	xi          float64 // Exploration parameter for EI/PI
	kappa       float64 // Exploration parameter for UCB
	rng         *rand.Rand
	logger      *slog.Logger
	recorder    *TrialRecorder
	runID       string
	history     []OptimizationStep
	best        int
}

// BayesianOptimizerConfig contains configuration for BayesianOptimizer.
type BayesianOptimizerConfig struct {
	Manager     *gene.Manager
	Objective   ObjectiveFunc
	Maximize    bool
	Acquisition AcquisitionFunction
	NInitial    int
	NCandidates int     // Random candidates scored per proposal (default: 1000)
	Xi          float64 // Exploration parameter for EI and PI (default: 0.01)
	Kappa       float64 // Exploration parameter for UCB (default: 2.576)
	Seed        uint64  // 0 seeds from the clock
	Logger      *slog.Logger
	Recorder    *TrialRecorder
	RunID       string
}

// NewBayesianOptimizer creates a new Bayesian optimizer.
func NewBayesianOptimizer(config BayesianOptimizerConfig) (*BayesianOptimizer, error) {
	if config.Manager == nil {
		return nil, fmt.Errorf("gene manager is required")
	}
	if config.Objective == nil {
		return nil, fmt.Errorf("objective function is required")
	}

	// Set defaults
	if config.NInitial == 0 {
		config.NInitial = 5
	}
	if config.NCandidates == 0 {
		config.NCandidates = 1000
	}
	if config.Xi == 0.0 {
		config.Xi = 0.01
	}
	if config.Kappa == 0.0 {
		config.Kappa = 2.576 // 99% confidence interval
	}
	if config.Acquisition == "" {
		config.Acquisition = AcquisitionEI
	}
	switch config.Acquisition {
	case AcquisitionEI, AcquisitionUCB, AcquisitionPI:
	default:
		return nil, fmt.Errorf("unknown acquisition function %q", config.Acquisition)
	}
	if config.Seed == 0 {
		config.Seed = uint64(time.Now().UnixNano())
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &BayesianOptimizer{
		manager:     config.Manager,
		spaces:      config.Manager.GeneSpace(),
		objective:   config.Objective,
		maximize:    config.Maximize,
		acquisition: config.Acquisition,
		nInitial:    config.NInitial,
		nCandidates: config.NCandidates,
		xi:          config.Xi,
		kappa:       config.Kappa,
		rng:         newRand(config.Seed),
		logger:      config.Logger,
		recorder:    config.Recorder,
		runID:       config.RunID,
		history:     make([]OptimizationStep, 0),
		best:        -1,
	}, nil
}

// Optimize runs the Bayesian optimization process.
func (b *BayesianOptimizer) Optimize(ctx context.Context, nIterations int) (*OptimizationResult, error) {
	if err := b.manager.Check(); err != nil {
		return nil, fmt.Errorf("gene manager: %w", err)
	}
	startTime := time.Now()

	for i := 0; i < nIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Random initialization first, acquisition-driven proposals after.
		var vec gene.Vector
		if i < b.nInitial {
			vec = b.manager.RandomVector(b.rng)
		} else {
			vec = b.proposeNext()
		}

		step, err := evaluateVector(ctx, b.manager, b.objective, vec, i, b.recorder, b.runID)
		if err != nil {
			return nil, fmt.Errorf("evaluation failed at iteration %d: %w", i, err)
		}
		b.addObservation(step)
	}

	result := &OptimizationResult{
		History:     b.history,
		NIterations: nIterations,
		StartTime:   startTime,
		EndTime:     time.Now(),
		Metadata: map[string]any{
			"algorithm":   "bayesian_optimization",
			"acquisition": string(b.acquisition),
			"n_initial":   b.nInitial,
			"maximize":    b.maximize,
		},
	}
	if b.best >= 0 {
		best := b.history[b.best]
		result.BestVector = best.Vector.Clone()
		result.BestArgs = best.Args
		result.BestScore = best.Score
	}
	return result, nil
}

// addObservation adds a new observation to the history.
func (b *BayesianOptimizer) addObservation(step OptimizationStep) {
	b.history = append(b.history, step)
	if b.best < 0 || isBetter(step.Score, b.history[b.best].Score, b.maximize) {
		b.best = len(b.history) - 1
		b.logger.Debug("bayesian optimizer improved", "iteration", step.Generation, "score", step.Score)
	}
}

func (b *BayesianOptimizer) bestFitness() float64 {
	if b.best < 0 {
		return math.Inf(-1)
	}
	return fitness(b.history[b.best].Score, b.maximize)
}

// proposeNext proposes the next vector to evaluate using the acquisition function.
func (b *BayesianOptimizer) proposeNext() gene.Vector {
	bestCandidate := b.manager.RandomVector(b.rng)
	bestAcqValue := b.evaluateAcquisition(bestCandidate)

	for i := 1; i < b.nCandidates; i++ {
		candidate := b.manager.RandomVector(b.rng)
		acqValue := b.evaluateAcquisition(candidate)
		if acqValue > bestAcqValue {
			bestAcqValue = acqValue
			bestCandidate = candidate
		}
	}
	return bestCandidate
}

// evaluateAcquisition evaluates the acquisition function for a candidate.
func (b *BayesianOptimizer) evaluateAcquisition(vec gene.Vector) float64 {
	mu, sigma := b.estimatePerformance(vec)

	switch b.acquisition {
	case AcquisitionEI:
		return b.expectedImprovement(mu, sigma)
	case AcquisitionUCB:
		return b.upperConfidenceBound(mu, sigma)
	case AcquisitionPI:
		return b.probabilityOfImprovement(mu, sigma)
	default:
		return mu
	}
}

// estimatePerformance estimates the mean and std of the fitness of a vector
// from the observations of similar vectors.
func (b *BayesianOptimizer) estimatePerformance(vec gene.Vector) (float64, float64) {
	if len(b.history) == 0 {
		return 0.0, 1.0
	}

	var similar, all []float64
	for _, step := range b.history {
		f := fitness(step.Score, b.maximize)
		all = append(all, f)
		if b.vectorSimilarity(vec, step.Vector) > 0.5 {
			similar = append(similar, f)
		}
	}

	// If no similar vectors, use global statistics
	scores := similar
	if len(scores) == 0 {
		scores = all
	}

	mu := stat.Mean(scores, nil)
	sigma := 1.0
	if len(scores) > 1 {
		sigma = stat.StdDev(scores, nil)
	}

	// Ensure non-zero sigma
	if sigma < 1e-6 {
		sigma = 0.1
	}
	return mu, sigma
}

// vectorSimilarity computes similarity between two vectors (0-1). Nulls
// match only nulls, list slots match on equality and band slots score one
// minus the normalized distance.
func (b *BayesianOptimizer) vectorSimilarity(v1, v2 gene.Vector) float64 {
	if len(v1) == 0 || len(v1) != len(v2) {
		return 0.0
	}

	similaritySum := 0.0
	for i, space := range b.spaces {
		x1, x2 := v1[i], v2[i]
		null1 := math.IsNaN(x1) || (space.Nullable && x1 == space.Null)
		null2 := math.IsNaN(x2) || (space.Nullable && x2 == space.Null)

		switch {
		case null1 || null2:
			if null1 && null2 {
				similaritySum += 1.0
			}
		case space.IsList():
			if x1 == x2 {
				similaritySum += 1.0
			}
		default:
			width := space.High - space.Low
			if width > 0 {
				similaritySum += 1.0 - math.Min(1.0, math.Abs(x1-x2)/width)
			} else if x1 == x2 {
				similaritySum += 1.0
			}
		}
	}
	return similaritySum / float64(len(b.spaces))
}

// expectedImprovement computes the Expected Improvement acquisition function.
func (b *BayesianOptimizer) expectedImprovement(mu, sigma float64) float64 {
	if len(b.history) == 0 || sigma == 0.0 {
		return 0.0
	}
	improvement := mu - b.bestFitness() - b.xi
	z := improvement / sigma
	return improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
}

// upperConfidenceBound computes the Upper Confidence Bound acquisition function.
func (b *BayesianOptimizer) upperConfidenceBound(mu, sigma float64) float64 {
	return mu + b.kappa*sigma
}

// probabilityOfImprovement computes the Probability of Improvement acquisition function.
func (b *BayesianOptimizer) probabilityOfImprovement(mu, sigma float64) float64 {
	if len(b.history) == 0 || sigma == 0.0 {
		return 0.0
	}
	z := (mu - b.bestFitness() - b.xi) / sigma
	return distuv.UnitNormal.CDF(z)
}

// GetHistory returns the optimization history.
func (b *BayesianOptimizer) GetHistory() []OptimizationStep {
	return b.history
}
