package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/scttfrdmn/genekit/genekit-go/checkpointing"
	"github.com/scttfrdmn/genekit/genekit-go/gene"
	"golang.org/x/sync/errgroup"
)

// maxRepairRounds bounds how often invalid slots of a child are resampled.
const maxRepairRounds = 8

// GeneticOptimizerConfig contains configuration for GeneticOptimizer.
type GeneticOptimizerConfig struct {
	Manager   *gene.Manager
	Objective ObjectiveFunc
	Maximize  bool

	PopulationSize       int     // Vectors per generation (default: 10)
	KeepElitism          int     // Best vectors copied unchanged into the next generation (default: 2)
	TournamentSize       int     // Contestants per parent selection (default: 3)
	CrossoverRate        float64 // Probability a child mixes two parents (default: 1.0)
	MutationPercentGenes float64 // Share of genes picked for random mutation (default: 10)
	RandomMutationRate   float64 // Probability a picked gene is resampled (default: 0.85)
	BestKnownRate        float64 // Per-gene probability of taking the watcher's best value (default: 0.05)
	Parallelism          int     // Concurrent objective calls (default: 4)

	Seed     uint64 // 0 seeds from the clock
	Logger   *slog.Logger
	Recorder *TrialRecorder
	RunID    string
	Watcher  *GenesWatcher // nil creates one sized for the manager

	// Checkpoints stores the population whenever its ShouldCheckpoint
	// reports true. With Resume set, Optimize continues from the latest
	// checkpoint of RunID.
	Checkpoints *checkpointing.CheckpointManager
	Resume      bool

	// OnCheckpoint, if set, is called after each stored checkpoint.
	OnCheckpoint func(ctx context.Context, cp *checkpointing.Checkpoint)
}

// DefaultGeneticOptimizerConfig returns the default GA parameters.
func DefaultGeneticOptimizerConfig() GeneticOptimizerConfig {
	return GeneticOptimizerConfig{
		Maximize:             true,
		PopulationSize:       10,
		KeepElitism:          2,
		TournamentSize:       3,
		CrossoverRate:        1.0,
		MutationPercentGenes: 10,
		RandomMutationRate:   0.85,
		BestKnownRate:        0.05,
		Parallelism:          4,
	}
}

// Validate checks the configuration.
func (c *GeneticOptimizerConfig) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("gene manager is required")
	}
	if c.Objective == nil {
		return fmt.Errorf("objective function is required")
	}
	if c.PopulationSize < 2 {
		return fmt.Errorf("population size must be at least 2, got %d", c.PopulationSize)
	}
	if c.KeepElitism < 0 || c.KeepElitism >= c.PopulationSize {
		return fmt.Errorf("keep elitism must be in [0, %d), got %d", c.PopulationSize, c.KeepElitism)
	}
	if c.TournamentSize < 1 {
		return fmt.Errorf("tournament size must be positive, got %d", c.TournamentSize)
	}
	for name, p := range map[string]float64{
		"crossover rate":       c.CrossoverRate,
		"random mutation rate": c.RandomMutationRate,
		"best known rate":      c.BestKnownRate,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %g", name, p)
		}
	}
	if c.MutationPercentGenes < 0 || c.MutationPercentGenes > 100 {
		return fmt.Errorf("mutation percent genes must be in [0, 100], got %g", c.MutationPercentGenes)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be positive, got %d", c.Parallelism)
	}
	if c.Resume && c.RunID == "" {
		return fmt.Errorf("resume requires a run ID")
	}
	if c.Watcher != nil && c.Watcher.Size() != c.Manager.Len() {
		return fmt.Errorf("watcher size %d does not match %d genes", c.Watcher.Size(), c.Manager.Len())
	}
	return nil
}

// GeneticOptimizer evolves gene vectors with a generational GA.
//
// Algorithm:
//  1. Sample a population with Manager.RandomVector
//  2. Evaluate it, feeding every fitness to the GenesWatcher
//  3. Copy the KeepElitism best vectors into the next generation
//  4. Fill it with children of tournament-selected parents: uniform
//     crossover, best-known and random mutation, null cascade, resampling
//     of slots that left their range
//  5. Evaluate the children and repeat
//
// The manager is sealed on construction: vectors are decoded on the calling
// goroutine while objective calls run concurrently.
type GeneticOptimizer struct {
	config      GeneticOptimizerConfig
	manager     *gene.Manager
	descriptors []*gene.Descriptor
	watcher     *GenesWatcher
	rng         *rand.Rand
	logger      *slog.Logger
	history     []OptimizationStep
	best        int
}

// NewGeneticOptimizer creates a new genetic optimizer. Start from
// DefaultGeneticOptimizerConfig and set the manager and objective.
//
// Example:
//
//	config := DefaultGeneticOptimizerConfig()
//	config.Manager = manager
//	config.Objective = objective
//	optimizer, err := NewGeneticOptimizer(config)
//	result, err := optimizer.Optimize(ctx, 20) // 20 generations
func NewGeneticOptimizer(config GeneticOptimizerConfig) (*GeneticOptimizer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Seed == 0 {
		config.Seed = uint64(time.Now().UnixNano())
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Watcher == nil {
		config.Watcher = NewGenesWatcher(config.Manager.Len())
	}
	if config.RunID == "" {
		switch {
		case config.Recorder != nil:
			config.RunID = config.Recorder.StartRun("", "genetic", nil)
		case config.Checkpoints != nil:
			config.RunID = uuid.New().String()
		}
	}

	if err := config.Manager.Seal(); err != nil {
		return nil, fmt.Errorf("gene manager: %w", err)
	}

	return &GeneticOptimizer{
		config:      config,
		manager:     config.Manager,
		descriptors: config.Manager.Descriptors(),
		watcher:     config.Watcher,
		rng:         newRand(config.Seed),
		logger:      config.Logger,
		history:     make([]OptimizationStep, 0),
		best:        -1,
	}, nil
}

// individual is a population member and its score.
type individual struct {
	vec   gene.Vector
	score float64
}

// Optimize runs nGenerations generations, including the initial one. When
// resuming, generations already stored in the checkpoint are skipped.
func (g *GeneticOptimizer) Optimize(ctx context.Context, nGenerations int) (*OptimizationResult, error) {
	startTime := time.Now()

	population, start, err := g.initialPopulation(ctx)
	if err != nil {
		return nil, err
	}

	for gen := start; gen < nGenerations; gen++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		population, err = g.nextGeneration(ctx, population, gen)
		if err != nil {
			return nil, err
		}

		if err := g.checkpoint(ctx, population, gen); err != nil {
			return nil, err
		}
	}

	result := &OptimizationResult{
		History:     g.history,
		NIterations: nGenerations,
		StartTime:   startTime,
		EndTime:     time.Now(),
		Metadata: map[string]any{
			"algorithm":       "genetic",
			"population_size": g.config.PopulationSize,
			"keep_elitism":    g.config.KeepElitism,
			"maximize":        g.config.Maximize,
			"run_id":          g.config.RunID,
			"resumed_at":      start,
		},
	}
	if g.best >= 0 {
		best := g.history[g.best]
		result.BestVector = best.Vector.Clone()
		result.BestArgs = best.Args
		result.BestScore = best.Score
	}
	return result, nil
}

// initialPopulation returns the population to continue from and the first
// generation still to run. A nil population means generation 0 has to be
// sampled.
func (g *GeneticOptimizer) initialPopulation(ctx context.Context) ([]individual, int, error) {
	if !g.config.Resume || g.config.Checkpoints == nil {
		return nil, 0, nil
	}

	cp, err := g.config.Checkpoints.GetLatest(ctx, g.config.RunID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil {
		return nil, 0, nil
	}
	if err := g.manager.CheckEpoch(cp.Epoch); err != nil {
		return nil, 0, fmt.Errorf("checkpoint %s: %w", cp.CheckpointID, err)
	}

	population := make([]individual, len(cp.Population))
	for i, vec := range cp.Population {
		if len(vec) != g.manager.Len() {
			return nil, 0, fmt.Errorf("checkpoint %s: %w: got %d, want %d",
				cp.CheckpointID, gene.ErrVectorLength, len(vec), g.manager.Len())
		}
		population[i] = individual{vec: vec.Clone(), score: cp.Scores[i]}
		g.watcher.Append(vec, fitness(cp.Scores[i], g.config.Maximize))
	}
	g.trackBest(population, cp.Generation)

	g.logger.Info("resumed from checkpoint",
		"checkpoint_id", cp.CheckpointID,
		"run_id", g.config.RunID,
		"generation", cp.Generation,
	)
	return population, cp.Generation + 1, nil
}

// trackBest adds the best restored individual to the history so the result
// never loses the checkpointed optimum.
func (g *GeneticOptimizer) trackBest(population []individual, generation int) {
	if len(population) == 0 {
		return
	}
	best := population[0]
	for _, ind := range population[1:] {
		if isBetter(ind.score, best.score, g.config.Maximize) {
			best = ind
		}
	}
	args, err := g.manager.VectorToArgs(best.vec)
	if err != nil {
		return
	}
	g.addStep(OptimizationStep{Vector: best.vec.Clone(), Args: args, Score: best.score, Generation: generation})
}

// nextGeneration builds and evaluates generation gen. A nil population
// produces the random initial generation.
func (g *GeneticOptimizer) nextGeneration(ctx context.Context, population []individual, gen int) ([]individual, error) {
	var next []individual
	var children []gene.Vector

	if population == nil {
		children = make([]gene.Vector, g.config.PopulationSize)
		for i := range children {
			children[i] = g.manager.RandomVector(g.rng)
		}
	} else {
		next = g.elites(population)
		children = make([]gene.Vector, 0, g.config.PopulationSize-len(next))
		for len(next)+len(children) < g.config.PopulationSize {
			p1 := g.tournament(population)
			p2 := g.tournament(population)
			child := g.crossover(p1.vec, p2.vec)
			g.mutate(child)
			if err := g.repair(child); err != nil {
				return nil, err
			}
			children = append(children, child)
		}
	}

	scores, err := g.evaluate(ctx, children, gen)
	if err != nil {
		return nil, err
	}
	for i, vec := range children {
		next = append(next, individual{vec: vec, score: scores[i]})
	}

	g.logger.Debug("generation evaluated",
		"generation", gen,
		"evaluated", len(children),
		"best_score", g.bestScore(),
	)
	return next, nil
}

// elites returns the KeepElitism best individuals with their scores.
func (g *GeneticOptimizer) elites(population []individual) []individual {
	sorted := append([]individual(nil), population...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return fitness(sorted[i].score, g.config.Maximize) > fitness(sorted[j].score, g.config.Maximize)
	})
	n := min(g.config.KeepElitism, len(sorted))
	out := make([]individual, n, g.config.PopulationSize)
	copy(out, sorted[:n])
	return out
}

func (g *GeneticOptimizer) tournament(population []individual) individual {
	winner := population[g.rng.IntN(len(population))]
	for i := 1; i < g.config.TournamentSize; i++ {
		contestant := population[g.rng.IntN(len(population))]
		if isBetter(contestant.score, winner.score, g.config.Maximize) {
			winner = contestant
		}
	}
	return winner
}

// crossover mixes two parents gene by gene.
func (g *GeneticOptimizer) crossover(p1, p2 gene.Vector) gene.Vector {
	child := p1.Clone()
	if g.rng.Float64() >= g.config.CrossoverRate {
		return child
	}
	for i := range child {
		if g.rng.IntN(2) == 1 {
			child[i] = p2[i]
		}
	}
	return child
}

// mutate first moves genes towards the watcher's best-known values, then
// resamples MutationPercentGenes percent of the genes at random.
func (g *GeneticOptimizer) mutate(child gene.Vector) {
	for i := range child {
		if g.watcher.Len(i) > 1 && g.rng.Float64() < g.config.BestKnownRate {
			if v, ok := g.watcher.BestValue(i); ok {
				child[i] = v
			}
		}
	}

	n := int(math.Round(float64(len(child)) * g.config.MutationPercentGenes / 100))
	if n == 0 && g.config.MutationPercentGenes > 0 && len(child) > 0 {
		n = 1
	}
	for _, i := range g.rng.Perm(len(child))[:n] {
		if g.rng.Float64() < g.config.RandomMutationRate {
			child[i] = g.descriptors[i].Sample(g.rng)
		}
	}
}

// repair applies the null cascade and resamples slots that are out of
// range until the child is valid.
func (g *GeneticOptimizer) repair(child gene.Vector) error {
	for round := 0; round < maxRepairRounds; round++ {
		if err := g.manager.Repair(child); err != nil {
			return err
		}
		valid, health := g.manager.IsValid(child)
		if valid {
			return nil
		}
		for i, ok := range health {
			if !ok {
				child[i] = g.descriptors[i].Sample(g.rng)
			}
		}
	}

	// Give up on the child and start from a fresh sample.
	copy(child, g.manager.RandomVector(g.rng))
	return nil
}

// evaluate decodes the vectors on the calling goroutine and scores them
// with at most Parallelism concurrent objective calls.
func (g *GeneticOptimizer) evaluate(ctx context.Context, vectors []gene.Vector, gen int) ([]float64, error) {
	args := make([]gene.Args, len(vectors))
	for i, vec := range vectors {
		a, err := g.manager.VectorToArgs(vec)
		if err != nil {
			return nil, fmt.Errorf("failed to decode vector %d of generation %d: %w", i, gen, err)
		}
		args[i] = a
	}

	scores := make([]float64, len(vectors))
	latencies := make([]time.Duration, len(vectors))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.config.Parallelism)
	for i := range vectors {
		eg.Go(func() error {
			start := time.Now()
			score, err := g.config.Objective(egCtx, args[i])
			if err != nil {
				return fmt.Errorf("evaluation failed in generation %d: %w", gen, err)
			}
			scores[i] = score
			latencies[i] = time.Since(start)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for i, vec := range vectors {
		step := OptimizationStep{Vector: vec.Clone(), Args: args[i], Score: scores[i], Generation: gen}
		g.watcher.Append(vec, fitness(scores[i], g.config.Maximize))
		if g.config.Recorder != nil {
			g.config.Recorder.RecordTrial(g.config.RunID, step, latencies[i], nil)
		}
		g.addStep(step)
	}
	return scores, nil
}

func (g *GeneticOptimizer) addStep(step OptimizationStep) {
	g.history = append(g.history, step)
	if g.best < 0 || isBetter(step.Score, g.history[g.best].Score, g.config.Maximize) {
		g.best = len(g.history) - 1
		g.logger.Debug("genetic optimizer improved", "generation", step.Generation, "score", step.Score)
	}
}

func (g *GeneticOptimizer) bestScore() float64 {
	if g.best < 0 {
		return math.NaN()
	}
	return g.history[g.best].Score
}

func (g *GeneticOptimizer) checkpoint(ctx context.Context, population []individual, gen int) error {
	cm := g.config.Checkpoints
	if cm == nil || g.config.RunID == "" || !cm.ShouldCheckpoint(g.config.RunID, gen) {
		return nil
	}

	cp := &checkpointing.Checkpoint{
		RunID:      g.config.RunID,
		Algorithm:  "genetic",
		Generation: gen,
		Epoch:      g.manager.Epoch(),
		Population: make([]gene.Vector, len(population)),
		Scores:     make([]float64, len(population)),
	}
	for i, ind := range population {
		cp.Population[i] = ind.vec.Clone()
		cp.Scores[i] = ind.score
	}
	if g.best >= 0 {
		cp.BestVector = g.history[g.best].Vector.Clone()
		cp.BestScore = g.history[g.best].Score
	}

	if _, err := cm.CreateCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("failed to checkpoint generation %d: %w", gen, err)
	}
	if g.config.OnCheckpoint != nil {
		g.config.OnCheckpoint(ctx, cp)
	}
	return nil
}

// Watcher returns the per-gene statistics collected so far.
func (g *GeneticOptimizer) Watcher() *GenesWatcher {
	return g.watcher
}

// GetHistory returns the optimization history.
func (g *GeneticOptimizer) GetHistory() []OptimizationStep {
	return g.history
}
