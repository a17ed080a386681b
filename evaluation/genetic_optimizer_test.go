package evaluation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scttfrdmn/genekit/genekit-go/checkpointing"
	"github.com/scttfrdmn/genekit/genekit-go/gene"
)

func geneticConfig(t *testing.T) GeneticOptimizerConfig {
	t.Helper()
	config := DefaultGeneticOptimizerConfig()
	config.Manager = newSearchManager(t)
	config.Objective = quadraticObjective
	config.Maximize = false
	config.Seed = 5
	return config
}

// TestDefaultGeneticOptimizerConfig tests the default parameters.
func TestDefaultGeneticOptimizerConfig(t *testing.T) {
	config := DefaultGeneticOptimizerConfig()
	if config.PopulationSize != 10 || config.KeepElitism != 2 {
		t.Errorf("population/elitism = %d/%d, want 10/2", config.PopulationSize, config.KeepElitism)
	}
	if config.RandomMutationRate != 0.85 || config.BestKnownRate != 0.05 {
		t.Errorf("mutation rates = %v/%v", config.RandomMutationRate, config.BestKnownRate)
	}
	if config.MutationPercentGenes != 10 {
		t.Errorf("MutationPercentGenes = %v, want 10", config.MutationPercentGenes)
	}
}

// TestGeneticOptimizerConfigValidate tests rejected configurations.
func TestGeneticOptimizerConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*GeneticOptimizerConfig)
	}{
		{"missing manager", func(c *GeneticOptimizerConfig) { c.Manager = nil }},
		{"missing objective", func(c *GeneticOptimizerConfig) { c.Objective = nil }},
		{"tiny population", func(c *GeneticOptimizerConfig) { c.PopulationSize = 1 }},
		{"elitism too large", func(c *GeneticOptimizerConfig) { c.KeepElitism = 10 }},
		{"negative elitism", func(c *GeneticOptimizerConfig) { c.KeepElitism = -1 }},
		{"no tournament", func(c *GeneticOptimizerConfig) { c.TournamentSize = 0 }},
		{"crossover rate", func(c *GeneticOptimizerConfig) { c.CrossoverRate = 1.5 }},
		{"best known rate", func(c *GeneticOptimizerConfig) { c.BestKnownRate = -0.1 }},
		{"mutation percent", func(c *GeneticOptimizerConfig) { c.MutationPercentGenes = 101 }},
		{"parallelism", func(c *GeneticOptimizerConfig) { c.Parallelism = 0 }},
		{"resume without run", func(c *GeneticOptimizerConfig) { c.Resume = true }},
		{"watcher size", func(c *GeneticOptimizerConfig) { c.Watcher = NewGenesWatcher(7) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := geneticConfig(t)
			tt.modify(&config)
			if err := config.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
			if _, err := NewGeneticOptimizer(config); err == nil {
				t.Error("NewGeneticOptimizer() = nil error")
			}
		})
	}

	config := geneticConfig(t)
	if err := config.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

// TestGeneticOptimizerUnsampleableGene tests that construction fails when a
// required gene has no values.
func TestGeneticOptimizerUnsampleableGene(t *testing.T) {
	manager, err := gene.NewManager(gene.NewSchema("Named", gene.Float("x"), gene.String("name")))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	config := geneticConfig(t)
	config.Manager = manager

	_, err = NewGeneticOptimizer(config)
	var rangeErr *gene.RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("NewGeneticOptimizer() error = %v, want RangeError", err)
	}
	if manager.Sealed() {
		t.Error("manager should stay unsealed")
	}
}

// TestGeneticOptimizerOptimize tests a full run.
func TestGeneticOptimizerOptimize(t *testing.T) {
	config := geneticConfig(t)
	optimizer, err := NewGeneticOptimizer(config)
	if err != nil {
		t.Fatalf("NewGeneticOptimizer() error = %v", err)
	}
	if !config.Manager.Sealed() {
		t.Error("manager not sealed")
	}

	result, err := optimizer.Optimize(context.Background(), 5)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}

	// Initial generation plus four generations of non-elite children.
	if want := 10 + 4*8; len(result.History) != want {
		t.Fatalf("history length = %d, want %d", len(result.History), want)
	}

	for _, step := range result.History {
		if ok, _ := config.Manager.IsValid(step.Vector); !ok {
			t.Errorf("invalid vector %v", step.Vector)
		}
		if step.Score < result.BestScore {
			t.Errorf("history has %v below best %v", step.Score, result.BestScore)
		}
		presence, err := config.Manager.Presence(step.Vector)
		if err != nil {
			t.Fatal(err)
		}
		_, hasBoost := step.Args["boost"]
		if hasBoost != (presence["boost"] == gene.Present) {
			t.Errorf("args %v disagree with presence %v", step.Args, presence)
		}
	}

	if result.Metadata["algorithm"] != "genetic" {
		t.Errorf("algorithm = %v", result.Metadata["algorithm"])
	}
	if optimizer.Watcher().Len(1) == 0 {
		t.Error("watcher saw no values")
	}
}

// TestGeneticOptimizerParallelism tests the bound on concurrent objective
// calls.
func TestGeneticOptimizerParallelism(t *testing.T) {
	var inFlight, peak atomic.Int32
	objective := func(ctx context.Context, args gene.Args) (float64, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return quadraticObjective(ctx, args)
	}

	config := geneticConfig(t)
	config.Objective = objective
	config.Parallelism = 2
	optimizer, err := NewGeneticOptimizer(config)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := optimizer.Optimize(context.Background(), 2); err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

// TestGeneticOptimizerObjectiveError tests error propagation.
func TestGeneticOptimizerObjectiveError(t *testing.T) {
	boom := errors.New("boom")
	var once sync.Once
	config := geneticConfig(t)
	config.Objective = func(ctx context.Context, args gene.Args) (float64, error) {
		var err error
		once.Do(func() { err = boom })
		return 1, err
	}

	optimizer, err := NewGeneticOptimizer(config)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := optimizer.Optimize(context.Background(), 3); !errors.Is(err, boom) {
		t.Errorf("Expected wrapped objective error, got %v", err)
	}
}

// TestGeneticOptimizerElites tests that elites are the best individuals
// with their scores.
func TestGeneticOptimizerElites(t *testing.T) {
	optimizer, err := NewGeneticOptimizer(geneticConfig(t))
	if err != nil {
		t.Fatal(err)
	}

	population := []individual{
		{vec: gene.Vector{0, 1, 1}, score: 4},
		{vec: gene.Vector{1, 1, 1}, score: 1},
		{vec: gene.Vector{2, 1, 1}, score: 3},
		{vec: gene.Vector{3, 1, 1}, score: 2},
	}
	elites := optimizer.elites(population)
	if len(elites) != 2 || elites[0].score != 1 || elites[1].score != 2 {
		t.Errorf("elites = %+v, want scores 1 and 2", elites)
	}
}

// TestGeneticOptimizerBestKnownMutation tests mutation towards the
// watcher's best values.
func TestGeneticOptimizerBestKnownMutation(t *testing.T) {
	config := geneticConfig(t)
	config.BestKnownRate = 1
	config.RandomMutationRate = 0
	config.MutationPercentGenes = 0
	config.Watcher = NewGenesWatcher(3)
	config.Watcher.Append(gene.Vector{1, 2, 3}, 1)
	config.Watcher.Append(gene.Vector{2, 3, 4}, 5)

	optimizer, err := NewGeneticOptimizer(config)
	if err != nil {
		t.Fatal(err)
	}

	child := gene.Vector{0, 0, 0}
	optimizer.mutate(child)
	if !child.Equal(gene.Vector{2, 3, 4}) {
		t.Errorf("mutated child = %v, want [2 3 4]", child)
	}
}

// TestGeneticOptimizerResume tests checkpointing and resuming a run.
func TestGeneticOptimizerResume(t *testing.T) {
	ctx := context.Background()
	storage := checkpointing.NewInMemoryStorage()

	config := geneticConfig(t)
	config.RunID = "ga-run"
	config.Checkpoints = checkpointing.NewCheckpointManager(storage, 1)
	var stored []int
	config.OnCheckpoint = func(_ context.Context, cp *checkpointing.Checkpoint) {
		stored = append(stored, cp.Generation)
	}
	first, err := NewGeneticOptimizer(config)
	if err != nil {
		t.Fatal(err)
	}
	firstResult, err := first.Optimize(ctx, 3)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}

	if len(stored) != 2 || stored[0] != 1 || stored[1] != 2 {
		t.Errorf("OnCheckpoint generations = %v, want [1 2]", stored)
	}

	latest, _ := storage.GetLatest(ctx, "ga-run")
	if latest == nil || latest.Generation != 2 {
		t.Fatalf("latest checkpoint = %+v, want generation 2", latest)
	}
	if len(latest.Population) != 10 || latest.Epoch != config.Manager.Epoch() {
		t.Errorf("checkpoint population=%d epoch=%d", len(latest.Population), latest.Epoch)
	}

	resumed := geneticConfig(t)
	resumed.RunID = "ga-run"
	resumed.Resume = true
	resumed.Checkpoints = checkpointing.NewCheckpointManager(storage, 1)
	second, err := NewGeneticOptimizer(resumed)
	if err != nil {
		t.Fatal(err)
	}
	result, err := second.Optimize(ctx, 5)
	if err != nil {
		t.Fatalf("resumed Optimize failed: %v", err)
	}

	// Restored best plus two generations of children.
	if want := 1 + 2*8; len(result.History) != want {
		t.Errorf("history length = %d, want %d", len(result.History), want)
	}
	if result.BestScore > firstResult.BestScore {
		t.Errorf("resumed best %v worse than checkpointed %v", result.BestScore, firstResult.BestScore)
	}
	if result.Metadata["resumed_at"] != 3 {
		t.Errorf("resumed_at = %v, want 3", result.Metadata["resumed_at"])
	}
}

// TestGeneticOptimizerResumeStaleEpoch tests that checkpoints from another
// configuration are refused.
func TestGeneticOptimizerResumeStaleEpoch(t *testing.T) {
	ctx := context.Background()
	config := geneticConfig(t)
	config.RunID = "stale"
	config.Resume = true
	config.Checkpoints = checkpointing.NewCheckpointManager(nil, 1)

	_, err := config.Checkpoints.CreateCheckpoint(ctx, &checkpointing.Checkpoint{
		RunID:      "stale",
		Generation: 1,
		Epoch:      config.Manager.Epoch() + 1,
		Population: []gene.Vector{{1, 1, 1}, {2, 2, 2}},
		Scores:     []float64{1, 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	optimizer, err := NewGeneticOptimizer(config)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := optimizer.Optimize(ctx, 3); !errors.Is(err, gene.ErrStaleEpoch) {
		t.Errorf("Optimize() error = %v, want ErrStaleEpoch", err)
	}
}

// TestGeneticOptimizerRecorder tests that a recorder gets a run ID and every
// evaluated child.
func TestGeneticOptimizerRecorder(t *testing.T) {
	recorder := NewTrialRecorder(nil)
	config := geneticConfig(t)
	config.Recorder = recorder

	optimizer, err := NewGeneticOptimizer(config)
	if err != nil {
		t.Fatal(err)
	}
	result, err := optimizer.Optimize(context.Background(), 2)
	if err != nil {
		t.Fatal(err)
	}

	runID, _ := result.Metadata["run_id"].(string)
	if runID == "" {
		t.Fatal("run_id not assigned")
	}
	recording, err := recorder.FinalizeRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if recording.TrialCount() != 18 || recording.Algorithm != "genetic" {
		t.Errorf("recording = %d trials, algorithm %q", recording.TrialCount(), recording.Algorithm)
	}
}
