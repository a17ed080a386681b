package checkpointing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CheckpointManager manages checkpoints for optimization runs.
//
// Features:
//   - Create checkpoints at generation boundaries
//   - Resume from latest checkpoint
//   - Replay the populations of a run
//   - Automatic checkpoint creation (every N generations)
//
// Example:
//
//	manager := NewCheckpointManager(nil, 5)
//
//	checkpointID, _ := manager.CreateCheckpoint(ctx, &Checkpoint{
//	    RunID:      "run-1",
//	    Algorithm:  "genetic",
//	    Generation: 10,
//	    Epoch:      geneManager.Epoch(),
//	    Population: population,
//	    Scores:     scores,
//	})
//
//	// Resume from latest
//	checkpoint, _ := manager.GetLatest(ctx, "run-1")
type CheckpointManager struct {
	mu                     sync.Mutex
	storage                CheckpointStorage
	autoCheckpointInterval int
	runGenerations         map[string]int
	runLastCheckpoint      map[string]string
	logger                 *slog.Logger
}

// ManagerOption configures a CheckpointManager.
type ManagerOption func(*CheckpointManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *CheckpointManager) {
		m.logger = logger
	}
}

// NewCheckpointManager creates a new checkpoint manager.
//
// Args:
//
//	storage: Checkpoint storage backend (nil = in-memory)
//	autoCheckpointInterval: Automatically checkpoint every N generations (0 = manual only)
//
// Example:
//
//	manager := NewCheckpointManager(nil, 10) // In-memory, auto-checkpoint every 10 generations
func NewCheckpointManager(storage CheckpointStorage, autoCheckpointInterval int, opts ...ManagerOption) *CheckpointManager {
	if storage == nil {
		storage = NewInMemoryStorage()
	}

	m := &CheckpointManager{
		storage:                storage,
		autoCheckpointInterval: autoCheckpointInterval,
		runGenerations:         make(map[string]int),
		runLastCheckpoint:      make(map[string]string),
		logger:                 slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateCheckpoint stores checkpoint and returns its ID. An empty
// CheckpointID gets a fresh UUID, a zero Timestamp the current time and a
// nil ParentCheckpointID the previous checkpoint of the same run.
func (m *CheckpointManager) CreateCheckpoint(ctx context.Context, checkpoint *Checkpoint) (string, error) {
	if checkpoint.RunID == "" {
		return "", fmt.Errorf("checkpoint requires a run ID")
	}
	if len(checkpoint.Scores) != len(checkpoint.Population) {
		return "", fmt.Errorf("checkpoint has %d scores for %d vectors",
			len(checkpoint.Scores), len(checkpoint.Population))
	}

	m.mu.Lock()
	if checkpoint.CheckpointID == "" {
		checkpoint.CheckpointID = uuid.New().String()
	}
	if checkpoint.Timestamp.IsZero() {
		checkpoint.Timestamp = time.Now().UTC()
	}
	if checkpoint.ParentCheckpointID == nil {
		if lastID, ok := m.runLastCheckpoint[checkpoint.RunID]; ok {
			checkpoint.ParentCheckpointID = &lastID
		}
	}
	if checkpoint.Metadata == nil {
		checkpoint.Metadata = make(map[string]any)
	}
	m.mu.Unlock()

	if err := m.storage.Save(ctx, checkpoint); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.runLastCheckpoint[checkpoint.RunID] = checkpoint.CheckpointID
	m.runGenerations[checkpoint.RunID] = checkpoint.Generation
	m.mu.Unlock()

	m.logger.Info("created checkpoint",
		"checkpoint_id", checkpoint.CheckpointID,
		"run_id", checkpoint.RunID,
		"generation", checkpoint.Generation,
	)
	return checkpoint.CheckpointID, nil
}

// ShouldCheckpoint determines if checkpoint should be created (for auto-checkpointing).
func (m *CheckpointManager) ShouldCheckpoint(runID string, generation int) bool {
	if m.autoCheckpointInterval <= 0 {
		return false
	}

	m.mu.Lock()
	lastGeneration := m.runGenerations[runID]
	m.mu.Unlock()

	return generation-lastGeneration >= m.autoCheckpointInterval
}

// GetLatest gets latest checkpoint for run, nil if the run has none. The
// run's auto-checkpoint counter continues from the returned generation.
func (m *CheckpointManager) GetLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	checkpoint, err := m.storage.GetLatest(ctx, runID)
	if err != nil || checkpoint == nil {
		return checkpoint, err
	}

	m.mu.Lock()
	if _, ok := m.runLastCheckpoint[runID]; !ok {
		m.runLastCheckpoint[runID] = checkpoint.CheckpointID
		m.runGenerations[runID] = checkpoint.Generation
	}
	m.mu.Unlock()
	return checkpoint, nil
}

// LoadCheckpoint loads specific checkpoint, nil if not found.
func (m *CheckpointManager) LoadCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	return m.storage.Load(ctx, checkpointID)
}

// ListCheckpoints lists checkpoints for run, most recent first
// (limit 0 = no limit).
func (m *CheckpointManager) ListCheckpoints(ctx context.Context, runID string, limit int) ([]*Checkpoint, error) {
	return m.storage.ListCheckpoints(ctx, runID, limit)
}

// GetCheckpointHistory gets checkpoint history by following parent links.
//
// Returns:
//
//	List of checkpoints from most recent to oldest
func (m *CheckpointManager) GetCheckpointHistory(ctx context.Context, checkpointID string, maxDepth int) ([]*Checkpoint, error) {
	return GetCheckpointHistory(ctx, m.storage, checkpointID, maxDepth)
}

// ReplayFunc is the function signature for replay operations.
type ReplayFunc func(ctx context.Context, checkpoint *Checkpoint) (any, error)

// ReplayFromCheckpoint calls replayFn on every ancestor of checkpointID and
// the checkpoint itself, oldest first. upToGeneration stops the replay after
// that generation (0 = all).
//
// Example:
//
//	results, _ := manager.ReplayFromCheckpoint(ctx,
//	    "checkpoint-id",
//	    func(ctx context.Context, checkpoint *Checkpoint) (any, error) {
//	        fmt.Printf("Generation %d: %.3f\n", checkpoint.Generation, checkpoint.BestScore)
//	        return checkpoint.BestScore, nil
//	    },
//	    0,
//	)
func (m *CheckpointManager) ReplayFromCheckpoint(
	ctx context.Context,
	checkpointID string,
	replayFn ReplayFunc,
	upToGeneration int,
) ([]any, error) {
	history, err := m.GetCheckpointHistory(ctx, checkpointID, 100)
	if err != nil {
		return nil, err
	}

	// Reverse to get oldest to newest
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}

	results := make([]any, 0, len(history))
	for _, checkpoint := range history {
		if upToGeneration > 0 && checkpoint.Generation > upToGeneration {
			break
		}

		result, err := replayFn(ctx, checkpoint)
		if err != nil {
			return nil, fmt.Errorf("replay failed at generation %d: %w", checkpoint.Generation, err)
		}
		results = append(results, result)

		m.logger.Debug("replayed checkpoint", "generation", checkpoint.Generation)
	}
	return results, nil
}

// DeleteCheckpoint deletes specific checkpoint.
func (m *CheckpointManager) DeleteCheckpoint(ctx context.Context, checkpointID string) (bool, error) {
	return m.storage.Delete(ctx, checkpointID)
}

// DeleteRun deletes all checkpoints for run.
func (m *CheckpointManager) DeleteRun(ctx context.Context, runID string) (int, error) {
	count, err := m.storage.DeleteRun(ctx, runID)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	delete(m.runGenerations, runID)
	delete(m.runLastCheckpoint, runID)
	m.mu.Unlock()

	return count, nil
}

// GetRunStats gets statistics for run checkpoints.
func (m *CheckpointManager) GetRunStats(ctx context.Context, runID string) (map[string]any, error) {
	checkpoints, err := m.ListCheckpoints(ctx, runID, 0)
	if err != nil {
		return nil, err
	}

	if len(checkpoints) == 0 {
		return map[string]any{
			"total_checkpoints":   0,
			"first_checkpoint":    nil,
			"latest_checkpoint":   nil,
			"generations_covered": 0,
		}, nil
	}

	first := checkpoints[len(checkpoints)-1]
	latest := checkpoints[0]

	return map[string]any{
		"total_checkpoints":   len(checkpoints),
		"first_checkpoint":    first.CheckpointID,
		"latest_checkpoint":   latest.CheckpointID,
		"first_generation":    first.Generation,
		"latest_generation":   latest.Generation,
		"generations_covered": latest.Generation - first.Generation,
		"best_score":          latest.BestScore,
		"time_span":           latest.Timestamp.Sub(first.Timestamp).Seconds(),
	}, nil
}

// PruneOldCheckpoints prunes old checkpoints, keeping only the most recent N.
//
// Example:
//
//	// Keep only last 10 checkpoints
//	deleted, _ := manager.PruneOldCheckpoints(ctx, "run-1", 10)
func (m *CheckpointManager) PruneOldCheckpoints(ctx context.Context, runID string, keepLast int) (int, error) {
	checkpoints, err := m.ListCheckpoints(ctx, runID, 0)
	if err != nil {
		return 0, err
	}

	if len(checkpoints) <= keepLast {
		return 0, nil
	}

	deletedCount := 0
	for _, checkpoint := range checkpoints[keepLast:] {
		deleted, err := m.storage.Delete(ctx, checkpoint.CheckpointID)
		if err != nil {
			continue
		}
		if deleted {
			deletedCount++
		}
	}

	m.logger.Info("pruned old checkpoints",
		"run_id", runID,
		"deleted", deletedCount,
		"kept", keepLast,
	)
	return deletedCount, nil
}
