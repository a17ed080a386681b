// Package checkpointing provides checkpointing for long-running optimization
// runs.
//
// Checkpoints capture the population of an optimizer at a generation,
// enabling:
//   - Resume after crashes/restarts
//   - Inspection of how a run evolved
//
// Components:
//   - Checkpoint: Data structure capturing optimizer state
//   - CheckpointStorage: Interface for storage backends
//   - InMemoryStorage: In-memory storage implementation
//   - FileStorage: File-based persistent storage
//   - RedisStorage: Redis-backed storage for shared runs
//   - CheckpointManager: High-level checkpoint management
package checkpointing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/scttfrdmn/genekit/genekit-go/gene"
)

// Checkpoint captures optimizer state at a generation.
//
// Fields:
//   - CheckpointID: Unique checkpoint identifier
//   - RunID: Run this checkpoint belongs to
//   - Algorithm: Name of the optimizer
//   - Timestamp: When checkpoint was created
//   - Generation: Generation the population belongs to
//   - Epoch: Gene manager epoch the vectors were produced in
//   - Population: Gene vectors of the generation
//   - Scores: Objective score of every vector, same order as Population
//   - ParentCheckpointID: ID of previous checkpoint (for history)
type Checkpoint struct {
	CheckpointID       string         `json:"checkpoint_id"`
	RunID              string         `json:"run_id"`
	Algorithm          string         `json:"algorithm"`
	Timestamp          time.Time      `json:"timestamp"`
	Generation         int            `json:"generation"`
	Epoch              uint64         `json:"epoch"`
	Population         []gene.Vector  `json:"population"`
	Scores             []float64      `json:"scores"`
	BestVector         gene.Vector    `json:"best_vector,omitempty"`
	BestScore          float64        `json:"best_score"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	ParentCheckpointID *string        `json:"parent_checkpoint_id,omitempty"`
}

// ToJSON serializes checkpoint to JSON.
func (c *Checkpoint) ToJSON() (string, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FromJSON deserializes checkpoint from JSON.
func FromJSON(jsonStr string) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.Unmarshal([]byte(jsonStr), &checkpoint); err != nil {
		return nil, err
	}
	if checkpoint.Metadata == nil {
		checkpoint.Metadata = make(map[string]any)
	}
	return &checkpoint, nil
}

// CheckpointStorage is the interface for checkpoint storage backends.
//
// Implementations:
//   - InMemoryStorage: For testing/development
//   - FileStorage: For persistence to disk
//   - RedisStorage: For distributed systems
type CheckpointStorage interface {
	// Save saves checkpoint to storage.
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// Load loads checkpoint by ID. It returns nil, nil when the checkpoint
	// does not exist.
	Load(ctx context.Context, checkpointID string) (*Checkpoint, error)

	// ListCheckpoints lists checkpoints for run, most recent first.
	// limit 0 means no limit.
	ListCheckpoints(ctx context.Context, runID string, limit int) ([]*Checkpoint, error)

	// GetLatest gets latest checkpoint for run, nil if there is none.
	GetLatest(ctx context.Context, runID string) (*Checkpoint, error)

	// Delete deletes checkpoint and reports whether it existed.
	Delete(ctx context.Context, checkpointID string) (bool, error)

	// DeleteRun deletes all checkpoints for run and returns how many were
	// removed.
	DeleteRun(ctx context.Context, runID string) (int, error)
}

// GetCheckpointHistory follows parent links from checkpointID and returns
// at most maxDepth checkpoints, most recent first.
func GetCheckpointHistory(ctx context.Context, storage CheckpointStorage, checkpointID string, maxDepth int) ([]*Checkpoint, error) {
	history := make([]*Checkpoint, 0)
	currentID := checkpointID

	for i := 0; i < maxDepth; i++ {
		checkpoint, err := storage.Load(ctx, currentID)
		if err != nil {
			return nil, err
		}
		if checkpoint == nil {
			break
		}

		history = append(history, checkpoint)

		if checkpoint.ParentCheckpointID == nil {
			break
		}
		currentID = *checkpoint.ParentCheckpointID
	}
	return history, nil
}
