package checkpointing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// InMemoryStorage provides in-memory checkpoint storage.
//
// Good for:
//   - Testing
//   - Short runs that do not need to survive a restart
//
// Example:
//
//	storage := NewInMemoryStorage()
//	err := storage.Save(ctx, checkpoint)
type InMemoryStorage struct {
	mu             sync.RWMutex
	checkpoints    map[string]*Checkpoint // checkpoint_id -> Checkpoint
	runCheckpoints map[string][]string    // run_id -> checkpoint_ids, most recent first
}

// NewInMemoryStorage creates a new in-memory checkpoint storage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		checkpoints:    make(map[string]*Checkpoint),
		runCheckpoints: make(map[string][]string),
	}
}

// Save saves checkpoint to memory.
func (s *InMemoryStorage) Save(ctx context.Context, checkpoint *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.checkpoints[checkpoint.CheckpointID]
	s.checkpoints[checkpoint.CheckpointID] = checkpoint
	if exists {
		return nil
	}

	runID := checkpoint.RunID
	ids := append(s.runCheckpoints[runID], checkpoint.CheckpointID)
	sort.SliceStable(ids, func(i, j int) bool {
		return s.checkpoints[ids[i]].Timestamp.After(s.checkpoints[ids[j]].Timestamp)
	})
	s.runCheckpoints[runID] = ids
	return nil
}

// Load loads checkpoint from memory.
func (s *InMemoryStorage) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[checkpointID], nil
}

// ListCheckpoints lists checkpoints for run.
func (s *InMemoryStorage) ListCheckpoints(ctx context.Context, runID string, limit int) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.runCheckpoints[runID]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	checkpoints := make([]*Checkpoint, 0, len(ids))
	for _, cid := range ids {
		if checkpoint, ok := s.checkpoints[cid]; ok {
			checkpoints = append(checkpoints, checkpoint)
		}
	}
	return checkpoints, nil
}

// GetLatest gets latest checkpoint for run.
func (s *InMemoryStorage) GetLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	return latest(ctx, s, runID)
}

// Delete deletes checkpoint.
func (s *InMemoryStorage) Delete(ctx context.Context, checkpointID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoint, ok := s.checkpoints[checkpointID]
	if !ok {
		return false, nil
	}
	delete(s.checkpoints, checkpointID)

	ids := s.runCheckpoints[checkpoint.RunID]
	for i, cid := range ids {
		if cid == checkpointID {
			s.runCheckpoints[checkpoint.RunID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return true, nil
}

// DeleteRun deletes all checkpoints for run.
func (s *InMemoryStorage) DeleteRun(ctx context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.runCheckpoints[runID]
	for _, cid := range ids {
		delete(s.checkpoints, cid)
	}
	delete(s.runCheckpoints, runID)
	return len(ids), nil
}

// GetStats returns storage statistics.
func (s *InMemoryStorage) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perRun := make(map[string]int, len(s.runCheckpoints))
	for runID, ids := range s.runCheckpoints {
		perRun[runID] = len(ids)
	}
	return map[string]any{
		"total_checkpoints":   len(s.checkpoints),
		"total_runs":          len(s.runCheckpoints),
		"checkpoints_per_run": perRun,
	}
}

// FileStorage provides file-based checkpoint storage.
//
// Directory structure:
//
//	checkpoint_dir/
//	  {run_id}/
//	    {checkpoint_id}.json
//	    ...
//
// Example:
//
//	storage, err := NewFileStorage("./checkpoints")
type FileStorage struct {
	checkpointDir string
}

// NewFileStorage creates a new file-based checkpoint storage.
func NewFileStorage(checkpointDir string) (*FileStorage, error) {
	if err := os.MkdirAll(checkpointDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStorage{checkpointDir: checkpointDir}, nil
}

func (s *FileStorage) runDir(runID string) string {
	return filepath.Join(s.checkpointDir, runID)
}

func (s *FileStorage) checkpointPath(runID, checkpointID string) string {
	return filepath.Join(s.runDir(runID), checkpointID+".json")
}

// Save saves checkpoint to file.
func (s *FileStorage) Save(ctx context.Context, checkpoint *Checkpoint) error {
	if err := os.MkdirAll(s.runDir(checkpoint.RunID), 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	jsonData, err := checkpoint.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	path := s.checkpointPath(checkpoint.RunID, checkpoint.CheckpointID)
	if err := os.WriteFile(path, []byte(jsonData), 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	return nil
}

// find locates the file of a checkpoint across run directories.
func (s *FileStorage) find(checkpointID string) (string, error) {
	entries, err := os.ReadDir(s.checkpointDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.checkpointDir, entry.Name(), checkpointID+".json")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func readCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	checkpoint, err := FromJSON(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	return checkpoint, nil
}

// Load loads checkpoint from file.
func (s *FileStorage) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	path, err := s.find(checkpointID)
	if err != nil || path == "" {
		return nil, err
	}
	return readCheckpoint(path)
}

// ListCheckpoints lists checkpoints for run.
func (s *FileStorage) ListCheckpoints(ctx context.Context, runID string, limit int) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.runDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*Checkpoint{}, nil
		}
		return nil, fmt.Errorf("failed to read run directory: %w", err)
	}

	checkpoints := make([]*Checkpoint, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		checkpoint, err := readCheckpoint(filepath.Join(s.runDir(runID), entry.Name()))
		if err != nil {
			continue // Skip malformed checkpoints
		}
		checkpoints = append(checkpoints, checkpoint)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Timestamp.After(checkpoints[j].Timestamp)
	})
	if limit > 0 && len(checkpoints) > limit {
		checkpoints = checkpoints[:limit]
	}
	return checkpoints, nil
}

// GetLatest gets latest checkpoint for run.
func (s *FileStorage) GetLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	return latest(ctx, s, runID)
}

// Delete deletes checkpoint file.
func (s *FileStorage) Delete(ctx context.Context, checkpointID string) (bool, error) {
	path, err := s.find(checkpointID)
	if err != nil || path == "" {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("failed to delete checkpoint file: %w", err)
	}
	return true, nil
}

// DeleteRun deletes all checkpoints for run.
func (s *FileStorage) DeleteRun(ctx context.Context, runID string) (int, error) {
	entries, err := os.ReadDir(s.runDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read run directory: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		if err := os.Remove(filepath.Join(s.runDir(runID), entry.Name())); err != nil {
			continue
		}
		count++
	}

	_ = os.Remove(s.runDir(runID)) // fails if the directory still has other files
	return count, nil
}

func latest(ctx context.Context, storage CheckpointStorage, runID string) (*Checkpoint, error) {
	checkpoints, err := storage.ListCheckpoints(ctx, runID, 1)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, nil
	}
	return checkpoints[0], nil
}
