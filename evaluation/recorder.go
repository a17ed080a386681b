package evaluation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/scttfrdmn/genekit/genekit-go/gene"
)

// TrialRecord is one evaluated configuration.
type TrialRecord struct {
	TrialID    string         `json:"trial_id"`
	RunID      string         `json:"run_id"`
	Vector     gene.Vector    `json:"vector"`
	Args       gene.Args      `json:"args"`
	Score      float64        `json:"score"`
	Generation int            `json:"generation"`
	Timestamp  time.Time      `json:"timestamp"`
	LatencyMs  float64        `json:"latency_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RunRecording is every trial of one optimization run.
type RunRecording struct {
	RunID     string         `json:"run_id"`
	Algorithm string         `json:"algorithm"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Trials    []*TrialRecord `json:"trials"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DurationSeconds calculates run duration in seconds.
func (r *RunRecording) DurationSeconds() float64 {
	if r.EndTime == nil {
		return 0.0
	}
	return r.EndTime.Sub(r.StartTime).Seconds()
}

// TrialCount returns number of trials.
func (r *RunRecording) TrialCount() int {
	return len(r.Trials)
}

// Best returns the trial with the highest score, or the lowest when
// maximize is false. It is nil for an empty run.
func (r *RunRecording) Best(maximize bool) *TrialRecord {
	var best *TrialRecord
	for _, t := range r.Trials {
		if best == nil || isBetter(t.Score, best.Score, maximize) {
			best = t
		}
	}
	return best
}

// RecordingStorage is the interface for recording storage backends.
type RecordingStorage interface {
	// SaveRecording saves recording.
	SaveRecording(recording *RunRecording) error

	// LoadRecording loads recording by run ID. It returns nil, nil when the
	// run is unknown.
	LoadRecording(runID string) (*RunRecording, error)

	// ListRecordings lists recordings, most recent first.
	ListRecordings(limit, offset int) ([]*RunRecording, error)

	// DeleteRecording deletes recording.
	DeleteRecording(runID string) error
}

// FileRecordingStorage stores recordings as JSON files on disk.
type FileRecordingStorage struct {
	recordingsDir string
}

// NewFileRecordingStorage creates a new file storage.
//
// Example:
//
//	storage, err := NewFileRecordingStorage("./recordings")
func NewFileRecordingStorage(recordingsDir string) (*FileRecordingStorage, error) {
	if recordingsDir == "" {
		recordingsDir = "./recordings"
	}
	if err := os.MkdirAll(recordingsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}
	return &FileRecordingStorage{recordingsDir: recordingsDir}, nil
}

func (s *FileRecordingStorage) path(runID string) string {
	return filepath.Join(s.recordingsDir, fmt.Sprintf("%s.json", runID))
}

// SaveRecording saves recording to file.
func (s *FileRecordingStorage) SaveRecording(recording *RunRecording) error {
	file, err := os.Create(s.path(recording.RunID))
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(recording)
}

// LoadRecording loads recording from file.
func (s *FileRecordingStorage) LoadRecording(runID string) (*RunRecording, error) {
	file, err := os.Open(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var recording RunRecording
	if err := json.NewDecoder(file).Decode(&recording); err != nil {
		return nil, fmt.Errorf("failed to decode recording %s: %w", runID, err)
	}
	return &recording, nil
}

// ListRecordings lists all recordings, most recently modified first.
func (s *FileRecordingStorage) ListRecordings(limit, offset int) ([]*RunRecording, error) {
	files, err := filepath.Glob(filepath.Join(s.recordingsDir, "*.json"))
	if err != nil {
		return nil, err
	}

	type fileInfo struct {
		runID   string
		modTime time.Time
	}
	infos := make([]fileInfo, 0, len(files))
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		runID := filepath.Base(file)
		runID = runID[:len(runID)-len(".json")]
		infos = append(infos, fileInfo{runID: runID, modTime: info.ModTime()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].modTime.After(infos[j].modTime)
	})

	start, end := paginate(len(infos), limit, offset)
	recordings := make([]*RunRecording, 0, end-start)
	for _, fi := range infos[start:end] {
		recording, err := s.LoadRecording(fi.runID)
		if err != nil || recording == nil {
			continue
		}
		recordings = append(recordings, recording)
	}
	return recordings, nil
}

// DeleteRecording deletes recording file.
func (s *FileRecordingStorage) DeleteRecording(runID string) error {
	if err := os.Remove(s.path(runID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// InMemoryRecordingStorage provides in-memory recording storage for testing.
type InMemoryRecordingStorage struct {
	mu         sync.RWMutex
	recordings map[string]*RunRecording
}

// NewInMemoryRecordingStorage creates a new in-memory storage.
func NewInMemoryRecordingStorage() *InMemoryRecordingStorage {
	return &InMemoryRecordingStorage{
		recordings: make(map[string]*RunRecording),
	}
}

// SaveRecording saves recording to memory.
func (s *InMemoryRecordingStorage) SaveRecording(recording *RunRecording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordings[recording.RunID] = recording
	return nil
}

// LoadRecording loads recording from memory.
func (s *InMemoryRecordingStorage) LoadRecording(runID string) (*RunRecording, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recordings[runID], nil
}

// ListRecordings lists recordings from memory.
func (s *InMemoryRecordingStorage) ListRecordings(limit, offset int) ([]*RunRecording, error) {
	s.mu.RLock()
	recordings := make([]*RunRecording, 0, len(s.recordings))
	for _, recording := range s.recordings {
		recordings = append(recordings, recording)
	}
	s.mu.RUnlock()

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].StartTime.After(recordings[j].StartTime)
	})

	start, end := paginate(len(recordings), limit, offset)
	return recordings[start:end], nil
}

// DeleteRecording deletes recording from memory.
func (s *InMemoryRecordingStorage) DeleteRecording(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recordings, runID)
	return nil
}

func paginate(n, limit, offset int) (int, int) {
	if offset >= n || offset < 0 {
		return n, n
	}
	end := offset + limit
	if limit <= 0 || end > n {
		end = n
	}
	return offset, end
}

// TrialRecorder records every evaluated configuration of a run.
//
// Example:
//
//	recorder := NewTrialRecorder(nil)
//	runID := recorder.StartRun("", "genetic", nil)
//	optimizer, _ := NewGeneticOptimizer(GeneticOptimizerConfig{
//	    Manager: manager, Objective: objective,
//	    Recorder: recorder, RunID: runID,
//	})
//	optimizer.Optimize(ctx, 10)
//	recording, _ := recorder.FinalizeRun(runID)
type TrialRecorder struct {
	mu         sync.Mutex
	storage    RecordingStorage
	activeRuns map[string]*RunRecording
}

// NewTrialRecorder creates a new trial recorder.
//
// Args:
//
//	storage: Storage backend (nil = in-memory)
func NewTrialRecorder(storage RecordingStorage) *TrialRecorder {
	if storage == nil {
		storage = NewInMemoryRecordingStorage()
	}
	return &TrialRecorder{
		storage:    storage,
		activeRuns: make(map[string]*RunRecording),
	}
}

// StartRun opens a recording. An empty runID gets a fresh UUID, which is
// returned.
func (r *TrialRecorder) StartRun(runID, algorithm string, metadata map[string]any) string {
	if runID == "" {
		runID = uuid.New().String()
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeRuns[runID] = &RunRecording{
		RunID:     runID,
		Algorithm: algorithm,
		StartTime: time.Now().UTC(),
		Trials:    make([]*TrialRecord, 0),
		Metadata:  metadata,
	}
	return runID
}

// RecordTrial appends one trial, opening the run if needed.
func (r *TrialRecorder) RecordTrial(runID string, step OptimizationStep, latency time.Duration, metadata map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.activeRuns[runID]
	if !ok {
		run = &RunRecording{
			RunID:     runID,
			Algorithm: "unknown",
			StartTime: time.Now().UTC(),
			Metadata:  make(map[string]any),
		}
		r.activeRuns[runID] = run
	}

	run.Trials = append(run.Trials, &TrialRecord{
		TrialID:    uuid.New().String(),
		RunID:      runID,
		Vector:     step.Vector.Clone(),
		Args:       step.Args,
		Score:      step.Score,
		Generation: step.Generation,
		Timestamp:  time.Now().UTC(),
		LatencyMs:  float64(latency.Microseconds()) / 1000.0,
		Metadata:   metadata,
	})
}

// FinalizeRun closes the run and saves it.
func (r *TrialRecorder) FinalizeRun(runID string) (*RunRecording, error) {
	r.mu.Lock()
	run, ok := r.activeRuns[runID]
	delete(r.activeRuns, runID)
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no active run: %s", runID)
	}

	endTime := time.Now().UTC()
	run.EndTime = &endTime
	if err := r.storage.SaveRecording(run); err != nil {
		return nil, err
	}
	return run, nil
}

// LoadRecording loads recording from storage.
func (r *TrialRecorder) LoadRecording(runID string) (*RunRecording, error) {
	return r.storage.LoadRecording(runID)
}

// ListRecordings lists all recordings.
func (r *TrialRecorder) ListRecordings(limit, offset int) ([]*RunRecording, error) {
	return r.storage.ListRecordings(limit, offset)
}

// DeleteRecording deletes recording.
func (r *TrialRecorder) DeleteRecording(runID string) error {
	return r.storage.DeleteRecording(runID)
}
