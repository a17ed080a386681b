package checkpointing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage provides Redis-backed checkpoint storage with TTL.
//
// Several workers of one run can share a RedisStorage so any of them can
// resume from the latest population.
//
// Redis Data Structure:
//   - Key: "{prefix}:checkpoint:{checkpoint_id}", String, JSON(checkpoint)
//   - Key: "{prefix}:run:{run_id}", Sorted Set of checkpoint IDs
//     scored by timestamp
//
// Example:
//
//	storage, err := NewRedisStorage("redis://localhost:6379", 86400, "genekit:checkpoints")
type RedisStorage struct {
	ttl       time.Duration
	keyPrefix string
	client    *redis.Client
}

// NewRedisStorage creates a new Redis-backed checkpoint storage.
//
// Args:
//
//	redisURL: Redis connection URL
//	ttlSeconds: Time-to-live in seconds (0 = no expiry)
//	keyPrefix: Prefix for Redis keys
func NewRedisStorage(redisURL string, ttlSeconds int, keyPrefix string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	return NewRedisStorageFromClient(redis.NewClient(opts), ttlSeconds, keyPrefix), nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client, ttlSeconds int, keyPrefix string) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = "genekit:checkpoints"
	}
	return &RedisStorage{
		ttl:       time.Duration(ttlSeconds) * time.Second,
		keyPrefix: keyPrefix,
		client:    client,
	}
}

func (r *RedisStorage) checkpointKey(checkpointID string) string {
	return fmt.Sprintf("%s:checkpoint:%s", r.keyPrefix, checkpointID)
}

func (r *RedisStorage) runKey(runID string) string {
	return fmt.Sprintf("%s:run:%s", r.keyPrefix, runID)
}

// Save stores the checkpoint and indexes it under its run.
func (r *RedisStorage) Save(ctx context.Context, checkpoint *Checkpoint) error {
	value, err := checkpoint.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	cpKey := r.checkpointKey(checkpoint.CheckpointID)
	runKey := r.runKey(checkpoint.RunID)
	score := float64(checkpoint.Timestamp.UnixNano()) / 1e9

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, cpKey, value, r.ttl)
		pipe.ZAdd(ctx, runKey, redis.Z{Score: score, Member: checkpoint.CheckpointID})
		if r.ttl > 0 {
			pipe.Expire(ctx, runKey, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}

// Load loads checkpoint from Redis.
func (r *RedisStorage) Load(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	value, err := r.client.Get(ctx, r.checkpointKey(checkpointID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	checkpoint, err := FromJSON(value)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}
	return checkpoint, nil
}

// ListCheckpoints lists checkpoints for run. Index entries whose checkpoint
// has expired are skipped.
func (r *RedisStorage) ListCheckpoints(ctx context.Context, runID string, limit int) ([]*Checkpoint, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := r.client.ZRevRange(ctx, r.runKey(runID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	checkpoints := make([]*Checkpoint, 0, len(ids))
	for _, cid := range ids {
		checkpoint, err := r.Load(ctx, cid)
		if err != nil {
			return nil, err
		}
		if checkpoint != nil {
			checkpoints = append(checkpoints, checkpoint)
		}
	}
	return checkpoints, nil
}

// GetLatest gets latest checkpoint for run.
func (r *RedisStorage) GetLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	return latest(ctx, r, runID)
}

// Delete deletes checkpoint.
func (r *RedisStorage) Delete(ctx context.Context, checkpointID string) (bool, error) {
	checkpoint, err := r.Load(ctx, checkpointID)
	if err != nil || checkpoint == nil {
		return false, err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.checkpointKey(checkpointID))
		pipe.ZRem(ctx, r.runKey(checkpoint.RunID), checkpointID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return true, nil
}

// DeleteRun deletes all checkpoints for run.
func (r *RedisStorage) DeleteRun(ctx context.Context, runID string) (int, error) {
	runKey := r.runKey(runID)
	ids, err := r.client.ZRange(ctx, runKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, cid := range ids {
		keys = append(keys, r.checkpointKey(cid))
	}
	keys = append(keys, runKey)

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("failed to delete run: %w", err)
	}
	return len(ids), nil
}

// Close closes the Redis connection.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}
