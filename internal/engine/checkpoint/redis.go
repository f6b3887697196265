package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"dataflow-engine/internal/common/errors"
)

// RedisConfig configures the Redis-backed checkpoint store.
type RedisConfig struct {
	Address  string        `json:"address"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	PoolSize int           `json:"pool_size"`
	// TTL bounds how long a run's cursors survive after the last flush.
	// Zero means no expiration.
	TTL time.Duration `json:"ttl"`
}

// RedisStore is a write-behind Store: mutations land in an in-process table
// and are persisted to Redis only on Flush, one hash per run. A Get that
// misses the table falls back to Redis so a resumed run sees the cursors the
// failed run last flushed.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	mu     sync.Mutex
	runs   map[string]*runTable
	loaded map[string]bool
}

func NewRedisStore(config *RedisConfig) (*RedisStore, error) {
	if config == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if config.Address == "" {
		config.Address = "localhost:6379"
	}
	if config.PoolSize == 0 {
		config.PoolSize = 10
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		rdb:    rdb,
		ttl:    config.TTL,
		runs:   make(map[string]*runTable),
		loaded: make(map[string]bool),
	}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func runKey(runID string) string {
	return "checkpoint:" + runID
}

// load pulls a run's persisted cursors into the table once per run.
// Callers must hold s.mu.
func (s *RedisStore) load(ctx context.Context, runID string) (*runTable, error) {
	if table, ok := s.runs[runID]; ok && s.loaded[runID] {
		return table, nil
	}

	stored, err := s.rdb.HGetAll(ctx, runKey(runID)).Result()
	if err != nil {
		return nil, errors.CheckpointError("failed to load checkpoint state", err)
	}

	table, ok := s.runs[runID]
	if !ok {
		table = &runTable{cursors: make(map[string]Cursor)}
		s.runs[runID] = table
	}
	for stepKey, raw := range stored {
		if _, exists := table.cursors[stepKey]; exists {
			continue // local mutation wins over the persisted value
		}
		var cursor Cursor
		if err := json.Unmarshal([]byte(raw), &cursor); err != nil {
			return nil, errors.CheckpointError(
				fmt.Sprintf("corrupt cursor for step %q", stepKey), err)
		}
		table.cursors[stepKey] = cursor
	}
	s.loaded[runID] = true
	return table, nil
}

func (s *RedisStore) Get(ctx context.Context, runID, stepKey string) (Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, err := s.load(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	cursor, ok := table.cursors[stepKey]
	if !ok {
		return nil, false, nil
	}
	return cursor.Clone(), true, nil
}

func (s *RedisStore) Set(_ context.Context, runID, stepKey string, cursor Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.runs[runID]
	if !ok {
		table = &runTable{cursors: make(map[string]Cursor)}
		s.runs[runID] = table
	}
	table.cursors[stepKey] = cursor.Clone()
	table.dirty = true
	return nil
}

func (s *RedisStore) IsDirty(_ context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if table, ok := s.runs[runID]; ok {
		return table.dirty, nil
	}
	return false, nil
}

func (s *RedisStore) Clear(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, runID)
	delete(s.loaded, runID)
	if err := s.rdb.Del(ctx, runKey(runID)).Err(); err != nil {
		return errors.CheckpointError("failed to clear checkpoint state", err)
	}
	return nil
}

// Flush writes every cursor of a dirty run as one HSet and lowers the flag.
func (s *RedisStore) Flush(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.runs[runID]
	if !ok || !table.dirty {
		return nil
	}

	fields := make(map[string]interface{}, len(table.cursors))
	for stepKey, cursor := range table.cursors {
		data, err := json.Marshal(cursor)
		if err != nil {
			return errors.CheckpointError(
				fmt.Sprintf("failed to marshal cursor for step %q", stepKey), err)
		}
		fields[stepKey] = data
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, runKey(runID), fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, runKey(runID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.CheckpointError("failed to flush checkpoint state", err)
	}

	table.dirty = false
	return nil
}
