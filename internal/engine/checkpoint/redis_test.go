package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataflow-engine/internal/common/errors"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(&RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestNewRedisStore_RequiresConfig(t *testing.T) {
	_, err := NewRedisStore(nil)
	require.Error(t, err)
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	_, err := NewRedisStore(&RedisConfig{Address: "127.0.0.1:1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestRedisStore_FlushPersists(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "run1", "extract", Cursor{"offset": float64(250)}))
	require.NoError(t, store.Set(ctx, "run1", "feed", Cursor{"page": float64(3)}))

	// Nothing persisted until the step-boundary flush
	assert.False(t, mr.Exists("checkpoint:run1"))

	require.NoError(t, store.Flush(ctx, "run1"))
	assert.True(t, mr.Exists("checkpoint:run1"))

	dirty, err := store.IsDirty(ctx, "run1")
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestRedisStore_FlushCleanRunIsNoop(t *testing.T) {
	store, mr := setupRedisStore(t)

	require.NoError(t, store.Flush(context.Background(), "run1"))
	assert.False(t, mr.Exists("checkpoint:run1"))
}

func TestRedisStore_ResumeSeesFlushedCursors(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "run1", "extract", Cursor{"offset": float64(1200)}))
	require.NoError(t, store.Flush(ctx, "run1"))

	// A new store instance models the process restart after a failed run
	resumed, err := NewRedisStore(&RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	defer resumed.Close()

	cursor, ok, err := resumed.Get(ctx, "run1", "extract")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(1200), cursor["offset"])

	// Loaded state is not dirty until mutated again
	dirty, err := resumed.IsDirty(ctx, "run1")
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestRedisStore_LocalMutationWinsOverPersisted(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "run1", "extract", Cursor{"offset": float64(10)}))
	require.NoError(t, store.Flush(ctx, "run1"))

	resumed, err := NewRedisStore(&RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	defer resumed.Close()

	// The resumed run advances the cursor before its first Get
	require.NoError(t, resumed.Set(ctx, "run1", "extract", Cursor{"offset": float64(20)}))

	cursor, ok, err := resumed.Get(ctx, "run1", "extract")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(20), cursor["offset"])
}

func TestRedisStore_Clear(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "run1", "extract", Cursor{"offset": float64(5)}))
	require.NoError(t, store.Flush(ctx, "run1"))
	require.NoError(t, store.Clear(ctx, "run1"))

	assert.False(t, mr.Exists("checkpoint:run1"))

	_, ok, err := store.Get(ctx, "run1", "extract")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_TTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(&RedisConfig{Address: mr.Addr(), TTL: time.Minute})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "run1", "extract", Cursor{"offset": float64(1)}))
	require.NoError(t, store.Flush(ctx, "run1"))

	assert.Equal(t, time.Minute, mr.TTL("checkpoint:run1"))
}

func TestRedisStore_CorruptCursor(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()

	mr.HSet("checkpoint:run1", "extract", "{not json")

	_, _, err := store.Get(ctx, "run1", "extract")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeCheckpoint))
}
