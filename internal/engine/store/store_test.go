package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataflow-engine/internal/common/errors"
	"dataflow-engine/internal/engine/run"
)

func newStores(t *testing.T) map[string]run.HistoryStore {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]run.HistoryStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func sampleRun(id string) *run.Run {
	return &run.Run{
		ID:           id,
		PipelineCode: "catalog-sync",
		Status:       run.StatusRunning,
		StepStates:   map[string]run.StepState{"extract": run.StepRunning},
		StartedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

func TestHistoryStore_SaveAndGet(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := sampleRun("run_1")
			require.NoError(t, store.SaveRun(ctx, r))

			got, err := store.GetRun(ctx, "run_1")
			require.NoError(t, err)
			assert.Equal(t, "catalog-sync", got.PipelineCode)
			assert.Equal(t, run.StatusRunning, got.Status)
			assert.Equal(t, run.StepRunning, got.StepStates["extract"])
			assert.Nil(t, got.FinishedAt)
		})
	}
}

func TestHistoryStore_GetMissing(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.GetRun(context.Background(), "nope")
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
		})
	}
}

func TestHistoryStore_Update(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := sampleRun("run_2")
			require.NoError(t, store.SaveRun(ctx, r))

			finished := time.Now().UTC().Truncate(time.Second)
			r.Status = run.StatusCompleted
			r.Metrics = run.Metrics{RecordsProcessed: 120, RecordsFailed: 3, Duration: 1500 * time.Millisecond}
			r.StepStates["extract"] = run.StepDone
			r.FinishedAt = &finished
			require.NoError(t, store.UpdateRun(ctx, r))

			got, err := store.GetRun(ctx, "run_2")
			require.NoError(t, err)
			assert.Equal(t, run.StatusCompleted, got.Status)
			assert.Equal(t, int64(120), got.Metrics.RecordsProcessed)
			assert.Equal(t, int64(3), got.Metrics.RecordsFailed)
			assert.Equal(t, 1500*time.Millisecond, got.Metrics.Duration)
			require.NotNil(t, got.FinishedAt)
		})
	}
}

func TestHistoryStore_UpdateMissing(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.UpdateRun(context.Background(), sampleRun("ghost"))
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
		})
	}
}

func TestHistoryStore_ListRuns(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Second)
			for i := 0; i < 5; i++ {
				r := sampleRun(string(rune('a' + i)))
				r.StartedAt = base.Add(time.Duration(i) * time.Minute)
				require.NoError(t, store.SaveRun(ctx, r))
			}
			other := sampleRun("other")
			other.PipelineCode = "different-pipeline"
			require.NoError(t, store.SaveRun(ctx, other))

			runs, err := store.ListRuns(ctx, "catalog-sync", 3)
			require.NoError(t, err)
			require.Len(t, runs, 3)

			// Newest first
			assert.Equal(t, "e", runs[0].ID)
			assert.Equal(t, "d", runs[1].ID)
			assert.Equal(t, "c", runs[2].ID)

			// Empty code lists every pipeline
			all, err := store.ListRuns(ctx, "", 0)
			require.NoError(t, err)
			assert.Len(t, all, 6)
		})
	}
}

func TestHistoryStore_RecordErrors(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SaveRun(ctx, sampleRun("run_3")))

			occurred := time.Now().UTC().Truncate(time.Second)
			batch := []run.RecordError{
				{StepKey: "shape", RecordIndex: 4, Message: "price is negative", Attempts: 3, OccurredAt: occurred},
				{StepKey: "shape", RecordIndex: 9, Message: "missing sku", Attempts: 1, OccurredAt: occurred},
			}
			require.NoError(t, store.SaveRecordErrors(ctx, "run_3", batch))
			require.NoError(t, store.SaveRecordErrors(ctx, "run_3", nil))

			got, err := store.GetRecordErrors(ctx, "run_3")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "price is negative", got[0].Message)
			assert.Equal(t, 3, got[0].Attempts)
			assert.Equal(t, 9, got[1].RecordIndex)
		})
	}
}
