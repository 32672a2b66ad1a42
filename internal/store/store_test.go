package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/harmonizer/internal/registry"
	"github.com/CZERTAINLY/harmonizer/internal/store"
)

func TestStore(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "jobs.db")

	db, err := store.Open(ctx, path)
	require.NoError(t, err)

	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	ok := registry.Job{
		ID:       "j1",
		Owner:    "u1",
		Dataset:  "cats",
		Created:  created,
		Finished: created.Add(time.Minute),
		Archive:  "/archives/j1.zip",
	}
	failed := registry.Job{
		ID:       "j2",
		Owner:    "u1",
		Dataset:  "dogs",
		Created:  created,
		Finished: created.Add(2 * time.Minute),
		ExitCode: -1,
		Signal:   "killed",
		Error:    "packaging: source missing",
	}
	require.NoError(t, db.Record(ctx, ok))
	require.NoError(t, db.Record(ctx, failed))

	// replace keeps the original position
	ok.Archive = "/archives/j1-new.zip"
	require.NoError(t, db.Record(ctx, ok))
	require.NoError(t, db.Close())

	db, err = store.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	jobs, err := db.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	ok.Phase = registry.PhaseDone
	failed.Phase = registry.PhaseDone
	require.Equal(t, ok, jobs[0])
	require.Equal(t, failed, jobs[1])
	require.Equal(t, "ok", jobs[0].Status())
	require.Equal(t, "error", jobs[1].Status())

	require.NoError(t, db.Delete(ctx, "j1"))
	require.ErrorIs(t, db.Delete(ctx, "j1"), store.ErrNotFound)

	jobs, err = db.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "j2", jobs[0].ID)
}

func TestStoreMemory(t *testing.T) {
	t.Parallel()
	db, err := store.Open(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	jobs, err := db.List(t.Context())
	require.NoError(t, err)
	require.Empty(t, jobs)
}
