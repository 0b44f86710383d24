package memstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/maga-orchestrator/internal/storage/wal"
	"github.com/ChuLiYu/maga-orchestrator/internal/store"
	"github.com/ChuLiYu/maga-orchestrator/internal/store/storetest"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

func TestVolatileStore(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

func TestDurableStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(durable(t.TempDir()))
		require.NoError(t, err)
		return s
	})
}

func TestSchedulersShareOneTable(t *testing.T) {
	storetest.RunShared(t, func(t *testing.T) (store.Store, store.Store) {
		s, err := Open(durable(t.TempDir()))
		require.NoError(t, err)
		return s, s
	})
}

func durable(dir string) Options {
	return Options{
		WALPath:      filepath.Join(dir, "tasks.wal"),
		SnapshotPath: filepath.Join(dir, "tasks.snapshot.json"),
		SyncOnAppend: true,
	}
}

// crash abandons s without a final snapshot. The WAL file is flushed so
// the next Open sees everything that was acknowledged.
func crash(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.wal.Flush())
}

func TestRecoverFromWALOnly(t *testing.T) {
	ctx := context.Background()
	opts := durable(t.TempDir())

	s, err := Open(opts)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Create(ctx, storetest.NewTask(id, 0)))
	}
	claimed, err := s.ClaimDue(ctx, storetest.Epoch, "node-a", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	claimed[0].Status = types.TaskSucceeded
	require.NoError(t, s.Release(ctx, "node-a", claimed[0]))
	require.NoError(t, s.Remove(ctx, "d"))
	crash(t, s)

	recovered, err := Open(opts)
	require.NoError(t, err)
	defer recovered.Close()

	counts, err := recovered.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[types.TaskStatus]int{
		types.TaskSucceeded: 1,
		types.TaskRunning:   1,
		types.TaskPending:   1,
	}, counts)

	n, err := recovered.RequeueRunning(ctx, storetest.Epoch.Add(time.Minute), "node-a", storetest.Epoch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = recovered.Get(ctx, "d")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestRecoverFromSnapshotAndWAL(t *testing.T) {
	ctx := context.Background()
	opts := durable(t.TempDir())

	s, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, storetest.NewTask("before", 0)))
	require.NoError(t, s.Snapshot())
	require.NoError(t, s.Create(ctx, storetest.NewTask("after", 0)))
	crash(t, s)

	n, err := wal.CountEvents(opts.WALPath)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the snapshot rotated the log")

	recovered, err := Open(opts)
	require.NoError(t, err)
	all, err := recovered.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	require.NoError(t, recovered.Close())
}

func TestNumberingSurvivesCleanRestart(t *testing.T) {
	ctx := context.Background()
	opts := durable(t.TempDir())

	s, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, storetest.NewTask("a", 0)))
	require.NoError(t, s.Create(ctx, storetest.NewTask("b", 0)))
	require.NoError(t, s.Close())

	// The WAL is empty after the final snapshot; new events must still be
	// numbered past the snapshot or the next replay would skip them.
	s, err = Open(opts)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, storetest.NewTask("c", 0)))
	crash(t, s)

	s, err = Open(opts)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Get(ctx, "c")
	assert.NoError(t, err)
	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s, err := Open(durable(t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.Create(context.Background(), storetest.NewTask("a", 0))
	assert.ErrorIs(t, err, wal.ErrWALClosed)
}

func TestTableIndexesFollowStatus(t *testing.T) {
	tb := newTable()
	task := storetest.NewTask("a", 0)
	tb.put(task)
	assert.Len(t, tb.byStatus[types.TaskPending], 1)

	moved := task.Clone()
	moved.Status = types.TaskDeadLettered
	tb.put(moved)
	assert.Empty(t, tb.byStatus[types.TaskPending])
	assert.Len(t, tb.byStatus[types.TaskDeadLettered], 1)
	assert.Empty(t, tb.due(storetest.Epoch.Add(time.Hour), 10))

	tb.delete("a")
	assert.Empty(t, tb.byStatus[types.TaskDeadLettered])
	assert.Empty(t, tb.counts())
}
