package snapshot

// ============================================================================
// Snapshot manager tests
// Purpose: atomic write, load, version check and corruption handling
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func task(id string, status types.TaskStatus, attempt int) *types.ScheduledTask {
	return &types.ScheduledTask{
		ID:         types.TaskID(id),
		Action:     "notify.send",
		Payload:    map[string]any{"query": "call mom " + id},
		SessionID:  "s1",
		NextRunAt:  at.Add(time.Hour),
		Attempt:    attempt,
		MaxRetries: 5,
		Status:     status,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func TestNewManager(t *testing.T) {
	manager := NewManager("tasks.snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "tasks.snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.snapshot.json")
	manager := NewManager(path)

	original := types.SnapshotData{
		Tasks: map[types.TaskID]*types.ScheduledTask{
			"t-1": task("t-1", types.TaskPending, 0),
			"t-2": task("t-2", types.TaskFailed, 2),
			"t-3": task("t-3", types.TaskDeadLettered, 5),
		},
		LastSeq: 42,
	}
	original.Tasks["t-2"].Interval = time.Hour

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(42), loaded.LastSeq)
	require.Len(t, loaded.Tasks, 3)

	for id, want := range original.Tasks {
		got, ok := loaded.Tasks[id]
		require.True(t, ok, "task %s should exist", id)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.Attempt, got.Attempt)
		assert.Equal(t, want.Interval, got.Interval)
		assert.True(t, want.NextRunAt.Equal(got.NextRunAt))
		assert.Equal(t, want.Payload["query"], got.Payload["query"])
	}
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.snapshot.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(types.SnapshotData{
		Tasks:   map[types.TaskID]*types.ScheduledTask{"old": task("old", types.TaskPending, 0)},
		LastSeq: 50,
	}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(types.SnapshotData{
			Tasks:   map[types.TaskID]*types.ScheduledTask{"new": task("new", types.TaskPending, 0)},
			LastSeq: 100,
		}))
	}()

	var loaded types.SnapshotData
	go func() {
		defer wg.Done()
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()
	wg.Wait()

	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"should load either the old or the new snapshot, got seq %d", loaded.LastSeq)

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not survive a write")
}

func TestWriteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "tasks.snapshot.json")
	manager := NewManager(path)

	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, loaded.Tasks)
	assert.Empty(t, loaded.Tasks)
}

func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(0), loaded.LastSeq)
	assert.NotNil(t, loaded.Tasks)
	assert.Empty(t, loaded.Tasks)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.snapshot.json")
	raw, err := json.Marshal(types.SnapshotData{SchemaVer: 2})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{name: "truncated", body: `{"tasks": {"t-1": {"id": "t-1", "status": "pending"`},
		{name: "key mismatch", body: `{"schema_ver": 1, "tasks": {"t-1": {"id": "t-2"}}}`},
		{name: "null entry", body: `{"schema_ver": 1, "tasks": {"t-1": null}}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tasks.snapshot.json")
			require.NoError(t, os.WriteFile(path, []byte(tc.body), 0o644))

			_, err := NewManager(path).Load()
			assert.ErrorIs(t, err, ErrCorruptedSnapshot)
		})
	}
}

func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	readOnly := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnly, 0o555))
	defer os.Chmod(readOnly, 0o755)

	err := NewManager(filepath.Join(readOnly, "tasks.snapshot.json")).Write(types.SnapshotData{})
	assert.Error(t, err)
}

func TestLargeSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.snapshot.json")
	manager := NewManager(path)

	data := types.SnapshotData{Tasks: make(map[types.TaskID]*types.ScheduledTask), LastSeq: 10000}
	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("t-%05d", i)
		data.Tasks[types.TaskID(id)] = task(id, types.TaskPending, 0)
	}

	start := time.Now()
	require.NoError(t, manager.Write(data))
	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Tasks, 10000)
	assert.Less(t, time.Since(start), 3*time.Second, "recovery from a large snapshot should stay under 3s")
}
