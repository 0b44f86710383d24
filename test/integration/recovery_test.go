// ============================================================================
// Assistant recovery test suite
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Purpose: end-to-end crash recovery of deferred tasks
//
// TestEndToEndRecovery:
//   1. write 50 due tasks through a store that syncs every append
//   2. claim 10 of them as this node, which then "crashes" (no Close, no
//      final snapshot)
//   3. restart the same node on the same WAL; its claims come back at once
//   4. every task must succeed, and run exactly once
//
// TestRecoveryPerformance:
//   500 future tasks, clean shutdown, reopen must take < 3s and lose nothing.
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/maga-orchestrator/internal/assistant"
	"github.com/ChuLiYu/maga-orchestrator/internal/store/memstore"
	"github.com/ChuLiYu/maga-orchestrator/internal/store/storetest"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

func TestEndToEndRecovery(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	// Phase 1: enqueue and crash with claims outstanding.
	crashed, err := memstore.Open(memstore.Options{
		WALPath:      cfg.Storage.WALPath,
		SnapshotPath: cfg.Storage.SnapshotPath,
		SyncOnAppend: true,
	})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		task := storetest.NewTask(fmt.Sprintf("task-%02d", i), 0)
		task.Payload = map[string]any{"text": "reminder", "n": i}
		require.NoError(t, crashed.Create(ctx, task))
	}
	claimed, err := crashed.ClaimDue(ctx, time.Now(), cfg.Scheduler.NodeID, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 10)

	// Phase 2: a new process on the same files.
	d := newDelivery(0)
	a, err := assistant.New(ctx, cfg, assistant.WithHandlers(d.handler()))
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool {
		stats, err := a.Stats(ctx)
		return err == nil && stats["succeeded"] == 50
	}, 10*time.Second, 20*time.Millisecond, "all tasks should complete after recovery")

	calls := d.snapshot()
	assert.Len(t, calls, 50)
	for id, n := range calls {
		assert.Equal(t, 1, n, "task %s ran %d times", id, n)
	}

	dead, err := a.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping recovery benchmark in short mode")
	}
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Scheduler.Enabled = false

	first, err := assistant.New(ctx, cfg)
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		_, err := first.EnqueueDeferredTask(ctx, types.EnqueueRequest{
			Action:  "notify.send",
			Payload: map[string]any{"text": "later", "n": i},
			RunAt:   time.Now().Add(24 * time.Hour),
		})
		require.NoError(t, err)
	}
	require.NoError(t, first.Close())

	start := time.Now()
	second, err := assistant.New(ctx, cfg)
	recovery := time.Since(start)
	require.NoError(t, err)
	defer second.Close()

	t.Logf("recovered 500 tasks in %s", recovery)
	assert.Less(t, recovery, 3*time.Second)

	stats, err := second.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 500, stats["pending"])
}
