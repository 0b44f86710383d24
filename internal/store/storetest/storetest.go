// Package storetest is the behavioural suite every store.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/maga-orchestrator/internal/store"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

// Epoch is the reference time of the suite. Whole seconds, UTC.
var Epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Factory opens an empty store; the suite closes it.
type Factory func(t *testing.T) store.Store

// NewTask builds a pending task due at Epoch+due.
func NewTask(id string, due time.Duration) *types.ScheduledTask {
	return &types.ScheduledTask{
		ID:         types.TaskID(id),
		Action:     "notify.send",
		Payload:    map[string]any{"query": "task " + id},
		SessionID:  "s1",
		NextRunAt:  Epoch.Add(due),
		MaxRetries: 3,
		Status:     types.TaskPending,
		CreatedAt:  Epoch,
		UpdatedAt:  Epoch,
	}
}

// Run executes the suite.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"ClaimDue", testClaimDue},
		{"ConcurrentClaims", testConcurrentClaims},
		{"Release", testRelease},
		{"Remove", testRemove},
		{"ListAndCounts", testListAndCounts},
		{"RequeueRunning", testRequeueRunning},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	task := NewTask("t-1", time.Minute)
	task.Interval = time.Hour
	require.NoError(t, s.Create(ctx, task))

	got, err := s.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "notify.send", got.Action)
	assert.Equal(t, "task t-1", got.Payload["query"])
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, time.Hour, got.Interval)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, types.TaskPending, got.Status)
	assert.True(t, got.NextRunAt.Equal(Epoch.Add(time.Minute)), "next run %v", got.NextRunAt)

	got.Payload["query"] = "mutated"
	again, err := s.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "task t-1", again.Payload["query"], "returned tasks must be copies")

	assert.ErrorIs(t, s.Create(ctx, NewTask("t-1", 0)), store.ErrDuplicateTask)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	bad := NewTask("t-2", 0)
	bad.Action = ""
	assert.ErrorIs(t, s.Create(ctx, bad), store.ErrInvalidTask)
}

func testClaimDue(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewTask("late", 30*time.Second)))
	require.NoError(t, s.Create(ctx, NewTask("early", 10*time.Second)))
	require.NoError(t, s.Create(ctx, NewTask("middle", 20*time.Second)))
	require.NoError(t, s.Create(ctx, NewTask("future", time.Hour)))

	now := Epoch.Add(time.Minute)
	claimed, err := s.ClaimDue(ctx, now, "node-a", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, types.TaskID("early"), claimed[0].ID)
	assert.Equal(t, types.TaskID("middle"), claimed[1].ID)
	for _, c := range claimed {
		assert.Equal(t, types.TaskRunning, c.Status)
		assert.Equal(t, "node-a", c.ClaimedBy)
	}

	stored, err := s.Get(ctx, "early")
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, stored.Status)

	claimed, err = s.ClaimDue(ctx, now, "node-b", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, types.TaskID("late"), claimed[0].ID)

	claimed, err = s.ClaimDue(ctx, now, "node-b", 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "future tasks and running tasks are not claimable")

	failed := NewTask("retry", 0)
	failed.Status = types.TaskFailed
	failed.Attempt = 1
	require.NoError(t, s.Create(ctx, failed))
	claimed, err = s.ClaimDue(ctx, now, "node-a", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempt)
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	const total = 40
	for i := 0; i < total; i++ {
		require.NoError(t, s.Create(ctx, NewTask(fmt.Sprintf("t-%02d", i), time.Duration(i)*time.Millisecond)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[types.TaskID]string)
		dup  []types.TaskID
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		owner := fmt.Sprintf("poller-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimDue(ctx, Epoch.Add(time.Minute), owner, 3)
				if !assert.NoError(t, err) || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, task := range batch {
					if _, ok := seen[task.ID]; ok {
						dup = append(dup, task.ID)
					}
					seen[task.ID] = owner
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, dup, "no task may be claimed twice")
	assert.Len(t, seen, total)
}

func testRelease(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewTask("t-1", 0)))

	unclaimed := NewTask("t-1", 0)
	unclaimed.Status = types.TaskSucceeded
	assert.ErrorIs(t, s.Release(ctx, "node-a", unclaimed), store.ErrNotClaimed)

	claimed, err := s.ClaimDue(ctx, Epoch, "node-a", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	task := claimed[0]

	task.Status = types.TaskFailed
	task.Attempt = 1
	task.LastError = "upstream 503"
	task.NextRunAt = Epoch.Add(2 * time.Second)
	task.UpdatedAt = Epoch.Add(time.Second)

	assert.ErrorIs(t, s.Release(ctx, "node-b", task), store.ErrNotClaimed)

	stillRunning := task.Clone()
	stillRunning.Status = types.TaskRunning
	assert.ErrorIs(t, s.Release(ctx, "node-a", stillRunning), store.ErrInvalidTask)

	require.NoError(t, s.Release(ctx, "node-a", task))

	got, err := s.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, "upstream 503", got.LastError)
	assert.Empty(t, got.ClaimedBy)
	assert.True(t, got.NextRunAt.Equal(Epoch.Add(2*time.Second)))

	assert.ErrorIs(t, s.Release(ctx, "node-a", task), store.ErrNotClaimed, "a released task cannot be released again")

	missing := NewTask("nope", 0)
	missing.Status = types.TaskSucceeded
	assert.ErrorIs(t, s.Release(ctx, "node-a", missing), store.ErrTaskNotFound)
}

func testRemove(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, NewTask("pending", time.Hour)))
	require.NoError(t, s.Create(ctx, NewTask("busy", 0)))
	_, err := s.ClaimDue(ctx, Epoch, "node-a", 1)
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, "pending"))
	_, err = s.Get(ctx, "pending")
	assert.ErrorIs(t, err, store.ErrTaskNotFound)

	assert.ErrorIs(t, s.Remove(ctx, "busy"), store.ErrTaskRunning)
	assert.ErrorIs(t, s.Remove(ctx, "pending"), store.ErrTaskNotFound)
}

func testListAndCounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(ctx, NewTask(fmt.Sprintf("p-%d", i), time.Hour)))
	}
	require.NoError(t, s.Create(ctx, NewTask("d-0", 0)))
	claimed, err := s.ClaimDue(ctx, Epoch, "node-a", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	claimed[0].Status = types.TaskDeadLettered
	claimed[0].Attempt = 3
	claimed[0].LastError = "gave up"
	require.NoError(t, s.Release(ctx, "node-a", claimed[0]))

	dead, err := s.List(ctx, types.TaskDeadLettered)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, types.TaskID("d-0"), dead[0].ID)
	assert.Equal(t, "gave up", dead[0].LastError)

	pending, err := s.List(ctx, types.TaskPending)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[types.TaskPending])
	assert.Equal(t, 1, counts[types.TaskDeadLettered])
	assert.Equal(t, 0, counts[types.TaskRunning])
}

func testRequeueRunning(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Create(ctx, NewTask(id, 0)))
	}
	mine, err := s.ClaimDue(ctx, Epoch, "node-a", 2)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	peer, err := s.ClaimDue(ctx, Epoch.Add(10*time.Second), "node-b", 1)
	require.NoError(t, err)
	require.Len(t, peer, 1)

	// node-a restarts: its own claims come back, node-b's live one stays.
	n, err := s.RequeueRunning(ctx, Epoch.Add(time.Minute), "node-a", Epoch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	running, err := s.List(ctx, types.TaskRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, peer[0].ID, running[0].ID)
	assert.Equal(t, "node-b", running[0].ClaimedBy)

	// Without an owner only claims taken before staleBefore are reaped.
	n, err = s.RequeueRunning(ctx, Epoch.Add(time.Minute), "", Epoch.Add(10*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.RequeueRunning(ctx, Epoch.Add(time.Minute), "", Epoch.Add(11*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := s.ClaimDue(ctx, Epoch.Add(time.Minute), "node-c", 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 4)
	for _, c := range claimed {
		assert.Equal(t, "node-c", c.ClaimedBy)
	}
}

// SharedFactory opens two handles on one empty backing store, the way two
// processes see a shared database. The suite closes both.
type SharedFactory func(t *testing.T) (store.Store, store.Store)

// RunShared executes the cases that need two handles on one store.
func RunShared(t *testing.T, open SharedFactory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, a, b store.Store)
	}{
		{"StaggeredStart", testStaggeredStart},
		{"ExpiredClaimIsReaped", testExpiredClaimIsReaped},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, b := open(t)
			defer a.Close()
			if b != a {
				defer b.Close()
			}
			tc.fn(t, a, b)
		})
	}
}

// testStaggeredStart starts node-b while node-a has a task in flight.
func testStaggeredStart(t *testing.T, a, b store.Store) {
	ctx := context.Background()
	lease := time.Minute
	require.NoError(t, a.Create(ctx, NewTask("t1", 0)))

	claimed, err := a.ClaimDue(ctx, Epoch, "node-a", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	now := Epoch.Add(time.Second)
	n, err := b.RequeueRunning(ctx, now, "node-b", now.Add(-lease))
	require.NoError(t, err)
	assert.Zero(t, n, "a live claim of another owner must stay running")

	stolen, err := b.ClaimDue(ctx, now, "node-b", 10)
	require.NoError(t, err)
	assert.Empty(t, stolen)

	got, err := b.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, got.Status)
	assert.Equal(t, "node-a", got.ClaimedBy)

	done := claimed[0]
	done.Status = types.TaskSucceeded
	done.UpdatedAt = Epoch.Add(2 * time.Second)
	require.NoError(t, a.Release(ctx, "node-a", done))

	got, err = b.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, got.Status)
	assert.Empty(t, got.ClaimedBy)
}

// testExpiredClaimIsReaped lets node-a die holding a claim.
func testExpiredClaimIsReaped(t *testing.T, a, b store.Store) {
	ctx := context.Background()
	lease := time.Minute
	require.NoError(t, a.Create(ctx, NewTask("t1", 0)))
	_, err := a.ClaimDue(ctx, Epoch, "node-a", 1)
	require.NoError(t, err)

	now := Epoch.Add(2 * lease)
	n, err := b.RequeueRunning(ctx, now, "", now.Add(-lease))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := b.ClaimDue(ctx, now, "node-b", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "node-b", claimed[0].ClaimedBy)

	late := claimed[0].Clone()
	late.Status = types.TaskSucceeded
	assert.ErrorIs(t, a.Release(ctx, "node-a", late), store.ErrNotClaimed)
}
