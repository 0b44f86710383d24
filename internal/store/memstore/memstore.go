// ============================================================================
// In-memory task store with crash recovery
// ============================================================================
//
// Package: internal/store/memstore
// File: memstore.go
// Purpose: store.Store over an in-memory table, made durable by a
//          write-ahead log and periodic snapshots.
//
// Write-ahead:
//   Every mutation is appended to the WAL before the table changes. Create
//   and Remove force a flush; claim and release records ride the buffer.
//   Losing a buffered claim leaves the task pending, losing a buffered
//   release leaves it running and RequeueRunning returns it, so a crash
//   can re-run a task but never drop one.
//
// Recovery (Open):
//   1. Load the snapshot
//   2. Replay WAL events with Seq > snapshot.LastSeq
//   Running tasks stay running; the scheduler requeues its own on start
//   and everyone else's once their claim lease has expired.
//
// Snapshot:
//   Taken under the store lock, then the WAL is rotated. Sequence numbers
//   continue across rotations, so a crash between the two steps only
//   replays events that are already in the snapshot, which is harmless.
//
// ============================================================================

package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/maga-orchestrator/internal/snapshot"
	"github.com/ChuLiYu/maga-orchestrator/internal/storage/wal"
	"github.com/ChuLiYu/maga-orchestrator/internal/store"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

var log = slog.Default()

// Options configures durability. An empty WALPath gives a volatile store.
type Options struct {
	WALPath      string
	SnapshotPath string
	SyncOnAppend bool
}

// Store is the in-memory store.Store.
type Store struct {
	mu     sync.Mutex
	table  *table
	wal    *wal.WAL
	snap   *snapshot.Manager
	closed bool
}

var _ store.Store = (*Store)(nil)

// New returns a volatile store.
func New() *Store {
	return &Store{table: newTable()}
}

// Open returns a store recovered from the snapshot and WAL in opts.
func Open(opts Options) (*Store, error) {
	s := New()
	if opts.WALPath == "" {
		return s, nil
	}
	start := time.Now()

	var data types.SnapshotData
	if opts.SnapshotPath != "" {
		s.snap = snapshot.NewManager(opts.SnapshotPath)
		loaded, err := s.snap.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
		data = loaded
		s.table.restore(data.Tasks)
	}

	w, err := wal.NewWAL(opts.WALPath, opts.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	w.EnsureSeq(data.LastSeq)

	replayed := 0
	err = w.Replay(data.LastSeq, func(e wal.Event) error {
		replayed++
		return s.apply(e)
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to replay WAL: %w", err)
	}
	s.wal = w

	log.Info("Task store recovered",
		"duration", time.Since(start),
		"snapshot_tasks", len(data.Tasks),
		"replayed_events", replayed,
		"tasks", len(s.table.tasks))
	return s, nil
}

// apply replays one WAL event onto the table.
func (s *Store) apply(e wal.Event) error {
	if e.Type == wal.EventRemove {
		s.table.delete(e.TaskID)
		return nil
	}
	t, err := e.DecodeTask()
	if err != nil {
		return err
	}
	s.table.put(t)
	return nil
}

// logLocked appends a WAL record when the store is durable.
func (s *Store) logLocked(eventType wal.EventType, t *types.ScheduledTask, force bool) error {
	if s.closed {
		return wal.ErrWALClosed
	}
	if s.wal == nil {
		return nil
	}
	if _, err := s.wal.Append(eventType, t, force); err != nil {
		return fmt.Errorf("failed to append %s event: %w", eventType, err)
	}
	return nil
}

func (s *Store) Create(_ context.Context, t *types.ScheduledTask) error {
	if err := store.Validate(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.table.get(t.ID) != nil {
		return fmt.Errorf("%w: %s", store.ErrDuplicateTask, t.ID)
	}
	task := t.Clone()
	if task.Status == "" {
		task.Status = types.TaskPending
	}
	if err := s.logLocked(wal.EventCreate, task, true); err != nil {
		return err
	}
	s.table.put(task)
	return nil
}

func (s *Store) Get(_ context.Context, id types.TaskID) (*types.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table.get(id)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

func (s *Store) ClaimDue(_ context.Context, now time.Time, owner string, limit int) ([]*types.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := s.table.due(now, limit)
	claimed := make([]*types.ScheduledTask, 0, len(due))
	for _, cur := range due {
		next := cur.Clone()
		next.Status = types.TaskRunning
		next.ClaimedBy = owner
		next.UpdatedAt = now
		if err := s.logLocked(wal.EventClaim, next, false); err != nil {
			return cloneAll(claimed), err
		}
		s.table.put(next)
		claimed = append(claimed, next)
	}
	return cloneAll(claimed), nil
}

func (s *Store) Release(_ context.Context, owner string, t *types.ScheduledTask) error {
	if err := validateRelease(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.table.get(t.ID)
	if cur == nil {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, t.ID)
	}
	if cur.Status != types.TaskRunning || cur.ClaimedBy != owner {
		return fmt.Errorf("%w: %s (status %s, owner %q)", store.ErrNotClaimed, t.ID, cur.Status, cur.ClaimedBy)
	}

	next := cur.Clone()
	next.Status = t.Status
	next.Attempt = t.Attempt
	next.NextRunAt = t.NextRunAt
	next.LastError = t.LastError
	next.UpdatedAt = t.UpdatedAt
	next.ClaimedBy = ""
	if err := s.logLocked(wal.EventRelease, next, false); err != nil {
		return err
	}
	s.table.put(next)
	return nil
}

func validateRelease(t *types.ScheduledTask) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("%w: release needs a task id", store.ErrInvalidTask)
	}
	if !t.Status.Claimable() && !t.Status.Terminal() {
		return fmt.Errorf("%w: cannot release task %s as %q", store.ErrInvalidTask, t.ID, t.Status)
	}
	return nil
}

func (s *Store) Remove(_ context.Context, id types.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.table.get(id)
	if cur == nil {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	if cur.Status == types.TaskRunning {
		return fmt.Errorf("%w: %s", store.ErrTaskRunning, id)
	}
	if err := s.logLocked(wal.EventRemove, cur, true); err != nil {
		return err
	}
	s.table.delete(id)
	return nil
}

func (s *Store) List(_ context.Context, status types.TaskStatus) ([]*types.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.table.list(status)), nil
}

func (s *Store) RequeueRunning(_ context.Context, now time.Time, owner string, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, cur := range s.table.list(types.TaskRunning) {
		mine := owner != "" && cur.ClaimedBy == owner
		if !mine && !cur.UpdatedAt.Before(staleBefore) {
			continue
		}
		next := cur.Clone()
		next.Status = types.TaskPending
		next.ClaimedBy = ""
		next.UpdatedAt = now
		if err := s.logLocked(wal.EventRequeue, next, false); err != nil {
			return n, err
		}
		s.table.put(next)
		n++
	}
	if n > 0 && s.wal != nil {
		if err := s.wal.Flush(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *Store) Counts(context.Context) (map[types.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.counts(), nil
}

// Snapshot writes the table to the snapshot file and rotates the WAL. It
// is a no-op for a store without a snapshot path.
func (s *Store) Snapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() error {
	if s.snap == nil || s.wal == nil || s.closed {
		return nil
	}
	start := time.Now()
	data := types.SnapshotData{
		Tasks:   s.table.snapshot(),
		LastSeq: s.wal.GetLastSeq(),
	}
	if err := s.snap.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}
	log.Debug("Snapshot taken", "duration", time.Since(start), "tasks", len(data.Tasks), "last_seq", data.LastSeq)
	return nil
}

// Close takes a final snapshot and closes the WAL.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := s.snapshotLocked(); err != nil {
		log.Error("Failed to take final snapshot", "error", err)
	}
	s.closed = true
	if s.wal != nil {
		return s.wal.Close()
	}
	return nil
}
