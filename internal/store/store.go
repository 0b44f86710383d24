// ============================================================================
// Deferred task storage
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: The persistence contract of the scheduler.
//
// Implementations:
//   memstore - in-memory table, durable through WAL + snapshot
//   sqlstore - database/sql over SQLite or PostgreSQL
//
// Claim protocol:
//   ClaimDue moves due claimable tasks to running and stamps ClaimedBy in
//   one atomic step, so two pollers never receive the same task. Only the
//   owner that claimed a task may Release it. A claim is live until its
//   claim time falls behind the caller's lease; RequeueRunning only takes
//   back claims that are the caller's own or older than that.
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrDuplicateTask = errors.New("task already exists")
	ErrNotClaimed    = errors.New("task is not claimed by this owner")
	ErrTaskRunning   = errors.New("task is running")
	ErrInvalidTask   = errors.New("invalid task")
)

// Store persists scheduled tasks. Returned tasks are copies.
type Store interface {
	// Create inserts a new task.
	Create(ctx context.Context, t *types.ScheduledTask) error

	// Get returns one task.
	Get(ctx context.Context, id types.TaskID) (*types.ScheduledTask, error)

	// ClaimDue claims up to limit tasks that are claimable and due at now,
	// earliest NextRunAt first.
	ClaimDue(ctx context.Context, now time.Time, owner string, limit int) ([]*types.ScheduledTask, error)

	// Release writes back the outcome of a claimed task. t.Status must not
	// be running; ClaimedBy is cleared.
	Release(ctx context.Context, owner string, t *types.ScheduledTask) error

	// Remove deletes a task that is not running.
	Remove(ctx context.Context, id types.TaskID) error

	// List returns tasks in the given status, or all tasks for "".
	List(ctx context.Context, status types.TaskStatus) ([]*types.ScheduledTask, error)

	// RequeueRunning returns running tasks to pending when owner holds the
	// claim or the claim was taken before staleBefore. Younger claims of
	// other owners stay running. An empty owner matches no claim.
	RequeueRunning(ctx context.Context, now time.Time, owner string, staleBefore time.Time) (int, error)

	// Counts returns the number of tasks per status.
	Counts(ctx context.Context) (map[types.TaskStatus]int, error)

	Close() error
}

// Validate checks the fields every stored task needs.
func Validate(t *types.ScheduledTask) error {
	switch {
	case t == nil:
		return errors.Join(ErrInvalidTask, errors.New("nil task"))
	case t.ID == "":
		return errors.Join(ErrInvalidTask, errors.New("empty id"))
	case t.Action == "":
		return errors.Join(ErrInvalidTask, errors.New("empty action"))
	case t.MaxRetries <= 0:
		return errors.Join(ErrInvalidTask, errors.New("max retries must be positive"))
	case t.Interval < 0:
		return errors.Join(ErrInvalidTask, errors.New("negative interval"))
	}
	return nil
}
