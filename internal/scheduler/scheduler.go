// ============================================================================
// Deferred-task scheduler
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: runs time-deferred actions durably. Tasks live in a store.Store;
//          pollers claim due tasks, a worker pool executes them through the
//          resilience guard and a result loop writes the outcome back.
//
// Loops (started by Start):
//   1. Poll loop(s)   - every PollInterval claim due tasks and submit them
//   2. Result loop    - apply each outcome: succeed, re-arm, retry or
//                       dead-letter
//   3. Snapshot loop  - only for stores that snapshot (memstore)
//
// Retry:
//   The guard runs each task with in-layer retries disabled; the durable
//   retry below is the only one. On failure Attempt grows by one; once it
//   reaches MaxRetries, or the error is not transient, the task is dead
//   lettered. Otherwise it is parked as failed until
//   now + BaseDelay × BackoffFactor^(Attempt-1) + jitter.
//
// Recovery:
//   A claim is live for one lease (ClaimLease, else TaskTimeout + 30s).
//   Start returns this owner's leftover claims to pending at once; pollers
//   reap claims of any owner once their lease has run out. A live claim of
//   a peer sharing the store is never taken back.
//
// Shutdown order:
//   close(stopCh) → pool.Stop() (result loop drains) → wait for loops
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/maga-orchestrator/internal/clock"
	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler"
	"github.com/ChuLiYu/maga-orchestrator/internal/resilience"
	"github.com/ChuLiYu/maga-orchestrator/internal/store"
	"github.com/ChuLiYu/maga-orchestrator/internal/worker"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

var log = slog.Default()

// DefaultSession is the rate-limit session of tasks enqueued without one.
const DefaultSession = "scheduler"

const maxLastError = 512

const (
	leaseMargin  = 30 * time.Second
	defaultLease = 10 * time.Minute
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrStopped        = errors.New("scheduler stopped")
)

// Observer receives scheduler events for metrics.
type Observer interface {
	TaskEnqueued(action string)
	TaskFinished(action string, status types.TaskStatus, elapsed time.Duration)
	TasksRecovered(n int)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) TaskEnqueued(string)                                {}
func (NopObserver) TaskFinished(string, types.TaskStatus, time.Duration) {}
func (NopObserver) TasksRecovered(int)                                 {}

// Snapshotter is implemented by stores that checkpoint to disk.
type Snapshotter interface {
	Snapshot() error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock used for due times, backoff and leases.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithObserver routes scheduler events to o instead of discarding them.
func WithObserver(o Observer) Option { return func(s *Scheduler) { s.observer = o } }

// WithJitter replaces the uniform retry jitter source.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(s *Scheduler) { s.jitter = fn }
}

// WithSnapshotInterval enables the snapshot loop for stores that support it.
func WithSnapshotInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.snapshotInterval = d }
}

// Scheduler executes deferred tasks.
type Scheduler struct {
	store            store.Store
	handlers         *handler.Registry
	guard            *resilience.Guard
	cfg              config.SchedulerConfig
	retry            resilience.RetryPolicy
	clock            clock.Clock
	observer         Observer
	jitter           func(max time.Duration) time.Duration
	owner            string
	lease            time.Duration
	snapshotInterval time.Duration

	reapMu   sync.Mutex
	lastReap time.Time

	pool      *worker.Pool
	mu        sync.Mutex
	started   bool
	stopped   bool
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
	startTime time.Time
}

// New creates a scheduler. Call Start to run the loops.
func New(st store.Store, handlers *handler.Registry, guard *resilience.Guard, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		handlers: handlers,
		guard:    guard,
		cfg:      cfg,
		retry: resilience.RetryPolicy{
			MaxRetries:    cfg.MaxRetries,
			BackoffFactor: cfg.BackoffFactor,
			BaseDelay:     cfg.BaseDelay,
			Jitter:        cfg.Jitter,
		},
		clock:    clock.Real(),
		observer: NopObserver{},
		jitter:   resilience.UniformJitter,
		owner:    cfg.NodeID,
		lease:    ClaimLease(cfg),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.owner == "" {
		host, _ := os.Hostname()
		s.owner = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	s.pool = worker.NewPool(cfg.BatchSize, s.execute)
	return s
}

// Owner is the claim owner this scheduler stamps on tasks.
func (s *Scheduler) Owner() string { return s.owner }

// ClaimLease is how long a claim stays live before any scheduler sharing
// the store may take it back.
func ClaimLease(cfg config.SchedulerConfig) time.Duration {
	switch {
	case cfg.ClaimLease > 0:
		return cfg.ClaimLease
	case cfg.TaskTimeout > 0:
		return cfg.TaskTimeout + leaseMargin
	default:
		return defaultLease
	}
}

// Enqueue stores a new task. It satisfies handler.Enqueuer.
func (s *Scheduler) Enqueue(ctx context.Context, req types.EnqueueRequest) (types.TaskID, error) {
	action := strings.TrimSpace(req.Action)
	if action == "" {
		return "", errmodel.Invalid("enqueue: action is required")
	}
	if !s.handlers.Has(action) {
		return "", errmodel.Invalid("enqueue: unknown action %q", action)
	}
	if req.Interval < 0 {
		return "", errmodel.Invalid("enqueue: negative interval %s", req.Interval)
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}

	now := s.clock.Now()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	t := &types.ScheduledTask{
		ID:         types.TaskID(uuid.NewString()),
		Action:     action,
		Payload:    maps.Clone(req.Payload),
		SessionID:  req.SessionID,
		NextRunAt:  runAt,
		MaxRetries: maxRetries,
		Interval:   req.Interval,
		Status:     types.TaskPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return "", &errmodel.Error{Kind: errmodel.KindInternal, Message: "failed to store task", Cause: err}
	}

	s.observer.TaskEnqueued(action)
	log.Info("Task enqueued", "taskID", t.ID, "action", action, "runAt", runAt, "interval", req.Interval)
	return t.ID, nil
}

// Start requeues this owner's leftover and expired claims, then launches
// the loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.startTime = s.clock.Now()

	n, err := s.store.RequeueRunning(ctx, s.startTime, s.owner, s.startTime.Add(-s.lease))
	if err != nil {
		return fmt.Errorf("failed to requeue running tasks: %w", err)
	}
	s.reapMu.Lock()
	s.lastReap = s.startTime
	s.reapMu.Unlock()
	s.observer.TasksRecovered(n)
	log.Info("Recovery completed", "requeued_tasks", n, "owner", s.owner, "lease", s.lease)

	if err := s.pool.Start(s.cfg.Workers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	pollers := max(s.cfg.Pollers, 1)
	s.loopWg.Add(pollers + 1)
	for i := 0; i < pollers; i++ {
		go s.pollLoop(i)
	}
	go s.resultLoop()

	if snap, ok := s.store.(Snapshotter); ok && s.snapshotInterval > 0 {
		s.loopWg.Add(1)
		go s.snapshotLoop(snap)
	}

	s.started = true
	log.Info("Scheduler started", "workers", s.cfg.Workers, "pollers", pollers, "poll_interval", s.cfg.PollInterval)
	return nil
}

// Stop shuts the loops down and waits for running tasks to finish. The
// store is left open for its owner to close.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	log.Info("Stopping scheduler...")
	close(s.stopCh)
	s.pool.Stop()
	s.loopWg.Wait()
	log.Info("Scheduler stopped")
}

func (s *Scheduler) pollLoop(id int) {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Debug("Poll loop stopped", "poller", id)
			return
		case <-ticker.C:
			if _, err := s.PollOnce(context.Background()); err != nil {
				log.Error("Poll failed", "poller", id, "error", err)
			}
		}
	}
}

// PollOnce claims as many due tasks as the pool can take and submits them.
func (s *Scheduler) PollOnce(ctx context.Context) (int, error) {
	select {
	case <-s.stopCh:
		return 0, nil
	default:
	}
	limit := min(s.cfg.BatchSize, s.pool.Free())
	if limit <= 0 {
		return 0, nil
	}

	now := s.clock.Now()
	s.reapExpired(ctx, now)
	tasks, err := s.store.ClaimDue(ctx, now, s.owner, limit)
	if err != nil {
		return 0, err
	}
	for i, t := range tasks {
		if err := s.pool.Submit(worker.Task{Task: t, Timeout: s.cfg.TaskTimeout}); err != nil {
			s.unclaim(ctx, tasks[i:])
			if errors.Is(err, worker.ErrPoolClosed) {
				return i, nil
			}
			return i, err
		}
	}
	return len(tasks), nil
}

// reapExpired requeues claims whose lease ran out. It hits the store at
// most once per lease.
func (s *Scheduler) reapExpired(ctx context.Context, now time.Time) {
	s.reapMu.Lock()
	if !s.lastReap.IsZero() && now.Sub(s.lastReap) < s.lease {
		s.reapMu.Unlock()
		return
	}
	s.lastReap = now
	s.reapMu.Unlock()

	n, err := s.store.RequeueRunning(ctx, now, "", now.Add(-s.lease))
	if err != nil {
		log.Error("Failed to reap expired claims", "error", err)
		return
	}
	if n > 0 {
		s.observer.TasksRecovered(n)
		log.Warn("Requeued expired claims", "count", n, "lease", s.lease)
	}
}

// unclaim hands tasks that never reached a worker back to the store.
func (s *Scheduler) unclaim(ctx context.Context, tasks []*types.ScheduledTask) {
	for _, t := range tasks {
		back := t.Clone()
		back.Status = types.TaskPending
		back.UpdatedAt = s.clock.Now()
		if err := s.store.Release(ctx, s.owner, back); err != nil {
			log.Error("Failed to unclaim task", "taskID", t.ID, "error", err)
		}
	}
}

// RunOnce claims due tasks and runs them on the calling goroutine. It does
// not need Start and is what one-shot CLI runs and tests use.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := s.clock.Now()
	s.reapExpired(ctx, now)
	tasks, err := s.store.ClaimDue(ctx, now, s.owner, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.cfg.TaskTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
		}
		start := time.Now()
		err := s.execute(runCtx, t)
		cancel()
		s.finish(ctx, worker.Result{Task: t, Err: err, Duration: time.Since(start)})
	}
	return len(tasks), nil
}

func (s *Scheduler) resultLoop() {
	defer s.loopWg.Done()
	for {
		r, err := s.pool.ReceiveResult()
		if err != nil {
			log.Debug("Result loop stopped")
			return
		}
		s.finish(context.Background(), r)
	}
}

func (s *Scheduler) snapshotLoop(snap Snapshotter) {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := snap.Snapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// execute runs one task through its handler.
func (s *Scheduler) execute(ctx context.Context, t *types.ScheduledTask) error {
	h, err := s.handlers.Get(t.Action)
	if err != nil {
		return &errmodel.Error{Kind: errmodel.KindConfiguration, Message: "no handler for scheduled action", Cause: err}
	}

	in := handler.Input(maps.Clone(t.Payload))
	if in == nil {
		in = handler.Input{}
	}
	if _, ok := in["session_id"]; !ok && t.SessionID != "" {
		in["session_id"] = t.SessionID
	}
	in["task_id"] = string(t.ID)

	call := func(ctx context.Context) error {
		_, err := h.Call(ctx, in)
		return err
	}
	if h.Dependency() == "" {
		return call(ctx)
	}
	session := t.SessionID
	if session == "" {
		session = DefaultSession
	}
	return s.guard.Do(ctx, session, h.Dependency(), call, resilience.WithoutRetry())
}

// finish applies the outcome of one run and releases the claim.
func (s *Scheduler) finish(ctx context.Context, r worker.Result) {
	t := r.Task.Clone()
	now := s.clock.Now()
	t.UpdatedAt = now

	switch {
	case r.Err == nil && t.Interval > 0:
		t.Status = types.TaskPending
		t.Attempt = 0
		t.LastError = ""
		t.NextRunAt = now.Add(t.Interval)
		log.Debug("Recurring task re-armed", "taskID", t.ID, "nextRunAt", t.NextRunAt)

	case r.Err == nil:
		t.Status = types.TaskSucceeded
		t.LastError = ""
		log.Debug("Task completed", "taskID", t.ID, "duration", r.Duration)

	default:
		t.Attempt++
		t.LastError = errmodel.Truncate(r.Err.Error(), maxLastError)
		if !transient(r.Err) || t.Attempt >= t.MaxRetries {
			t.Status = types.TaskDeadLettered
			log.Error("Task dead-lettered",
				"taskID", t.ID,
				"action", t.Action,
				"attempts", t.Attempt,
				"kind", errmodel.KindOf(r.Err),
				"error", r.Err)
		} else {
			t.Status = types.TaskFailed
			t.NextRunAt = now.Add(s.retry.Delay(t.Attempt, s.jitter))
			log.Warn("Task failed, retry scheduled",
				"taskID", t.ID,
				"attempt", t.Attempt,
				"nextRunAt", t.NextRunAt,
				"error", r.Err)
		}
	}

	if err := s.store.Release(ctx, s.owner, t); err != nil {
		log.Error("Failed to release task", "taskID", t.ID, "error", err)
		return
	}
	s.observer.TaskFinished(t.Action, t.Status, r.Duration)
}

// transient reports whether a later run of the task may succeed.
func transient(err error) bool {
	if errmodel.IsRetryable(err) {
		return true
	}
	switch errmodel.KindOf(err) {
	case errmodel.KindRateLimited, errmodel.KindCircuitOpen, errmodel.KindTimeout, errmodel.KindRetryableFailure:
		return true
	}
	return false
}

// Status returns one task.
func (s *Scheduler) Status(ctx context.Context, id types.TaskID) (*types.ScheduledTask, error) {
	t, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrTaskNotFound) {
		return nil, errmodel.NotFound("task %s not found", id)
	}
	return t, err
}

// Remove deletes a task that is not running.
func (s *Scheduler) Remove(ctx context.Context, id types.TaskID) error {
	err := s.store.Remove(ctx, id)
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return errmodel.NotFound("task %s not found", id)
	case errors.Is(err, store.ErrTaskRunning):
		return errmodel.Invalid("task %s is running and cannot be removed", id)
	case err != nil:
		return err
	}
	log.Info("Task removed", "taskID", id)
	return nil
}

// DeadLetters lists tasks that exhausted their retries.
func (s *Scheduler) DeadLetters(ctx context.Context) ([]*types.ScheduledTask, error) {
	return s.store.List(ctx, types.TaskDeadLettered)
}

// Stats summarises the scheduler for status endpoints.
func (s *Scheduler) Stats(ctx context.Context) (map[string]any, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	uptime := time.Duration(0)
	if s.started {
		uptime = s.clock.Now().Sub(s.startTime)
	}
	s.mu.Unlock()

	return map[string]any{
		"owner":         s.owner,
		"uptime":        uptime.String(),
		"workers":       s.cfg.Workers,
		"busy":          s.pool.Busy(),
		"pending":       counts[types.TaskPending],
		"running":       counts[types.TaskRunning],
		"failed":        counts[types.TaskFailed],
		"succeeded":     counts[types.TaskSucceeded],
		"dead_lettered": counts[types.TaskDeadLettered],
	}, nil
}

