// ============================================================================
// Worker Pool - concurrent task executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: owns N Worker goroutines, hands them claimed tasks and collects
//           their results.
//
//   ┌─────────────┐
//   │  Scheduler  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   NewPool(buffer, exec) → Start(n) → Submit/ReceiveResult → Stop()
//
// Shutdown:
//   Stop closes stopCh first, which releases any Submit blocked on a full
//   taskCh, then takes the write lock so no sender is left when taskCh is
//   closed. Workers finish their current task and deliver its result, so
//   the consumer must keep calling ReceiveResult until ErrPoolClosed.
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var log = slog.Default()

var (
	// ErrPoolClosed is returned once Stop has been called.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("worker pool already started")
)

// Pool manages a fixed set of workers.
type Pool struct {
	exec     Executor
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.RWMutex // read-held by senders; write-held to change state
	started  bool
	stopped  bool
	busy     atomic.Int64 // submitted and not yet finished
}

// NewPool creates a pool whose task and result channels hold bufferSize
// entries.
func NewPool(bufferSize int, exec Executor) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Pool{
		exec:     exec,
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.exec, p.taskCh, p.resultCh, func() { p.busy.Add(-1) })
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run()
		}()
	}
	p.started = true
	return nil
}

// Submit queues a task, blocking while the buffer is full.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	p.busy.Add(1)
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		p.busy.Add(-1)
		return ErrPoolClosed
	}
}

// ReceiveResult blocks for the next result. It returns ErrPoolClosed once
// the pool has stopped and every result has been delivered.
func (p *Pool) ReceiveResult() (Result, error) {
	r, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return r, nil
}

// Stop shuts the pool down and waits for running tasks to finish.
func (p *Pool) Stop() {
	p.mu.RLock()
	started := p.started
	p.mu.RUnlock()
	if !started {
		return
	}

	p.stopOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		p.stopped = true
		close(p.taskCh)
		p.mu.Unlock()

		p.wg.Wait()
		close(p.resultCh)
	})
}

// Free returns how many more tasks can be submitted without blocking.
func (p *Pool) Free() int {
	p.mu.RLock()
	capacity := len(p.workers) + cap(p.taskCh)
	p.mu.RUnlock()
	free := capacity - int(p.busy.Load())
	if free < 0 {
		return 0
	}
	return free
}

// Busy returns the number of submitted tasks that have not finished.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start has succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
