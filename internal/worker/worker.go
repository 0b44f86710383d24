// ============================================================================
// Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: runs claimed tasks through the pool's Executor, one goroutine
//           per Worker.
//
// Loop:
//   1. Receive a task from taskCh (blocking)
//   2. Run the executor under the task's timeout
//   3. Send the result to resultCh
//   4. Repeat until taskCh is closed
//
// A panicking executor is turned into a failed result so one bad task
// cannot take the worker down with it.
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
)

// Worker represents one execution goroutine.
type Worker struct {
	id       int
	exec     Executor
	taskCh   <-chan Task
	resultCh chan<- Result
	done     func()
}

func newWorker(id int, exec Executor, taskCh <-chan Task, resultCh chan<- Result, done func()) *Worker {
	return &Worker{id: id, exec: exec, taskCh: taskCh, resultCh: resultCh, done: done}
}

// Run consumes tasks until taskCh is closed. Every task yields exactly one
// result; the send blocks until the pool's consumer takes it.
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(task)
		w.resultCh <- Result{
			Task:     task.Task,
			Err:      err,
			Duration: time.Since(start),
		}
		w.done()
	}
}

func (w *Worker) execute(task Task) (err error) {
	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Task executor panicked", "worker", w.id, "taskID", task.Task.ID, "panic", r)
			err = errmodel.Newf(errmodel.KindInternal, "task executor panicked: %v", r)
		}
	}()
	return w.exec(ctx, task.Task)
}
