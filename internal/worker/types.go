package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

// Task is one claimed scheduled task handed to the pool.
type Task struct {
	Task    *types.ScheduledTask
	Timeout time.Duration // 0 means no deadline beyond the executor's own
}

// Result is the outcome of running a Task.
type Result struct {
	Task     *types.ScheduledTask
	Err      error
	Duration time.Duration
}

// Success reports whether the task ran without error.
func (r Result) Success() bool { return r.Err == nil }

// Executor runs one task. It is shared by every worker and must be safe for
// concurrent use.
type Executor func(ctx context.Context, task *types.ScheduledTask) error
