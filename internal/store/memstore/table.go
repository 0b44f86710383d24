package memstore

import (
	"sort"
	"time"

	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

// table is the in-memory task state. tasks is the single source of truth;
// byStatus indexes task IDs by their current status so polling and
// listing never walk terminal tasks. The caller holds the store lock.
type table struct {
	tasks    map[types.TaskID]*types.ScheduledTask
	byStatus map[types.TaskStatus]map[types.TaskID]struct{}
}

func newTable() *table {
	return &table{
		tasks:    make(map[types.TaskID]*types.ScheduledTask),
		byStatus: make(map[types.TaskStatus]map[types.TaskID]struct{}),
	}
}

func (t *table) get(id types.TaskID) *types.ScheduledTask {
	return t.tasks[id]
}

// put inserts or replaces a task and moves it to the right index.
func (t *table) put(task *types.ScheduledTask) {
	if old, ok := t.tasks[task.ID]; ok {
		delete(t.byStatus[old.Status], task.ID)
	}
	t.tasks[task.ID] = task
	idx, ok := t.byStatus[task.Status]
	if !ok {
		idx = make(map[types.TaskID]struct{})
		t.byStatus[task.Status] = idx
	}
	idx[task.ID] = struct{}{}
}

func (t *table) delete(id types.TaskID) {
	if old, ok := t.tasks[id]; ok {
		delete(t.byStatus[old.Status], id)
		delete(t.tasks, id)
	}
}

// due returns up to limit claimable tasks with NextRunAt <= now, earliest
// first.
func (t *table) due(now time.Time, limit int) []*types.ScheduledTask {
	var out []*types.ScheduledTask
	for _, status := range []types.TaskStatus{types.TaskPending, types.TaskFailed} {
		for id := range t.byStatus[status] {
			if task := t.tasks[id]; task.Due(now) {
				out = append(out, task)
			}
		}
	}
	sortByNextRun(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// list returns the tasks in status, or every task for "".
func (t *table) list(status types.TaskStatus) []*types.ScheduledTask {
	var out []*types.ScheduledTask
	if status == "" {
		for _, task := range t.tasks {
			out = append(out, task)
		}
	} else {
		for id := range t.byStatus[status] {
			out = append(out, t.tasks[id])
		}
	}
	sortByNextRun(out)
	return out
}

func (t *table) counts() map[types.TaskStatus]int {
	out := make(map[types.TaskStatus]int, len(t.byStatus))
	for status, idx := range t.byStatus {
		if len(idx) > 0 {
			out[status] = len(idx)
		}
	}
	return out
}

// snapshot deep-copies every task.
func (t *table) snapshot() map[types.TaskID]*types.ScheduledTask {
	out := make(map[types.TaskID]*types.ScheduledTask, len(t.tasks))
	for id, task := range t.tasks {
		out[id] = task.Clone()
	}
	return out
}

// restore replaces the table contents.
func (t *table) restore(tasks map[types.TaskID]*types.ScheduledTask) {
	t.tasks = make(map[types.TaskID]*types.ScheduledTask, len(tasks))
	t.byStatus = make(map[types.TaskStatus]map[types.TaskID]struct{})
	for _, task := range tasks {
		t.put(task.Clone())
	}
}

func sortByNextRun(tasks []*types.ScheduledTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].NextRunAt.Equal(tasks[j].NextRunAt) {
			return tasks[i].NextRunAt.Before(tasks[j].NextRunAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func cloneAll(tasks []*types.ScheduledTask) []*types.ScheduledTask {
	out := make([]*types.ScheduledTask, len(tasks))
	for i, task := range tasks {
		out[i] = task.Clone()
	}
	return out
}
