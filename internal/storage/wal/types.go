package wal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: core records of the task write-ahead log
// ============================================================================

// EventType defines WAL event types.
type EventType string

const (
	EventCreate  EventType = "CREATE"  // Task enqueued
	EventClaim   EventType = "CLAIM"   // Task claimed by a poller
	EventRelease EventType = "RELEASE" // Claimed task written back (success, retry, dead letter)
	EventRequeue EventType = "REQUEUE" // Stale claim returned to pending
	EventRemove  EventType = "REMOVE"  // Task deleted
)

// Event is one WAL record. Task holds the full task image after the
// change, so replay is an idempotent upsert (or delete for EventRemove).
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	TaskID    types.TaskID    `json:"task_id"`
	Task      json.RawMessage `json:"task,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Checksum  uint32          `json:"checksum"`
}

// DecodeTask returns the task image carried by the event.
func (e Event) DecodeTask() (*types.ScheduledTask, error) {
	if len(e.Task) == 0 {
		return nil, fmt.Errorf("%w: event %d has no task image", ErrCorruptedWAL, e.Seq)
	}
	var t types.ScheduledTask
	if err := json.Unmarshal(e.Task, &t); err != nil {
		return nil, fmt.Errorf("%w: event %d: %v", ErrCorruptedWAL, e.Seq, err)
	}
	return &t, nil
}

// EventHandler applies one replayed event.
type EventHandler func(event Event) error
