// Package types defines the core domain model shared by the router,
// orchestrator, scheduler and transport layers.
package types

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// ============================================================================
// Intent
// ============================================================================

// IntentType names a classified user request.
type IntentType string

const (
	IntentUnknown        IntentType = "unknown"
	IntentChatAnswer     IntentType = "chat_answer"
	IntentSummarize      IntentType = "summarize"
	IntentReadAloud      IntentType = "read_aloud"
	IntentHHSearch       IntentType = "hh_search"
	IntentJobsDigest     IntentType = "jobs_digest"
	IntentComposeReply   IntentType = "compose_reply"
	IntentOCRTranslate   IntentType = "ocr_translate"
	IntentTranslateText  IntentType = "translate_text"
	IntentDescribeScreen IntentType = "describe_screen"
	IntentRemind         IntentType = "remind"
	IntentScheduleTask   IntentType = "schedule_task"
	IntentDailyDigest    IntentType = "daily_digest"
	IntentClarify        IntentType = "clarify"
)

// ErrMalformedIntent is returned when an intent cannot be planned at all.
var ErrMalformedIntent = errors.New("malformed intent")

// Intent is the router's output. Treat it as a value: Parameters is copied
// on construction and never mutated afterwards.
type Intent struct {
	Type        IntentType     `json:"type"`
	Confidence  float64        `json:"confidence"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	SourceText  string         `json:"source_text"`
	Explanation string         `json:"explanation,omitempty"`
}

// NewIntent builds an Intent with a private copy of params.
func NewIntent(t IntentType, confidence float64, params map[string]any, source string) Intent {
	return Intent{
		Type:       t,
		Confidence: confidence,
		Parameters: maps.Clone(params),
		SourceText: source,
	}
}

// Validate reports structural problems that make the intent unplannable.
func (i Intent) Validate() error {
	if i.Type == "" {
		return fmt.Errorf("%w: empty type", ErrMalformedIntent)
	}
	if i.Confidence < 0 || i.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrMalformedIntent, i.Confidence)
	}
	return nil
}

// Param returns a parameter value.
func (i Intent) Param(key string) (any, bool) {
	v, ok := i.Parameters[key]
	return v, ok
}

// StringParam returns a parameter rendered as a string, or "" when absent.
func (i Intent) StringParam(key string) string {
	v, ok := i.Parameters[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// SessionContext is the read-only caller context consulted during
// classification and planning.
type SessionContext struct {
	SessionID      string         `json:"session_id"`
	Language       string         `json:"language,omitempty"`
	PreviousIntent IntentType     `json:"previous_intent,omitempty"`
	Source         string         `json:"source,omitempty"` // voice, telegram, http, cli
	Extra          map[string]any `json:"extra,omitempty"`
}

// ============================================================================
// Plan and steps
// ============================================================================

// PlanID identifies one execution plan.
type PlanID string

// StepState is the lifecycle state of a single step.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanPartial   PlanStatus = "partial"
	PlanAborted   PlanStatus = "aborted"
)

// ErrPlanFinished is returned when a finished plan is asked to change status.
var ErrPlanFinished = errors.New("plan already finished")

// StepError is the per-step error detail carried in results.
type StepError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Dependency string `json:"dependency,omitempty"`
}

// Step is one unit of work inside an ExecutionPlan.
type Step struct {
	Name       string         `json:"name"`
	Action     string         `json:"action"`
	Input      map[string]any `json:"input,omitempty"`
	State      StepState      `json:"state"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      *StepError     `json:"error,omitempty"`
	Output     any            `json:"output,omitempty"`
}

// Duration is the wall time the step spent running, zero if it never ran.
func (s *Step) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

// ExecutionPlan is owned by exactly one orchestrator invocation.
type ExecutionPlan struct {
	PlanID     PlanID        `json:"plan_id"`
	IntentType IntentType    `json:"intent_type"`
	SessionID  string        `json:"session_id"`
	Steps      []*Step       `json:"steps"`
	Budget     time.Duration `json:"budget"`
	StartedAt  time.Time     `json:"started_at"`
	Status     PlanStatus    `json:"status"`
}

// Finish moves the plan out of running. A plan leaves running once.
func (p *ExecutionPlan) Finish(status PlanStatus) error {
	if p.Status != PlanRunning {
		return fmt.Errorf("%w: %s", ErrPlanFinished, p.Status)
	}
	if status == PlanRunning {
		return fmt.Errorf("cannot finish plan with status %q", status)
	}
	p.Status = status
	return nil
}

// StepResult is the externally visible outcome of one step.
type StepResult struct {
	Name       string     `json:"name"`
	Action     string     `json:"action"`
	State      StepState  `json:"state"`
	Output     any        `json:"output,omitempty"`
	Error      *StepError `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// UnfinishedItem explains one piece of a request that could not be completed.
type UnfinishedItem struct {
	Step   string `json:"step"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// PlanResult is what callers receive. It always carries whatever succeeded.
type PlanResult struct {
	PlanID        PlanID           `json:"plan_id"`
	IntentType    IntentType       `json:"intent_type"`
	Status        PlanStatus       `json:"status"`
	StepResults   []StepResult     `json:"step_results"`
	PartialData   map[string]any   `json:"partial_data,omitempty"`
	Answer        string           `json:"answer,omitempty"`
	Clarification bool             `json:"clarification,omitempty"`
	Unfinished    []UnfinishedItem `json:"unfinished,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
}

// ============================================================================
// Scheduled tasks
// ============================================================================

// TaskID identifies a deferred task.
type TaskID string

// TaskStatus is the lifecycle state of a deferred task.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"       // waiting for its first run
	TaskRunning      TaskStatus = "running"       // claimed by a poller
	TaskSucceeded    TaskStatus = "succeeded"     // terminal
	TaskFailed       TaskStatus = "failed"        // last attempt failed, retry scheduled
	TaskDeadLettered TaskStatus = "dead_lettered" // terminal, retries exhausted
)

// Claimable reports whether a poller may pick the task up once it is due.
func (s TaskStatus) Claimable() bool {
	return s == TaskPending || s == TaskFailed
}

// Terminal reports whether the task will never run again.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskDeadLettered
}

// ScheduledTask is a durable, time-deferred action.
type ScheduledTask struct {
	ID         TaskID         `json:"id"`
	Action     string         `json:"action"`
	Payload    map[string]any `json:"payload,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	NextRunAt  time.Time      `json:"next_run_at"`
	Attempt    int            `json:"attempt"`
	MaxRetries int            `json:"max_retries"`
	Interval   time.Duration  `json:"interval,omitempty"` // >0 re-arms the task after each success
	Status     TaskStatus     `json:"status"`
	LastError  string         `json:"last_error,omitempty"`
	ClaimedBy  string         `json:"claimed_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out of a store.
func (t *ScheduledTask) Clone() *ScheduledTask {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = maps.Clone(t.Payload)
	return &c
}

// Due reports whether the task is claimable at now.
func (t *ScheduledTask) Due(now time.Time) bool {
	return t.Status.Claimable() && !t.NextRunAt.After(now)
}

// EnqueueRequest describes a deferred task to create. Zero MaxRetries uses
// the scheduler default; zero RunAt means now.
type EnqueueRequest struct {
	Action     string         `json:"action"`
	Payload    map[string]any `json:"payload,omitempty"`
	RunAt      time.Time      `json:"run_at"`
	SessionID  string         `json:"session_id,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
	Interval   time.Duration  `json:"interval,omitempty"`
}

// SnapshotData is the persisted image of the in-memory task store.
type SnapshotData struct {
	Tasks     map[TaskID]*ScheduledTask `json:"tasks"`
	SchemaVer int                       `json:"schema_ver"`
	LastSeq   uint64                    `json:"last_seq"`
}
