// ============================================================================
// Orchestrator - plans and executes one intent
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Purpose: Turn a classified intent into an ExecutionPlan from a static
//          template, run its steps through the resilience guard and
//          aggregate whatever succeeded into a PlanResult.
//
// Execution model:
//
//   stage 1 ──> stage 2 ──> ... ──> stage N
//   (a stage is one step, or a run of consecutive steps sharing a Group;
//    grouped steps run concurrently and are joined before the next stage)
//
//   Before each stage:
//     caller cancelled      -> remaining steps skipped (cancelled), aborted
//     elapsed >= budget     -> remaining steps skipped (budget_exceeded), partial
//     earlier abort failure -> remaining steps skipped (dependency_failed)
//
//   The budget is a soft deadline: a stage that already started runs to
//   completion. Steps get a context detached from caller cancellation that
//   still carries its values plus a cooperative cancel signal.
//
// Partial failure is never an error. Execute only returns an error when the
// intent cannot be planned at all.
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/maga-orchestrator/internal/clock"
	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler"
	"github.com/ChuLiYu/maga-orchestrator/internal/resilience"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

var log = slog.Default()

// Observer receives plan and step completions, typically the metrics
// collector.
type Observer interface {
	PlanFinished(intent types.IntentType, status types.PlanStatus, elapsed time.Duration)
	StepFinished(action string, state types.StepState, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) PlanFinished(types.IntentType, types.PlanStatus, time.Duration) {}
func (nopObserver) StepFinished(string, types.StepState, time.Duration)         {}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock used for budgets and timestamps.
func WithClock(c clock.Clock) Option { return func(o *Orchestrator) { o.clock = c } }

// WithObserver attaches a completion observer.
func WithObserver(obs Observer) Option { return func(o *Orchestrator) { o.observer = obs } }

// WithPlanStore replaces the result store.
func WithPlanStore(s *PlanStore) Option { return func(o *Orchestrator) { o.results = s } }

// Orchestrator executes intents. It is safe for concurrent use; each Execute
// call owns its plan.
type Orchestrator struct {
	catalog   *Catalog
	handlers  *handler.Registry
	guard     *resilience.Guard
	clarifier handler.Handler
	budget    time.Duration
	threshold float64
	clock     clock.Clock
	observer  Observer
	results   *PlanStore
	tracer    trace.Tracer
}

// New creates an orchestrator. threshold is the router confidence below which
// a clarification plan is produced instead of the intent's template.
func New(catalog *Catalog, handlers *handler.Registry, guard *resilience.Guard, cfg config.OrchestratorConfig, threshold float64, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:   catalog,
		handlers:  handlers,
		guard:     guard,
		clarifier: handler.Clarify(),
		budget:    cfg.Budget,
		threshold: threshold,
		clock:     clock.Real(),
		observer:  nopObserver{},
		tracer:    otel.Tracer("github.com/ChuLiYu/maga-orchestrator/internal/orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.results == nil {
		o.results = NewPlanStore(cfg.ResultTTL, o.clock)
	}
	return o
}

// Catalog returns the validated templates.
func (o *Orchestrator) Catalog() *Catalog { return o.catalog }

// Result returns a previously produced plan result.
func (o *Orchestrator) Result(id types.PlanID) (types.PlanResult, error) {
	return o.results.Get(id)
}

// Execute plans and runs one intent.
func (o *Orchestrator) Execute(ctx context.Context, intent types.Intent, sessionID string) (types.PlanResult, error) {
	if err := intent.Validate(); err != nil {
		return types.PlanResult{}, invalid(err)
	}

	if o.needsClarification(intent) {
		return o.clarify(ctx, intent, sessionID), nil
	}

	tpl, ok := o.catalog.Lookup(intent.Type)
	if !ok {
		return types.PlanResult{}, invalid(fmt.Errorf("%w: %w %q", types.ErrMalformedIntent, ErrNoTemplate, intent.Type))
	}
	if err := o.catalog.CheckParams(intent.Type, intent.Parameters); err != nil {
		return types.PlanResult{}, invalid(fmt.Errorf("%w: parameters: %w", types.ErrMalformedIntent, err))
	}

	plan := o.newPlan(tpl, intent.Type, sessionID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute", trace.WithAttributes(
		attribute.String("plan.id", string(plan.PlanID)),
		attribute.String("intent", string(intent.Type)),
		attribute.String("session", sessionID),
	))
	defer span.End()

	r := &run{o: o, tpl: tpl, plan: plan, intent: intent, outputs: make(map[string]handler.Output)}
	r.execute(ctx)

	res := r.result()
	if res.Status != types.PlanCompleted {
		span.SetStatus(codes.Error, string(res.Status))
	}
	span.SetAttributes(attribute.String("plan.status", string(res.Status)))
	o.finish(res)
	return res, nil
}

func (o *Orchestrator) needsClarification(i types.Intent) bool {
	return i.Type == types.IntentUnknown || i.Type == types.IntentClarify || i.Confidence < o.threshold
}

func invalid(err error) error {
	return &errmodel.Error{Kind: errmodel.KindInvalidRequest, Message: err.Error(), Cause: err}
}

func (o *Orchestrator) newPlan(tpl *Template, it types.IntentType, sessionID string) *types.ExecutionPlan {
	steps := make([]*types.Step, len(tpl.Steps))
	for i, s := range tpl.Steps {
		steps[i] = &types.Step{Name: s.Name, Action: s.Action, State: types.StepPending}
	}
	return &types.ExecutionPlan{
		PlanID:     types.PlanID(uuid.NewString()),
		IntentType: it,
		SessionID:  sessionID,
		Steps:      steps,
		Budget:     o.budget,
		StartedAt:  o.clock.Now(),
		Status:     types.PlanRunning,
	}
}

// clarify runs the single local clarification step. No registered handler is
// called.
func (o *Orchestrator) clarify(ctx context.Context, intent types.Intent, sessionID string) types.PlanResult {
	now := o.clock.Now()
	plan := &types.ExecutionPlan{
		PlanID:     types.PlanID(uuid.NewString()),
		IntentType: types.IntentClarify,
		SessionID:  sessionID,
		Budget:     o.budget,
		StartedAt:  now,
		Status:     types.PlanRunning,
	}
	step := &types.Step{Name: "clarify", Action: handler.ActionClarify, State: types.StepRunning, StartedAt: &now}
	plan.Steps = []*types.Step{step}

	reason := "low confidence"
	if intent.Type == types.IntentUnknown {
		reason = "no intent recognised"
	}
	in := handler.Input{"lang": intent.StringParam("lang"), "reason": reason}
	step.Input = in
	out, err := o.clarifier.Call(ctx, in)
	end := o.clock.Now()
	step.FinishedAt = &end
	if err != nil {
		step.State = types.StepFailed
		step.Error = &types.StepError{Kind: string(errmodel.KindInternal), Message: err.Error()}
	} else {
		step.State = types.StepSucceeded
		step.Output = out
	}
	_ = plan.Finish(types.PlanCompleted)

	res := types.PlanResult{
		PlanID:        plan.PlanID,
		IntentType:    plan.IntentType,
		Status:        plan.Status,
		StepResults:   []types.StepResult{stepResult(step)},
		Clarification: true,
		StartedAt:     plan.StartedAt,
		FinishedAt:    end,
	}
	if text, ok := out.Text(); ok {
		res.Answer = text
		res.PartialData = map[string]any{step.Name: out}
	}
	o.finish(res)
	return res
}

func (o *Orchestrator) finish(res types.PlanResult) {
	o.results.Put(res)
	elapsed := res.FinishedAt.Sub(res.StartedAt)
	o.observer.PlanFinished(res.IntentType, res.Status, elapsed)
	log.Info("plan finished",
		"planID", res.PlanID,
		"intent", res.IntentType,
		"status", res.Status,
		"steps", len(res.StepResults),
		"elapsed", elapsed)
}

// ============================================================================
// Plan run
// ============================================================================

type run struct {
	o      *Orchestrator
	tpl    *Template
	plan   *types.ExecutionPlan
	intent types.Intent

	// outputs of succeeded steps, written only between stages
	outputs map[string]handler.Output

	aborted         bool
	cancelled       bool
	budgetExhausted bool
	finishedAt      time.Time
}

func (r *run) execute(ctx context.Context) {
	stepCtx := resilience.WithCancelSignal(context.WithoutCancel(ctx), ctx.Done())

	for start := 0; start < len(r.plan.Steps); {
		end := r.stageEnd(start)

		if reason := r.stopReason(ctx); reason != "" {
			r.skipFrom(start, reason)
			break
		}

		r.runStage(stepCtx, start, end)
		for i := start; i < end; i++ {
			s := r.plan.Steps[i]
			if s.State == types.StepSucceeded {
				out, _ := s.Output.(handler.Output)
				r.outputs[s.Name] = out
				continue
			}
			if s.State == types.StepFailed && r.tpl.policyFor(r.tpl.Steps[i]) == Abort {
				r.aborted = true
			}
		}
		start = end
	}
	r.finishedAt = r.o.clock.Now()
	_ = r.plan.Finish(r.status())
}

// stageEnd returns the index one past the stage starting at start.
func (r *run) stageEnd(start int) int {
	g := r.tpl.Steps[start].Group
	end := start + 1
	if g == "" {
		return end
	}
	for end < len(r.tpl.Steps) && r.tpl.Steps[end].Group == g {
		end++
	}
	return end
}

func (r *run) stopReason(ctx context.Context) errmodel.Kind {
	switch {
	case r.aborted:
		return errmodel.KindDependencyFailed
	case ctx.Err() != nil:
		r.cancelled = true
		return errmodel.KindCancelled
	case r.o.budget > 0 && r.o.clock.Now().Sub(r.plan.StartedAt) >= r.o.budget:
		r.budgetExhausted = true
		return errmodel.KindBudgetExceeded
	}
	return ""
}

func (r *run) skipFrom(start int, kind errmodel.Kind) {
	for i := start; i < len(r.plan.Steps); i++ {
		r.skip(r.plan.Steps[i], kind, "")
	}
}

func (r *run) skip(s *types.Step, kind errmodel.Kind, detail string) {
	s.State = types.StepSkipped
	msg := errmodel.UserMessage(kind)
	if detail != "" {
		msg = detail
	}
	s.Error = &types.StepError{Kind: string(kind), Message: msg}
	r.o.observer.StepFinished(s.Action, s.State, 0)
}

func (r *run) runStage(ctx context.Context, start, end int) {
	if end-start == 1 {
		r.runStep(ctx, start)
		return
	}
	var g errgroup.Group
	for i := start; i < end; i++ {
		g.Go(func() error {
			r.runStep(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *run) runStep(ctx context.Context, i int) {
	st := r.tpl.Steps[i]
	step := r.plan.Steps[i]

	for _, req := range st.Requires {
		if _, ok := r.outputs[req]; !ok {
			r.skip(step, errmodel.KindDependencyFailed, fmt.Sprintf("required step %q did not succeed", req))
			return
		}
	}

	h, err := r.o.handlers.Get(st.Action)
	if err != nil {
		r.fail(step, errmodel.New(errmodel.KindConfiguration, err.Error()))
		return
	}

	in := r.resolve(st)
	step.Input = in
	started := r.o.clock.Now()
	step.StartedAt = &started
	step.State = types.StepRunning

	ctx, span := r.o.tracer.Start(ctx, "orchestrator.step", trace.WithAttributes(
		attribute.String("step", st.Name),
		attribute.String("action", st.Action),
	))
	defer span.End()

	out, err := r.call(ctx, h, in)
	finished := r.o.clock.Now()
	step.FinishedAt = &finished

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errmodel.KindOf(err)))
		r.fail(step, err)
		log.Warn("step failed",
			"planID", r.plan.PlanID,
			"step", st.Name,
			"action", st.Action,
			"kind", errmodel.KindOf(err),
			"error", err)
		return
	}
	step.State = types.StepSucceeded
	step.Output = out
	r.o.observer.StepFinished(step.Action, step.State, step.Duration())
}

// call invokes h, through the guard when it talks to a dependency.
func (r *run) call(ctx context.Context, h handler.Handler, in handler.Input) (handler.Output, error) {
	if h.Dependency() == "" {
		out, err := h.Call(ctx, in)
		if err != nil {
			return nil, errmodel.Classify("", err)
		}
		return out, nil
	}

	return resilience.Call(ctx, r.o.guard, r.plan.SessionID, h.Dependency(), func(ctx context.Context) (handler.Output, error) {
		return h.Call(ctx, in)
	})
}

func (r *run) fail(step *types.Step, err error) {
	step.State = types.StepFailed
	var e *errmodel.Error
	if errors.As(err, &e) {
		step.Error = &types.StepError{Kind: string(e.Kind), Message: e.Error(), Dependency: e.Dependency}
	} else {
		step.Error = &types.StepError{Kind: string(errmodel.KindFatalFailure), Message: err.Error()}
	}
	r.o.observer.StepFinished(step.Action, step.State, step.Duration())
}

func (r *run) resolve(st StepTemplate) handler.Input {
	in := make(handler.Input, len(st.Inputs))
	for key, ref := range st.Inputs {
		if v, ok := r.value(ref); ok {
			in[key] = v
		}
	}
	return in
}

func (r *run) value(ref InputRef) (any, bool) {
	switch ref.Kind {
	case RefLiteral:
		return ref.Value, true
	case RefSource:
		return r.intent.SourceText, true
	case RefSession:
		return r.plan.SessionID, true
	case RefParam:
		if v, ok := r.intent.Param(ref.Name); ok && v != nil {
			return v, true
		}
		if ref.Default != nil {
			return ref.Default, true
		}
		if ref.FallbackSource {
			return r.intent.SourceText, true
		}
	case RefStep:
		out, ok := r.outputs[ref.Name]
		if !ok {
			return nil, false
		}
		field := ref.Field
		if field == "" {
			field = handler.KeyText
		}
		v, ok := out[field]
		return v, ok
	}
	return nil, false
}

func (r *run) status() types.PlanStatus {
	succeeded, unfinished := 0, 0
	for _, s := range r.plan.Steps {
		if s.State == types.StepSucceeded {
			succeeded++
		} else {
			unfinished++
		}
	}
	switch {
	case succeeded == 0, r.cancelled, r.aborted:
		return types.PlanAborted
	case unfinished > 0, r.budgetExhausted:
		return types.PlanPartial
	default:
		return types.PlanCompleted
	}
}

func (r *run) result() types.PlanResult {
	res := types.PlanResult{
		PlanID:      r.plan.PlanID,
		IntentType:  r.plan.IntentType,
		Status:      r.plan.Status,
		StepResults: make([]types.StepResult, 0, len(r.plan.Steps)),
		StartedAt:   r.plan.StartedAt,
		FinishedAt:  r.finishedAt,
	}
	for _, s := range r.plan.Steps {
		res.StepResults = append(res.StepResults, stepResult(s))
		switch s.State {
		case types.StepSucceeded:
			out, _ := s.Output.(handler.Output)
			if res.PartialData == nil {
				res.PartialData = make(map[string]any)
			}
			res.PartialData[s.Name] = out
			if text, ok := out.Text(); ok {
				res.Answer = text
			}
		default:
			kind := errmodel.KindInternal
			if s.Error != nil {
				kind = errmodel.Kind(s.Error.Kind)
			}
			res.Unfinished = append(res.Unfinished, types.UnfinishedItem{
				Step:   s.Name,
				Kind:   string(kind),
				Reason: errmodel.UserMessage(kind),
			})
		}
	}
	return res
}

func stepResult(s *types.Step) types.StepResult {
	return types.StepResult{
		Name:       s.Name,
		Action:     s.Action,
		State:      s.State,
		Output:     s.Output,
		Error:      s.Error,
		DurationMs: s.Duration().Milliseconds(),
	}
}
