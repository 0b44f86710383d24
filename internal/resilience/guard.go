// ============================================================================
// Resilience Guard - wraps every outbound call
// ============================================================================
//
// Package: internal/resilience
// File: guard.go
// Purpose: Compose rate limiting, circuit breaking, per-attempt timeouts and
//          retry with backoff around a single dependency call.
//
// Fixed order per call:
//
//   rate limit ──> circuit breaker ──> timeout ──> retry/backoff
//        │               │                │               │
//   rate_limited    circuit_open       timeout     retryable_failure
//
//   - the token is taken once per logical call, not per attempt
//   - every failed attempt is recorded with the breaker, so a call that
//     retries through the threshold opens the circuit and stops with
//     circuit_open on its next attempt
//   - only errors marked retryable are attempted again
//   - between attempts the cooperative cancel signal is checked; an attempt
//     already in flight is never interrupted by it
//
// State ownership:
//   A Guard owns one Breaker per dependency and one Limiters registry. It is
//   constructed once and injected into the router, orchestrator and
//   scheduler; nothing here is global.
//
// ============================================================================

package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/maga-orchestrator/internal/clock"
	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
)

// Observer receives resilience events, typically the metrics collector.
type Observer interface {
	CallRejected(dependency string, kind errmodel.Kind)
	AttemptFinished(dependency string, outcome Outcome, elapsed time.Duration)
	CircuitChanged(dependency string, from, to CircuitStatus)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) CallRejected(string, errmodel.Kind)                 {}
func (NopObserver) AttemptFinished(string, Outcome, time.Duration)     {}
func (NopObserver) CircuitChanged(string, CircuitStatus, CircuitStatus) {}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(g *Guard) { g.clock = c } }

// WithObserver attaches an event observer.
func WithObserver(o Observer) Option { return func(g *Guard) { g.observer = o } }

// WithJitter replaces the jitter source. fn must return a value in [0, max].
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(g *Guard) { g.jitter = fn }
}

// CallOption tunes a single call.
type CallOption func(*callOptions)

type callOptions struct {
	noRetry bool
}

// WithoutRetry makes a single attempt. The scheduler uses it because its
// own durable retry replaces the in-call one.
func WithoutRetry() CallOption { return func(o *callOptions) { o.noRetry = true } }

// Guard applies the resilience policy of each dependency.
type Guard struct {
	cfg      config.ResilienceConfig
	clock    clock.Clock
	observer Observer
	jitter   func(time.Duration) time.Duration
	tracer   trace.Tracer
	limiters *Limiters

	mu       sync.Mutex
	breakers map[string]*Breaker
	policies map[string]Policy
}

// NewGuard builds a guard from the resilience configuration.
func NewGuard(cfg config.ResilienceConfig, opts ...Option) *Guard {
	g := &Guard{
		cfg:      cfg,
		clock:    clock.Real(),
		observer: NopObserver{},
		jitter:   UniformJitter,
		tracer:   otel.Tracer("github.com/ChuLiYu/maga-orchestrator/internal/resilience"),
		breakers: make(map[string]*Breaker),
		policies: make(map[string]Policy),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.limiters = NewLimiters(g.clock)
	return g
}

// Policy returns the effective policy for a dependency.
func (g *Guard) Policy(dependency string) Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policyLocked(dependency)
}

func (g *Guard) policyLocked(dependency string) Policy {
	p, ok := g.policies[dependency]
	if !ok {
		p = PolicyFromConfig(g.cfg.PolicyFor(dependency))
		g.policies[dependency] = p
	}
	return p
}

func (g *Guard) breaker(dependency string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[dependency]
	if !ok {
		p := g.policyLocked(dependency)
		b = NewBreaker(dependency, p.FailureThreshold, p.Cooldown, g.clock)
		b.onChange = g.observer.CircuitChanged
		g.breakers[dependency] = b
	}
	return b
}

// CircuitStates returns a snapshot of every breaker created so far.
func (g *Guard) CircuitStates() []CircuitState {
	g.mu.Lock()
	bs := make([]*Breaker, 0, len(g.breakers))
	for _, b := range g.breakers {
		bs = append(bs, b)
	}
	g.mu.Unlock()

	out := make([]CircuitState, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}

// Bucket exposes the token bucket for (session, dependency).
func (g *Guard) Bucket(session, dependency string) (RateBucket, bool) {
	return g.limiters.Bucket(session, dependency)
}

// PruneBuckets drops idle token buckets.
func (g *Guard) PruneBuckets(idle time.Duration) int {
	return g.limiters.Prune(idle)
}

// Do runs fn under the dependency's policy. The returned error, if any, is
// always an *errmodel.Error.
func (g *Guard) Do(ctx context.Context, session, dependency string, fn func(context.Context) error, opts ...CallOption) (err error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	pol := g.Policy(dependency)

	ctx, span := g.tracer.Start(ctx, "resilience.call", trace.WithAttributes(
		attribute.String("dependency", dependency),
		attribute.String("session", session),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(errmodel.KindOf(err)))
		}
		span.End()
	}()

	if !g.limiters.Allow(session, dependency, pol.RatePerMinute, pol.Burst) {
		g.observer.CallRejected(dependency, errmodel.KindRateLimited)
		return &errmodel.Error{
			Kind:       errmodel.KindRateLimited,
			Dependency: dependency,
			Message:    fmt.Sprintf("quota of %d per burst exhausted for session %q", pol.Burst, session),
		}
	}

	br := g.breaker(dependency)
	maxAttempts := pol.Retry.MaxRetries
	if co.noRetry || maxAttempts < 1 {
		maxAttempts = 1
	}

	var last *errmodel.Error
	for n := 1; n <= maxAttempts; n++ {
		if n > 1 && Cancelled(ctx) {
			return cancelledError(dependency, n-1, last)
		}

		ticket, aerr := br.Acquire()
		if aerr != nil {
			g.observer.CallRejected(dependency, errmodel.KindCircuitOpen)
			return &errmodel.Error{
				Kind:       errmodel.KindCircuitOpen,
				Dependency: dependency,
				Message:    "circuit is open",
				Attempts:   n - 1,
				Cause:      causeOf(last),
			}
		}

		start := g.clock.Now()
		attemptErr := g.attempt(ctx, dependency, pol.Timeout, fn)
		outcome, classified := classifyAttempt(ctx, dependency, attemptErr)
		br.Record(ticket, outcome)
		g.observer.AttemptFinished(dependency, outcome, g.clock.Now().Sub(start))
		span.SetAttributes(attribute.Int("attempts", n))

		if classified == nil {
			return nil
		}
		if !classified.Retryable {
			classified.Attempts = n
			return classified
		}
		last = classified
		if n == maxAttempts {
			break
		}
		span.AddEvent("retry", trace.WithAttributes(attribute.String("kind", string(classified.Kind))))
		if serr := g.sleep(ctx, pol.Retry.Delay(n, g.jitter)); serr != nil {
			return cancelledError(dependency, n, last)
		}
	}

	if maxAttempts == 1 {
		last.Attempts = 1
		return last
	}
	return &errmodel.Error{
		Kind:       errmodel.KindRetryableFailure,
		Dependency: dependency,
		Message:    fmt.Sprintf("gave up after %d attempts", maxAttempts),
		Attempts:   maxAttempts,
		Cause:      last,
	}
}

// Call runs fn under g like Do and returns the value of the attempt the
// guard accepted. A value produced by an abandoned attempt after its
// deadline is dropped.
func Call[T any](ctx context.Context, g *Guard, session, dependency string, fn func(context.Context) (T, error), opts ...CallOption) (T, error) {
	var (
		mu  sync.Mutex
		out T
	)
	err := g.Do(ctx, session, dependency, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if err := ctx.Err(); err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	mu.Lock()
	defer mu.Unlock()
	return out, nil
}

// attempt runs fn with a deadline. fn keeps running in the background if it
// ignores its context past the deadline; the caller is released either way.
func (g *Guard) attempt(ctx context.Context, dependency string, timeout time.Duration, fn func(context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(actx) }()

	select {
	case err := <-done:
		return err
	case <-actx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errmodel.Timeout(dependency, fmt.Errorf("no answer within %s", timeout))
	}
}

func (g *Guard) sleep(ctx context.Context, d time.Duration) error {
	if Cancelled(ctx) {
		return context.Canceled
	}
	sig := cancelSignal(ctx)
	if sig == nil {
		return g.clock.Sleep(ctx, d)
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sig:
			cancel()
		case <-sctx.Done():
		}
	}()
	return g.clock.Sleep(sctx, d)
}

func classifyAttempt(ctx context.Context, dependency string, err error) (Outcome, *errmodel.Error) {
	if err == nil {
		return OutcomeSuccess, nil
	}
	if ctx.Err() != nil {
		return OutcomeAbandoned, &errmodel.Error{Kind: errmodel.KindCancelled, Dependency: dependency, Cause: err}
	}
	c := *errmodel.Classify(dependency, err)
	ce := &c
	switch {
	case ce.Kind == errmodel.KindCancelled:
		return OutcomeAbandoned, ce
	case ce.Retryable:
		return OutcomeFailure, ce
	default:
		return OutcomeRejected, ce
	}
}

func cancelledError(dependency string, attempts int, last *errmodel.Error) *errmodel.Error {
	return &errmodel.Error{
		Kind:       errmodel.KindCancelled,
		Dependency: dependency,
		Message:    "cancelled between attempts",
		Attempts:   attempts,
		Cause:      causeOf(last),
	}
}

// causeOf avoids storing a typed nil pointer in an error interface.
func causeOf(e *errmodel.Error) error {
	if e == nil {
		return nil
	}
	return e
}

// ============================================================================
// Cooperative cancellation
// ============================================================================

type cancelSignalKey struct{}

// WithCancelSignal attaches a caller cancellation signal to a context whose
// own cancellation has been detached. Handlers and the retry loop consult it
// between attempts; an in-flight attempt is not interrupted.
func WithCancelSignal(ctx context.Context, done <-chan struct{}) context.Context {
	return context.WithValue(ctx, cancelSignalKey{}, done)
}

func cancelSignal(ctx context.Context) <-chan struct{} {
	done, _ := ctx.Value(cancelSignalKey{}).(<-chan struct{})
	return done
}

// Cancelled reports whether the caller asked to stop.
func Cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	sig := cancelSignal(ctx)
	if sig == nil {
		return false
	}
	select {
	case <-sig:
		return true
	default:
		return false
	}
}
