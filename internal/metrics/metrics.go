// ============================================================================
// Assistant Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: one Collector that observes the orchestrator, the resilience
//          guard and the scheduler, exposed on /metrics.
//
// Metric families:
//
//   1. Plans (RED per intent)
//      - assistant_plans_total{intent,status}
//      - assistant_plan_duration_seconds{intent}
//      - assistant_steps_total{action,state}
//      - assistant_step_duration_seconds{action}
//
//   2. Dependencies
//      - assistant_dependency_attempts_total{dependency,outcome}
//      - assistant_dependency_latency_seconds{dependency}
//      - assistant_dependency_rejections_total{dependency,kind}
//      - assistant_circuit_state{dependency}       0 closed, 1 half-open, 2 open
//      - assistant_circuit_transitions_total{dependency,to}
//
//   3. Scheduler
//      - scheduler_tasks_enqueued_total{action}
//      - scheduler_tasks_finished_total{action,status}
//      - scheduler_task_duration_seconds{action}
//      - scheduler_tasks_recovered_total
//      - scheduler_tasks{status}
//      - scheduler_recovery_time_seconds
//
// Example queries:
//
//   # 95th percentile plan latency per intent
//   histogram_quantile(0.95, sum by (le, intent) (rate(assistant_plan_duration_seconds_bucket[5m])))
//
//   # dead-letter rate
//   rate(scheduler_tasks_finished_total{status="dead_lettered"}[5m])
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/resilience"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

// Collector holds every metric of the process.
type Collector struct {
	plans        *prometheus.CounterVec
	planLatency  *prometheus.HistogramVec
	steps        *prometheus.CounterVec
	stepLatency  *prometheus.HistogramVec
	attempts     *prometheus.CounterVec
	depLatency   *prometheus.HistogramVec
	rejections   *prometheus.CounterVec
	circuitState *prometheus.GaugeVec
	transitions  *prometheus.CounterVec

	tasksEnqueued  *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	taskLatency    *prometheus.HistogramVec
	tasksRecovered prometheus.Counter
	tasks          *prometheus.GaugeVec
	recoveryTime   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// means the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_plans_total",
			Help: "Plans executed, by intent and final status",
		}, []string{"intent", "status"}),
		planLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assistant_plan_duration_seconds",
			Help:    "End-to-end plan latency",
			Buckets: []float64{0.05, 0.1, 0.2, 0.4, 0.8, 1.6, 3.2, 6.4},
		}, []string{"intent"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_steps_total",
			Help: "Plan steps finished, by action and state",
		}, []string{"action", "state"}),
		stepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assistant_step_duration_seconds",
			Help:    "Plan step latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_dependency_attempts_total",
			Help: "Calls to external dependencies, by outcome",
		}, []string{"dependency", "outcome"}),
		depLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "assistant_dependency_latency_seconds",
			Help:    "Latency of single dependency attempts",
			Buckets: prometheus.DefBuckets,
		}, []string{"dependency"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_dependency_rejections_total",
			Help: "Calls refused before reaching the dependency",
		}, []string{"dependency", "kind"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "assistant_circuit_state",
			Help: "Circuit breaker position: 0 closed, 1 half-open, 2 open",
		}, []string{"dependency"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_circuit_transitions_total",
			Help: "Circuit breaker transitions, by target state",
		}, []string{"dependency", "to"}),
		tasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_tasks_enqueued_total",
			Help: "Deferred tasks enqueued",
		}, []string{"action"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_tasks_finished_total",
			Help: "Deferred task runs, by resulting status",
		}, []string{"action", "status"}),
		taskLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduler_task_duration_seconds",
			Help:    "Deferred task run latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		tasksRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_tasks_recovered_total",
			Help: "Running tasks returned to pending at startup",
		}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scheduler_tasks",
			Help: "Current number of tasks, by status",
		}, []string{"status"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_recovery_time_seconds",
			Help: "Time taken to load the task store at startup",
		}),
	}

	reg.MustRegister(
		c.plans, c.planLatency, c.steps, c.stepLatency,
		c.attempts, c.depLatency, c.rejections, c.circuitState, c.transitions,
		c.tasksEnqueued, c.tasksFinished, c.taskLatency, c.tasksRecovered, c.tasks, c.recoveryTime,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// PlanFinished implements orchestrator.Observer.
func (c *Collector) PlanFinished(intent types.IntentType, status types.PlanStatus, elapsed time.Duration) {
	c.plans.WithLabelValues(string(intent), string(status)).Inc()
	c.planLatency.WithLabelValues(string(intent)).Observe(elapsed.Seconds())
}

// StepFinished implements orchestrator.Observer.
func (c *Collector) StepFinished(action string, state types.StepState, elapsed time.Duration) {
	c.steps.WithLabelValues(action, string(state)).Inc()
	c.stepLatency.WithLabelValues(action).Observe(elapsed.Seconds())
}

// CallRejected implements resilience.Observer.
func (c *Collector) CallRejected(dependency string, kind errmodel.Kind) {
	c.rejections.WithLabelValues(dependency, string(kind)).Inc()
}

// AttemptFinished implements resilience.Observer.
func (c *Collector) AttemptFinished(dependency string, outcome resilience.Outcome, elapsed time.Duration) {
	c.attempts.WithLabelValues(dependency, outcome.String()).Inc()
	c.depLatency.WithLabelValues(dependency).Observe(elapsed.Seconds())
}

// CircuitChanged implements resilience.Observer.
func (c *Collector) CircuitChanged(dependency string, _, to resilience.CircuitStatus) {
	c.transitions.WithLabelValues(dependency, string(to)).Inc()
	c.circuitState.WithLabelValues(dependency).Set(circuitValue(to))
}

func circuitValue(s resilience.CircuitStatus) float64 {
	switch s {
	case resilience.CircuitHalfOpen:
		return 1
	case resilience.CircuitOpen:
		return 2
	default:
		return 0
	}
}

// TaskEnqueued implements scheduler.Observer.
func (c *Collector) TaskEnqueued(action string) {
	c.tasksEnqueued.WithLabelValues(action).Inc()
}

// TaskFinished implements scheduler.Observer.
func (c *Collector) TaskFinished(action string, status types.TaskStatus, elapsed time.Duration) {
	c.tasksFinished.WithLabelValues(action, string(status)).Inc()
	c.taskLatency.WithLabelValues(action).Observe(elapsed.Seconds())
}

// TasksRecovered implements scheduler.Observer.
func (c *Collector) TasksRecovered(n int) {
	c.tasksRecovered.Add(float64(n))
}

// SetRecoveryTime records how long the task store took to load.
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// UpdateTaskCounts replaces the per-status task gauges.
func (c *Collector) UpdateTaskCounts(counts map[types.TaskStatus]int) {
	for _, s := range []types.TaskStatus{
		types.TaskPending, types.TaskRunning, types.TaskFailed, types.TaskSucceeded, types.TaskDeadLettered,
	} {
		c.tasks.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Handler serves the registry the collector was registered with.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on port until the listener fails.
func (c *Collector) StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
