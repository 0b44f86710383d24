package metrics

import (
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/maga-orchestrator/internal/resilience"
	"github.com/ChuLiYu/maga-orchestrator/internal/scheduler"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

var (
	_ orchestrator.Observer = (*Collector)(nil)
	_ resilience.Observer   = (*Collector)(nil)
	_ scheduler.Observer    = (*Collector)(nil)
)

func newCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector(prometheus.NewRegistry())
}

func TestNewCollector(t *testing.T) {
	c := newCollector(t)
	assert.NotNil(t, c.plans)
	assert.NotNil(t, c.attempts)
	assert.NotNil(t, c.tasksFinished)
	assert.NotNil(t, c.recoveryTime)
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) }, "one collector per registry")
}

func TestPlanMetrics(t *testing.T) {
	c := newCollector(t)
	c.PlanFinished(types.IntentHHSearch, types.PlanCompleted, 300*time.Millisecond)
	c.PlanFinished(types.IntentHHSearch, types.PlanCompleted, 200*time.Millisecond)
	c.PlanFinished(types.IntentTranslateText, types.PlanAborted, time.Second)
	c.StepFinished("hh.search", types.StepSucceeded, 100*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.plans.WithLabelValues(string(types.IntentHHSearch), string(types.PlanCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.plans.WithLabelValues(string(types.IntentTranslateText), string(types.PlanAborted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.steps.WithLabelValues("hh.search", string(types.StepSucceeded))))
	assert.Equal(t, 2, testutil.CollectAndCount(c.planLatency))
}

func TestDependencyMetrics(t *testing.T) {
	c := newCollector(t)
	c.AttemptFinished("hh", resilience.OutcomeSuccess, 50*time.Millisecond)
	c.AttemptFinished("hh", resilience.OutcomeFailure, time.Second)
	c.CallRejected("hh", errmodel.KindRateLimited)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("hh", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.attempts.WithLabelValues("hh", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejections.WithLabelValues("hh", string(errmodel.KindRateLimited))))
}

func TestCircuitGauge(t *testing.T) {
	c := newCollector(t)

	tests := []struct {
		to   resilience.CircuitStatus
		want float64
	}{
		{resilience.CircuitOpen, 2},
		{resilience.CircuitHalfOpen, 1},
		{resilience.CircuitClosed, 0},
	}
	from := resilience.CircuitClosed
	for _, tt := range tests {
		c.CircuitChanged("ocr", from, tt.to)
		assert.Equal(t, tt.want, testutil.ToFloat64(c.circuitState.WithLabelValues("ocr")), "after %s", tt.to)
		from = tt.to
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("ocr", string(resilience.CircuitOpen))))
}

func TestSchedulerMetrics(t *testing.T) {
	c := newCollector(t)
	c.TaskEnqueued("notify.send")
	c.TaskEnqueued("notify.send")
	c.TaskFinished("notify.send", types.TaskSucceeded, 10*time.Millisecond)
	c.TaskFinished("notify.send", types.TaskDeadLettered, 10*time.Millisecond)
	c.TasksRecovered(3)
	c.SetRecoveryTime(1500 * time.Millisecond)
	c.UpdateTaskCounts(map[types.TaskStatus]int{types.TaskPending: 4})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasksEnqueued.WithLabelValues("notify.send")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksFinished.WithLabelValues("notify.send", string(types.TaskDeadLettered))))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.tasksRecovered))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.tasks.WithLabelValues(string(types.TaskPending))))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.tasks.WithLabelValues(string(types.TaskRunning))), "missing statuses are zeroed")
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c := newCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.TaskEnqueued("notify.send")
			c.AttemptFinished("notify", resilience.OutcomeSuccess, time.Millisecond)
			c.UpdateTaskCounts(map[types.TaskStatus]int{types.TaskPending: 1})
		}()
	}
	wg.Wait()
	assert.Equal(t, 100.0, testutil.ToFloat64(c.tasksEnqueued.WithLabelValues("notify.send")))
}

func TestHandlerServesRegistry(t *testing.T) {
	c := newCollector(t)
	c.TaskEnqueued("notify.send")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `scheduler_tasks_enqueued_total{action="notify.send"} 1`)
}
