package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/resilience"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

type fakeBackend struct {
	lastText    string
	lastSession types.SessionContext
	lastAudio   []byte
	enqueued    []types.EnqueueRequest
	tasks       map[types.TaskID]*types.ScheduledTask
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tasks: map[types.TaskID]*types.ScheduledTask{}}
}

func (f *fakeBackend) SubmitIntent(_ context.Context, text, sessionID string, sc types.SessionContext) (types.PlanResult, error) {
	if text == "" {
		return types.PlanResult{}, errmodel.Invalid("text is required")
	}
	f.lastText, f.lastSession = text, sc
	return types.PlanResult{
		PlanID:     "plan-1",
		IntentType: types.IntentHHSearch,
		Status:     types.PlanCompleted,
		Answer:     "3 vacancies found",
		StepResults: []types.StepResult{
			{Name: "search", Action: "hh.search", State: types.StepSucceeded},
		},
	}, nil
}

func (f *fakeBackend) SubmitVoice(_ context.Context, audio []byte, _ string, _ types.SessionContext) (types.PlanResult, error) {
	f.lastAudio = audio
	return types.PlanResult{PlanID: "plan-2", IntentType: types.IntentClarify, Status: types.PlanCompleted, Clarification: true}, nil
}

func (f *fakeBackend) ClassifyOnly(_ context.Context, text string) (types.Intent, error) {
	return types.NewIntent(types.IntentHHSearch, 0.9, map[string]any{"query": "python"}, text), nil
}

func (f *fakeBackend) EnqueueDeferredTask(_ context.Context, req types.EnqueueRequest) (types.TaskID, error) {
	if req.Action == "" {
		return "", errmodel.Invalid("action is required")
	}
	f.enqueued = append(f.enqueued, req)
	id := types.TaskID("task-1")
	f.tasks[id] = &types.ScheduledTask{ID: id, Action: req.Action, Payload: req.Payload, Status: types.TaskPending, NextRunAt: req.RunAt}
	return id, nil
}

func (f *fakeBackend) GetPlanResult(id types.PlanID) (types.PlanResult, error) {
	if id != "plan-1" {
		return types.PlanResult{}, errmodel.NotFound("plan %s", id)
	}
	return types.PlanResult{PlanID: id, Status: types.PlanCompleted}, nil
}

func (f *fakeBackend) GetTaskStatus(_ context.Context, id types.TaskID) (*types.ScheduledTask, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, errmodel.NotFound("task %s", id)
	}
	return t, nil
}

func (f *fakeBackend) RemoveTask(_ context.Context, id types.TaskID) error {
	if _, ok := f.tasks[id]; !ok {
		return errmodel.NotFound("task %s", id)
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeBackend) DeadLetters(context.Context) ([]*types.ScheduledTask, error) { return nil, nil }

func (f *fakeBackend) CircuitStates() []resilience.CircuitState {
	return []resilience.CircuitState{{Dependency: "hh", Status: resilience.CircuitOpen, ConsecutiveFailures: 5}}
}

func dial(t *testing.T, b Backend) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(b)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSubmitIntentRoundTrip(t *testing.T) {
	b := newFakeBackend()
	c := dial(t, b)
	ctx := context.Background()

	res, err := c.Call(ctx, "SubmitIntent", map[string]any{
		"text":       "найди вакансии python",
		"session_id": "s1",
		"language":   "ru",
	})
	require.NoError(t, err)
	assert.Equal(t, "plan-1", res["plan_id"])
	assert.Equal(t, "completed", res["status"])
	assert.Equal(t, "3 vacancies found", res["answer"])
	steps, ok := res["step_results"].([]any)
	require.True(t, ok)
	require.Len(t, steps, 1)

	assert.Equal(t, "найди вакансии python", b.lastText)
	assert.Equal(t, "s1", b.lastSession.SessionID)
	assert.Equal(t, "ru", b.lastSession.Language)
}

func TestErrorsCarryStatusCodes(t *testing.T) {
	c := dial(t, newFakeBackend())
	ctx := context.Background()

	_, err := c.SubmitIntent(ctx, "", "s1")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "text is required")

	_, err = c.GetPlanResult(ctx, "nope")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = c.Call(ctx, "SubmitVoice", map[string]any{"audio": "%%%"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestDeferredTaskMethods(t *testing.T) {
	b := newFakeBackend()
	c := dial(t, b)
	ctx := context.Background()

	before := time.Now()
	id, err := c.EnqueueDeferredTask(ctx, "notify.send", map[string]any{"text": "stretch"}, time.Minute, "s1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
	require.Len(t, b.enqueued, 1)
	req := b.enqueued[0]
	assert.Equal(t, "stretch", req.Payload["text"])
	assert.Equal(t, "s1", req.SessionID)
	assert.WithinDuration(t, before.Add(time.Minute), req.RunAt, 5*time.Second)

	got, err := c.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "pending", got["status"])
	assert.Equal(t, "notify.send", got["action"])

	require.NoError(t, c.RemoveTask(ctx, id))
	err = c.RemoveTask(ctx, id)
	assert.Equal(t, codes.NotFound, status.Code(err))

	runAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	_, err = c.Call(ctx, "EnqueueDeferredTask", map[string]any{"action": "notify.send", "run_at": runAt.Format(time.RFC3339)})
	require.NoError(t, err)
	assert.True(t, b.enqueued[1].RunAt.Equal(runAt))

	_, err = c.Call(ctx, "EnqueueDeferredTask", map[string]any{"action": "notify.send", "run_at": "tomorrow"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestIntrospectionMethods(t *testing.T) {
	c := dial(t, newFakeBackend())
	ctx := context.Background()

	in, err := c.ClassifyOnly(ctx, "найди вакансии python")
	require.NoError(t, err)
	assert.Equal(t, string(types.IntentHHSearch), in["type"])

	voice, err := c.SubmitVoice(ctx, []byte{1, 2, 3}, "s1", "ru")
	require.NoError(t, err)
	assert.Equal(t, true, voice["clarification"])

	dead, err := c.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)

	circuits, err := c.CircuitStates(ctx)
	require.NoError(t, err)
	require.Len(t, circuits, 1)
	assert.Equal(t, "open", circuits[0].(map[string]any)["status"])
}

func TestCode(t *testing.T) {
	cases := map[errmodel.Kind]codes.Code{
		errmodel.KindInvalidRequest: codes.InvalidArgument,
		errmodel.KindNotFound:       codes.NotFound,
		errmodel.KindRateLimited:    codes.ResourceExhausted,
		errmodel.KindCircuitOpen:    codes.Unavailable,
		errmodel.KindTimeout:        codes.DeadlineExceeded,
		errmodel.KindConfiguration:  codes.FailedPrecondition,
		errmodel.KindInternal:       codes.Internal,
	}
	for kind, want := range cases {
		assert.Equal(t, want, Code(kind), kind)
	}
}
