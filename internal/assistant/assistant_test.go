package assistant

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/maga-orchestrator/internal/clock"
	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler/llm"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler/yandex"
	"github.com/ChuLiYu/maga-orchestrator/internal/store/memstore"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeLLM struct{}

func (fakeLLM) Name() string { return "fake" }

func (fakeLLM) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{Text: "generated: " + req.Messages[len(req.Messages)-1].Content, Model: "fake-1"}, nil
}

type fakeRecognizer struct {
	transcript yandex.Transcript
	err        error
}

func (f fakeRecognizer) Recognize(context.Context, []byte, string) (yandex.Transcript, error) {
	return f.transcript, f.err
}

type recorded struct {
	mu     sync.Mutex
	inputs []handler.Input
}

func (r *recorded) handler(name, text string) handler.Handler {
	return handler.NewFunc(name, "", func(_ context.Context, in handler.Input) (handler.Output, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.inputs = append(r.inputs, in)
		return handler.Output{handler.KeyText: text}, nil
	})
}

func (r *recorded) calls() []handler.Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]handler.Input(nil), r.inputs...)
}

type fixture struct {
	clk    *clock.Fake
	store  *memstore.Store
	search *recorded
	notify *recorded
	a      *Assistant
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clk:    clock.NewFake(epoch),
		store:  memstore.New(),
		search: &recorded{},
		notify: &recorded{},
	}
	cfg := config.Default()
	base := []Option{
		WithClock(f.clk),
		WithStore(f.store),
		WithLLMProvider(fakeLLM{}),
		WithHandlers(
			f.search.handler("hh.search", "3 vacancies found"),
			f.notify.handler("notify.send", "sent"),
		),
	}
	a, err := New(context.Background(), cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	f.a = a
	return f
}

func TestSubmitIntentRunsPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.a.SubmitIntent(ctx, "найди вакансии python в москве", "s1", types.SessionContext{})
	require.NoError(t, err)
	assert.Equal(t, types.IntentHHSearch, res.IntentType)
	assert.Equal(t, types.PlanCompleted, res.Status)
	assert.Contains(t, res.Answer, "3 vacancies")
	require.Len(t, f.search.calls(), 1)

	stored, err := f.a.GetPlanResult(res.PlanID)
	require.NoError(t, err)
	assert.Equal(t, res.PlanID, stored.PlanID)

	_, err = f.a.GetPlanResult("missing")
	assert.Equal(t, errmodel.KindNotFound, errmodel.KindOf(err))
}

func TestSubmitIntentRejectsEmptyText(t *testing.T) {
	f := newFixture(t)
	_, err := f.a.SubmitIntent(context.Background(), "   ", "s1", types.SessionContext{})
	assert.Equal(t, errmodel.KindInvalidRequest, errmodel.KindOf(err))
	assert.Equal(t, "text is required", UserMessage(err))
}

func TestUnrecognisedTextClarifies(t *testing.T) {
	f := newFixture(t)
	res, err := f.a.SubmitIntent(context.Background(), "бла бла", "s1", types.SessionContext{})
	require.NoError(t, err)
	assert.True(t, res.Clarification)
	assert.NotEmpty(t, res.Answer)
	assert.Empty(t, f.search.calls())
}

func TestRemindSchedulesAndDelivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.a.SubmitIntent(ctx, "напомни мне позвонить маме через 10 минут", "s1", types.SessionContext{})
	require.NoError(t, err)
	assert.Equal(t, types.IntentRemind, res.IntentType)
	assert.Equal(t, types.PlanCompleted, res.Status)

	pending, err := f.store.List(ctx, types.TaskPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	task := pending[0]
	assert.Equal(t, "notify.send", task.Action)
	assert.True(t, task.NextRunAt.Equal(epoch.Add(10*time.Minute)))

	n, err := f.a.RunDueTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not due yet")

	f.clk.Advance(10 * time.Minute)
	n, err = f.a.RunDueTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	calls := f.notify.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "позвонить маме", calls[0]["text"])
	assert.Equal(t, "s1", calls[0]["session_id"])

	got, err := f.a.GetTaskStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, got.Status)
}

func TestSubmitVoice(t *testing.T) {
	t.Run("confident transcript is classified", func(t *testing.T) {
		f := newFixture(t, WithRecognizer(fakeRecognizer{transcript: yandex.Transcript{
			Text: "найди вакансии python в москве", Confidence: 0.92, Language: "ru-RU",
		}}))
		res, err := f.a.SubmitVoice(context.Background(), []byte{1, 2, 3}, "s1", types.SessionContext{})
		require.NoError(t, err)
		assert.Equal(t, types.IntentHHSearch, res.IntentType)
		assert.False(t, res.Clarification)
	})

	t.Run("low confidence asks to repeat", func(t *testing.T) {
		f := newFixture(t, WithRecognizer(fakeRecognizer{transcript: yandex.Transcript{
			Text: "найди вакансии", Confidence: 0.3,
		}}))
		res, err := f.a.SubmitVoice(context.Background(), []byte{1}, "s1", types.SessionContext{Language: "ru"})
		require.NoError(t, err)
		assert.True(t, res.Clarification)
		assert.Empty(t, f.search.calls(), "no handler runs for an unclear transcript")
	})

	t.Run("recognition failure is returned", func(t *testing.T) {
		f := newFixture(t, WithRecognizer(fakeRecognizer{err: errmodel.Fatal(yandex.DepSTT, errors.New("400 bad audio"))}))
		_, err := f.a.SubmitVoice(context.Background(), []byte{1}, "s1", types.SessionContext{})
		assert.Equal(t, errmodel.KindFatalFailure, errmodel.KindOf(err))
		assert.Equal(t, yandex.DepSTT, errmodel.DependencyOf(err))
	})

	t.Run("empty audio", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.a.SubmitVoice(context.Background(), nil, "s1", types.SessionContext{})
		assert.Equal(t, errmodel.KindInvalidRequest, errmodel.KindOf(err))
	})
}

func TestClassifyOnlyExecutesNothing(t *testing.T) {
	f := newFixture(t)
	in, err := f.a.ClassifyOnly(context.Background(), "найди вакансии python в москве")
	require.NoError(t, err)
	assert.Equal(t, types.IntentHHSearch, in.Type)
	assert.Equal(t, "python", in.StringParam("query"))
	assert.Empty(t, f.search.calls())
}

func TestDeferredTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.a.EnqueueDeferredTask(ctx, types.EnqueueRequest{
		Action:  "notify.send",
		Payload: map[string]any{"text": "stretch"},
		RunAt:   epoch.Add(time.Hour),
	})
	require.NoError(t, err)

	got, err := f.a.GetTaskStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, got.Status)

	require.NoError(t, f.a.RemoveTask(ctx, id))
	_, err = f.a.GetTaskStatus(ctx, id)
	assert.Equal(t, errmodel.KindNotFound, errmodel.KindOf(err))

	_, err = f.a.EnqueueDeferredTask(ctx, types.EnqueueRequest{Action: "launch.rocket"})
	assert.Equal(t, errmodel.KindInvalidRequest, errmodel.KindOf(err))

	dead, err := f.a.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestUnconfiguredLLMFailsFatally(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.LLM.APIKey = ""
	a, err := New(context.Background(), cfg, WithStore(memstore.New()))
	require.NoError(t, err)
	defer a.Close()

	assert.Contains(t, a.Actions(), "llm.answer")

	h, err := a.handlers.Get("llm.answer")
	require.NoError(t, err)
	_, err = h.Call(context.Background(), handler.Input{"text": "hello"})
	assert.Equal(t, errmodel.KindConfiguration, errmodel.KindOf(err))
	assert.False(t, errmodel.IsRetryable(err))
}

func TestIntrospection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.a.SubmitIntent(ctx, "найди вакансии python в москве", "s1", types.SessionContext{})
	require.NoError(t, err)

	assert.NotEmpty(t, f.a.Templates())
	assert.Contains(t, f.a.Actions(), "schedule")
	assert.NotNil(t, f.a.Metrics())

	stats, err := f.a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats["open_circuits"])
}

func TestStartAndClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.a.Start(context.Background()))
	require.NoError(t, f.a.Close())
	assert.NoError(t, f.a.Close(), "close is idempotent")
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	mem, err := OpenStore(ctx, config.StorageConfig{
		Driver:       "memory",
		WALPath:      filepath.Join(dir, "tasks.wal"),
		SnapshotPath: filepath.Join(dir, "tasks.snapshot.json"),
	})
	require.NoError(t, err)
	require.NoError(t, mem.Close())

	lite, err := OpenStore(ctx, config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(dir, "tasks.db")})
	require.NoError(t, err)
	counts, err := lite.Counts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
	require.NoError(t, lite.Close())

	_, err = OpenStore(ctx, config.StorageConfig{Driver: "cassandra"})
	assert.Error(t, err)
}

func TestUserMessage(t *testing.T) {
	assert.Empty(t, UserMessage(nil))
	assert.Equal(t, errmodel.UserMessage(errmodel.KindCircuitOpen),
		UserMessage(&errmodel.Error{Kind: errmodel.KindCircuitOpen, Dependency: "hh"}))
}
