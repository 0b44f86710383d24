package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

func echo(name string) Handler {
	return NewFunc(name, "", func(_ context.Context, in Input) (Output, error) {
		return Output{KeyText: in.String("text")}, nil
	})
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echo("b"), echo("a")))

	assert.True(t, reg.Has("a"))
	assert.False(t, reg.Has("c"))
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	err := reg.Register(echo("a"))
	assert.True(t, errors.Is(err, ErrDuplicateAction))

	_, err = reg.Get("missing")
	assert.True(t, errors.Is(err, ErrUnknownAction))

	h, err := reg.Get("a")
	require.NoError(t, err)
	out, err := h.Call(context.Background(), Input{"text": "hi"})
	require.NoError(t, err)
	text, ok := out.Text()
	assert.True(t, ok)
	assert.Equal(t, "hi", text)
}

func TestInputAccessors(t *testing.T) {
	in := Input{
		"s":   "str",
		"b":   []byte("raw"),
		"n":   42,
		"f":   float64(7),
		"ns":  "13",
		"bad": "x",
		"nil": nil,
	}
	assert.Equal(t, "str", in.String("s"))
	assert.Equal(t, "raw", in.String("b"))
	assert.Equal(t, "42", in.String("n"))
	assert.Equal(t, "", in.String("nil"))
	assert.Equal(t, "", in.String("absent"))

	assert.Equal(t, 42, in.Int("n", 0))
	assert.Equal(t, 7, in.Int("f", 0))
	assert.Equal(t, 13, in.Int("ns", 0))
	assert.Equal(t, -1, in.Int("bad", -1))
	assert.Equal(t, -1, in.Int("absent", -1))

	_, ok := Output{KeyText: ""}.Text()
	assert.False(t, ok)
}

func TestClarify(t *testing.T) {
	h := Clarify()
	assert.Empty(t, h.Dependency())

	out, err := h.Call(context.Background(), Input{"lang": "ru", "reason": "low confidence"})
	require.NoError(t, err)
	assert.Equal(t, clarifyText["ru"], out[KeyText])
	assert.Equal(t, "low confidence", out["reason"])

	out, err = h.Call(context.Background(), Input{"lang": "xx"})
	require.NoError(t, err)
	assert.Equal(t, clarifyText["en"], out[KeyText])
}

func TestCompose(t *testing.T) {
	out, err := Compose().Call(context.Background(), Input{"first": "a", "second": " ", "third": "c"})
	require.NoError(t, err)
	assert.Equal(t, "a\n\nc", out[KeyText])

	out, err = Compose().Call(context.Background(), Input{"first": "a", "second": "b", "separator": " | "})
	require.NoError(t, err)
	assert.Equal(t, "a | b", out[KeyText])
}

type fakeEnqueuer struct {
	got types.EnqueueRequest
	err error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, req types.EnqueueRequest) (types.TaskID, error) {
	f.got = req
	if f.err != nil {
		return "", f.err
	}
	return "task-1", nil
}

func TestSchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("one-shot reminder", func(t *testing.T) {
		e := &fakeEnqueuer{}
		out, err := Schedule(e, clock).Call(context.Background(), Input{
			"action": "notify.send", "query": "позвонить маме", "delay_seconds": 600,
			"lang": "ru", "session_id": "s-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "task-1", out["task_id"])
		assert.Equal(t, "2026-03-01T12:10:00Z", out["run_at"])
		assert.Equal(t, "Напомню: «позвонить маме» в 2026-03-01 12:10 UTC.", out[KeyText])

		assert.Equal(t, "notify.send", e.got.Action)
		assert.Equal(t, now.Add(10*time.Minute), e.got.RunAt)
		assert.Equal(t, "s-1", e.got.SessionID)
		assert.Equal(t, "позвонить маме", e.got.Payload["text"])
		assert.Zero(t, e.got.Interval)
	})

	t.Run("recurring", func(t *testing.T) {
		e := &fakeEnqueuer{}
		out, err := Schedule(e, clock).Call(context.Background(), Input{
			"action": "hh.search", "query": "golang", "interval_seconds": 3600,
		})
		require.NoError(t, err)
		assert.Equal(t, time.Hour, e.got.Interval)
		assert.Contains(t, out[KeyText], "every 1h0m0s")
	})

	t.Run("validation", func(t *testing.T) {
		_, err := Schedule(&fakeEnqueuer{}, clock).Call(context.Background(), Input{"query": "x"})
		assert.Equal(t, errmodel.KindInvalidRequest, errmodel.KindOf(err))

		_, err = Schedule(&fakeEnqueuer{}, clock).Call(context.Background(), Input{"action": "notify.send"})
		assert.Equal(t, errmodel.KindFatalFailure, errmodel.KindOf(err))
	})

	t.Run("enqueue error propagates", func(t *testing.T) {
		boom := errmodel.New(errmodel.KindInternal, "store down")
		_, err := Schedule(&fakeEnqueuer{err: boom}, clock).Call(context.Background(), Input{"action": "a", "query": "q"})
		assert.Same(t, boom, err)
	})
}
