package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	oa "github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	genai "google.golang.org/genai"

	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler"
)

type fakeProvider struct {
	reply string
	err   error
	last  Request
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(_ context.Context, req Request) (Response, error) {
	f.last = req
	if f.err != nil {
		return Response{}, f.err
	}
	return Response{Text: f.reply, Model: "fake-1", PromptTokens: 12, OutputTokens: 5}, nil
}

func handlerFor(t *testing.T, p Provider, action string) handler.Handler {
	t.Helper()
	reg := handler.NewRegistry()
	require.NoError(t, reg.Register(Handlers(p, Options{MaxTokens: 64, Counter: EstimateCounter{}})...))
	h, err := reg.Get(action)
	require.NoError(t, err)
	return h
}

func TestHandlersGenerate(t *testing.T) {
	p := &fakeProvider{reply: "  Paris.  "}
	h := handlerFor(t, p, ActionAnswer)

	out, err := h.Call(context.Background(), handler.Input{"text": "capital of France?", "lang": "en"})
	require.NoError(t, err)

	text, ok := out.Text()
	require.True(t, ok)
	assert.Equal(t, "Paris.", text)
	assert.Equal(t, Dependency, h.Dependency())
	assert.Equal(t, 64, p.last.MaxTokens)
	require.Len(t, p.last.Messages, 2)
	assert.Equal(t, "system", p.last.Messages[0].Role)
	assert.Contains(t, p.last.Messages[0].Content, "language: en")
	assert.Equal(t, "capital of France?", p.last.Messages[1].Content)
}

func TestHandlersAllActionsRegistered(t *testing.T) {
	reg := handler.NewRegistry()
	require.NoError(t, reg.Register(Handlers(&fakeProvider{}, Options{Counter: EstimateCounter{}})...))
	for _, a := range []string{ActionAnswer, ActionSummary, ActionReply, ActionDigest, ActionDescribe} {
		assert.True(t, reg.Has(a), a)
	}
}

func TestHandlersErrors(t *testing.T) {
	t.Run("empty input is fatal", func(t *testing.T) {
		h := handlerFor(t, &fakeProvider{reply: "x"}, ActionSummary)
		_, err := h.Call(context.Background(), handler.Input{"text": "  "})
		assert.Equal(t, errmodel.KindFatalFailure, errmodel.KindOf(err))
	})

	t.Run("empty completion is retryable", func(t *testing.T) {
		h := handlerFor(t, &fakeProvider{reply: " "}, ActionSummary)
		_, err := h.Call(context.Background(), handler.Input{"text": "long text"})
		assert.True(t, errmodel.IsRetryable(err))
	})

	t.Run("provider status is classified", func(t *testing.T) {
		h := handlerFor(t, &fakeProvider{err: &oa.Error{StatusCode: http.StatusServiceUnavailable}}, ActionReply)
		_, err := h.Call(context.Background(), handler.Input{"text": "hi"})
		assert.Equal(t, errmodel.KindRetryableFailure, errmodel.KindOf(err))
		assert.Equal(t, Dependency, errmodel.DependencyOf(err))
	})
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		kind errmodel.Kind
	}{
		{"openai rate limit", &oa.Error{StatusCode: 429}, errmodel.KindRetryableFailure},
		{"openai bad request", &oa.Error{StatusCode: 400}, errmodel.KindFatalFailure},
		{"gemini unavailable", genai.APIError{Code: 503, Message: "overloaded"}, errmodel.KindRetryableFailure},
		{"gemini invalid", genai.APIError{Code: 400}, errmodel.KindFatalFailure},
		{"deadline", context.DeadlineExceeded, errmodel.KindTimeout},
		{"other", errors.New("boom"), errmodel.KindFatalFailure},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, errmodel.KindOf(classify(tc.err)))
		})
	}
}

func TestClamp(t *testing.T) {
	c := EstimateCounter{}
	assert.Equal(t, "short", Clamp(c, "short", 10))

	long := strings.Repeat("a", 100)
	assert.Len(t, Clamp(c, long, 10), 40)

	cyr := strings.Repeat("я", 30) // 60 bytes
	got := Clamp(c, cyr, 5)
	assert.LessOrEqual(t, len(got), 20)
	assert.True(t, strings.HasPrefix(cyr, got))
}

func TestComplete(t *testing.T) {
	p := &fakeProvider{reply: `{"intent":"chat_answer"}`}
	out, err := Complete(context.Background(), p, "classify this")
	require.NoError(t, err)
	assert.Equal(t, `{"intent":"chat_answer"}`, out)
	assert.Equal(t, 150, p.last.MaxTokens)
}

func TestNewProvider(t *testing.T) {
	_, err := New(context.Background(), config.LLMConfig{Provider: "nope"}, nil)
	assert.ErrorContains(t, err, "unknown provider")

	_, err = New(context.Background(), config.LLMConfig{Provider: "openai"}, nil)
	assert.ErrorContains(t, err, "missing API key")

	p, err := New(context.Background(), config.LLMConfig{Provider: "openai", APIKey: "sk-test"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())

	assert.Equal(t, []string{"gemini", "openai"}, Providers())
}
