package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/maga-orchestrator/internal/clock"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

type actionSet map[string]bool

func (a actionSet) Has(action string) bool { return a[action] }

func allActions() actionSet {
	return actionSet{
		"llm.answer": true, "llm.summarize": true, "llm.compose_reply": true,
		"llm.digest": true, "llm.describe": true,
		"speech.synthesize": true, "vision.ocr": true, "translate.text": true,
		"hh.search": true, "schedule": true, "compose": true, "notify.send": true,
	}
}

func TestDefaultTemplatesValidate(t *testing.T) {
	cat, err := NewCatalog(DefaultTemplates(), allActions(), 6)
	require.NoError(t, err)

	intents := []types.IntentType{
		types.IntentChatAnswer, types.IntentSummarize, types.IntentReadAloud,
		types.IntentHHSearch, types.IntentJobsDigest, types.IntentComposeReply,
		types.IntentOCRTranslate, types.IntentTranslateText, types.IntentDescribeScreen,
		types.IntentRemind, types.IntentScheduleTask, types.IntentDailyDigest,
	}
	for _, it := range intents {
		_, ok := cat.Lookup(it)
		assert.True(t, ok, "missing template for %s", it)
	}
	assert.Len(t, cat.Templates(), len(intents))

	assert.NoError(t, cat.CheckParams(types.IntentHHSearch, map[string]any{"salary_min": 100000, "seniority": "senior"}))
	assert.Error(t, cat.CheckParams(types.IntentHHSearch, map[string]any{"seniority": "wizard"}))
	assert.Error(t, cat.CheckParams(types.IntentRemind, map[string]any{"delay_seconds": -5}))
	assert.NoError(t, cat.CheckParams(types.IntentRemind, nil))
}

func TestDefaultTemplatesMissingAction(t *testing.T) {
	actions := allActions()
	delete(actions, "hh.search")
	err := ValidateTemplates(DefaultTemplates(), actions, 6)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTemplate)
	assert.Contains(t, err.Error(), `unregistered action "hh.search"`)
}

func TestValidateTemplatesRejects(t *testing.T) {
	step := func(name string) StepTemplate { return StepTemplate{Name: name, Action: "llm.answer"} }

	testCases := []struct {
		name string
		tpl  Template
		msg  string
	}{
		{
			name: "too many steps",
			tpl:  Template{Intent: "x", Steps: []StepTemplate{step("a"), step("b"), step("c")}},
			msg:  "exceed the limit of 2",
		},
		{
			name: "no steps",
			tpl:  Template{Intent: "x"},
			msg:  "no steps",
		},
		{
			name: "duplicate names",
			tpl:  Template{Intent: "x", Steps: []StepTemplate{step("a"), step("a")}},
			msg:  `duplicate step name "a"`,
		},
		{
			name: "forward requirement",
			tpl: Template{Intent: "x", Steps: []StepTemplate{
				{Name: "a", Action: "llm.answer", Requires: []string{"b"}}, step("b"),
			}},
			msg: "not an earlier step",
		},
		{
			name: "forward input ref",
			tpl: Template{Intent: "x", Steps: []StepTemplate{
				{Name: "a", Action: "llm.answer", Inputs: map[string]InputRef{"text": StepText("a")}},
			}},
			msg: "not an earlier step",
		},
		{
			name: "ref inside own group",
			tpl: Template{Intent: "x", Steps: []StepTemplate{
				{Name: "a", Action: "llm.answer", Group: "g"},
				{Name: "b", Action: "llm.answer", Group: "g", Inputs: map[string]InputRef{"text": StepText("a")}},
			}},
			msg: "own concurrent group",
		},
		{
			name: "reserved intent",
			tpl:  Template{Intent: types.IntentClarify, Steps: []StepTemplate{step("a")}},
			msg:  "reserved",
		},
		{
			name: "unknown policy",
			tpl:  Template{Intent: "x", FailurePolicy: "retry", Steps: []StepTemplate{step("a")}},
			msg:  `unknown failure policy "retry"`,
		},
		{
			name: "unknown ref kind",
			tpl: Template{Intent: "x", Steps: []StepTemplate{
				{Name: "a", Action: "llm.answer", Inputs: map[string]InputRef{"text": {Kind: "env"}}},
			}},
			msg: `unknown ref kind "env"`,
		},
		{
			name: "bad schema",
			tpl: Template{Intent: "x", Steps: []StepTemplate{step("a")},
				ParamSchema: map[string]any{"$ref": "#/definitions/missing"}},
			msg: "param schema",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTemplates([]Template{tc.tpl}, allActions(), 2)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTemplate)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestValidateTemplatesNonContiguousGroup(t *testing.T) {
	tpl := Template{Intent: "x", Steps: []StepTemplate{
		{Name: "a", Action: "llm.answer", Group: "g"},
		{Name: "b", Action: "llm.answer"},
		{Name: "c", Action: "llm.answer", Group: "g"},
	}}
	err := ValidateTemplates([]Template{tpl}, allActions(), 6)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `group "g" is not contiguous`)
}

func TestValidateTemplatesDuplicateIntent(t *testing.T) {
	tpl := Template{Intent: "x", Steps: []StepTemplate{{Name: "a", Action: "llm.answer"}}}
	err := ValidateTemplates([]Template{tpl, tpl}, allActions(), 6)
	assert.ErrorIs(t, err, ErrInvalidTemplate)
}

func TestFailurePolicyResolution(t *testing.T) {
	tpl := &Template{FailurePolicy: Abort}
	assert.Equal(t, Abort, tpl.policyFor(StepTemplate{}))
	assert.Equal(t, Continue, tpl.policyFor(StepTemplate{OnFailure: Continue}))
	assert.Equal(t, Continue, tpl.policyFor(StepTemplate{Optional: true, OnFailure: Abort}))
}

const overridesYAML = `
templates:
  - intent: chat_answer
    failure_policy: continue
    steps:
      - name: reply
        action: llm.compose_reply
        inputs:
          text: {kind: source}
          lang: {kind: param, name: lang, default: en}
  - intent: weather
    steps:
      - name: look
        action: llm.answer
        inputs:
          text: {kind: literal, value: "weather today"}
    param_schema:
      type: object
      properties:
        city: {type: string}
`

func TestLoadAndMergeTemplates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overridesYAML), 0o644))

	overrides, err := LoadTemplates(path)
	require.NoError(t, err)
	require.Len(t, overrides, 2)
	assert.Equal(t, RefParam, overrides[0].Steps[0].Inputs["lang"].Kind)
	assert.Equal(t, "en", overrides[0].Steps[0].Inputs["lang"].Default)

	merged := Merge(DefaultTemplates(), overrides)
	assert.Len(t, merged, len(DefaultTemplates())+1)

	cat, err := NewCatalog(merged, allActions(), 6)
	require.NoError(t, err)
	chat, ok := cat.Lookup(types.IntentChatAnswer)
	require.True(t, ok)
	assert.Equal(t, Continue, chat.FailurePolicy)
	assert.Equal(t, "llm.compose_reply", chat.Steps[0].Action)

	assert.Error(t, cat.CheckParams("weather", map[string]any{"city": 42}))
	assert.NoError(t, cat.CheckParams("weather", map[string]any{"city": "Moscow"}))

	_, err = LoadTemplates(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPlanStoreTTL(t *testing.T) {
	clk := clock.NewFake(epoch)
	s := NewPlanStore(time.Minute, clk)
	s.Put(types.PlanResult{PlanID: "p1", Status: types.PlanCompleted})

	got, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanCompleted, got.Status)

	_, err = s.Get("nope")
	assert.Equal(t, errmodel.KindNotFound, errmodel.KindOf(err))

	clk.Advance(2 * time.Minute)
	_, err = s.Get("p1")
	assert.Equal(t, errmodel.KindNotFound, errmodel.KindOf(err))

	s.Put(types.PlanResult{PlanID: "p2"})
	assert.Equal(t, 1, s.Len())
}

func TestDefaultTemplatesExecuteJobsDigest(t *testing.T) {
	h := newHarness(t)
	for _, a := range allActions().names() {
		if a == "hh.search" || a == "llm.digest" {
			continue
		}
		h.add(a, a, 0)
	}
	var searchIn handler.Input
	h.addFunc("hh.search", func(_ context.Context, in handler.Input) (handler.Output, error) {
		searchIn = in
		return handler.Output{handler.KeyText: "3 vacancies"}, nil
	})
	h.addFunc("llm.digest", func(context.Context, handler.Input) (handler.Output, error) {
		return nil, errmodel.Fatal("svc", errors.New("model refused"))
	})
	o := h.build(time.Second, DefaultTemplates()...)

	res, err := o.Execute(context.Background(), types.NewIntent(types.IntentJobsDigest, 0.8,
		map[string]any{"query": "golang", "location": "москве", "lang": "ru"}, "дайджест вакансий golang"), "s")
	require.NoError(t, err)
	assert.Equal(t, types.PlanPartial, res.Status)
	assert.Equal(t, "3 vacancies", res.Answer)
	assert.Equal(t, "golang", searchIn["query"])
	assert.Equal(t, "москве", searchIn["location"])
	assert.NotContains(t, searchIn, "salary_min")
}

func (a actionSet) names() []string {
	out := make([]string, 0, len(a))
	for n := range a {
		out = append(out, n)
	}
	return out
}
