package orchestrator

import "github.com/ChuLiYu/maga-orchestrator/pkg/types"

var langSchema = map[string]any{"type": "string", "minLength": 2, "maxLength": 5}

// DefaultTemplates is the built-in intent → plan table.
func DefaultTemplates() []Template {
	return []Template{
		{
			Intent:        types.IntentChatAnswer,
			Description:   "answer a free-form question",
			FailurePolicy: Abort,
			Steps: []StepTemplate{
				{Name: "answer", Action: "llm.answer", Inputs: map[string]InputRef{
					"text": Source(), "lang": Param("lang"),
				}},
			},
		},
		{
			Intent:        types.IntentSummarize,
			Description:   "summarise the given text",
			FailurePolicy: Abort,
			Steps: []StepTemplate{
				{Name: "summary", Action: "llm.summarize", Inputs: map[string]InputRef{
					"text": ParamOrSource("text"), "lang": Param("lang"),
				}},
			},
		},
		{
			Intent:        types.IntentReadAloud,
			Description:   "synthesise speech for the given text",
			FailurePolicy: Abort,
			Steps: []StepTemplate{
				{Name: "speak", Action: "speech.synthesize", Inputs: map[string]InputRef{
					"text": ParamOrSource("text"), "lang": Param("lang"),
				}},
			},
		},
		{
			Intent:        types.IntentHHSearch,
			Description:   "search HH.ru vacancies",
			FailurePolicy: Abort,
			Steps: []StepTemplate{
				{Name: "search", Action: "hh.search", Inputs: jobInputs()},
			},
			ParamSchema: jobSchema(),
		},
		{
			Intent:        types.IntentJobsDigest,
			Description:   "search vacancies and read a short digest",
			FailurePolicy: Continue,
			Steps: []StepTemplate{
				{Name: "search", Action: "hh.search", Inputs: jobInputs(), OnFailure: Abort},
				{Name: "digest", Action: "llm.digest", Optional: true, Requires: []string{"search"},
					Inputs: map[string]InputRef{"text": StepText("search"), "lang": Param("lang")}},
			},
			ParamSchema: jobSchema(),
		},
		{
			Intent:        types.IntentComposeReply,
			Description:   "draft a reply to a message",
			FailurePolicy: Abort,
			Steps: []StepTemplate{
				{Name: "reply", Action: "llm.compose_reply", Inputs: map[string]InputRef{
					"text": ParamOrSource("text"), "lang": Param("lang"),
				}},
			},
		},
		{
			Intent:        types.IntentOCRTranslate,
			Description:   "read text from a screenshot and translate it",
			FailurePolicy: Abort,
			Steps: []StepTemplate{
				{Name: "ocr", Action: "vision.ocr", Inputs: imageInputs()},
				{Name: "translate", Action: "translate.text", Requires: []string{"ocr"},
					Inputs: map[string]InputRef{"text": StepText("ocr"), "lang": ParamOr("lang", "en")}},
			},
			ParamSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"lang": langSchema},
			},
		},
		{
			Intent:        types.IntentTranslateText,
			Description:   "translate text",
			FailurePolicy: Abort,
			Steps: []StepTemplate{
				{Name: "translate", Action: "translate.text", Inputs: map[string]InputRef{
					"text": ParamOrSource("query"), "lang": ParamOr("lang", "en"),
				}},
			},
			ParamSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"lang": langSchema},
			},
		},
		{
			Intent:        types.IntentDescribeScreen,
			Description:   "describe what is on the screen",
			FailurePolicy: Abort,
			Steps: []StepTemplate{
				{Name: "ocr", Action: "vision.ocr", Inputs: imageInputs()},
				{Name: "describe", Action: "llm.describe", Requires: []string{"ocr"},
					Inputs: map[string]InputRef{"text": StepText("ocr"), "lang": Param("lang")}},
			},
		},
		{
			Intent:        types.IntentRemind,
			Description:   "remind the user later",
			FailurePolicy: Abort,
			Steps: []StepTemplate{
				{Name: "schedule", Action: "schedule", Inputs: map[string]InputRef{
					"action":        Literal("notify.send"),
					"query":         ParamOrSource("query"),
					"delay_seconds": ParamOr("delay_seconds", 3600),
					"lang":          Param("lang"),
					"session_id":    Session(),
				}},
			},
			ParamSchema: delaySchema(),
		},
		{
			Intent:        types.IntentScheduleTask,
			Description:   "schedule a recurring task",
			FailurePolicy: Abort,
			Steps: []StepTemplate{
				{Name: "schedule", Action: "schedule", Inputs: map[string]InputRef{
					"action":           ParamOr("action", "notify.send"),
					"query":            ParamOrSource("query"),
					"delay_seconds":    ParamOr("delay_seconds", 0),
					"interval_seconds": ParamOr("interval_seconds", 86400),
					"lang":             Param("lang"),
					"session_id":       Session(),
				}},
			},
			ParamSchema: delaySchema(),
		},
		{
			Intent:        types.IntentDailyDigest,
			Description:   "morning briefing: vacancies and a short summary",
			FailurePolicy: Continue,
			Steps: []StepTemplate{
				{Name: "jobs", Action: "hh.search", Group: "gather", Optional: true, Inputs: map[string]InputRef{
					"query": ParamOr("query", "golang"), "location": Param("location"), "lang": Param("lang"),
				}},
				{Name: "briefing", Action: "llm.answer", Group: "gather", Optional: true, Inputs: map[string]InputRef{
					"text": Source(), "lang": Param("lang"),
				}},
				{Name: "digest", Action: "compose", Inputs: map[string]InputRef{
					"first": StepText("briefing"), "second": StepText("jobs"),
				}},
			},
		},
	}
}

func jobInputs() map[string]InputRef {
	return map[string]InputRef{
		"query":      ParamOrSource("query"),
		"location":   Param("location"),
		"salary_min": Param("salary_min"),
		"seniority":  Param("seniority"),
		"lang":       Param("lang"),
	}
}

func jobSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"salary_min": map[string]any{"type": "integer", "minimum": 0},
			"seniority":  map[string]any{"enum": []any{"junior", "middle", "senior", "lead"}},
			"lang":       langSchema,
		},
	}
}

func imageInputs() map[string]InputRef {
	return map[string]InputRef{"image": Param("image"), "image_key": Param("image_key")}
}

func delaySchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"delay_seconds":    map[string]any{"type": "integer", "minimum": 0, "maximum": 31536000},
			"interval_seconds": map[string]any{"type": "integer", "minimum": 60},
			"lang":             langSchema,
		},
	}
}
