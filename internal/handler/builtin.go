package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

// Built-in local actions.
const (
	ActionClarify  = "clarify"
	ActionSchedule = "schedule"
	ActionCompose  = "compose"
)

var clarifyText = map[string]string{
	"ru": "Не совсем понял запрос. Переформулируй, пожалуйста.",
	"en": "I did not quite get that. Could you rephrase it?",
}

// Clarify asks the user to rephrase. It never calls out.
func Clarify() Handler {
	return NewFunc(ActionClarify, "", func(_ context.Context, in Input) (Output, error) {
		text, ok := clarifyText[in.String("lang")]
		if !ok {
			text = clarifyText["en"]
		}
		return Output{KeyText: text, "reason": in.String("reason")}, nil
	})
}

// Compose joins the text of several inputs into one, skipping empty ones.
// Templates use it to merge parallel branches.
func Compose() Handler {
	return NewFunc(ActionCompose, "", func(_ context.Context, in Input) (Output, error) {
		sep := in.String("separator")
		if sep == "" {
			sep = "\n\n"
		}
		var parts []string
		for _, key := range []string{"first", "second", "third"} {
			if s := strings.TrimSpace(in.String(key)); s != "" {
				parts = append(parts, s)
			}
		}
		return Output{KeyText: strings.Join(parts, sep)}, nil
	})
}

// Enqueuer is the scheduler surface the schedule action needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req types.EnqueueRequest) (types.TaskID, error)
}

// Schedule turns a remind/schedule request into a deferred task. Inputs:
// action (target action), query (payload text), delay_seconds, interval_seconds.
func Schedule(e Enqueuer, now func() time.Time) Handler {
	return NewFunc(ActionSchedule, "", func(ctx context.Context, in Input) (Output, error) {
		action := in.String("action")
		if action == "" {
			return nil, errmodel.Invalid("schedule: missing target action")
		}
		text := strings.TrimSpace(in.String("query"))
		if text == "" {
			return nil, errmodel.Fatal("", fmt.Errorf("schedule: nothing to schedule"))
		}
		delay := time.Duration(in.Int("delay_seconds", 0)) * time.Second
		interval := time.Duration(in.Int("interval_seconds", 0)) * time.Second
		runAt := now().Add(delay)

		id, err := e.Enqueue(ctx, types.EnqueueRequest{
			Action:    action,
			Payload:   map[string]any{"text": text, "lang": in.String("lang")},
			RunAt:     runAt,
			SessionID: in.String("session_id"),
			Interval:  interval,
		})
		if err != nil {
			return nil, err
		}
		return Output{
			KeyText:   confirmation(in.String("lang"), text, runAt, interval),
			"task_id": string(id),
			"run_at":  runAt.UTC().Format(time.RFC3339),
		}, nil
	})
}

func confirmation(lang, text string, runAt time.Time, interval time.Duration) string {
	when := runAt.UTC().Format("2006-01-02 15:04 MST")
	if lang == "ru" {
		if interval > 0 {
			return fmt.Sprintf("Готово: «%s» каждые %s, начиная с %s.", text, interval, when)
		}
		return fmt.Sprintf("Напомню: «%s» в %s.", text, when)
	}
	if interval > 0 {
		return fmt.Sprintf("Done: %q every %s starting %s.", text, interval, when)
	}
	return fmt.Sprintf("I will remind you: %q at %s.", text, when)
}
