// ============================================================================
// Intent Router - text to typed intent
// ============================================================================
//
// Package: internal/router
// File: router.go
// Purpose: Classify free text into a types.Intent with a confidence score.
//
// Two stages:
//   1. Rule stage: every rule is scored against the lower-cased text and
//      slots (language, location, salary, seniority, query, delay) are
//      extracted for the winner.
//   2. Refinement stage: only when the best rule score is below the
//      threshold, the top candidates are sent to a Refiner (an LLM) under
//      the resilience guard as dependency "nlu". Any refinement failure
//      falls back to the rule result.
//
// The router only reads the SessionContext. Low-confidence intents are
// returned as-is; the orchestrator turns them into a clarification plan.
//
// ============================================================================

package router

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/resilience"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

var log = slog.Default()

// DependencyNLU is the resilience dependency name of the refinement call.
const DependencyNLU = "nlu"

const maxCandidates = 3

// Candidate is a scored rule match.
type Candidate struct {
	Type       types.IntentType `json:"intent"`
	Confidence float64          `json:"confidence"`
}

// Refinement is a refiner's verdict.
type Refinement struct {
	Type        types.IntentType
	Confidence  float64
	Explanation string
}

// Refiner re-ranks low-confidence candidates.
type Refiner interface {
	Refine(ctx context.Context, text string, candidates []Candidate) (Refinement, error)
}

// Router classifies text. It is safe for concurrent use.
type Router struct {
	rules     []rule
	threshold float64
	refiner   Refiner
	guard     *resilience.Guard
}

// Option configures a Router.
type Option func(*Router)

// WithRefiner enables the refinement stage. Calls go through guard.
func WithRefiner(r Refiner, guard *resilience.Guard) Option {
	return func(rt *Router) {
		rt.refiner = r
		rt.guard = guard
	}
}

// New creates a router with the built-in rule set.
func New(threshold float64, opts ...Option) *Router {
	r := &Router{rules: defaultRules, threshold: threshold}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Threshold returns the confidence below which clarification is required.
func (r *Router) Threshold() float64 { return r.threshold }

var followUpRe = word(`ещё`, `еще`, `повтори\p{L}*`, `дальше`, `again`, `more`, `repeat`)

// Classify returns the best intent for text. It never returns an error for
// unrecognised input: that yields IntentUnknown with confidence 0.
func (r *Router) Classify(ctx context.Context, text string, sc types.SessionContext) (types.Intent, error) {
	source := text
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return types.NewIntent(types.IntentUnknown, 0, nil, source), nil
	}

	candidates := r.score(text)
	if len(candidates) == 0 {
		if sc.PreviousIntent != "" && sc.PreviousIntent != types.IntentClarify && followUpRe.MatchString(text) {
			in := r.build(sc.PreviousIntent, 0.6, text, source, sc)
			in.Explanation = "follow-up"
			return in, nil
		}
		in := types.NewIntent(types.IntentUnknown, 0, nil, source)
		in.Explanation = "no rule matched"
		return in, nil
	}

	best := candidates[0]
	if best.Confidence >= r.threshold || r.refiner == nil {
		in := r.build(best.Type, best.Confidence, text, source, sc)
		in.Explanation = "rule-based"
		return in, nil
	}

	refined, err := r.refine(ctx, text, sc.SessionID, candidates)
	if err != nil {
		log.Warn("Intent refinement unavailable, using rule result",
			"session", sc.SessionID, "intent", best.Type, "kind", errmodel.KindOf(err), "error", err)
		in := r.build(best.Type, best.Confidence, text, source, sc)
		in.Explanation = "rule-based (refinement " + string(errmodel.KindOf(err)) + ")"
		return in, nil
	}

	in := r.build(refined.Type, refined.Confidence, text, source, sc)
	in.Explanation = refined.Explanation
	return in, nil
}

// Candidates returns every matching rule, best first.
func (r *Router) Candidates(text string) []Candidate {
	return r.score(strings.ToLower(strings.TrimSpace(text)))
}

func (r *Router) score(text string) []Candidate {
	n := runeLen(text)
	if n == 0 {
		return nil
	}
	var out []Candidate
	for _, rl := range r.rules {
		if c := rl.score(text, n); c > 0 {
			out = append(out, Candidate{Type: rl.intent, Confidence: c})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

func (r *Router) refine(ctx context.Context, text, session string, candidates []Candidate) (Refinement, error) {
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	out, err := resilience.Call(ctx, r.guard, session, DependencyNLU, func(ctx context.Context) (Refinement, error) {
		return r.refiner.Refine(ctx, text, candidates)
	})
	if err != nil {
		return Refinement{}, err
	}
	if !knownIntent(out.Type) {
		out.Type = types.IntentChatAnswer
	}
	out.Confidence = min(max(out.Confidence, 0), 1)
	return out, nil
}

func (r *Router) build(t types.IntentType, confidence float64, text, source string, sc types.SessionContext) types.Intent {
	params := extractSlots(text, t)
	if _, ok := params[ParamLang]; !ok && sc.Language != "" {
		params[ParamLang] = sc.Language
	}
	return types.NewIntent(t, confidence, params, source)
}

func knownIntent(t types.IntentType) bool {
	for _, rl := range defaultRules {
		if rl.intent == t {
			return true
		}
	}
	return false
}
