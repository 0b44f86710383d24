package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

// CompleteFunc sends a prompt to a language model and returns its text.
type CompleteFunc func(ctx context.Context, prompt string) (string, error)

// LLMRefiner asks a language model to pick among rule candidates.
type LLMRefiner struct {
	complete CompleteFunc
}

// NewLLMRefiner wraps a completion function.
func NewLLMRefiner(complete CompleteFunc) *LLMRefiner {
	return &LLMRefiner{complete: complete}
}

const refinePrompt = `You classify requests for a voice assistant.

User text: %q

Candidates (intent, rule confidence):
%s

Pick the best matching intent. If none fits with confidence above 0.3, answer "chat_answer".
Reply with JSON only:
{"intent": "<intent>", "confidence": 0.00, "explanation": "<one short sentence>"}`

type refineReply struct {
	Intent      string  `json:"intent"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// Refine implements Refiner.
func (r *LLMRefiner) Refine(ctx context.Context, text string, candidates []Candidate) (Refinement, error) {
	var b strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&b, "- %s (%.2f)\n", c.Type, c.Confidence)
	}
	reply, err := r.complete(ctx, fmt.Sprintf(refinePrompt, text, b.String()))
	if err != nil {
		return Refinement{}, err
	}
	return parseRefinement(reply)
}

// parseRefinement extracts the outermost JSON object from a model reply,
// tolerating surrounding prose or code fences.
func parseRefinement(reply string) (Refinement, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return Refinement{}, errmodel.Fatal(DependencyNLU, fmt.Errorf("no JSON object in reply %q", errmodel.Truncate(reply, 80)))
	}
	var rr refineReply
	if err := json.Unmarshal([]byte(reply[start:end+1]), &rr); err != nil {
		return Refinement{}, errmodel.Fatal(DependencyNLU, fmt.Errorf("decode reply: %w", err))
	}
	if rr.Intent == "" {
		rr.Intent = string(types.IntentChatAnswer)
	}
	if rr.Explanation == "" {
		rr.Explanation = "llm"
	}
	return Refinement{
		Type:        types.IntentType(rr.Intent),
		Confidence:  rr.Confidence,
		Explanation: rr.Explanation,
	}, nil
}
