// Package llm provides language-generation providers (OpenAI, Gemini) and
// the plan actions built on them: answering, summarising, drafting replies,
// digests and screen descriptions.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/internal/handler"
)

var log = slog.Default()

// Dependency is the resilience dependency name for every LLM action.
const Dependency = "llm"

// Message is one chat turn.
type Message struct {
	Role    string // system | user | assistant
	Content string
}

// Request is a provider-neutral generation request.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Response carries the generated text and token usage when reported.
type Response struct {
	Text         string
	PromptTokens int
	OutputTokens int
	Model        string
}

// Provider generates text.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// Factory builds a provider from configuration. hc carries the traced
// transport shared by all outbound clients.
type Factory func(ctx context.Context, cfg config.LLMConfig, hc *http.Client) (Provider, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register adds a provider factory.
func Register(name string, f Factory) error {
	if name == "" {
		return errors.New("llm: empty provider name")
	}
	if f == nil {
		return fmt.Errorf("llm: nil factory for %q", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("llm: provider %q already registered", name)
	}
	factories[name] = f
	return nil
}

// Resolve returns a registered factory.
func Resolve(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Providers lists registered provider names.
func Providers() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// New builds the configured provider.
func New(ctx context.Context, cfg config.LLMConfig, hc *http.Client) (Provider, error) {
	f, ok := Resolve(cfg.Provider)
	if !ok {
		return nil, fmt.Errorf("llm: unknown provider %q (have %s)", cfg.Provider, strings.Join(Providers(), ", "))
	}
	return f(ctx, cfg, hc)
}

// Action names.
const (
	ActionAnswer   = "llm.answer"
	ActionSummary  = "llm.summarize"
	ActionReply    = "llm.compose_reply"
	ActionDigest   = "llm.digest"
	ActionDescribe = "llm.describe"
)

type task struct {
	action      string
	system      string
	temperature float64
}

var tasks = []task{
	{ActionAnswer, "You are Maga, a concise voice assistant. Answer in at most three sentences.", 0.7},
	{ActionSummary, "Summarise the user's text in a few short bullet points.", 0.3},
	{ActionReply, "Draft a polite, brief reply to the message the user provides. Return only the reply.", 0.6},
	{ActionDigest, "Turn the list of job vacancies into a short spoken digest: group similar roles and mention salary ranges.", 0.3},
	{ActionDescribe, "The user text is OCR output from their screen. Describe what is on the screen in two sentences.", 0.3},
}

// Options tunes the generated handlers.
type Options struct {
	MaxTokens      int
	MaxInputTokens int
	Counter        TokenCounter
}

// Handlers returns one handler per LLM action. Each reads "text" and an
// optional "lang" and returns the generated text.
func Handlers(p Provider, opts Options) []handler.Handler {
	if opts.Counter == nil {
		opts.Counter = DefaultCounter()
	}
	if opts.MaxInputTokens <= 0 {
		opts.MaxInputTokens = 6000
	}
	out := make([]handler.Handler, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, handler.NewFunc(t.action, Dependency, func(ctx context.Context, in handler.Input) (handler.Output, error) {
			return run(ctx, p, t, in, opts)
		}))
	}
	return out
}

func run(ctx context.Context, p Provider, t task, in handler.Input, opts Options) (handler.Output, error) {
	text := strings.TrimSpace(in.String("text"))
	if text == "" {
		return nil, errmodel.Fatal(Dependency, fmt.Errorf("%s: empty input text", t.action))
	}
	system := t.system
	if lang := in.String("lang"); lang != "" {
		system += " Reply in language: " + lang + "."
	}
	text = Clamp(opts.Counter, text, opts.MaxInputTokens)

	resp, err := p.Generate(ctx, Request{
		Messages:    []Message{{Role: "system", Content: system}, {Role: "user", Content: text}},
		MaxTokens:   opts.MaxTokens,
		Temperature: t.temperature,
	})
	if err != nil {
		return nil, classify(err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, errmodel.Retryable(Dependency, errors.New("empty completion"))
	}
	return handler.Output{
		handler.KeyText: strings.TrimSpace(resp.Text),
		"model":         resp.Model,
		"prompt_tokens": resp.PromptTokens,
		"output_tokens": resp.OutputTokens,
	}, nil
}

// Complete is a single-prompt helper used by the intent refiner.
func Complete(ctx context.Context, p Provider, prompt string) (string, error) {
	resp, err := p.Generate(ctx, Request{
		Messages:    []Message{{Role: "user", Content: prompt}},
		MaxTokens:   150,
		Temperature: 0.1,
	})
	if err != nil {
		return "", classify(err)
	}
	return resp.Text, nil
}
