package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	genai "google.golang.org/genai"

	"github.com/ChuLiYu/maga-orchestrator/internal/config"
)

const defaultGeminiModel = "gemini-2.5-flash-lite"

type geminiProvider struct {
	client *genai.Client
	model  string
}

func (p *geminiProvider) Name() string { return "gemini" }

func (p *geminiProvider) Generate(ctx context.Context, req Request) (Response, error) {
	var system, user strings.Builder
	for _, m := range req.Messages {
		if m.Role == "system" {
			system.WriteString(m.Content)
			continue
		}
		if m.Content != "" {
			user.WriteString(m.Content)
			user.WriteString("\n")
		}
	}

	temp := float32(req.Temperature)
	gc := &genai.GenerateContentConfig{Temperature: &temp}
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(req.MaxTokens)
	}
	if system.Len() > 0 {
		gc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system.String()}}}
	}

	res, err := p.client.Models.GenerateContent(ctx, p.model,
		[]*genai.Content{{Role: genai.RoleUser, Parts: []*genai.Part{{Text: user.String()}}}}, gc)
	if err != nil {
		return Response{}, err
	}
	out := Response{Text: res.Text(), Model: p.model}
	if u := res.UsageMetadata; u != nil {
		out.PromptTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}

// NewGemini builds the Gemini API provider.
func NewGemini(ctx context.Context, cfg config.LLMConfig, hc *http.Client) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: missing API key; set GOOGLE_API_KEY")
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if hc != nil {
		cc.HTTPClient = hc
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &geminiProvider{client: client, model: model}, nil
}

func init() {
	_ = Register("gemini", NewGemini)
}
