package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	oa "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	genai "google.golang.org/genai"

	"github.com/ChuLiYu/maga-orchestrator/internal/config"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
)

const defaultOpenAIModel = "gpt-4o-mini"

type openAIProvider struct {
	client oa.Client
	model  string
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Generate(ctx context.Context, req Request) (Response, error) {
	mm := make([]oa.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			mm = append(mm, oa.SystemMessage(m.Content))
		case "assistant":
			mm = append(mm, oa.AssistantMessage(m.Content))
		default:
			mm = append(mm, oa.UserMessage(m.Content))
		}
	}
	params := oa.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    mm,
		Temperature: oa.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = oa.Int(int64(req.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, err
	}
	var out string
	if len(resp.Choices) > 0 {
		out = resp.Choices[0].Message.Content
	}
	return Response{
		Text:         out,
		PromptTokens: int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		Model:        p.model,
	}, nil
}

// NewOpenAI builds the OpenAI provider. The SDK's own retries are disabled;
// the resilience guard owns retry.
func NewOpenAI(_ context.Context, cfg config.LLMConfig, hc *http.Client) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: missing API key; set OPENAI_API_KEY")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if hc != nil {
		opts = append(opts, option.WithHTTPClient(hc))
	}
	return &openAIProvider{client: oa.NewClient(opts...), model: model}, nil
}

func init() {
	_ = Register("openai", NewOpenAI)
}

// classify maps SDK errors onto the taxonomy using the HTTP status they carry.
func classify(err error) error {
	var oaErr *oa.Error
	if errors.As(err, &oaErr) {
		return errmodel.FromHTTPStatus(Dependency, oaErr.StatusCode, oaErr.Message)
	}
	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return errmodel.FromHTTPStatus(Dependency, gErr.Code, gErr.Message)
	}
	if e := errmodel.Classify(Dependency, err); e != nil {
		return e
	}
	return fmt.Errorf("llm: %w", err)
}
