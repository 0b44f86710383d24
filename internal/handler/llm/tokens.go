package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts prompt tokens and truncates text to a token budget.
type TokenCounter interface {
	Count(text string) int
	Truncate(text string, maxTokens int) string
}

// DefaultCounter uses the cl100k_base encoding. When the encoding cannot be
// loaded (it is fetched on first use) it falls back to an estimate of four
// bytes per token.
func DefaultCounter() TokenCounter {
	counterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn("Token encoding unavailable, estimating", "error", err)
			defaultCounter = EstimateCounter{}
			return
		}
		defaultCounter = tiktokenCounter{enc: enc}
	})
	return defaultCounter
}

var (
	counterOnce    sync.Once
	defaultCounter TokenCounter
)

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

func (c tiktokenCounter) Truncate(text string, maxTokens int) string {
	toks := c.enc.Encode(text, nil, nil)
	if len(toks) <= maxTokens {
		return text
	}
	return c.enc.Decode(toks[:maxTokens])
}

// EstimateCounter approximates four bytes per token.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int { return (len(text) + 3) / 4 }

func (EstimateCounter) Truncate(text string, maxTokens int) string {
	limit := maxTokens * 4
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	for !utf8.ValidString(cut) && len(cut) > 0 {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// Clamp truncates text to maxTokens.
func Clamp(c TokenCounter, text string, maxTokens int) string {
	if maxTokens <= 0 || c.Count(text) <= maxTokens {
		return text
	}
	return c.Truncate(text, maxTokens)
}
