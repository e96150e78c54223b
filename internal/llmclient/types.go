// Package llmclient wraps the provider SDKs for the proxy's own upstream
// calls, i.e. condensation summaries. Request traffic proper goes through
// internal/upstream untouched; these wrappers exist for calls the proxy
// originates itself.
package llmclient

import (
	"context"
)

const summaryMaxTokens = 2048

// Summarizers routes a condensation call to the family that owns the
// conversation: vision transcripts to the OpenAI-style endpoint, text to
// the Anthropic-style one.
type Summarizers struct {
	text   *AnthropicSummarizer
	vision *OpenAISummarizer
}

func NewSummarizers(text *AnthropicSummarizer, vision *OpenAISummarizer) *Summarizers {
	return &Summarizers{text: text, vision: vision}
}

func (s *Summarizers) Summarize(ctx context.Context, prompt string, isVision bool) (string, error) {
	if isVision && s.vision != nil {
		return s.vision.Summarize(ctx, prompt, isVision)
	}
	return s.text.Summarize(ctx, prompt, isVision)
}
