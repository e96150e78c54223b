package llmclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicOption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/duogate/duogate/internal/config"
)

// AnthropicSummarizer condenses transcripts through the Anthropic-style
// endpoint, which serves the text family.
type AnthropicSummarizer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicSummarizer builds the wrapper. The SDK appends /v1 itself,
// so a configured base carrying that suffix is trimmed first.
func NewAnthropicSummarizer(cfg *config.Config) *AnthropicSummarizer {
	apiBase := strings.TrimRight(cfg.UpstreamBase, "/")
	apiBase = strings.TrimSuffix(apiBase, "/v1")

	opts := []anthropicOption.RequestOption{
		anthropicOption.WithAPIKey(cfg.ServerAPIKey),
		anthropicOption.WithBaseURL(apiBase),
	}
	return &AnthropicSummarizer{
		client:    anthropic.NewClient(opts...),
		model:     cfg.ResolveModel(cfg.AutoTextModel),
		maxTokens: summaryMaxTokens,
	}
}

func (s *AnthropicSummarizer) Summarize(ctx context.Context, prompt string, _ bool) (string, error) {
	start := time.Now()
	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model: anthropic.Model(s.model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("anthropic summarize: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("anthropic summarize: empty completion from %s", s.model)
	}
	logrus.Debugf("summarized %d chars via %s in %dms", len(prompt), s.model, time.Since(start).Milliseconds())
	return text, nil
}
