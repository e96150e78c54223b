package llmclient

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	openaiOption "github.com/openai/openai-go/v3/option"
	"github.com/sirupsen/logrus"

	"github.com/duogate/duogate/internal/config"
)

// OpenAISummarizer condenses transcripts through the OpenAI-style
// endpoint; the vision family lives there.
type OpenAISummarizer struct {
	client    openai.Client
	model     string
	maxTokens int64
}

func NewOpenAISummarizer(cfg *config.Config) *OpenAISummarizer {
	opts := []openaiOption.RequestOption{
		openaiOption.WithAPIKey(cfg.ServerAPIKey),
		openaiOption.WithBaseURL(cfg.OpenAIUpstreamBase),
	}
	return &OpenAISummarizer{
		client:    openai.NewClient(opts...),
		model:     cfg.ResolveModel(cfg.AutoVisionModel),
		maxTokens: summaryMaxTokens,
	}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, prompt string, _ bool) (string, error) {
	start := time.Now()
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		MaxTokens: openai.Opt(s.maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai summarize: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai summarize: empty completion from %s", s.model)
	}
	logrus.Debugf("summarized %d chars via %s in %dms", len(prompt), s.model, time.Since(start).Milliseconds())
	return resp.Choices[0].Message.Content, nil
}
