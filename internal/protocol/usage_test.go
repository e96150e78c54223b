package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageToOpenAI(t *testing.T) {
	tests := []struct {
		name string
		in   Usage
		want OpenAIUsage
	}{
		{
			name: "plain",
			in:   Usage{InputTokens: 5, OutputTokens: 1},
			want: OpenAIUsage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
		},
		{
			name: "cache fields fold into prompt",
			in:   Usage{InputTokens: 10, OutputTokens: 4, CacheCreationInputTokens: 7, CacheReadInputTokens: 3},
			want: OpenAIUsage{PromptTokens: 20, CompletionTokens: 4, TotalTokens: 24},
		},
		{
			name: "zero",
			in:   Usage{},
			want: OpenAIUsage{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.ToOpenAI()
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got.PromptTokens+got.CompletionTokens, got.TotalTokens)
		})
	}
}

func TestOpenAIUsageToAnthropic(t *testing.T) {
	u := OpenAIUsage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20}
	back := u.ToAnthropic()
	assert.Equal(t, 12, back.InputTokens)
	assert.Equal(t, 8, back.OutputTokens)
	assert.Zero(t, back.CacheCreationInputTokens)
}
