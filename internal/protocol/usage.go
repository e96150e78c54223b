package protocol

// Usage is the Anthropic token accounting.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// OpenAIUsage is the OpenAI token accounting.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToOpenAI projects Anthropic usage onto the OpenAI fields: prompt tokens
// absorb both cache fields, total is always prompt + completion.
func (u Usage) ToOpenAI() OpenAIUsage {
	prompt := u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
	return OpenAIUsage{
		PromptTokens:     prompt,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      prompt + u.OutputTokens,
	}
}

// ToAnthropic maps OpenAI usage back; the cache split is not recoverable,
// so everything lands in input_tokens.
func (ou OpenAIUsage) ToAnthropic() Usage {
	return Usage{
		InputTokens:  ou.PromptTokens,
		OutputTokens: ou.CompletionTokens,
	}
}

// IsZero reports whether no field is set.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheCreationInputTokens == 0 && u.CacheReadInputTokens == 0
}
