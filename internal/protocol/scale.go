package protocol

import "math"

// Family identifies an upstream endpoint dialect.
type Family string

const (
	FamilyAnthropic Family = "anthropic"
	FamilyOpenAI    Family = "openai"
)

// Advertised context windows, in tokens. The Anthropic-style endpoint
// advertises the large window; the OpenAI-style endpoints expose the model
// family's real limits.
const (
	AnthropicTextWindow = 200000
	OpenAITextWindow    = 131072
	OpenAIVisionWindow  = 65535
)

// ScaleFactor returns the linear usage rescale factor for counts crossing
// from the upstream family to the downstream (client-visible) family.
// Cross-family factors are window ratios (downstream / upstream), inverses
// of each other so a scaled count survives a round trip within one token.
// Same-family traffic is identity except vision-upstream responses, which
// are stretched to the text-sized client view.
func ScaleFactor(upstream, downstream Family, vision bool) float64 {
	switch {
	case upstream == FamilyAnthropic && downstream == FamilyOpenAI && !vision:
		return float64(OpenAITextWindow) / float64(AnthropicTextWindow)
	case upstream == FamilyAnthropic && downstream == FamilyOpenAI && vision:
		return float64(OpenAIVisionWindow) / float64(AnthropicTextWindow)
	case upstream == FamilyOpenAI && downstream == FamilyAnthropic && !vision:
		return float64(AnthropicTextWindow) / float64(OpenAITextWindow)
	case upstream == FamilyOpenAI && downstream == FamilyAnthropic && vision:
		return float64(AnthropicTextWindow) / float64(OpenAIVisionWindow)
	case upstream == FamilyOpenAI && downstream == FamilyOpenAI && vision:
		// vision upstream, text-sized client view
		return float64(OpenAITextWindow) / float64(OpenAIVisionWindow)
	default:
		return 1.0
	}
}

// ScaleCount rescales one token count. Zero and negative counts pass
// through untouched; positive counts never scale below 1.
func ScaleCount(raw int, factor float64) int {
	if raw <= 0 || factor == 1.0 {
		return raw
	}
	scaled := int(math.Floor(float64(raw) * factor))
	if scaled < 1 {
		return 1
	}
	return scaled
}

// ScaleUsage applies ScaleCount to an OpenAI usage object. Prompt and
// completion scale independently; the total is recomputed from them so it
// stays their exact sum after rounding. A usage carrying only a total
// scales that field directly.
func ScaleUsage(u OpenAIUsage, upstream, downstream Family, vision bool) OpenAIUsage {
	factor := ScaleFactor(upstream, downstream, vision)
	if factor == 1.0 {
		return u
	}
	out := OpenAIUsage{
		PromptTokens:     ScaleCount(u.PromptTokens, factor),
		CompletionTokens: ScaleCount(u.CompletionTokens, factor),
		TotalTokens:      ScaleCount(u.TotalTokens, factor),
	}
	if u.PromptTokens > 0 || u.CompletionTokens > 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}

// ScaleCountTokens rescales a count_tokens estimate for the vision path.
// Counts round up so the caller never under-budgets.
func ScaleCountTokens(raw int, visionScale float64) int {
	if raw <= 0 || visionScale == 1.0 {
		return raw
	}
	return int(math.Ceil(float64(raw) * visionScale))
}
