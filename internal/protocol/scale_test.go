package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScaleFactorTable(t *testing.T) {
	tests := []struct {
		name     string
		up, down Family
		vision   bool
		want     float64
	}{
		{"anthropic to openai text", FamilyAnthropic, FamilyOpenAI, false, 131072.0 / 200000.0},
		{"anthropic to openai vision", FamilyAnthropic, FamilyOpenAI, true, 65535.0 / 200000.0},
		{"openai to anthropic text", FamilyOpenAI, FamilyAnthropic, false, 200000.0 / 131072.0},
		{"openai to anthropic vision", FamilyOpenAI, FamilyAnthropic, true, 200000.0 / 65535.0},
		{"openai vision to text view", FamilyOpenAI, FamilyOpenAI, true, 131072.0 / 65535.0},
		{"openai to openai text", FamilyOpenAI, FamilyOpenAI, false, 1.0},
		{"anthropic to anthropic", FamilyAnthropic, FamilyAnthropic, false, 1.0},
		{"anthropic to anthropic vision", FamilyAnthropic, FamilyAnthropic, true, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, ScaleFactor(tt.up, tt.down, tt.vision), 1e-9)
		})
	}
}

func TestScaleCount(t *testing.T) {
	factor := ScaleFactor(FamilyAnthropic, FamilyOpenAI, false)

	// Scenario check: 5 input tokens on the large window read as 3.
	assert.Equal(t, 3, ScaleCount(5, factor))

	// Zero and negatives pass through.
	assert.Equal(t, 0, ScaleCount(0, factor))
	assert.Equal(t, -1, ScaleCount(-1, factor))

	// Positive counts never collapse to zero.
	assert.Equal(t, 1, ScaleCount(1, ScaleFactor(FamilyAnthropic, FamilyOpenAI, true)))
}

func TestScaleCountRoundTrip(t *testing.T) {
	pairs := []struct {
		up, down Family
		vision   bool
	}{
		{FamilyAnthropic, FamilyOpenAI, false},
		{FamilyAnthropic, FamilyOpenAI, true},
		{FamilyOpenAI, FamilyAnthropic, false},
		{FamilyOpenAI, FamilyAnthropic, true},
		{FamilyAnthropic, FamilyAnthropic, false},
	}
	counts := []int{1, 2, 3, 5, 10, 100, 1000, 65535, 131072, 200000}

	for _, p := range pairs {
		forward := ScaleFactor(p.up, p.down, p.vision)
		backward := ScaleFactor(p.down, p.up, p.vision)
		// Flooring quantizes to the coarser window, so a round trip can
		// drift by one quantum of the smaller factor, never more.
		tolerance := 1
		if q := 1.0 / forward; q > 1.0 {
			tolerance = int(q) + 1
		}
		for _, x := range counts {
			back := ScaleCount(ScaleCount(x, forward), backward)
			if diff := back - x; diff < -tolerance || diff > tolerance {
				t.Fatalf("round trip %d via (%s,%s,%v) gave %d (tolerance %d)", x, p.up, p.down, p.vision, back, tolerance)
			}
		}
	}
}

func TestScaleCountRoundTripExactAtWindowSize(t *testing.T) {
	// Window-sized counts rescale without loss in either direction.
	f := ScaleFactor(FamilyAnthropic, FamilyOpenAI, false)
	g := ScaleFactor(FamilyOpenAI, FamilyAnthropic, false)
	assert.Equal(t, 131072, ScaleCount(200000, f))
	assert.Equal(t, 200000, ScaleCount(131072, g))
}

func TestScaleCountMonotonic(t *testing.T) {
	factor := ScaleFactor(FamilyAnthropic, FamilyOpenAI, true)
	prev := 0
	for x := 1; x <= 5000; x++ {
		got := ScaleCount(x, factor)
		assert.GreaterOrEqual(t, got, prev, "scaling must be monotonic at %d", x)
		prev = got
	}
}

func TestScaleUsage(t *testing.T) {
	u := OpenAIUsage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6}
	scaled := ScaleUsage(u, FamilyAnthropic, FamilyOpenAI, false)
	assert.Equal(t, 3, scaled.PromptTokens)
	assert.Equal(t, 1, scaled.CompletionTokens)
	// Total stays prompt + completion after rounding.
	assert.Equal(t, 4, scaled.TotalTokens)

	// A total-only usage scales directly.
	only := ScaleUsage(OpenAIUsage{TotalTokens: 200000}, FamilyAnthropic, FamilyOpenAI, false)
	assert.Equal(t, 131072, only.TotalTokens)

	// Identity pairs return the input untouched.
	assert.Equal(t, u, ScaleUsage(u, FamilyOpenAI, FamilyOpenAI, false))
}

func TestScaleCountTokens(t *testing.T) {
	// Default scale is a no-op.
	assert.Equal(t, 123, ScaleCountTokens(123, 1.0))
	// Configured scales round up.
	assert.Equal(t, 62, ScaleCountTokens(123, 0.5))
	assert.Equal(t, 0, ScaleCountTokens(0, 0.5))
}
