package contextmgr

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duogate/duogate/internal/condenser"
	"github.com/duogate/duogate/internal/config"
	"github.com/duogate/duogate/internal/envdedup"
	"github.com/duogate/duogate/internal/protocol"
	"github.com/duogate/duogate/internal/protocol/token"
)

func testConfig() *config.Config {
	return &config.Config{
		RealTextModelTokens:     1000,
		RealVisionModelTokens:   500,
		CautionThreshold:        0.70,
		WarningThreshold:        0.80,
		CriticalThreshold:       0.90,
		CondensationMinMessages: 3,
		EnvDedupEnabled:         true,
	}
}

func newManager(cfg *config.Config, summarize condenser.SummarizeFunc, withDedup bool) *Manager {
	counter := &token.Counter{}
	var s condenser.Summarizer
	if summarize != nil {
		s = summarize
	}
	cond := condenser.New(counter, s, nil, nil, condenser.Params{})
	var dedup *envdedup.Deduper
	if withDedup {
		dedup = envdedup.New(counter, config.DedupKeepLatest, 0)
	}
	return New(cfg, counter, dedup, cond)
}

func userOfTokens(tokens int) protocol.Message {
	// Fallback counting: 3 envelope + 1 role + len/4 text tokens.
	body := strings.Repeat("z", (tokens-4)*4)
	return protocol.Message{Role: protocol.RoleUser, Content: protocol.TextContent(body)}
}

func TestAnalyzeRiskLadder(t *testing.T) {
	m := newManager(testConfig(), nil, false)

	tests := []struct {
		name   string
		tokens int
		risk   Risk
		rec    Recommendation
	}{
		{"safe", 500, RiskSafe, RecommendMonitorOnly},
		{"caution", 720, RiskCaution, RecommendMonitorOnly},
		{"warning", 850, RiskWarning, RecommendCondensationLight},
		{"critical", 950, RiskCritical, RecommendCondensationAggressive},
		{"overflow at exactly the limit", 1000, RiskOverflow, RecommendEmergencyTruncation},
		{"overflow past the limit", 1100, RiskOverflow, RecommendEmergencyTruncation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analysis := m.Analyze([]protocol.Message{userOfTokens(tt.tokens)}, false, 0)
			assert.Equal(t, tt.risk, analysis.Risk)
			assert.Equal(t, tt.rec, analysis.Recommendation)
			assert.Equal(t, tt.tokens, analysis.CurrentTokens)
			assert.Equal(t, 1000, analysis.LimitTokens)
		})
	}
}

func TestAnalyzeVisionUsesSmallerWindow(t *testing.T) {
	m := newManager(testConfig(), nil, false)
	msgs := []protocol.Message{userOfTokens(500)}

	assert.Equal(t, RiskSafe, m.Analyze(msgs, false, 0).Risk)
	assert.Equal(t, RiskOverflow, m.Analyze(msgs, true, 0).Risk)
}

func TestAnalyzeReservationCounts(t *testing.T) {
	m := newManager(testConfig(), nil, false)
	msgs := []protocol.Message{userOfTokens(500)}

	// No reservation: half the window used.
	base := m.Analyze(msgs, false, 0)
	assert.Equal(t, RiskSafe, base.Risk)
	assert.Equal(t, 500, base.AvailableTokens)

	// A 400-token response reservation pushes the same conversation to
	// critical.
	reserved := m.Analyze(msgs, false, 400)
	assert.Equal(t, RiskCritical, reserved.Risk)
	assert.Equal(t, 100, reserved.AvailableTokens)
	assert.InDelta(t, 0.9, reserved.Utilization, 0.001)
}

func TestFingerprintIgnoresMiddleEdits(t *testing.T) {
	base := []protocol.Message{{
		Role:    protocol.RoleUser,
		Content: protocol.TextContent(strings.Repeat("a", 16) + strings.Repeat("b", 100) + strings.Repeat("c", 16)),
	}}
	middleEdit := []protocol.Message{{
		Role:    protocol.RoleUser,
		Content: protocol.TextContent(strings.Repeat("a", 16) + strings.Repeat("B", 100) + strings.Repeat("c", 16)),
	}}
	longer := []protocol.Message{{
		Role:    protocol.RoleUser,
		Content: protocol.TextContent(strings.Repeat("a", 16) + strings.Repeat("b", 101) + strings.Repeat("c", 16)),
	}}

	// The digest samples edges and length only, so a middle-of-text edit
	// with unchanged length hits the memo.
	assert.Equal(t, fingerprint(base, false, 1000, 0), fingerprint(middleEdit, false, 1000, 0))
	assert.NotEqual(t, fingerprint(base, false, 1000, 0), fingerprint(longer, false, 1000, 0))
	assert.NotEqual(t, fingerprint(base, false, 1000, 0), fingerprint(base, true, 1000, 0))
	assert.NotEqual(t, fingerprint(base, false, 1000, 0), fingerprint(base, false, 1000, 50))
}

func TestApplySafePassthrough(t *testing.T) {
	m := newManager(testConfig(), nil, false)
	msgs := []protocol.Message{userOfTokens(100), userOfTokens(100)}

	res := m.Apply(context.Background(), msgs, false, 0)

	assert.Equal(t, "none", res.Applied)
	assert.Equal(t, msgs, res.Messages)
	assert.Equal(t, 200, res.FinalTokens)
	assert.False(t, res.Degraded)
	assert.Equal(t, RiskSafe, res.Analysis.Risk)
}

func TestApplyDeduplicationOnly(t *testing.T) {
	m := newManager(testConfig(), nil, true)

	env := "<environment_details>\ncwd: /work\nopen: main.go\n</environment_details>"
	msgs := []protocol.Message{
		{Role: protocol.RoleUser, Content: protocol.TextContent("start\n" + env)},
		{Role: protocol.RoleAssistant, Content: protocol.TextContent("ack")},
		{Role: protocol.RoleUser, Content: protocol.TextContent("next\n" + env)},
	}

	res := m.Apply(context.Background(), msgs, false, 0)

	assert.Equal(t, "deduplication", res.Applied)
	assert.Greater(t, res.DedupSavings, 0)
	assert.Zero(t, res.CondensationSavings)
	// The earlier duplicate is gone, the newest block survives.
	assert.NotContains(t, res.Messages[0].Content.PlainText(), "environment_details")
	assert.Contains(t, res.Messages[2].Content.PlainText(), "environment_details")
}

func TestApplyCondensationInWarningBand(t *testing.T) {
	fake := condenser.SummarizeFunc(func(ctx context.Context, prompt string, isVision bool) (string, error) {
		return "S", nil
	})
	m := newManager(testConfig(), fake, false)

	body := strings.Repeat("x", 280) // 75 tokens per message
	var msgs []protocol.Message
	for i := 0; i < 11; i++ {
		msgs = append(msgs, protocol.Message{Role: protocol.RoleAssistant, Content: protocol.TextContent(body)})
	}

	res := m.Apply(context.Background(), msgs, false, 0)

	assert.Equal(t, string(condenser.StrategyConversationSummary), res.Applied)
	assert.Greater(t, res.CondensationSavings, 0)
	assert.LessOrEqual(t, res.FinalTokens, 1000)
	assert.Equal(t, RiskSafe, res.Analysis.Risk)
	assert.False(t, res.Degraded)
}

func TestApplyOverflowTruncates(t *testing.T) {
	m := newManager(testConfig(), nil, false)

	var msgs []protocol.Message
	for i := 0; i < 12; i++ {
		msgs = append(msgs, userOfTokens(104))
	}

	res := m.Apply(context.Background(), msgs, false, 0)

	assert.Equal(t, string(RecommendEmergencyTruncation), res.Applied)
	assert.LessOrEqual(t, res.FinalTokens, 1000-emergencyMargin)
	assert.NotEqual(t, RiskOverflow, res.Analysis.Risk)
	assert.Less(t, len(res.Messages), len(msgs))
	require.NotEmpty(t, res.Notes)
	assert.Contains(t, res.Notes[len(res.Notes)-1], "emergency truncation")
}

func TestApplyKeepsNewestUnderTruncation(t *testing.T) {
	m := newManager(testConfig(), nil, false)

	var msgs []protocol.Message
	for i := 0; i < 12; i++ {
		msgs = append(msgs, protocol.Message{
			Role:    protocol.RoleUser,
			Content: protocol.TextContent(fmt.Sprintf("%03d:%s", i, strings.Repeat("x", 396))),
		})
	}

	res := m.Apply(context.Background(), msgs, false, 0)
	require.NotEmpty(t, res.Messages)
	newest := res.Messages[len(res.Messages)-1].Content.PlainText()
	assert.True(t, strings.HasPrefix(newest, "011:"))
}
