package contextmgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/duogate/duogate/internal/condenser"
	"github.com/duogate/duogate/internal/config"
	"github.com/duogate/duogate/internal/envdedup"
	"github.com/duogate/duogate/internal/protocol"
	"github.com/duogate/duogate/internal/protocol/token"
)

// Risk grades how close a conversation is to its context window.
type Risk string

const (
	RiskSafe     Risk = "safe"
	RiskCaution  Risk = "caution"
	RiskWarning  Risk = "warning"
	RiskCritical Risk = "critical"
	RiskOverflow Risk = "overflow"
)

// Recommendation is the action the analysis calls for.
type Recommendation string

const (
	RecommendMonitorOnly            Recommendation = "monitor_only"
	RecommendCondensationLight      Recommendation = "condensation_light"
	RecommendCondensationAggressive Recommendation = "condensation_aggressive"
	RecommendEmergencyTruncation    Recommendation = "emergency_truncation"
)

const (
	analysisCacheSize = 100
	analysisCacheTTL  = 5 * time.Minute
	emergencyMargin   = 100
)

// Analysis is one sizing verdict for a conversation.
type Analysis struct {
	Risk            Risk
	Recommendation  Recommendation
	CurrentTokens   int
	LimitTokens     int
	AvailableTokens int
	Utilization     float64
	MessageCount    int
	ShouldCondense  bool
}

// Result reports what Apply did to the conversation.
type Result struct {
	Messages            []protocol.Message
	Analysis            Analysis
	Applied             string
	DedupSavings        int
	CondensationSavings int
	FinalTokens         int
	Degraded            bool
	Notes               []string
}

// Manager sizes conversations against the upstream's real context window
// and shrinks them through the dedup → condense → truncate pipeline when
// they would not fit.
type Manager struct {
	cfg       *config.Config
	counter   *token.Counter
	deduper   *envdedup.Deduper
	condenser *condenser.Condenser
	cache     *expirable.LRU[string, Analysis]
}

// New wires the pipeline. deduper may be nil when env deduplication is
// disabled.
func New(cfg *config.Config, counter *token.Counter, deduper *envdedup.Deduper, cond *condenser.Condenser) *Manager {
	return &Manager{
		cfg:       cfg,
		counter:   counter,
		deduper:   deduper,
		condenser: cond,
		cache:     expirable.NewLRU[string, Analysis](analysisCacheSize, nil, analysisCacheTTL),
	}
}

// Analyze measures the conversation and grades the risk. Results are
// memoized on a cheap fingerprint so repeated sizing of an unchanged
// conversation skips tokenization.
func (m *Manager) Analyze(messages []protocol.Message, isVision bool, maxResponseTokens int) Analysis {
	limit := m.cfg.HardLimit(isVision)
	reservation := maxResponseTokens
	if reservation < 0 {
		reservation = 0
	}
	key := fingerprint(messages, isVision, limit, reservation)
	if cached, ok := m.cache.Get(key); ok {
		return cached
	}
	analysis := m.analyze(messages, limit, reservation)
	m.cache.Add(key, analysis)
	return analysis
}

func (m *Manager) analyze(messages []protocol.Message, limit, reservation int) Analysis {
	current := m.counter.CountMessages(messages)
	utilization := 0.0
	if limit > 0 {
		utilization = float64(current+reservation) / float64(limit)
	}

	var risk Risk
	var rec Recommendation
	switch {
	case utilization >= 1.0:
		risk, rec = RiskOverflow, RecommendEmergencyTruncation
	case utilization >= m.cfg.CriticalThreshold:
		risk, rec = RiskCritical, RecommendCondensationAggressive
	case utilization >= m.cfg.WarningThreshold:
		risk, rec = RiskWarning, RecommendCondensationLight
	case utilization >= m.cfg.CautionThreshold:
		risk, rec = RiskCaution, RecommendMonitorOnly
	default:
		risk, rec = RiskSafe, RecommendMonitorOnly
	}

	return Analysis{
		Risk:            risk,
		Recommendation:  rec,
		CurrentTokens:   current,
		LimitTokens:     limit,
		AvailableTokens: limit - current - reservation,
		Utilization:     utilization,
		MessageCount:    len(messages),
		ShouldCondense:  utilization >= m.cfg.CautionThreshold && len(messages) >= m.cfg.CondensationMinMessages,
	}
}

// Apply runs the pipeline: deduplicate environment blocks, re-measure,
// condense when the window is tight, and fall back to emergency truncation
// when everything else leaves the conversation oversized. Any internal
// failure degrades to plain truncation rather than failing the request.
func (m *Manager) Apply(ctx context.Context, messages []protocol.Message, isVision bool, maxResponseTokens int) (result Result) {
	limit := m.cfg.HardLimit(isVision)
	reservation := maxResponseTokens
	if reservation < 0 {
		reservation = 0
	}

	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("context pipeline panic, degrading to truncation: %v", r)
			out := m.condenser.SmartTruncate(messages, limit-emergencyMargin)
			final := m.counter.CountMessages(out)
			result = Result{
				Messages:    out,
				Analysis:    m.analyze(out, limit, reservation),
				Applied:     string(RecommendEmergencyTruncation),
				FinalTokens: final,
				Degraded:    true,
				Notes:       []string{fmt.Sprintf("pipeline failure: %v", r)},
			}
		}
	}()

	result = Result{Applied: "none"}
	out := messages

	if m.deduper != nil && m.cfg.EnvDedupEnabled {
		dedup := m.deduper.Deduplicate(out)
		if dedup.BlocksRemoved > 0 {
			out = dedup.Messages
			result.DedupSavings = dedup.TokensSaved
			result.Applied = "deduplication"
			result.Notes = append(result.Notes,
				fmt.Sprintf("removed %d duplicate environment blocks", dedup.BlocksRemoved))
		}
	}

	analysis := m.analyze(out, limit, reservation)

	switch analysis.Risk {
	case RiskSafe, RiskCaution:
		result.Messages = out
		result.Analysis = analysis
		result.FinalTokens = analysis.CurrentTokens
		return result

	case RiskWarning, RiskCritical:
		target := int(float64(limit) * m.cfg.WarningThreshold)
		if analysis.Risk == RiskCritical {
			target = int(float64(limit) * m.cfg.CautionThreshold)
		}
		condensed := m.condenser.Condense(ctx, condenser.Request{
			Messages:      out,
			CurrentTokens: analysis.CurrentTokens,
			TargetTokens:  target,
			Strategy:      condenser.Strategy(m.cfg.CondensationStrategy),
			IsVision:      isVision,
			Utilization:   analysis.Utilization,
		})
		if condensed.Success {
			out = condensed.Messages
			result.CondensationSavings = condensed.TokensSaved
			result.Applied = condensed.Strategy
		} else if condensed.Reason != "" {
			result.Notes = append(result.Notes, "condensation skipped: "+condensed.Reason)
		}
		final := m.counter.CountMessages(out)
		if final+reservation <= limit {
			result.Messages = out
			result.Analysis = m.analyze(out, limit, reservation)
			result.FinalTokens = final
			return result
		}
		result.Notes = append(result.Notes, "condensed conversation still over limit")
	}

	// Overflow, or condensation left the conversation oversized.
	out = m.condenser.SmartTruncate(out, limit-emergencyMargin)
	final := m.counter.CountMessages(out)
	result.Messages = out
	result.Analysis = m.analyze(out, limit, reservation)
	result.Applied = string(RecommendEmergencyTruncation)
	result.FinalTokens = final
	result.Notes = append(result.Notes, "emergency truncation applied")
	return result
}

// fingerprint is a cheap digest of the conversation shape: role, text
// length, and the first and last bytes of each message, plus the sizing
// inputs. Content edits anywhere in the conversation change it.
func fingerprint(messages []protocol.Message, isVision bool, limit, reservation int) string {
	h := sha256.New()
	for i := range messages {
		text := messages[i].Content.PlainText()
		fmt.Fprintf(h, "%s:%d:%d:", messages[i].Role, len(text), len(messages[i].Content.Parts))
		if len(text) > 32 {
			h.Write([]byte(text[:16]))
			h.Write([]byte(text[len(text)-16:]))
		} else {
			h.Write([]byte(text))
		}
		h.Write([]byte{0})
	}
	fmt.Fprintf(h, "|%t|%d|%d", isVision, limit, reservation)
	return hex.EncodeToString(h.Sum(nil))
}
