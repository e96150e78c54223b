package condenser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duogate/duogate/internal/chunkstore"
	"github.com/duogate/duogate/internal/protocol"
	"github.com/duogate/duogate/internal/protocol/token"
)

// Strategy names a condensation approach.
type Strategy string

const (
	StrategyConversationSummary      Strategy = "conversation_summary"
	StrategyKeyPointExtraction       Strategy = "key_point_extraction"
	StrategyProgressiveSummarization Strategy = "progressive_summarization"
	StrategySmartTruncation          Strategy = "smart_truncation"

	// Labels reported by the chunk orchestration.
	LabelChunkBased  = "chunk_based"
	LabelChunkCached = "chunk_cached"
)

const (
	DefaultMinMessages = 3
	DefaultMaxMessages = 50
	DefaultTimeout     = 30 * time.Second
	DefaultCacheTTL    = time.Hour

	defaultCautionThreshold = 0.70
	resultCacheSize         = 100
	segmentTokenSize        = 4000
)

// Summarizer produces a condensed rendition of a transcript. Implemented by
// the upstream SDK wrappers.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string, isVision bool) (string, error)
}

// SummarizeFunc adapts a function to the Summarizer interface.
type SummarizeFunc func(ctx context.Context, prompt string, isVision bool) (string, error)

func (f SummarizeFunc) Summarize(ctx context.Context, prompt string, isVision bool) (string, error) {
	return f(ctx, prompt, isVision)
}

// Request carries one condensation job.
type Request struct {
	Messages      []protocol.Message
	CurrentTokens int // 0 means measure here
	TargetTokens  int
	Strategy      Strategy // optional; empty selects automatically
	IsVision      bool
	Utilization   float64
}

// Result reports what condensation did.
type Result struct {
	Messages        []protocol.Message
	Success         bool
	Strategy        string
	Reason          string
	OriginalTokens  int
	FinalTokens     int
	TokensSaved     int
	ChunksTotal     int
	ChunksFromCache int
	Duration        time.Duration
}

// Params tunes a Condenser. Zero values take the package defaults.
type Params struct {
	MinMessages      int
	MaxMessages      int
	CautionThreshold float64
	Timeout          time.Duration
	CacheTTL         time.Duration
	DefaultStrategy  Strategy
}

// Condenser shrinks conversations that are close to their context window.
// AI-driven strategies go through the Summarizer; smart truncation is fully
// local. When a chunk store is attached, condensation is orchestrated per
// chunk so unchanged stretches of conversation are never re-summarized.
type Condenser struct {
	counter    *token.Counter
	summarizer Summarizer
	chunker    *chunkstore.Chunker
	store      *chunkstore.Store

	minMessages     int
	maxMessages     int
	caution         float64
	timeout         time.Duration
	defaultStrategy Strategy

	cache *resultCache
}

// New builds a Condenser. chunker and store may be nil to disable the chunk
// orchestration; summarizer may be nil, in which case every AI strategy
// degrades to smart truncation.
func New(counter *token.Counter, summarizer Summarizer, chunker *chunkstore.Chunker, store *chunkstore.Store, params Params) *Condenser {
	if params.MinMessages <= 0 {
		params.MinMessages = DefaultMinMessages
	}
	if params.MaxMessages <= 0 {
		params.MaxMessages = DefaultMaxMessages
	}
	if params.CautionThreshold <= 0 {
		params.CautionThreshold = defaultCautionThreshold
	}
	if params.Timeout <= 0 {
		params.Timeout = DefaultTimeout
	}
	if params.CacheTTL <= 0 {
		params.CacheTTL = DefaultCacheTTL
	}
	return &Condenser{
		counter:         counter,
		summarizer:      summarizer,
		chunker:         chunker,
		store:           store,
		minMessages:     params.MinMessages,
		maxMessages:     params.MaxMessages,
		caution:         params.CautionThreshold,
		timeout:         params.Timeout,
		defaultStrategy: params.DefaultStrategy,
		cache:           newResultCache(resultCacheSize, params.CacheTTL),
	}
}

// ShouldCondense applies the gate: high enough utilization and enough
// messages to be worth touching.
func (c *Condenser) ShouldCondense(messages []protocol.Message, utilization float64) (bool, string) {
	if len(messages) < c.minMessages {
		return false, fmt.Sprintf("too few messages (%d < %d)", len(messages), c.minMessages)
	}
	if utilization < c.caution {
		return false, fmt.Sprintf("utilization %.0f%% below threshold", utilization*100)
	}
	return true, ""
}

// SelectStrategy picks a strategy when the caller expressed no preference.
func (c *Condenser) SelectStrategy(messages []protocol.Message, currentTokens, targetTokens int) Strategy {
	switch {
	case len(messages) > 20:
		return StrategyProgressiveSummarization
	case len(messages) > 10:
		return StrategyConversationSummary
	case targetTokens > 0 && float64(currentTokens) > 0.9*float64(targetTokens):
		return StrategySmartTruncation
	default:
		return StrategyKeyPointExtraction
	}
}

// Condense runs the gate, the strategy (or the chunk orchestration when a
// store is attached), and the result cache.
func (c *Condenser) Condense(ctx context.Context, req Request) Result {
	start := time.Now()
	current := req.CurrentTokens
	if current <= 0 {
		current = c.counter.CountMessages(req.Messages)
	}

	if ok, reason := c.ShouldCondense(req.Messages, req.Utilization); !ok {
		return Result{
			Messages:       req.Messages,
			Success:        false,
			Strategy:       "none",
			Reason:         reason,
			OriginalTokens: current,
			FinalTokens:    current,
			Duration:       time.Since(start),
		}
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = c.defaultStrategy
	}
	if strategy == "" {
		strategy = c.SelectStrategy(req.Messages, current, req.TargetTokens)
	}

	key := cacheKey(req.Messages, string(strategy), req.TargetTokens, req.IsVision)
	if cached, ok := c.cache.get(key); ok {
		cached.Duration = time.Since(start)
		return cached
	}

	var res Result
	if c.store != nil && c.chunker != nil && strategy != StrategySmartTruncation {
		res = c.condenseChunked(ctx, req, current)
	} else {
		res = c.runDirect(ctx, strategy, req, current)
	}
	res.Duration = time.Since(start)
	if res.Success {
		c.cache.add(key, res)
	}
	return res
}

// runDirect executes a single strategy over the whole message list, falling
// back to smart truncation when an AI strategy fails outright.
func (c *Condenser) runDirect(ctx context.Context, strategy Strategy, req Request, current int) Result {
	target := req.TargetTokens
	var (
		msgs []protocol.Message
		err  error
	)
	label := string(strategy)

	switch strategy {
	case StrategySmartTruncation:
		msgs = c.smartTruncate(req.Messages, target)
	case StrategyConversationSummary, StrategyKeyPointExtraction, StrategyProgressiveSummarization:
		runCtx, cancel := context.WithTimeout(ctx, c.timeout)
		msgs, err = c.runAIStrategy(runCtx, strategy, req.Messages, target, req.IsVision)
		cancel()
		if err != nil {
			logrus.Warnf("condenser: %s failed, falling back to smart truncation: %v", strategy, err)
			msgs = c.smartTruncate(req.Messages, target)
			label = string(StrategySmartTruncation)
		}
	default:
		msgs = c.smartTruncate(req.Messages, target)
		label = string(StrategySmartTruncation)
	}

	final := c.counter.CountMessages(msgs)
	if final > current {
		// A condensation that grows the conversation is worse than
		// useless; truncate instead.
		msgs = c.smartTruncate(req.Messages, target)
		label = string(StrategySmartTruncation)
		final = c.counter.CountMessages(msgs)
	}

	res := Result{
		Messages:       msgs,
		Strategy:       label,
		OriginalTokens: current,
		FinalTokens:    final,
	}
	if final < current {
		res.Success = true
		res.TokensSaved = current - final
	} else {
		res.Reason = "no reduction achieved"
	}
	if err != nil {
		res.Reason = fmt.Sprintf("fell back to smart truncation: %v", err)
	}
	return res
}

func cacheKey(messages []protocol.Message, strategy string, target int, isVision bool) string {
	h := sha256.New()
	h.Write([]byte(chunkstore.ContentHash(messages)))
	fmt.Fprintf(h, "|%s|%d|%t", strategy, target, isVision)
	return hex.EncodeToString(h.Sum(nil))
}

type cachedResult struct {
	result Result
	at     time.Time
}

// resultCache is a small TTL cache with oldest-first eviction.
type resultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]cachedResult
	order   []string
}

func newResultCache(max int, ttl time.Duration) *resultCache {
	return &resultCache{
		ttl:     ttl,
		max:     max,
		entries: make(map[string]cachedResult),
	}
}

func (rc *resultCache) get(key string) (Result, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	entry, ok := rc.entries[key]
	if !ok {
		return Result{}, false
	}
	if time.Since(entry.at) > rc.ttl {
		delete(rc.entries, key)
		return Result{}, false
	}
	return entry.result, true
}

func (rc *resultCache) add(key string, res Result) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, exists := rc.entries[key]; !exists {
		rc.order = append(rc.order, key)
	}
	rc.entries[key] = cachedResult{result: res, at: time.Now()}
	for len(rc.entries) > rc.max && len(rc.order) > 0 {
		oldest := rc.order[0]
		rc.order = rc.order[1:]
		delete(rc.entries, oldest)
	}
}
