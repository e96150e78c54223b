package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Env deduplication strategies.
const (
	DedupKeepLatest       = "keep_latest"
	DedupKeepMostRelevant = "keep_most_relevant"
	DedupMerge            = "merge"
	DedupSelective        = "selective"
)

// Log sink verbosity presets.
const (
	PerfMaxDetail   = "max_detail"
	PerfBalanced    = "balanced"
	PerfPerformance = "performance"
	PerfMinimal     = "minimal"
)

// Config is the full environment-driven configuration. A Config value is
// immutable after Load except the model map, which supports hot reload and
// is guarded internally.
type Config struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8787"`

	// Upstream endpoints. Both families are hosted by the same provider.
	UpstreamBase       string `env:"UPSTREAM_BASE" envDefault:"https://open.bigmodel.cn/api/anthropic"`
	OpenAIUpstreamBase string `env:"OPENAI_UPSTREAM_BASE" envDefault:"https://open.bigmodel.cn/api/paas/v4"`
	ServerAPIKey       string `env:"SERVER_API_KEY"`
	ForwardClientKey   bool   `env:"FORWARD_CLIENT_KEY" envDefault:"true"`
	AnthropicVersion   string `env:"ANTHROPIC_VERSION" envDefault:"2023-06-01"`

	// Prompt-caching beta header injection.
	ForceAnthropicBeta bool   `env:"FORCE_ANTHROPIC_BETA" envDefault:"false"`
	AnthropicBetaValue string `env:"ANTHROPIC_BETA_VALUE" envDefault:"prompt-caching-2024-07-31"`

	// Routing targets and the alias table.
	AutoTextModel   string `env:"AUTOTEXT_MODEL" envDefault:"glm-4.5"`
	AutoVisionModel string `env:"AUTOVISION_MODEL" envDefault:"glm-4.5v"`
	ModelMapJSON    string `env:"MODEL_MAP_JSON" envDefault:"{}"`
	ModelMapFile    string `env:"MODEL_MAP_FILE"`

	// Hard window limits of the models actually serving requests.
	RealTextModelTokens   int `env:"REAL_TEXT_MODEL_TOKENS" envDefault:"131072"`
	RealVisionModelTokens int `env:"REAL_VISION_MODEL_TOKENS" envDefault:"65535"`

	// count_tokens vision rescale.
	ScaleCountTokensForVision bool    `env:"SCALE_COUNT_TOKENS_FOR_VISION" envDefault:"false"`
	VisionCountScale          float64 `env:"VISION_COUNT_SCALE" envDefault:"1.0"`

	// Response budget default when the client sends none.
	DefaultMaxTokens int `env:"DEFAULT_MAX_TOKENS" envDefault:"98304"`

	// Context management.
	ContextManagementEnabled bool    `env:"CONTEXT_MANAGEMENT_ENABLED" envDefault:"true"`
	CautionThreshold         float64 `env:"CONDENSATION_CAUTION_THRESHOLD" envDefault:"0.70"`
	WarningThreshold         float64 `env:"CONDENSATION_WARNING_THRESHOLD" envDefault:"0.80"`
	CriticalThreshold        float64 `env:"CONDENSATION_CRITICAL_THRESHOLD" envDefault:"0.90"`
	CondensationMinMessages  int     `env:"CONDENSATION_MIN_MESSAGES" envDefault:"3"`
	CondensationMaxMessages  int     `env:"CONDENSATION_MAX_MESSAGES" envDefault:"50"`
	CondensationStrategy     string  `env:"CONDENSATION_DEFAULT_STRATEGY"`
	CondensationTimeoutSecs  float64 `env:"CONDENSATION_TIMEOUT" envDefault:"30"`
	CondensationCacheTTLSecs float64 `env:"CONDENSATION_CACHE_TTL" envDefault:"3600"`

	// Chunk store.
	ChunkCondensationEnabled bool    `env:"ENABLE_CHUNK_BASED_CONDENSATION" envDefault:"true"`
	ChunkSizeMessages        int     `env:"CHUNK_SIZE_MESSAGES" envDefault:"8"`
	ChunkMaxTokens           int     `env:"CHUNK_MAX_TOKENS" envDefault:"4000"`
	ChunkOverlapMessages     int     `env:"CHUNK_OVERLAP_MESSAGES" envDefault:"2"`
	ChunkCacheTTLSecs        float64 `env:"CHUNK_CACHE_TTL" envDefault:"3600"`
	ChunkAgeThresholdSecs    float64 `env:"CHUNK_AGE_THRESHOLD" envDefault:"1800"`
	CacheDir                 string  `env:"CACHE_DIR" envDefault:"cache"`

	// Env deduplication.
	EnvDedupEnabled      bool   `env:"ENV_DEDUPLICATION_ENABLED" envDefault:"true"`
	EnvDedupStrategy     string `env:"ENV_DEDUPLICATION_STRATEGY" envDefault:"keep_latest"`
	EnvDetailsMaxAgeMins int    `env:"ENV_DETAILS_MAX_AGE_MINUTES" envDefault:"30"`

	// Upstream client timeouts and retry.
	StreamTimeoutSecs  float64 `env:"STREAM_TIMEOUT" envDefault:"300"`
	RequestTimeoutSecs float64 `env:"REQUEST_TIMEOUT" envDefault:"120"`
	ConnectTimeoutSecs float64 `env:"CONNECT_TIMEOUT" envDefault:"10"`
	RetryBackoffSecs   float64 `env:"RETRY_BACKOFF" envDefault:"0.1"`
	MaxRetries         int     `env:"MAX_RETRIES" envDefault:"3"`

	// Observation.
	LogDir              string `env:"LOG_DIR" envDefault:"logs"`
	PerformanceLevel    string `env:"LOGGING_PERFORMANCE_LEVEL" envDefault:"balanced"`
	LogFilterExpression string `env:"LOG_FILTER_EXPRESSION"`
	MetricsEnabled      bool   `env:"METRICS_ENABLED" envDefault:"true"`
	Verbose             bool   `env:"VERBOSE" envDefault:"false"`

	modelMap   map[string]string
	modelMapMu sync.RWMutex
}

// Load reads .env (when present), parses the environment, and validates.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	modelMap, err := parseModelMap(cfg.ModelMapJSON)
	if err != nil {
		return nil, fmt.Errorf("MODEL_MAP_JSON: %w", err)
	}
	cfg.modelMap = modelMap

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the proxy cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	for name, base := range map[string]string{
		"UPSTREAM_BASE":        c.UpstreamBase,
		"OPENAI_UPSTREAM_BASE": c.OpenAIUpstreamBase,
	} {
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s is not a valid URL: %q", name, base)
		}
	}
	if !(c.CautionThreshold > 0 && c.CautionThreshold < c.WarningThreshold &&
		c.WarningThreshold < c.CriticalThreshold && c.CriticalThreshold <= 1.0) {
		return fmt.Errorf("condensation thresholds must satisfy 0 < caution < warning < critical <= 1, got %.2f/%.2f/%.2f",
			c.CautionThreshold, c.WarningThreshold, c.CriticalThreshold)
	}
	switch c.EnvDedupStrategy {
	case DedupKeepLatest, DedupKeepMostRelevant, DedupMerge, DedupSelective:
	default:
		return fmt.Errorf("unknown ENV_DEDUPLICATION_STRATEGY %q", c.EnvDedupStrategy)
	}
	switch c.PerformanceLevel {
	case PerfMaxDetail, PerfBalanced, PerfPerformance, PerfMinimal:
	default:
		return fmt.Errorf("unknown LOGGING_PERFORMANCE_LEVEL %q", c.PerformanceLevel)
	}
	if c.ChunkSizeMessages <= 0 {
		return fmt.Errorf("CHUNK_SIZE_MESSAGES must be positive")
	}
	if c.ChunkOverlapMessages < 0 || c.ChunkOverlapMessages >= c.ChunkSizeMessages {
		return fmt.Errorf("CHUNK_OVERLAP_MESSAGES must be in [0, CHUNK_SIZE_MESSAGES)")
	}
	if c.RealTextModelTokens <= 0 || c.RealVisionModelTokens <= 0 {
		return fmt.Errorf("window limits must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1")
	}
	return nil
}

func parseModelMap(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	m := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ResolveModel maps a client alias to an upstream model id; unknown names
// pass through unchanged.
func (c *Config) ResolveModel(alias string) string {
	c.modelMapMu.RLock()
	defer c.modelMapMu.RUnlock()
	if target, ok := c.modelMap[alias]; ok && target != "" {
		return target
	}
	return alias
}

// ModelAliases returns the alias-table keys in no particular order.
func (c *Config) ModelAliases() []string {
	c.modelMapMu.RLock()
	defer c.modelMapMu.RUnlock()
	keys := make([]string, 0, len(c.modelMap))
	for k := range c.modelMap {
		keys = append(keys, k)
	}
	return keys
}

// SetModelMap swaps the alias table, used by the hot-reload watcher.
func (c *Config) SetModelMap(m map[string]string) {
	if m == nil {
		m = map[string]string{}
	}
	c.modelMapMu.Lock()
	c.modelMap = m
	c.modelMapMu.Unlock()
}

// HardLimit returns the enforced context window for the routed model kind.
func (c *Config) HardLimit(isVision bool) int {
	if isVision {
		return c.RealVisionModelTokens
	}
	return c.RealTextModelTokens
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// StreamTimeout is the allowed silence between streaming frames.
func (c *Config) StreamTimeout() time.Duration { return secs(c.StreamTimeoutSecs) }

// RequestTimeout bounds a whole non-streaming upstream exchange.
func (c *Config) RequestTimeout() time.Duration { return secs(c.RequestTimeoutSecs) }

// ConnectTimeout bounds dialing and the response header wait.
func (c *Config) ConnectTimeout() time.Duration { return secs(c.ConnectTimeoutSecs) }

// RetryBackoff is the initial retry delay; it doubles per attempt.
func (c *Config) RetryBackoff() time.Duration { return secs(c.RetryBackoffSecs) }

// CondensationTimeout bounds one condensation strategy run.
func (c *Config) CondensationTimeout() time.Duration { return secs(c.CondensationTimeoutSecs) }

// CondensationCacheTTL bounds condensation result reuse.
func (c *Config) CondensationCacheTTL() time.Duration { return secs(c.CondensationCacheTTLSecs) }

// ChunkCacheTTL bounds on-disk chunk lifetime.
func (c *Config) ChunkCacheTTL() time.Duration { return secs(c.ChunkCacheTTLSecs) }

// ChunkAgeThreshold is the freshness horizon for Condensed chunks.
func (c *Config) ChunkAgeThreshold() time.Duration { return secs(c.ChunkAgeThresholdSecs) }

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
