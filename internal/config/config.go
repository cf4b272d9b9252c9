package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the research core.
type Config struct {
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Context    ContextConfig    `mapstructure:"context"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// WorkflowConfig holds the orchestrator thresholds and loop bounds.
// The threshold defaults mirror the values the system was tuned with;
// they are configuration, not invariants, and may be overridden.
type WorkflowConfig struct {
	MaxReplans          int     `mapstructure:"max_replans"`
	MaxRefinements      int     `mapstructure:"max_refinements"`
	MaxCritiqueLoops    int     `mapstructure:"max_critique_loops"`
	MaxToolCalls        int     `mapstructure:"max_tool_calls"`
	ToolFanout          int     `mapstructure:"tool_fanout"`
	MaxRetrievalResults int     `mapstructure:"max_retrieval_results"`
	MinRelevantResults  int     `mapstructure:"min_relevant_results"`
	ReplanThreshold     float64 `mapstructure:"replan_threshold"`
	RefineThreshold     float64 `mapstructure:"refine_threshold"`
	SkipConfidence      float64 `mapstructure:"skip_confidence"`
	RefineSkipConfidence float64 `mapstructure:"refine_skip_confidence"`
	StagnationEpsilon   float64 `mapstructure:"stagnation_epsilon"`
	FastMode            bool    `mapstructure:"fast_mode"`
	AnalyzeSampleSize   int     `mapstructure:"analyze_sample_size"`
	AnalyzeTextLength   int     `mapstructure:"analyze_text_length"`
	CritiqueSampleSize  int     `mapstructure:"critique_sample_size"`
	SummaryMaxTokens    int     `mapstructure:"summary_max_tokens"`
}

// RetrievalConfig holds hybrid search knobs and index cache location.
type RetrievalConfig struct {
	HybridAlpha   float64 `mapstructure:"hybrid_alpha"`
	LexicalTopK   int     `mapstructure:"lexical_top_k"`
	SemanticTopK  int     `mapstructure:"semantic_top_k"`
	IndexCacheDir string  `mapstructure:"index_cache_dir"`
}

// EmbeddingsConfig holds embedding provider settings.
type EmbeddingsConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	MaxLRU    int           `mapstructure:"max_lru"`
	RedisAddr string        `mapstructure:"redis_addr"`
}

// GatewayConfig holds reasoning-service client settings.
type GatewayConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	Provider      string        `mapstructure:"provider"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	Temperature   float64       `mapstructure:"temperature"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// ContextConfig bounds the execution-context token growth.
type ContextConfig struct {
	MaxTokens int `mapstructure:"max_tokens"`
}

// LoggingConfig controls zap logger construction.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig controls OTLP tracing.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workflow.max_replans", 2)
	v.SetDefault("workflow.max_refinements", 2)
	v.SetDefault("workflow.max_critique_loops", 1)
	v.SetDefault("workflow.max_tool_calls", 5)
	v.SetDefault("workflow.tool_fanout", 3)
	v.SetDefault("workflow.max_retrieval_results", 15)
	v.SetDefault("workflow.min_relevant_results", 12)
	v.SetDefault("workflow.replan_threshold", 0.3)
	v.SetDefault("workflow.refine_threshold", 0.6)
	v.SetDefault("workflow.skip_confidence", 0.85)
	v.SetDefault("workflow.refine_skip_confidence", 0.75)
	v.SetDefault("workflow.stagnation_epsilon", 0.05)
	v.SetDefault("workflow.fast_mode", false)
	v.SetDefault("workflow.analyze_sample_size", 6)
	v.SetDefault("workflow.analyze_text_length", 150)
	v.SetDefault("workflow.critique_sample_size", 4)
	v.SetDefault("workflow.summary_max_tokens", 1200)

	v.SetDefault("retrieval.hybrid_alpha", 0.6)
	v.SetDefault("retrieval.lexical_top_k", 8)
	v.SetDefault("retrieval.semantic_top_k", 8)
	v.SetDefault("retrieval.index_cache_dir", "")

	v.SetDefault("embeddings.base_url", "http://localhost:8000")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.timeout", 5*time.Second)
	v.SetDefault("embeddings.cache_ttl", time.Hour)
	v.SetDefault("embeddings.max_lru", 2048)
	v.SetDefault("embeddings.redis_addr", "")

	v.SetDefault("gateway.base_url", "https://api.x.ai/v1")
	v.SetDefault("gateway.model", "grok-4-fast-reasoning")
	v.SetDefault("gateway.provider", "xai")
	v.SetDefault("gateway.timeout", 30*time.Second)
	v.SetDefault("gateway.max_tokens", 1500)
	v.SetDefault("gateway.temperature", 0.7)
	v.SetDefault("gateway.max_concurrent", 4)
	v.SetDefault("gateway.retry_backoff", 2*time.Second)

	v.SetDefault("context.max_tokens", 8000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "lodestone-researcher")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Load reads configuration from CONFIG_PATH (or defaults) with env overrides.
// Missing config files are not an error; defaults apply.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/lodestone.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads configuration from an explicit file path with env overrides.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LODESTONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(underlying(err)) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

// Validate rejects configurations that would break loop termination or scoring.
func (c *Config) Validate() error {
	w := c.Workflow
	if w.MaxReplans < 0 || w.MaxRefinements < 0 || w.MaxCritiqueLoops < 0 || w.MaxToolCalls < 0 {
		return fmt.Errorf("workflow loop bounds must be non-negative")
	}
	if w.ReplanThreshold < 0 || w.ReplanThreshold > 1 ||
		w.RefineThreshold < 0 || w.RefineThreshold > 1 ||
		w.SkipConfidence < 0 || w.SkipConfidence > 1 {
		return fmt.Errorf("workflow thresholds must be in [0,1]")
	}
	if w.ReplanThreshold > w.RefineThreshold {
		return fmt.Errorf("replan_threshold %.2f must not exceed refine_threshold %.2f",
			w.ReplanThreshold, w.RefineThreshold)
	}
	if w.StagnationEpsilon < 0 {
		return fmt.Errorf("stagnation_epsilon must be non-negative")
	}
	if c.Retrieval.HybridAlpha < 0 || c.Retrieval.HybridAlpha > 1 {
		return fmt.Errorf("hybrid_alpha must be in [0,1]")
	}
	if c.Context.MaxTokens <= 0 {
		return fmt.Errorf("context.max_tokens must be positive")
	}
	return nil
}
