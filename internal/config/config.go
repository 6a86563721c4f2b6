package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Jina        JinaConfig        `yaml:"jina" mapstructure:"jina"`
	Fingerprint FingerprintConfig `yaml:"fingerprint" mapstructure:"fingerprint"`
	Similarity  SimilarityConfig  `yaml:"similarity" mapstructure:"similarity"`
	Registry    RegistryConfig    `yaml:"registry" mapstructure:"registry"`
	Cohort      CohortConfig      `yaml:"cohort" mapstructure:"cohort"`
	Pricing     PricingConfig     `yaml:"pricing" mapstructure:"pricing"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds the stage collaborator API settings.
type AnthropicConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	StageAModel    string  `yaml:"stage_a_model" mapstructure:"stage_a_model"`
	StageBModel    string  `yaml:"stage_b_model" mapstructure:"stage_b_model"`
	MaxTokens      int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerMin float64 `yaml:"requests_per_min" mapstructure:"requests_per_min"`
}

// JinaConfig holds the embeddings provider settings.
type JinaConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	Model          string  `yaml:"model" mapstructure:"model"`
	RequestsPerMin float64 `yaml:"requests_per_min" mapstructure:"requests_per_min"`
}

// FingerprintConfig configures text normalization.
type FingerprintConfig struct {
	SynonymFile string `yaml:"synonym_file" mapstructure:"synonym_file"`
}

// SimilarityConfig configures the approximate-semantic fallback matcher.
//
// Threshold is the minimum cosine similarity for two records to be treated
// as the same business concept. A looser threshold raises the dedup rate but
// risks reusing profiles across genuinely distinct ideas; false positives
// are tolerated as benign content reuse, so the default leans permissive.
type SimilarityConfig struct {
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
	TopK      int     `yaml:"top_k" mapstructure:"top_k"`
}

// RegistryConfig tunes the concept registry's optimistic-concurrency retries.
type RegistryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
}

// CohortConfig configures cohort processing.
type CohortConfig struct {
	Concurrency   int  `yaml:"concurrency" mapstructure:"concurrency"`
	StageAEnabled bool `yaml:"stage_a_enabled" mapstructure:"stage_a_enabled"`
	StageBEnabled bool `yaml:"stage_b_enabled" mapstructure:"stage_b_enabled"`
}

// PricingConfig holds the fallback per-stage rates used for cost-saved
// estimates when a run produces no fresh calls to average. Per-call pricing
// lives with the API client in pkg/anthropic.
type PricingConfig struct {
	AvgStageACost float64 `yaml:"avg_stage_a_cost" mapstructure:"avg_stage_a_cost"`
	AvgStageBCost float64 `yaml:"avg_stage_b_cost" mapstructure:"avg_stage_b_cost"`
}

// ServerConfig configures the status/webhook server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OPPORTUNITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.stage_a_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.stage_b_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.timeout_secs", 90)
	v.SetDefault("anthropic.requests_per_min", 50)
	v.SetDefault("jina.base_url", "https://api.jina.ai")
	v.SetDefault("jina.model", "jina-embeddings-v3")
	v.SetDefault("jina.requests_per_min", 60)
	v.SetDefault("similarity.threshold", 0.88)
	v.SetDefault("similarity.top_k", 5)
	v.SetDefault("registry.max_attempts", 4)
	v.SetDefault("registry.initial_backoff_ms", 50)
	v.SetDefault("cohort.concurrency", 8)
	v.SetDefault("cohort.stage_a_enabled", true)
	v.SetDefault("cohort.stage_b_enabled", true)
	v.SetDefault("pricing.avg_stage_a_cost", 0.012)
	v.SetDefault("pricing.avg_stage_b_cost", 0.045)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the wiring needed before any cohort can run. A failure
// here is the only run-wide-fatal error class.
func (c *Config) Validate() error {
	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	// sqlite falls back to a local file when no DSN is given.
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}
	if c.Cohort.StageAEnabled || c.Cohort.StageBEnabled {
		if c.Anthropic.Key == "" {
			return eris.New("config: anthropic.key is required when a stage is enabled")
		}
	}
	if c.Similarity.Threshold < 0 || c.Similarity.Threshold > 1 {
		return eris.Errorf("config: similarity.threshold %f out of range [0,1]", c.Similarity.Threshold)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
