package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Store: StoreConfig{Driver: "postgres", DatabaseURL: "postgres://localhost/opportunities"},
		Anthropic: AnthropicConfig{
			Key:         "sk-test",
			StageAModel: "claude-haiku-4-5-20251001",
			StageBModel: "claude-sonnet-4-5-20250929",
		},
		Similarity: SimilarityConfig{Threshold: 0.88, TopK: 5},
		Cohort:     CohortConfig{Concurrency: 8, StageAEnabled: true, StageBEnabled: true},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRequiresDatabaseURLForPostgres(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Store.DatabaseURL = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")

	// sqlite runs from a local default file without a DSN.
	cfg.Store.Driver = "sqlite"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Store.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg.Store.Driver = "sqlite"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRequiresAnthropicKeyWhenStagesEnabled(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Anthropic.Key = ""
	assert.Error(t, cfg.Validate())

	// With both stages off the key is not needed.
	cfg.Cohort.StageAEnabled = false
	cfg.Cohort.StageBEnabled = false
	assert.NoError(t, cfg.Validate())
}

func TestValidateThresholdRange(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Similarity.Threshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg.Similarity.Threshold = -0.1
	assert.Error(t, cfg.Validate())

	cfg.Similarity.Threshold = 1.0
	assert.NoError(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.StageAModel)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Anthropic.StageBModel)
	assert.Equal(t, 0.88, cfg.Similarity.Threshold)
	assert.Equal(t, 5, cfg.Similarity.TopK)
	assert.Equal(t, 4, cfg.Registry.MaxAttempts)
	assert.Equal(t, 8, cfg.Cohort.Concurrency)
	assert.True(t, cfg.Cohort.StageAEnabled)
	assert.True(t, cfg.Cohort.StageBEnabled)
	assert.Equal(t, 0.012, cfg.Pricing.AvgStageACost)
	assert.Equal(t, 0.045, cfg.Pricing.AvgStageBCost)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
}
