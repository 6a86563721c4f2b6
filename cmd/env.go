package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/opportunity-engine/internal/aggregate"
	"github.com/sells-group/opportunity-engine/internal/cohort"
	"github.com/sells-group/opportunity-engine/internal/dedup"
	"github.com/sells-group/opportunity-engine/internal/evidence"
	"github.com/sells-group/opportunity-engine/internal/fingerprint"
	"github.com/sells-group/opportunity-engine/internal/registry"
	"github.com/sells-group/opportunity-engine/internal/resilience"
	"github.com/sells-group/opportunity-engine/internal/similarity"
	"github.com/sells-group/opportunity-engine/internal/store"
	"github.com/sells-group/opportunity-engine/internal/trust"
	"github.com/sells-group/opportunity-engine/pkg/anthropic"
	"github.com/sells-group/opportunity-engine/pkg/jina"
	"github.com/sells-group/opportunity-engine/pkg/stagellm"
)

// env bundles the wired dependency graph behind the commands.
type env struct {
	Store       store.Store
	Registry    *registry.Registry
	Engine      *dedup.Engine
	Coordinator *cohort.Coordinator
}

func (e *env) Close() {
	_ = e.Store.Close()
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "opportunity.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv builds the full processing graph: store, registry, decision engine,
// copier, aggregator, and coordinator.
func initEnv(ctx context.Context) (*env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	synonyms, err := fingerprint.LoadSynonyms(cfg.Fingerprint.SynonymFile)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	gen := fingerprint.New(synonyms)

	index := similarity.NewIndex(st, cfg.Similarity.Threshold, cfg.Similarity.TopK)

	retry := resilience.DefaultRetryConfig()
	if cfg.Registry.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Registry.MaxAttempts
	}
	if cfg.Registry.InitialBackoffMs > 0 {
		retry.InitialBackoff = time.Duration(cfg.Registry.InitialBackoffMs) * time.Millisecond
	}
	reg := registry.New(st, index, retry)

	engine := dedup.New(reg)
	copier := evidence.New(st)
	agg := aggregate.New(reg)
	preserver := trust.New(st)

	var embedder jina.Client
	if cfg.Jina.Key != "" {
		opts := []jina.Option{
			jina.WithModel(cfg.Jina.Model),
			jina.WithRequestsPerMin(cfg.Jina.RequestsPerMin),
		}
		if cfg.Jina.BaseURL != "" {
			opts = append(opts, jina.WithBaseURL(cfg.Jina.BaseURL))
		}
		embedder = jina.NewClient(cfg.Jina.Key, opts...)
	}

	var stageA cohort.StageAAnalyzer
	var stageB cohort.StageBProfiler
	if cfg.Cohort.StageAEnabled || cfg.Cohort.StageBEnabled {
		api := anthropic.NewClient(cfg.Anthropic.Key, time.Duration(cfg.Anthropic.TimeoutSecs)*time.Second)
		rps := cfg.Anthropic.RequestsPerMin / 60
		if cfg.Cohort.StageAEnabled {
			stageA = stagellm.NewStageA(api, stagellm.Options{
				Model:             cfg.Anthropic.StageAModel,
				MaxTokens:         cfg.Anthropic.MaxTokens,
				RequestsPerSecond: rps,
			})
		}
		if cfg.Cohort.StageBEnabled {
			stageB = stagellm.NewStageB(api, stagellm.Options{
				Model:             cfg.Anthropic.StageBModel,
				MaxTokens:         cfg.Anthropic.MaxTokens,
				RequestsPerSecond: rps,
			})
		}
	}

	coord := cohort.New(cfg, st, engine, copier, agg, preserver, gen, embedder, stageA, stageB)

	return &env{
		Store:       st,
		Registry:    reg,
		Engine:      engine,
		Coordinator: coord,
	}, nil
}
