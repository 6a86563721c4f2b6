// Package cohort orchestrates batch processing of opportunity records:
// fingerprinting, concept resolution, per-stage analyze-or-copy execution,
// and run summary assembly.
package cohort

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/opportunity-engine/internal/config"
	"github.com/sells-group/opportunity-engine/internal/cost"
	"github.com/sells-group/opportunity-engine/internal/dedup"
	"github.com/sells-group/opportunity-engine/internal/evidence"
	"github.com/sells-group/opportunity-engine/internal/fingerprint"
	"github.com/sells-group/opportunity-engine/internal/model"
	"github.com/sells-group/opportunity-engine/internal/resilience"
	"github.com/sells-group/opportunity-engine/internal/store"
	"github.com/sells-group/opportunity-engine/internal/trust"
	"github.com/sells-group/opportunity-engine/pkg/jina"
	"github.com/sells-group/opportunity-engine/pkg/stagellm"
)

// StageAAnalyzer runs fresh Stage-A evidence analysis.
type StageAAnalyzer interface {
	Analyze(ctx context.Context, req stagellm.StageARequest) (*stagellm.StageAResult, error)
}

// StageBProfiler runs fresh Stage-B generative profiling.
type StageBProfiler interface {
	Profile(ctx context.Context, req stagellm.StageBRequest) (*stagellm.StageBResult, error)
}

// Coordinator drives one cohort through both stages. Records sharing a
// concept are processed sequentially inside one worker so duplicates can copy
// a result generated moments earlier; distinct concepts fan out across the
// pool.
type Coordinator struct {
	cfg       *config.Config
	store     store.Store
	engine    *dedup.Engine
	copier    *evidence.Copier
	agg       Aggregator
	preserver *trust.Preserver
	gen       *fingerprint.Generator
	embedder  jina.Client
	stageA    StageAAnalyzer
	stageB    StageBProfiler
	breakerA  *resilience.CircuitBreaker
	breakerB  *resilience.CircuitBreaker
}

// Aggregator is the concept-metadata surface the coordinator needs.
type Aggregator interface {
	RecordFreshStageA(ctx context.Context, analysis *model.StageAAnalysis) (int64, error)
	RecordFreshStageB(ctx context.Context, analysis *model.StageBAnalysis) (int64, error)
	RecordCopy(ctx context.Context, stage model.Stage, conceptID, opportunityID string)
	AdoptPrimary(ctx context.Context, conceptID, opportunityID string) error
}

// New creates a Coordinator. embedder, stageA, and stageB may be nil when the
// corresponding collaborator is disabled.
func New(
	cfg *config.Config,
	st store.Store,
	engine *dedup.Engine,
	copier *evidence.Copier,
	agg Aggregator,
	preserver *trust.Preserver,
	gen *fingerprint.Generator,
	embedder jina.Client,
	stageA StageAAnalyzer,
	stageB StageBProfiler,
) *Coordinator {
	breakerFor := func(stage model.Stage) *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker(resilience.CircuitConfig{
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("stage circuit state change",
					zap.String("stage", string(stage)),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}
	return &Coordinator{
		cfg:       cfg,
		store:     st,
		engine:    engine,
		copier:    copier,
		agg:       agg,
		preserver: preserver,
		gen:       gen,
		embedder:  embedder,
		stageA:    stageA,
		stageB:    stageB,
		breakerA:  breakerFor(model.StageA),
		breakerB:  breakerFor(model.StageB),
	}
}

// RunCohort processes the given opportunity IDs as one batch and returns the
// run summary. Per-record failures never abort the run; only storage or
// resolution failures affecting the whole cohort do.
func (c *Coordinator) RunCohort(ctx context.Context, ids []string) (*model.CohortSummary, error) {
	run, err := c.store.CreateRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "cohort: create run")
	}
	log := zap.L().With(zap.String("run", run.ID))
	log.Info("cohort starting", zap.Int("requested", len(ids)))
	started := time.Now().UTC()

	summary, err := c.process(ctx, ids)
	if err != nil {
		if crErr := c.store.CompleteRun(ctx, run.ID, model.RunStatusFailed, nil); crErr != nil {
			log.Warn("failed to mark run failed", zap.Error(crErr))
		}
		return nil, err
	}

	summary.RunID = run.ID
	summary.StartedAt = started
	summary.FinishedAt = time.Now().UTC()

	if err := c.store.CompleteRun(ctx, run.ID, model.RunStatusComplete, summary); err != nil {
		log.Warn("failed to persist run summary", zap.Error(err))
	}

	log.Info("cohort complete",
		zap.Int("fetched", summary.Fetched),
		zap.Int("analyzed", summary.Analyzed),
		zap.Int("copied", summary.Copied),
		zap.Int("errors", summary.Errors),
		zap.Float64("dedup_rate", summary.DedupRate),
		zap.Float64("estimated_cost_saved", summary.EstimatedCostSaved),
	)
	return summary, nil
}

func (c *Coordinator) process(ctx context.Context, ids []string) (*model.CohortSummary, error) {
	recs, err := c.store.GetOpportunities(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "cohort: fetch records")
	}

	t := &tally{}
	summary := &model.CohortSummary{Fetched: len(recs)}
	if len(recs) == 0 {
		return summary, nil
	}

	ptrs := make([]*model.OpportunityRecord, len(recs))
	for i := range recs {
		ptrs[i] = &recs[i]
	}

	c.prepare(ctx, ptrs, t)

	decisions, err := c.engine.DecideCohort(ctx, ptrs)
	if err != nil {
		return nil, eris.Wrap(err, "cohort: decide")
	}

	savings := cost.NewSavingsTracker(map[model.Stage]float64{
		model.StageA: c.cfg.Pricing.AvgStageACost,
		model.StageB: c.cfg.Pricing.AvgStageBCost,
	})

	groups := groupByConcept(ptrs, decisions)

	c.warmCaches(ctx)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Cohort.Concurrency)
	for _, group := range groups {
		g.Go(func() error {
			c.processGroup(gCtx, group, decisions, t, savings)
			return nil
		})
	}
	_ = g.Wait()

	t.fill(summary)
	summary.EstimatedCostSaved = savings.EstimatedSaved()
	return summary, nil
}

// cacheWarmer is implemented by stage clients that can prime the shared
// system-prompt cache before workers fan out.
type cacheWarmer interface {
	WarmCache(ctx context.Context) error
}

// warmCaches primes each enabled stage's prompt cache once per cohort. A
// failed primer is only a warning; the first fresh call writes the cache
// instead.
func (c *Coordinator) warmCaches(ctx context.Context) {
	warm := func(stage model.Stage, v any) {
		w, ok := v.(cacheWarmer)
		if !ok {
			return
		}
		if err := w.WarmCache(ctx); err != nil {
			zap.L().Warn("prompt cache warm failed", zap.String("stage", string(stage)), zap.Error(err))
		}
	}
	if c.cfg.Cohort.StageAEnabled {
		warm(model.StageA, c.stageA)
	}
	if c.cfg.Cohort.StageBEnabled {
		warm(model.StageB, c.stageB)
	}
}

// groupByConcept partitions the cohort by resolved concept, preserving input
// order inside each group. A concept's primary record, when present, is moved
// to the front so its fresh result is available before its duplicates run.
func groupByConcept(recs []*model.OpportunityRecord, decisions *dedup.CohortDecisions) [][]*model.OpportunityRecord {
	byConcept := make(map[string][]*model.OpportunityRecord)
	order := make([]string, 0)
	for _, rec := range recs {
		res, ok := decisions.Resolutions[rec.ID]
		if !ok {
			continue
		}
		id := res.Concept.ID
		if _, seen := byConcept[id]; !seen {
			order = append(order, id)
		}
		byConcept[id] = append(byConcept[id], rec)
	}

	out := make([][]*model.OpportunityRecord, 0, len(order))
	for _, id := range order {
		group := byConcept[id]
		primary := decisions.Resolutions[group[0].ID].Concept.PrimaryOpportunityID
		for i, rec := range group {
			if rec.ID == primary && i > 0 {
				group[0], group[i] = group[i], group[0]
				break
			}
		}
		out = append(out, group)
	}
	return out
}

// tally accumulates run counters across workers.
type tally struct {
	mu            sync.Mutex
	stageA        model.StageTally
	stageB        model.StageTally
	noFingerprint int
	integrity     int
	errors        int
}

func (t *tally) forStage(stage model.Stage) *model.StageTally {
	if stage == model.StageB {
		return &t.stageB
	}
	return &t.stageA
}

func (t *tally) fresh(stage model.Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forStage(stage).Fresh++
}

func (t *tally) copied(stage model.Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forStage(stage).Copied++
}

func (t *tally) stageError(stage model.Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forStage(stage).Errors++
	t.errors++
}

func (t *tally) integrityEvent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.integrity++
}

func (t *tally) sentinel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.noFingerprint++
}

func (t *tally) fill(s *model.CohortSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.StageA = t.stageA
	s.StageB = t.stageB
	s.Analyzed = t.stageA.Fresh + t.stageB.Fresh
	s.Copied = t.stageA.Copied + t.stageB.Copied
	s.Errors = t.errors
	s.NoFingerprint = t.noFingerprint
	s.IntegrityEvents = t.integrity
	if s.Analyzed+s.Copied > 0 {
		s.DedupRate = float64(s.Copied) / float64(s.Copied+s.Analyzed)
	}
}
