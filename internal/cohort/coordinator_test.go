package cohort

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/opportunity-engine/internal/aggregate"
	"github.com/sells-group/opportunity-engine/internal/config"
	"github.com/sells-group/opportunity-engine/internal/dedup"
	"github.com/sells-group/opportunity-engine/internal/evidence"
	"github.com/sells-group/opportunity-engine/internal/fingerprint"
	"github.com/sells-group/opportunity-engine/internal/model"
	"github.com/sells-group/opportunity-engine/internal/registry"
	"github.com/sells-group/opportunity-engine/internal/resilience"
	"github.com/sells-group/opportunity-engine/internal/similarity"
	"github.com/sells-group/opportunity-engine/internal/trust"
	"github.com/sells-group/opportunity-engine/pkg/stagellm"
)

// memStore is a full in-memory Store for coordinator tests. It enforces the
// same structural invariants the SQL schemas do: unique concept fingerprints
// and at most one non-copy analysis per concept and stage.
type memStore struct {
	mu       sync.Mutex
	opps     map[string]*model.OpportunityRecord
	concepts map[string]*model.BusinessConcept
	byFP     map[string]string
	stageA   map[string]*model.StageAAnalysis
	stageB   map[string]*model.StageBAnalysis
	trust    map[string]*model.TrustMetadata
	runs     map[string]*model.CohortRun
}

func newMemStore() *memStore {
	return &memStore{
		opps:     make(map[string]*model.OpportunityRecord),
		concepts: make(map[string]*model.BusinessConcept),
		byFP:     make(map[string]string),
		stageA:   make(map[string]*model.StageAAnalysis),
		stageB:   make(map[string]*model.StageBAnalysis),
		trust:    make(map[string]*model.TrustMetadata),
		runs:     make(map[string]*model.CohortRun),
	}
}

func (m *memStore) GetOpportunity(_ context.Context, id string) (*model.OpportunityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.opps[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) GetOpportunities(_ context.Context, ids []string) ([]model.OpportunityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.OpportunityRecord, 0, len(ids))
	for _, id := range ids {
		if r, ok := m.opps[id]; ok {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) UpsertOpportunity(_ context.Context, rec *model.OpportunityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.opps[rec.ID] = &cp
	return nil
}

func (m *memStore) GetConcept(_ context.Context, id string) (*model.BusinessConcept, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.concepts[id]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) GetConceptsByFingerprints(_ context.Context, fps []string) (map[string]model.BusinessConcept, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.BusinessConcept)
	for _, fp := range fps {
		if id, ok := m.byFP[fp]; ok {
			out[fp] = *m.concepts[id]
		}
	}
	return out, nil
}

func (m *memStore) GetConceptFlags(_ context.Context, ids []string) (map[string]model.ConceptFlags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.ConceptFlags)
	for _, id := range ids {
		if c, ok := m.concepts[id]; ok {
			out[id] = model.ConceptFlags{
				ConceptID:            c.ID,
				HasStageA:            c.HasStageA,
				HasStageB:            c.HasStageB,
				PrimaryOpportunityID: c.PrimaryOpportunityID,
			}
		}
	}
	return out, nil
}

func (m *memStore) CreateConcept(_ context.Context, c *model.BusinessConcept) (*model.BusinessConcept, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byFP[c.Fingerprint]; ok {
		cp := *m.concepts[id]
		return &cp, false, nil
	}
	stored := *c
	stored.ID = uuid.NewString()
	m.concepts[stored.ID] = &stored
	m.byFP[stored.Fingerprint] = stored.ID
	cp := stored
	return &cp, true, nil
}

func (m *memStore) UpdateConceptCAS(_ context.Context, c *model.BusinessConcept, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.concepts[c.ID]
	if !ok || cur.Version != expectedVersion {
		return false, nil
	}
	updated := *c
	updated.Version = expectedVersion + 1
	m.concepts[c.ID] = &updated
	return true, nil
}

func (m *memStore) SetConceptEmbedding(_ context.Context, conceptID string, embedding []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.concepts[conceptID]; ok {
		c.Embedding = embedding
	}
	return nil
}

func (m *memStore) FindSimilar(context.Context, []float64, float64, int) ([]model.ConceptMatch, error) {
	return nil, nil
}

func (m *memStore) GetStageA(_ context.Context, oppID string) (*model.StageAAnalysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stageA[oppID], nil
}

func (m *memStore) GetStageB(_ context.Context, oppID string) (*model.StageBAnalysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stageB[oppID], nil
}

func (m *memStore) InsertStageA(_ context.Context, a *model.StageAAnalysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !a.CopiedFromPrimary {
		for _, row := range m.stageA {
			if row.ConceptID == a.ConceptID && !row.CopiedFromPrimary && row.OpportunityID != a.OpportunityID {
				return fmt.Errorf("second non-copy stage_a row for concept %s", a.ConceptID)
			}
		}
	}
	m.stageA[a.OpportunityID] = a
	return nil
}

func (m *memStore) InsertStageB(_ context.Context, b *model.StageBAnalysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !b.CopiedFromPrimary {
		for _, row := range m.stageB {
			if row.ConceptID == b.ConceptID && !row.CopiedFromPrimary && row.OpportunityID != b.OpportunityID {
				return fmt.Errorf("second non-copy stage_b row for concept %s", b.ConceptID)
			}
		}
	}
	m.stageB[b.OpportunityID] = b
	return nil
}

func (m *memStore) GetTrust(_ context.Context, oppID string) (*model.TrustMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trust[oppID], nil
}

func (m *memStore) UpsertTrust(_ context.Context, t *model.TrustMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trust[t.OpportunityID] = t
	return nil
}

func (m *memStore) CreateRun(_ context.Context) (*model.CohortRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &model.CohortRun{ID: uuid.NewString(), Status: model.RunStatusRunning, CreatedAt: time.Now().UTC()}
	m.runs[run.ID] = run
	return run, nil
}

func (m *memStore) CompleteRun(_ context.Context, runID string, status model.RunStatus, summary *model.CohortSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[runID]; ok {
		run.Status = status
		run.Summary = summary
		run.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *memStore) ListRuns(_ context.Context, _ int) ([]model.CohortRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.CohortRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, *r)
	}
	return out, nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

// fakeStageA counts fresh analysis calls.
type fakeStageA struct {
	mu     sync.Mutex
	calls  int
	warmed int
	fail   map[string]bool
}

func (f *fakeStageA) WarmCache(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warmed++
	return nil
}

func (f *fakeStageA) Analyze(_ context.Context, req stagellm.StageARequest) (*stagellm.StageAResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[req.OpportunityID] {
		return nil, fmt.Errorf("analyzer unavailable for %s", req.OpportunityID)
	}
	f.calls++
	return &stagellm.StageAResult{
		PainSeverity: 0.8, Frequency: 0.6, WillingnessToPay: 0.7, Feasibility: 0.5,
		Evidence:   []string{"evidence for " + req.OpportunityID},
		Confidence: 0.9,
		CostUSD:    0.01,
	}, nil
}

// fakeStageB counts fresh profiling calls and records the evidence it saw.
type fakeStageB struct {
	mu       sync.Mutex
	calls    int
	evidence map[string][]string
}

func (f *fakeStageB) Profile(_ context.Context, req stagellm.StageBRequest) (*stagellm.StageBResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.evidence == nil {
		f.evidence = make(map[string][]string)
	}
	f.evidence[req.OpportunityID] = req.Evidence
	return &stagellm.StageBResult{
		Title:            "Profile for " + req.OpportunityID,
		ProblemStatement: "problem",
		Category:         "tools",
		OpportunityScore: 0.7,
		CostUSD:          0.04,
	}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Cohort:     config.CohortConfig{Concurrency: 4, StageAEnabled: true, StageBEnabled: true},
		Similarity: config.SimilarityConfig{Threshold: 0.88, TopK: 5},
		Pricing:    config.PricingConfig{AvgStageACost: 0.012, AvgStageBCost: 0.045},
	}
}

func buildCoordinator(st *memStore, cfg *config.Config, sa StageAAnalyzer, sb StageBProfiler) *Coordinator {
	retry := resilience.RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     1.0,
	}
	index := similarity.NewIndex(st, cfg.Similarity.Threshold, cfg.Similarity.TopK)
	reg := registry.New(st, index, retry)
	return New(cfg, st, dedup.New(reg), evidence.New(st), aggregate.New(reg), trust.New(st), fingerprint.New(nil), nil, sa, sb)
}

func seedRecords(t *testing.T, st *memStore, texts []string) []string {
	t.Helper()
	ids := make([]string, 0, len(texts))
	for i, text := range texts {
		id := fmt.Sprintf("opp-%03d", i)
		require.NoError(t, st.UpsertOpportunity(context.Background(), &model.OpportunityRecord{
			ID:      id,
			RawText: text,
		}))
		ids = append(ids, id)
	}
	return ids
}

func TestRunCohortDeduplicates(t *testing.T) {
	t.Parallel()

	// 100 records, 31 distinct concepts: 30 unique texts plus one text
	// repeated 70 times.
	texts := make([]string, 0, 100)
	for i := 0; i < 30; i++ {
		texts = append(texts, fmt.Sprintf("a tool that solves problem number %d for plumbers", i))
	}
	for i := 0; i < 70; i++ {
		texts = append(texts, "meal planning application for diabetics")
	}

	st := newMemStore()
	ids := seedRecords(t, st, texts)
	sa := &fakeStageA{}
	sb := &fakeStageB{}
	coord := buildCoordinator(st, testConfig(), sa, sb)

	summary, err := coord.RunCohort(context.Background(), ids)
	require.NoError(t, err)

	assert.Equal(t, 100, summary.Fetched)
	assert.Equal(t, 31, summary.StageA.Fresh)
	assert.Equal(t, 69, summary.StageA.Copied)
	assert.Equal(t, 31, summary.StageB.Fresh)
	assert.Equal(t, 69, summary.StageB.Copied)
	assert.Zero(t, summary.Errors)
	assert.Equal(t, 62, summary.Analyzed)
	assert.Equal(t, 138, summary.Copied)
	assert.InDelta(t, 0.69, summary.DedupRate, 1e-9)
	assert.InDelta(t, 69*0.01+69*0.04, summary.EstimatedCostSaved, 1e-9)

	assert.Equal(t, 31, sa.calls, "one fresh analysis per concept")
	assert.Equal(t, 31, sb.calls, "one fresh profile per concept")
	assert.Equal(t, 1, sa.warmed, "prompt cache primed once per cohort")

	// The repeated concept carries the full submission count.
	st.mu.Lock()
	var maxSubmissions int64
	conceptCount := len(st.concepts)
	for _, c := range st.concepts {
		if c.SubmissionCount > maxSubmissions {
			maxSubmissions = c.SubmissionCount
		}
	}
	st.mu.Unlock()
	assert.Equal(t, 31, conceptCount)
	assert.Equal(t, int64(70), maxSubmissions)

	// Run persisted as complete with the summary attached.
	runs, err := st.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
	require.NotNil(t, runs[0].Summary)
	assert.InDelta(t, 0.69, runs[0].Summary.DedupRate, 1e-9)
}

func TestRunCohortCopiesMatchPrimary(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	ids := seedRecords(t, st, []string{
		"inventory tracking for food trucks",
		"inventory tracking for food trucks",
	})
	sa := &fakeStageA{}
	sb := &fakeStageB{}
	coord := buildCoordinator(st, testConfig(), sa, sb)

	_, err := coord.RunCohort(context.Background(), ids)
	require.NoError(t, err)

	st.mu.Lock()
	defer st.mu.Unlock()

	primary := st.stageA[ids[0]]
	dup := st.stageA[ids[1]]
	require.NotNil(t, primary)
	require.NotNil(t, dup)
	assert.False(t, primary.CopiedFromPrimary)
	assert.True(t, dup.CopiedFromPrimary)
	assert.Equal(t, primary.Scores, dup.Scores)
	assert.Equal(t, primary.OpportunityID, dup.PrimaryOpportunityID)
	assert.Zero(t, dup.CostUSD)

	dupB := st.stageB[ids[1]]
	require.NotNil(t, dupB)
	assert.True(t, dupB.CopiedFromPrimary)
	assert.Equal(t, st.stageB[ids[0]].Profile, dupB.Profile)

	// Only the fresh observation moved the concept averages.
	for _, c := range st.concepts {
		assert.Equal(t, int64(1), c.StageAStats.Count)
	}
}

func TestRunCohortNoFingerprintAlwaysFresh(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	ids := seedRecords(t, st, []string{"?!?!", "---"})
	sa := &fakeStageA{}
	sb := &fakeStageB{}
	coord := buildCoordinator(st, testConfig(), sa, sb)

	summary, err := coord.RunCohort(context.Background(), ids)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.NoFingerprint)
	assert.Equal(t, 2, summary.StageA.Fresh)
	assert.Zero(t, summary.StageA.Copied, "identically empty texts never collapse")
	assert.Equal(t, 2, sa.calls)

	st.mu.Lock()
	assert.Len(t, st.concepts, 2)
	st.mu.Unlock()
}

func TestRunCohortCopySourceMissingFallsBackToFresh(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	text := "route optimization for delivery riders"
	ids := seedRecords(t, st, []string{text})

	// A prior process registered the concept and its flags, but the primary's
	// analysis rows are gone.
	fp, err := fingerprint.New(nil).Fingerprint(text)
	require.NoError(t, err)
	ghost, created, err := st.CreateConcept(context.Background(), &model.BusinessConcept{
		Fingerprint:          fp,
		PrimaryOpportunityID: "opp-ghost",
		SubmissionCount:      1,
	})
	require.NoError(t, err)
	require.True(t, created)
	st.mu.Lock()
	st.concepts[ghost.ID].HasStageA = true
	st.concepts[ghost.ID].HasStageB = true
	st.mu.Unlock()

	sa := &fakeStageA{}
	sb := &fakeStageB{}
	coord := buildCoordinator(st, testConfig(), sa, sb)

	summary, err := coord.RunCohort(context.Background(), ids)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.IntegrityEvents, "one missing source per stage")
	assert.Equal(t, 1, summary.StageA.Fresh)
	assert.Equal(t, 1, summary.StageB.Fresh)
	assert.Zero(t, summary.Copied)
	assert.Zero(t, summary.Errors)
}

func TestRunCohortGhostPrimaryWithDuplicates(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	text := "appointment reminders for mobile groomers"
	ids := seedRecords(t, st, []string{text, text})

	// The registered primary's analysis rows are gone, and two records of the
	// same concept arrive together. The first regenerates the rows fresh and
	// takes over as primary; the second copies from it instead of chasing the
	// ghost, so the one-non-copy-row-per-concept constraint never trips.
	fp, err := fingerprint.New(nil).Fingerprint(text)
	require.NoError(t, err)
	ghost, created, err := st.CreateConcept(context.Background(), &model.BusinessConcept{
		Fingerprint:          fp,
		PrimaryOpportunityID: "opp-ghost",
		SubmissionCount:      1,
	})
	require.NoError(t, err)
	require.True(t, created)
	st.mu.Lock()
	st.concepts[ghost.ID].HasStageA = true
	st.concepts[ghost.ID].HasStageB = true
	st.mu.Unlock()

	sa := &fakeStageA{}
	sb := &fakeStageB{}
	coord := buildCoordinator(st, testConfig(), sa, sb)

	summary, err := coord.RunCohort(context.Background(), ids)
	require.NoError(t, err)

	assert.Zero(t, summary.Errors)
	assert.Equal(t, 2, summary.IntegrityEvents, "one missing source per stage")
	assert.Equal(t, 1, summary.StageA.Fresh)
	assert.Equal(t, 1, summary.StageA.Copied)
	assert.Equal(t, 1, summary.StageB.Fresh)
	assert.Equal(t, 1, summary.StageB.Copied)
	assert.Equal(t, 1, sa.calls)
	assert.Equal(t, 1, sb.calls)

	st.mu.Lock()
	defer st.mu.Unlock()

	assert.Equal(t, ids[0], st.concepts[ghost.ID].PrimaryOpportunityID,
		"concept adopts the record that regenerated its rows")

	dup := st.stageA[ids[1]]
	require.NotNil(t, dup)
	assert.True(t, dup.CopiedFromPrimary)
	assert.Equal(t, ids[0], dup.PrimaryOpportunityID)
}

func TestRunCohortStageAFailureSkipsStageB(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	ids := seedRecords(t, st, []string{
		"expense reports for traveling nurses",
		"scheduling assistant for tutors",
	})
	sa := &fakeStageA{fail: map[string]bool{ids[0]: true}}
	sb := &fakeStageB{}
	coord := buildCoordinator(st, testConfig(), sa, sb)

	summary, err := coord.RunCohort(context.Background(), ids)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1, summary.StageA.Errors)
	assert.Equal(t, 1, summary.StageA.Fresh, "other records are unaffected")
	assert.Equal(t, 1, summary.StageB.Fresh)
	assert.Equal(t, 1, sb.calls, "no stage_b call for the failed record")

	st.mu.Lock()
	assert.Nil(t, st.stageB[ids[0]])
	st.mu.Unlock()
}

func TestRunCohortCrossRunCopy(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	text := "contract review summaries for freelancers"
	firstIDs := seedRecords(t, st, []string{text})
	sa := &fakeStageA{}
	sb := &fakeStageB{}
	coord := buildCoordinator(st, testConfig(), sa, sb)

	_, err := coord.RunCohort(context.Background(), firstIDs)
	require.NoError(t, err)
	require.Equal(t, 1, sa.calls)

	require.NoError(t, st.UpsertOpportunity(context.Background(), &model.OpportunityRecord{
		ID:      "opp-later",
		RawText: text,
	}))

	summary, err := coord.RunCohort(context.Background(), []string{"opp-later"})
	require.NoError(t, err)

	assert.Equal(t, 1, sa.calls, "no new analysis across runs")
	assert.Equal(t, 1, sb.calls)
	assert.Equal(t, 2, summary.Copied)
	assert.Zero(t, summary.Analyzed)
	assert.InDelta(t, 1.0, summary.DedupRate, 1e-9)
	assert.InDelta(t, 0.012+0.045, summary.EstimatedCostSaved, 1e-9, "fallback rates value cross-run copies")
}

func TestRunCohortEvidenceFeedsStageB(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	ids := seedRecords(t, st, []string{"time tracking for volunteer crews"})
	sa := &fakeStageA{}
	sb := &fakeStageB{}
	coord := buildCoordinator(st, testConfig(), sa, sb)

	_, err := coord.RunCohort(context.Background(), ids)
	require.NoError(t, err)

	require.Contains(t, sb.evidence, ids[0])
	assert.Equal(t, []string{"evidence for " + ids[0]}, sb.evidence[ids[0]])

	st.mu.Lock()
	row := st.stageB[ids[0]]
	st.mu.Unlock()
	require.NotNil(t, row)
	assert.Equal(t, ids[0], row.EvidenceSourceOpportunityID)
}

func TestRunCohortEmpty(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	coord := buildCoordinator(st, testConfig(), &fakeStageA{}, &fakeStageB{})

	summary, err := coord.RunCohort(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, summary.Fetched)
	assert.Zero(t, summary.DedupRate)
}
