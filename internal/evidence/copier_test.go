package evidence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/opportunity-engine/internal/model"
)

type memAnalyses struct {
	stageA map[string]*model.StageAAnalysis
	stageB map[string]*model.StageBAnalysis
}

func newMemAnalyses() *memAnalyses {
	return &memAnalyses{
		stageA: make(map[string]*model.StageAAnalysis),
		stageB: make(map[string]*model.StageBAnalysis),
	}
}

func (m *memAnalyses) GetStageA(_ context.Context, oppID string) (*model.StageAAnalysis, error) {
	return m.stageA[oppID], nil
}

func (m *memAnalyses) GetStageB(_ context.Context, oppID string) (*model.StageBAnalysis, error) {
	return m.stageB[oppID], nil
}

func (m *memAnalyses) InsertStageA(_ context.Context, a *model.StageAAnalysis) error {
	m.stageA[a.OpportunityID] = a
	return nil
}

func (m *memAnalyses) InsertStageB(_ context.Context, b *model.StageBAnalysis) error {
	m.stageB[b.OpportunityID] = b
	return nil
}

func copyDecision(conceptID, primary string) model.Decision {
	return model.Decision{
		Kind:                 model.CopyFromPrimary,
		ConceptID:            conceptID,
		PrimaryOpportunityID: primary,
	}
}

func TestCopyStageA(t *testing.T) {
	t.Parallel()
	st := newMemAnalyses()
	st.stageA["opp-primary"] = &model.StageAAnalysis{
		ID:            "a1",
		OpportunityID: "opp-primary",
		ConceptID:     "c1",
		Scores: model.StageAScores{
			PainSeverity: 0.8, Frequency: 0.6, WillingnessToPay: 0.7, Feasibility: 0.5,
			Evidence:   []string{"quote one", "quote two"},
			Confidence: 0.9,
		},
		CostUSD: 0.02,
	}

	c := New(st)
	cp, err := c.CopyStageA(context.Background(), "opp-dup", copyDecision("c1", "opp-primary"))
	require.NoError(t, err)

	assert.NotEqual(t, "a1", cp.ID, "copy gets its own row identity")
	assert.Equal(t, "opp-dup", cp.OpportunityID)
	assert.Equal(t, "c1", cp.ConceptID)
	assert.Equal(t, st.stageA["opp-primary"].Scores, cp.Scores, "scores copied field for field")
	assert.True(t, cp.CopiedFromPrimary)
	assert.Equal(t, "opp-primary", cp.PrimaryOpportunityID)
	assert.Zero(t, cp.CostUSD, "copies record zero spend")
	assert.NotNil(t, st.stageA["opp-dup"], "copy persisted")
}

func TestCopyStageASourceMissing(t *testing.T) {
	t.Parallel()
	c := New(newMemAnalyses())

	_, err := c.CopyStageA(context.Background(), "opp-dup", copyDecision("c1", "opp-gone"))
	require.Error(t, err)
	assert.True(t, IsSourceMissing(err))

	var sm *SourceMissingError
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, model.StageA, sm.Stage)
	assert.Equal(t, "opp-gone", sm.PrimaryOpportunityID)
}

func TestCopyStageARejectsFreshDecision(t *testing.T) {
	t.Parallel()
	c := New(newMemAnalyses())

	_, err := c.CopyStageA(context.Background(), "opp-1", model.Decision{Kind: model.RunFresh, ConceptID: "c1"})
	assert.Error(t, err)
}

func TestCopyStageB(t *testing.T) {
	t.Parallel()
	st := newMemAnalyses()
	st.stageA["opp-dup"] = &model.StageAAnalysis{OpportunityID: "opp-dup", ConceptID: "c1"}
	st.stageB["opp-primary"] = &model.StageBAnalysis{
		ID:            "b1",
		OpportunityID: "opp-primary",
		ConceptID:     "c1",
		Profile: model.AIProfile{
			Title:            "Meal planner for diabetics",
			ProblemStatement: "Hard to plan compliant meals",
			Category:         "health",
			OpportunityScore: 0.72,
		},
		EvidenceSourceOpportunityID: "opp-primary",
		CostUSD:                     0.05,
	}

	c := New(st)
	cp, err := c.CopyStageB(context.Background(), "opp-dup", copyDecision("c1", "opp-primary"))
	require.NoError(t, err)

	assert.Equal(t, st.stageB["opp-primary"].Profile, cp.Profile)
	assert.True(t, cp.CopiedFromPrimary)
	assert.Equal(t, "opp-primary", cp.PrimaryOpportunityID)
	assert.Equal(t, "opp-primary", cp.EvidenceSourceOpportunityID, "evidence lineage carries through the copy")
	assert.Zero(t, cp.CostUSD)
}

func TestCopyStageBRequiresStageA(t *testing.T) {
	t.Parallel()
	st := newMemAnalyses()
	st.stageB["opp-primary"] = &model.StageBAnalysis{OpportunityID: "opp-primary", ConceptID: "c1"}

	c := New(st)
	_, err := c.CopyStageB(context.Background(), "opp-dup", copyDecision("c1", "opp-primary"))
	assert.ErrorIs(t, err, ErrStageAIncomplete)
	assert.Nil(t, st.stageB["opp-dup"], "no row written out of order")
}

func TestCopyStageBSourceMissing(t *testing.T) {
	t.Parallel()
	st := newMemAnalyses()
	st.stageA["opp-dup"] = &model.StageAAnalysis{OpportunityID: "opp-dup", ConceptID: "c1"}

	c := New(st)
	_, err := c.CopyStageB(context.Background(), "opp-dup", copyDecision("c1", "opp-gone"))
	require.Error(t, err)
	assert.True(t, IsSourceMissing(err))
}
