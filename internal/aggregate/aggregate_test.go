package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/opportunity-engine/internal/model"
	"github.com/sells-group/opportunity-engine/internal/registry"
)

type fakeMarker struct {
	stage        model.Stage
	conceptID    string
	delta        *registry.StatsDelta
	calls        int
	adopted      string
	adoptedFor   string
	adoptErr     error
	adoptedCalls int
}

func (f *fakeMarker) MarkStageAnalyzed(_ context.Context, stage model.Stage, conceptID string, delta *registry.StatsDelta) (int64, error) {
	f.calls++
	f.stage = stage
	f.conceptID = conceptID
	f.delta = delta
	return 7, nil
}

func (f *fakeMarker) AdoptPrimary(_ context.Context, conceptID, opportunityID string) error {
	f.adoptedCalls++
	f.adoptedFor = conceptID
	f.adopted = opportunityID
	return f.adoptErr
}

func TestRecordFreshStageA(t *testing.T) {
	t.Parallel()
	m := &fakeMarker{}
	a := New(m)

	v, err := a.RecordFreshStageA(context.Background(), &model.StageAAnalysis{
		ConceptID: "c1",
		Scores: model.StageAScores{
			PainSeverity: 0.8, Frequency: 0.6, WillingnessToPay: 0.4, Feasibility: 0.2,
			Confidence: 0.9,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
	assert.Equal(t, model.StageA, m.stage)
	assert.Equal(t, "c1", m.conceptID)
	require.NotNil(t, m.delta)
	assert.InDelta(t, 0.5, m.delta.Score, 1e-9, "composite of the four dimensions")
	assert.InDelta(t, 0.9, m.delta.Confidence, 1e-9)
}

func TestRecordFreshStageBHasNoDelta(t *testing.T) {
	t.Parallel()
	m := &fakeMarker{}
	a := New(m)

	_, err := a.RecordFreshStageB(context.Background(), &model.StageBAnalysis{ConceptID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, model.StageB, m.stage)
	assert.Nil(t, m.delta)
}

func TestRecordFreshRejectsCopies(t *testing.T) {
	t.Parallel()
	m := &fakeMarker{}
	a := New(m)

	_, err := a.RecordFreshStageA(context.Background(), &model.StageAAnalysis{CopiedFromPrimary: true})
	assert.Error(t, err)

	_, err = a.RecordFreshStageB(context.Background(), &model.StageBAnalysis{CopiedFromPrimary: true})
	assert.Error(t, err)

	assert.Zero(t, m.calls, "copies never reach the registry")
}

func TestAdoptPrimary(t *testing.T) {
	t.Parallel()
	m := &fakeMarker{}
	a := New(m)

	require.NoError(t, a.AdoptPrimary(context.Background(), "c1", "opp-9"))
	assert.Equal(t, 1, m.adoptedCalls)
	assert.Equal(t, "c1", m.adoptedFor)
	assert.Equal(t, "opp-9", m.adopted)

	m.adoptErr = assert.AnError
	assert.Error(t, a.AdoptPrimary(context.Background(), "c1", "opp-9"))
}

func TestRecordCopyTouchesNothing(t *testing.T) {
	t.Parallel()
	m := &fakeMarker{}
	a := New(m)

	a.RecordCopy(context.Background(), model.StageA, "c1", "opp-2")
	assert.Zero(t, m.calls)
}
