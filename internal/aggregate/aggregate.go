// Package aggregate folds completed stage work back into concept metadata.
// Fresh analyses contribute to running averages; copies never do.
package aggregate

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/opportunity-engine/internal/model"
	"github.com/sells-group/opportunity-engine/internal/registry"
)

// Marker is the registry surface the aggregator consumes.
type Marker interface {
	MarkStageAnalyzed(ctx context.Context, stage model.Stage, conceptID string, delta *registry.StatsDelta) (int64, error)
	AdoptPrimary(ctx context.Context, conceptID, opportunityID string) error
}

// Aggregator applies post-analysis concept updates with the copy-blind
// invariant: only fresh results move the averages.
type Aggregator struct {
	marker Marker
}

// New creates an Aggregator.
func New(marker Marker) *Aggregator {
	return &Aggregator{marker: marker}
}

// RecordFreshStageA marks the concept Stage-A complete and folds the fresh
// scores into the running averages. Returns the concept's new version.
func (a *Aggregator) RecordFreshStageA(ctx context.Context, analysis *model.StageAAnalysis) (int64, error) {
	if analysis.CopiedFromPrimary {
		return 0, eris.New("aggregate: copied analysis offered as fresh")
	}
	delta := &registry.StatsDelta{
		Score:      analysis.Scores.Composite(),
		Confidence: analysis.Scores.Confidence,
	}
	v, err := a.marker.MarkStageAnalyzed(ctx, model.StageA, analysis.ConceptID, delta)
	if err != nil {
		return 0, eris.Wrap(err, "aggregate: mark stage_a")
	}
	return v, nil
}

// RecordFreshStageB marks the concept Stage-B complete. Stage-B results carry
// no scored fields, so no stats delta is involved.
func (a *Aggregator) RecordFreshStageB(ctx context.Context, analysis *model.StageBAnalysis) (int64, error) {
	if analysis.CopiedFromPrimary {
		return 0, eris.New("aggregate: copied analysis offered as fresh")
	}
	v, err := a.marker.MarkStageAnalyzed(ctx, model.StageB, analysis.ConceptID, nil)
	if err != nil {
		return 0, eris.Wrap(err, "aggregate: mark stage_b")
	}
	return v, nil
}

// AdoptPrimary reassigns the concept's primary to the given record. Called
// after a record regenerated the concept's analysis fresh because the recorded
// primary's rows were gone.
func (a *Aggregator) AdoptPrimary(ctx context.Context, conceptID, opportunityID string) error {
	if err := a.marker.AdoptPrimary(ctx, conceptID, opportunityID); err != nil {
		return eris.Wrap(err, "aggregate: adopt primary")
	}
	return nil
}

// RecordCopy acknowledges a completed copy. Submission counts were taken at
// resolution time and the stage flag was already set by the primary's fresh
// run, so a copy changes nothing here. Kept as an explicit call site so the
// copy path is auditable in logs.
func (a *Aggregator) RecordCopy(ctx context.Context, stage model.Stage, conceptID, opportunityID string) {
	zap.L().Debug("copy recorded",
		zap.String("stage", string(stage)),
		zap.String("concept", conceptID),
		zap.String("opportunity", opportunityID),
	)
}
