// Package evidence copies completed stage results from a concept's primary
// record onto duplicate records, so duplicates get full analyses without
// spending AI calls.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/opportunity-engine/internal/model"
)

// AnalysisStore is the persistence surface the copier needs.
type AnalysisStore interface {
	GetStageA(ctx context.Context, opportunityID string) (*model.StageAAnalysis, error)
	GetStageB(ctx context.Context, opportunityID string) (*model.StageBAnalysis, error)
	InsertStageA(ctx context.Context, a *model.StageAAnalysis) error
	InsertStageB(ctx context.Context, b *model.StageBAnalysis) error
}

// SourceMissingError reports that the concept flags promised a completed
// stage but the primary's analysis row could not be found. The caller is
// expected to fall back to fresh analysis and count an integrity event.
type SourceMissingError struct {
	Stage                model.Stage
	ConceptID            string
	PrimaryOpportunityID string
}

func (e *SourceMissingError) Error() string {
	return fmt.Sprintf("evidence: %s copy source missing for concept %s (primary %s)",
		e.Stage, e.ConceptID, e.PrimaryOpportunityID)
}

// IsSourceMissing reports whether err is a missing-copy-source failure.
func IsSourceMissing(err error) bool {
	var sm *SourceMissingError
	return errors.As(err, &sm)
}

// ErrStageAIncomplete is returned when a Stage-B copy is requested for a
// record that has not finished Stage-A. Stage order is per record, copies
// included.
var ErrStageAIncomplete = errors.New("evidence: record has no stage_a result yet")

// Copier writes copy rows from primary analyses.
type Copier struct {
	store AnalysisStore
}

// New creates a Copier over the given store.
func New(store AnalysisStore) *Copier {
	return &Copier{store: store}
}

// CopyStageA copies the primary's Stage-A analysis onto opportunityID.
// The copy carries identical scores and evidence, is marked as copied, and
// records zero cost.
func (c *Copier) CopyStageA(ctx context.Context, opportunityID string, d model.Decision) (*model.StageAAnalysis, error) {
	if !d.IsCopy() {
		return nil, eris.New("evidence: decision is not a copy")
	}

	src, err := c.store.GetStageA(ctx, d.PrimaryOpportunityID)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: read stage_a source")
	}
	if src == nil {
		c.logSourceMissing(model.StageA, opportunityID, d)
		return nil, &SourceMissingError{
			Stage:                model.StageA,
			ConceptID:            d.ConceptID,
			PrimaryOpportunityID: d.PrimaryOpportunityID,
		}
	}

	cp := &model.StageAAnalysis{
		ID:                   uuid.NewString(),
		OpportunityID:        opportunityID,
		ConceptID:            d.ConceptID,
		Scores:               src.Scores,
		CopiedFromPrimary:    true,
		PrimaryOpportunityID: d.PrimaryOpportunityID,
		CreatedAt:            time.Now().UTC(),
	}
	if err := c.store.InsertStageA(ctx, cp); err != nil {
		return nil, eris.Wrap(err, "evidence: insert stage_a copy")
	}
	return cp, nil
}

// CopyStageB copies the primary's Stage-B profile onto opportunityID. The
// record must already have a Stage-A result (fresh or copied); Stage-B never
// runs ahead of Stage-A for the same record.
func (c *Copier) CopyStageB(ctx context.Context, opportunityID string, d model.Decision) (*model.StageBAnalysis, error) {
	if !d.IsCopy() {
		return nil, eris.New("evidence: decision is not a copy")
	}

	stageA, err := c.store.GetStageA(ctx, opportunityID)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: check stage_a completion")
	}
	if stageA == nil {
		return nil, ErrStageAIncomplete
	}

	src, err := c.store.GetStageB(ctx, d.PrimaryOpportunityID)
	if err != nil {
		return nil, eris.Wrap(err, "evidence: read stage_b source")
	}
	if src == nil {
		c.logSourceMissing(model.StageB, opportunityID, d)
		return nil, &SourceMissingError{
			Stage:                model.StageB,
			ConceptID:            d.ConceptID,
			PrimaryOpportunityID: d.PrimaryOpportunityID,
		}
	}

	cp := &model.StageBAnalysis{
		ID:                          uuid.NewString(),
		OpportunityID:               opportunityID,
		ConceptID:                   d.ConceptID,
		Profile:                     src.Profile,
		CopiedFromPrimary:           true,
		PrimaryOpportunityID:        d.PrimaryOpportunityID,
		EvidenceSourceOpportunityID: src.EvidenceSourceOpportunityID,
		CreatedAt:                   time.Now().UTC(),
	}
	if err := c.store.InsertStageB(ctx, cp); err != nil {
		return nil, eris.Wrap(err, "evidence: insert stage_b copy")
	}
	return cp, nil
}

func (c *Copier) logSourceMissing(stage model.Stage, opportunityID string, d model.Decision) {
	zap.L().Warn("copy source missing, integrity event",
		zap.String("stage", string(stage)),
		zap.String("opportunity", opportunityID),
		zap.String("concept", d.ConceptID),
		zap.String("primary", d.PrimaryOpportunityID),
	)
}
