package cohort

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/opportunity-engine/internal/cost"
	"github.com/sells-group/opportunity-engine/internal/dedup"
	"github.com/sells-group/opportunity-engine/internal/evidence"
	"github.com/sells-group/opportunity-engine/internal/fingerprint"
	"github.com/sells-group/opportunity-engine/internal/model"
	"github.com/sells-group/opportunity-engine/internal/registry"
	"github.com/sells-group/opportunity-engine/internal/resilience"
	"github.com/sells-group/opportunity-engine/pkg/stagellm"
)

// prepare fingerprints and embeds records that arrive without derived fields,
// persisting the updates. Failures here degrade a record, never the cohort:
// a record without an embedding simply skips the similarity fallback.
func (c *Coordinator) prepare(ctx context.Context, recs []*model.OpportunityRecord, t *tally) {
	for _, rec := range recs {
		if rec.NormalizedText == "" {
			rec.NormalizedText = c.gen.Normalize(rec.RawText)
		}
		if rec.Fingerprint == "" {
			fp, err := c.gen.Fingerprint(rec.RawText)
			if err != nil && !errors.Is(err, fingerprint.ErrNoFingerprint) {
				zap.L().Warn("fingerprint failed", zap.String("opportunity", rec.ID), zap.Error(err))
			}
			rec.Fingerprint = fp
		}
		if rec.Fingerprint == fingerprint.NoFingerprint {
			t.sentinel()
		}
	}

	c.embedMissing(ctx, recs)

	for _, rec := range recs {
		rec.UpdatedAt = time.Now().UTC()
		if err := c.store.UpsertOpportunity(ctx, rec); err != nil {
			zap.L().Warn("failed to persist prepared record", zap.String("opportunity", rec.ID), zap.Error(err))
		}
	}
}

func (c *Coordinator) embedMissing(ctx context.Context, recs []*model.OpportunityRecord) {
	if c.embedder == nil {
		return
	}

	var pending []*model.OpportunityRecord
	var texts []string
	for _, rec := range recs {
		if len(rec.Embedding) > 0 || rec.NormalizedText == "" {
			continue
		}
		pending = append(pending, rec)
		texts = append(texts, rec.NormalizedText)
	}
	if len(pending) == 0 {
		return
	}

	resp, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		zap.L().Warn("embedding batch failed, similarity fallback disabled for cohort", zap.Error(err))
		return
	}
	for _, e := range resp.Data {
		if e.Index >= 0 && e.Index < len(pending) {
			pending[e.Index].Embedding = e.Embedding
		}
	}
}

// processGroup walks one concept's records in order. The first fresh result
// per stage becomes the in-run copy source for the records behind it.
func (c *Coordinator) processGroup(ctx context.Context, group []*model.OpportunityRecord, decisions *dedup.CohortDecisions, t *tally, savings *cost.SavingsTracker) {
	conceptID := decisions.Resolutions[group[0].ID].Concept.ID
	var freshA, freshB string

	for _, rec := range group {
		if ctx.Err() != nil {
			return
		}

		stageARow, ok := c.runStageA(ctx, rec, conceptID, decisions, &freshA, t, savings)
		if !ok {
			continue
		}
		if !c.cfg.Cohort.StageBEnabled {
			continue
		}
		c.runStageB(ctx, rec, stageARow, conceptID, decisions, &freshB, t, savings)
	}
}

// runStageA produces the record's Stage-A row, by copy or fresh analysis.
// ok is false when the record errored and must not proceed to Stage-B.
func (c *Coordinator) runStageA(ctx context.Context, rec *model.OpportunityRecord, conceptID string, decisions *dedup.CohortDecisions, freshA *string, t *tally, savings *cost.SavingsTracker) (*model.StageAAnalysis, bool) {
	if !c.cfg.Cohort.StageAEnabled {
		return nil, true
	}

	d := decisions.StageA[rec.ID]
	if *freshA != "" && *freshA != rec.ID {
		// A sibling produced this concept's analysis moments ago. It beats the
		// recorded primary as copy source: the recorded primary's rows may be
		// the very ones a sibling just found missing.
		d = model.Decision{Kind: model.CopyFromPrimary, ConceptID: conceptID, PrimaryOpportunityID: *freshA}
	}

	sourceMissing := false
	if d.IsCopy() {
		cp, err := c.copier.CopyStageA(ctx, rec.ID, d)
		switch {
		case err == nil:
			t.copied(model.StageA)
			savings.ObserveCopy(model.StageA)
			c.agg.RecordCopy(ctx, model.StageA, conceptID, rec.ID)
			return cp, true
		case evidence.IsSourceMissing(err):
			t.integrityEvent()
			sourceMissing = true
			// Degrade to fresh analysis below.
		default:
			zap.L().Error("stage_a copy failed", zap.String("opportunity", rec.ID), zap.Error(err))
			t.stageError(model.StageA)
			return nil, false
		}
	}

	res, err := resilience.ExecuteVal(ctx, c.breakerA, func(ctx context.Context) (*stagellm.StageAResult, error) {
		return c.stageA.Analyze(ctx, stagellm.StageARequest{
			OpportunityID: rec.ID,
			Text:          analysisText(rec),
		})
	})
	if err != nil {
		zap.L().Error("stage_a analysis failed", zap.String("opportunity", rec.ID), zap.Error(err))
		t.stageError(model.StageA)
		return nil, false
	}

	analysis := &model.StageAAnalysis{
		ID:            uuid.NewString(),
		OpportunityID: rec.ID,
		ConceptID:     conceptID,
		Scores: model.StageAScores{
			PainSeverity:     res.PainSeverity,
			Frequency:        res.Frequency,
			WillingnessToPay: res.WillingnessToPay,
			Feasibility:      res.Feasibility,
			Evidence:         res.Evidence,
			Confidence:       res.Confidence,
		},
		CostUSD:      res.CostUSD,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		CreatedAt:    time.Now().UTC(),
	}
	if err := c.store.InsertStageA(ctx, analysis); err != nil {
		zap.L().Error("stage_a persist failed", zap.String("opportunity", rec.ID), zap.Error(err))
		t.stageError(model.StageA)
		return nil, false
	}

	if _, err := c.agg.RecordFreshStageA(ctx, analysis); err != nil {
		// The analysis row is durable; a lost flag update surfaces as an
		// integrity event rather than a record failure.
		logAggregateFailure(model.StageA, rec.ID, err, t)
	}
	if sourceMissing {
		c.adoptPrimary(ctx, conceptID, rec.ID)
	}

	*freshA = rec.ID
	t.fresh(model.StageA)
	savings.ObserveFresh(model.StageA, res.CostUSD)
	return analysis, true
}

// runStageB produces the record's Stage-B row. Runs only after the record's
// Stage-A work finished.
func (c *Coordinator) runStageB(ctx context.Context, rec *model.OpportunityRecord, stageARow *model.StageAAnalysis, conceptID string, decisions *dedup.CohortDecisions, freshB *string, t *tally, savings *cost.SavingsTracker) {
	d := decisions.StageB[rec.ID]
	if *freshB != "" && *freshB != rec.ID {
		d = model.Decision{Kind: model.CopyFromPrimary, ConceptID: conceptID, PrimaryOpportunityID: *freshB}
	}

	sourceMissing := false
	if d.IsCopy() {
		cp, err := c.copier.CopyStageB(ctx, rec.ID, d)
		switch {
		case err == nil:
			t.copied(model.StageB)
			savings.ObserveCopy(model.StageB)
			c.agg.RecordCopy(ctx, model.StageB, conceptID, rec.ID)
			c.applyProfile(ctx, rec, cp.Profile)
			return
		case evidence.IsSourceMissing(err):
			t.integrityEvent()
			sourceMissing = true
		case errors.Is(err, evidence.ErrStageAIncomplete):
			// Copy needs the record's own Stage-A row; with Stage-A disabled
			// there is none, so profile fresh instead.
		default:
			zap.L().Error("stage_b copy failed", zap.String("opportunity", rec.ID), zap.Error(err))
			t.stageError(model.StageB)
			return
		}
	}

	req := stagellm.StageBRequest{
		OpportunityID: rec.ID,
		Text:          analysisText(rec),
	}
	evidenceSource := ""
	if stageARow != nil {
		req.Evidence = stageARow.Scores.Evidence
		req.PainSeverity = stageARow.Scores.PainSeverity
		req.Frequency = stageARow.Scores.Frequency
		req.Willingness = stageARow.Scores.WillingnessToPay
		req.Feasibility = stageARow.Scores.Feasibility
		evidenceSource = stageARow.OpportunityID
	}

	res, err := resilience.ExecuteVal(ctx, c.breakerB, func(ctx context.Context) (*stagellm.StageBResult, error) {
		return c.stageB.Profile(ctx, req)
	})
	if err != nil {
		zap.L().Error("stage_b profiling failed", zap.String("opportunity", rec.ID), zap.Error(err))
		t.stageError(model.StageB)
		return
	}

	now := time.Now().UTC()
	profile := model.AIProfile{
		Title:            res.Title,
		ProblemStatement: res.ProblemStatement,
		TargetAudience:   res.TargetAudience,
		ValueProposition: res.ValueProposition,
		Category:         res.Category,
		OpportunityScore: res.OpportunityScore,
		ProfiledAt:       &now,
	}
	row := &model.StageBAnalysis{
		ID:                          uuid.NewString(),
		OpportunityID:               rec.ID,
		ConceptID:                   conceptID,
		Profile:                     profile,
		EvidenceSourceOpportunityID: evidenceSource,
		CostUSD:                     res.CostUSD,
		InputTokens:                 res.Usage.InputTokens,
		OutputTokens:                res.Usage.OutputTokens,
		CreatedAt:                   now,
	}
	if err := c.store.InsertStageB(ctx, row); err != nil {
		zap.L().Error("stage_b persist failed", zap.String("opportunity", rec.ID), zap.Error(err))
		t.stageError(model.StageB)
		return
	}

	if _, err := c.agg.RecordFreshStageB(ctx, row); err != nil {
		logAggregateFailure(model.StageB, rec.ID, err, t)
	}
	if sourceMissing {
		c.adoptPrimary(ctx, conceptID, rec.ID)
	}

	*freshB = rec.ID
	t.fresh(model.StageB)
	savings.ObserveFresh(model.StageB, res.CostUSD)
	c.applyProfile(ctx, rec, profile)
}

// adoptPrimary reassigns the concept's primary to rec after a copy source went
// missing and rec regenerated the analysis fresh. Without this, every later
// duplicate keeps copying from the ghost primary and the fallback inserts
// collide with the one-non-copy-row-per-concept index.
func (c *Coordinator) adoptPrimary(ctx context.Context, conceptID, opportunityID string) {
	if err := c.agg.AdoptPrimary(ctx, conceptID, opportunityID); err != nil {
		zap.L().Warn("failed to adopt new primary",
			zap.String("concept", conceptID),
			zap.String("opportunity", opportunityID),
			zap.Error(err),
		)
	}
}

// applyProfile merges the AI profile onto the record without touching trust
// metadata. A persistence failure here is logged and the run continues; the
// stage row itself is already durable.
func (c *Coordinator) applyProfile(ctx context.Context, rec *model.OpportunityRecord, profile model.AIProfile) {
	if err := c.preserver.ApplyProfile(ctx, rec, profile); err != nil {
		zap.L().Warn("profile merge failed", zap.String("opportunity", rec.ID), zap.Error(err))
	}
}

func logAggregateFailure(stage model.Stage, opportunityID string, err error, t *tally) {
	if registry.IsConflict(err) {
		t.integrityEvent()
	}
	zap.L().Warn("concept flag update failed",
		zap.String("stage", string(stage)),
		zap.String("opportunity", opportunityID),
		zap.Error(err),
	)
}

func analysisText(rec *model.OpportunityRecord) string {
	if rec.NormalizedText != "" {
		return rec.NormalizedText
	}
	return rec.RawText
}
