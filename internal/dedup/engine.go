// Package dedup houses the skip decision engine: given a record and a stage,
// decide whether to spend an AI call or copy the concept primary's prior
// result.
package dedup

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/opportunity-engine/internal/model"
	"github.com/sells-group/opportunity-engine/internal/registry"
)

// Resolver is the registry surface the engine consumes.
type Resolver interface {
	ResolveBatch(ctx context.Context, reqs []registry.ResolveRequest) (map[string]registry.Resolution, error)
	FlagsBatch(ctx context.Context, conceptIDs []string) (map[string]model.ConceptFlags, error)
}

// Engine decides run-fresh versus copy-from-primary per record and stage.
type Engine struct {
	resolver Resolver
}

// New creates a decision engine over the given resolver.
func New(resolver Resolver) *Engine {
	return &Engine{resolver: resolver}
}

// Decide resolves a single record and returns its stage decision.
func (e *Engine) Decide(ctx context.Context, stage model.Stage, rec *model.OpportunityRecord) (model.Decision, error) {
	decisions, err := e.DecideBatch(ctx, stage, []*model.OpportunityRecord{rec})
	if err != nil {
		return model.Decision{}, err
	}
	d, ok := decisions[rec.ID]
	if !ok {
		return model.Decision{}, eris.Errorf("dedup: no decision for record %s", rec.ID)
	}
	return d, nil
}

// DecideBatch resolves a cohort of records and returns one decision per
// record, keyed by opportunity ID. The whole batch costs two storage round
// trips: one batched fingerprint resolution, one batched flags read.
//
// A record copies only when its concept has a completed result for the stage
// and the record is not itself the concept primary. Everything else runs
// fresh; a decision that cannot be made safely always degrades to fresh work,
// never to a bad copy.
func (e *Engine) DecideBatch(ctx context.Context, stage model.Stage, recs []*model.OpportunityRecord) (map[string]model.Decision, error) {
	if !stage.Valid() {
		return nil, eris.Errorf("dedup: unknown stage %q", stage)
	}
	out := make(map[string]model.Decision, len(recs))
	if len(recs) == 0 {
		return out, nil
	}

	reqs := make([]registry.ResolveRequest, 0, len(recs))
	for _, rec := range recs {
		reqs = append(reqs, registry.ResolveRequest{
			OpportunityID: rec.ID,
			Fingerprint:   rec.Fingerprint,
			Embedding:     rec.Embedding,
			SampleText:    rec.NormalizedText,
		})
	}

	resolved, err := e.resolver.ResolveBatch(ctx, reqs)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: resolve batch")
	}

	// Flags are read once for the distinct concepts, after every sibling in
	// the batch has been counted against its concept.
	conceptIDs := make([]string, 0, len(resolved))
	seen := make(map[string]struct{}, len(resolved))
	for _, res := range resolved {
		if _, ok := seen[res.Concept.ID]; ok {
			continue
		}
		seen[res.Concept.ID] = struct{}{}
		conceptIDs = append(conceptIDs, res.Concept.ID)
	}

	flagsByID, err := e.resolver.FlagsBatch(ctx, conceptIDs)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: flags batch")
	}

	for _, rec := range recs {
		res, ok := resolved[rec.ID]
		if !ok {
			return nil, eris.Errorf("dedup: record %s did not resolve", rec.ID)
		}
		out[rec.ID] = e.decideOne(stage, rec.ID, res, flagsByID)
	}
	return out, nil
}

// CohortDecisions is the full decision set for one cohort: every record's
// concept resolution plus its per-stage decision. Produced in two storage
// round trips regardless of cohort size.
type CohortDecisions struct {
	Resolutions map[string]registry.Resolution
	StageA      map[string]model.Decision
	StageB      map[string]model.Decision
}

// DecideCohort resolves the whole cohort once and decides both stages from a
// single flags read. Submission counts are taken exactly once per record even
// though two stage decisions come out.
//
// Stage-B decisions here reflect concept state at cohort start; a concept
// whose first profile is generated during the run has its duplicates
// converted to copies by the coordinator, not by a re-read.
func (e *Engine) DecideCohort(ctx context.Context, recs []*model.OpportunityRecord) (*CohortDecisions, error) {
	reqs := make([]registry.ResolveRequest, 0, len(recs))
	for _, rec := range recs {
		reqs = append(reqs, registry.ResolveRequest{
			OpportunityID: rec.ID,
			Fingerprint:   rec.Fingerprint,
			Embedding:     rec.Embedding,
			SampleText:    rec.NormalizedText,
		})
	}

	resolved, err := e.resolver.ResolveBatch(ctx, reqs)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: resolve cohort")
	}

	conceptIDs := make([]string, 0, len(resolved))
	seen := make(map[string]struct{}, len(resolved))
	for _, res := range resolved {
		if _, ok := seen[res.Concept.ID]; ok {
			continue
		}
		seen[res.Concept.ID] = struct{}{}
		conceptIDs = append(conceptIDs, res.Concept.ID)
	}

	flagsByID, err := e.resolver.FlagsBatch(ctx, conceptIDs)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: cohort flags")
	}

	out := &CohortDecisions{
		Resolutions: resolved,
		StageA:      make(map[string]model.Decision, len(recs)),
		StageB:      make(map[string]model.Decision, len(recs)),
	}
	for _, rec := range recs {
		res, ok := resolved[rec.ID]
		if !ok {
			return nil, eris.Errorf("dedup: record %s did not resolve", rec.ID)
		}
		out.StageA[rec.ID] = e.decideOne(model.StageA, rec.ID, res, flagsByID)
		out.StageB[rec.ID] = e.decideOne(model.StageB, rec.ID, res, flagsByID)
	}
	return out, nil
}

func (e *Engine) decideOne(stage model.Stage, oppID string, res registry.Resolution, flagsByID map[string]model.ConceptFlags) model.Decision {
	conceptID := res.Concept.ID

	// A freshly created concept has no prior results; its creator is the
	// primary and always analyzes.
	if res.Created {
		return model.Decision{Kind: model.RunFresh, ConceptID: conceptID}
	}

	flags, ok := flagsByID[conceptID]
	if !ok {
		zap.L().Warn("concept flags missing, falling back to fresh analysis",
			zap.String("concept", conceptID),
			zap.String("opportunity", oppID),
		)
		return model.Decision{Kind: model.RunFresh, ConceptID: conceptID}
	}

	if flags.Has(stage) && oppID != flags.PrimaryOpportunityID {
		return model.Decision{
			Kind:                 model.CopyFromPrimary,
			ConceptID:            conceptID,
			PrimaryOpportunityID: flags.PrimaryOpportunityID,
		}
	}
	return model.Decision{Kind: model.RunFresh, ConceptID: conceptID}
}
