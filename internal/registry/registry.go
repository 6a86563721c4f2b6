// Package registry maintains the canonical business-concept store: exact and
// approximate concept resolution, CAS-guarded flag/counter mutation, and
// online running averages.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/opportunity-engine/internal/fingerprint"
	"github.com/sells-group/opportunity-engine/internal/model"
	"github.com/sells-group/opportunity-engine/internal/resilience"
	"github.com/sells-group/opportunity-engine/internal/similarity"
)

// ConceptStore is the storage surface the registry needs.
type ConceptStore interface {
	GetConcept(ctx context.Context, id string) (*model.BusinessConcept, error)
	GetConceptsByFingerprints(ctx context.Context, fingerprints []string) (map[string]model.BusinessConcept, error)
	GetConceptFlags(ctx context.Context, ids []string) (map[string]model.ConceptFlags, error)
	CreateConcept(ctx context.Context, c *model.BusinessConcept) (*model.BusinessConcept, bool, error)
	UpdateConceptCAS(ctx context.Context, c *model.BusinessConcept, expectedVersion int64) (bool, error)
}

// ConflictError is the terminal error after CAS retries are exhausted.
// Callers treat the affected record as RUN_FRESH for safety.
type ConflictError struct {
	ConceptID string
	Attempts  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("registry: version conflict on concept %s after %d attempts", e.ConceptID, e.Attempts)
}

// IsConflict reports whether err is a terminal registry conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// casRaceError marks one lost CAS round inside the retry loop.
type casRaceError struct{ conceptID string }

func (e *casRaceError) Error() string {
	return "registry: concurrent update on concept " + e.conceptID
}

// StatsDelta carries one fresh Stage-A observation into the concept running
// averages.
type StatsDelta struct {
	Score      float64
	Confidence float64
}

// Registry implements concept resolution and mutation over an injected store.
type Registry struct {
	store ConceptStore
	index *similarity.Index
	retry resilience.RetryConfig
}

// New creates a Registry. index may be nil, which disables the
// approximate-semantic fallback; exact fingerprints still resolve.
func New(store ConceptStore, index *similarity.Index, retry resilience.RetryConfig) *Registry {
	if retry.ShouldRetry == nil {
		retry.ShouldRetry = func(err error) bool {
			var race *casRaceError
			return errors.As(err, &race)
		}
	}
	return &Registry{store: store, index: index, retry: retry}
}

// conceptKey returns the fingerprint a record resolves under. Sentinel
// records get a per-record key so they never match each other or anything
// else.
func conceptKey(fp, opportunityID string) string {
	if fp == "" || fp == fingerprint.NoFingerprint {
		return fingerprint.NoFingerprint + ":" + opportunityID
	}
	return fp
}

// FindOrCreate resolves one record to its concept: exact fingerprint lookup
// first, similarity fallback second, creation third. The calling opportunity
// becomes primary iff the concept is created. The concept's submission count
// is incremented exactly once for the record.
func (r *Registry) FindOrCreate(ctx context.Context, fp string, embedding []float64, sampleText, opportunityID string) (*model.BusinessConcept, bool, error) {
	resolved, err := r.ResolveBatch(ctx, []ResolveRequest{{
		OpportunityID: opportunityID,
		Fingerprint:   fp,
		Embedding:     embedding,
		SampleText:    sampleText,
	}})
	if err != nil {
		return nil, false, err
	}
	res, ok := resolved[opportunityID]
	if !ok {
		return nil, false, eris.New("registry: record did not resolve")
	}
	return res.Concept, res.Created, nil
}

// ResolveRequest is one record's input to batched concept resolution.
type ResolveRequest struct {
	OpportunityID string
	Fingerprint   string
	Embedding     []float64
	SampleText    string
}

// Resolution is one record's resolved concept.
type Resolution struct {
	Concept *model.BusinessConcept
	Created bool
	// SimilarityScore is set when the concept matched via the embedding
	// fallback rather than the exact fingerprint.
	SimilarityScore float64
}

// ResolveBatch resolves a cohort of records to concepts using a single
// batched fingerprint lookup, with per-record similarity fallback and
// creation only for the misses. Submission counts are incremented exactly
// once per request.
func (r *Registry) ResolveBatch(ctx context.Context, reqs []ResolveRequest) (map[string]Resolution, error) {
	out := make(map[string]Resolution, len(reqs))
	if len(reqs) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(reqs))
	for _, req := range reqs {
		keys = append(keys, conceptKey(req.Fingerprint, req.OpportunityID))
	}

	// One round trip for the whole cohort's exact matches.
	byFingerprint, err := r.store.GetConceptsByFingerprints(ctx, keys)
	if err != nil {
		return nil, eris.Wrap(err, "registry: batch fingerprint lookup")
	}

	for _, req := range reqs {
		key := conceptKey(req.Fingerprint, req.OpportunityID)

		// Records in the same cohort may share a fingerprint created moments
		// ago by a sibling; re-check resolutions made within this batch.
		if c, ok := byFingerprint[key]; ok {
			concept := c
			r.countSubmission(ctx, concept.ID, req.OpportunityID)
			out[req.OpportunityID] = Resolution{Concept: &concept}
			continue
		}

		res, err := r.resolveMiss(ctx, req, key)
		if err != nil {
			return nil, err
		}
		out[req.OpportunityID] = res
		// Siblings with the same fingerprint resolve in-batch from here on,
		// whether the concept was created or matched by similarity.
		byFingerprint[key] = *res.Concept
	}

	return out, nil
}

// resolveMiss handles a fingerprint miss: similarity fallback, then creation.
func (r *Registry) resolveMiss(ctx context.Context, req ResolveRequest, key string) (Resolution, error) {
	sentinel := key != req.Fingerprint

	// Similarity failures degrade the record to creation (and so a fresh run)
	// rather than failing the batch; a missed approximate match is benign.
	if !sentinel && r.index != nil && len(req.Embedding) > 0 {
		matches, err := r.index.Query(ctx, req.Embedding)
		if err != nil {
			zap.L().Warn("similarity fallback failed, resolving as new concept",
				zap.String("opportunity", req.OpportunityID),
				zap.Error(err),
			)
			matches = nil
		}
		if len(matches) > 0 {
			best := matches[0]
			concept, err := r.store.GetConcept(ctx, best.ConceptID)
			if err != nil {
				zap.L().Warn("failed to fetch similar concept, resolving as new concept",
					zap.String("opportunity", req.OpportunityID),
					zap.String("concept", best.ConceptID),
					zap.Error(err),
				)
				concept = nil
			}
			if concept != nil {
				zap.L().Debug("concept matched by similarity",
					zap.String("opportunity", req.OpportunityID),
					zap.String("concept", concept.ID),
					zap.Float64("similarity", best.Similarity),
				)
				r.countSubmission(ctx, concept.ID, req.OpportunityID)
				return Resolution{Concept: concept, SimilarityScore: best.Similarity}, nil
			}
		}
	}

	// A sentinel concept never participates in similarity matching, so its
	// embedding is not persisted even when the record carried one.
	embedding := req.Embedding
	if sentinel {
		embedding = nil
	}

	created, wasCreated, err := r.store.CreateConcept(ctx, &model.BusinessConcept{
		Fingerprint:          key,
		Embedding:            embedding,
		SampleText:           req.SampleText,
		PrimaryOpportunityID: req.OpportunityID,
		SubmissionCount:      1,
		FirstSeenAt:          time.Now().UTC(),
	})
	if err != nil {
		return Resolution{}, eris.Wrap(err, "registry: create concept")
	}

	if wasCreated {
		if !sentinel && r.index != nil {
			if err := r.index.Upsert(ctx, created.ID, req.Embedding); err != nil {
				zap.L().Warn("failed to index concept embedding",
					zap.String("concept", created.ID),
					zap.Error(err),
				)
			}
		}
		return Resolution{Concept: created, Created: true}, nil
	}

	// Lost a creation race: the winner's row came back. Still counts as one
	// submission for this record.
	r.countSubmission(ctx, created.ID, req.OpportunityID)
	return Resolution{Concept: created}, nil
}

// countSubmission bumps the submission counter, degrading to a warning on
// failure. A lost count never fails the record's resolution, let alone the
// batch; only configuration errors are run-wide fatal.
func (r *Registry) countSubmission(ctx context.Context, conceptID, opportunityID string) {
	if err := r.recordSubmission(ctx, conceptID); err != nil {
		zap.L().Warn("submission count not recorded",
			zap.String("concept", conceptID),
			zap.String("opportunity", opportunityID),
			zap.Error(err),
		)
	}
}

// Flags returns the skip-decision flags for one concept.
func (r *Registry) Flags(ctx context.Context, conceptID string) (model.ConceptFlags, error) {
	flags, err := r.FlagsBatch(ctx, []string{conceptID})
	if err != nil {
		return model.ConceptFlags{}, err
	}
	f, ok := flags[conceptID]
	if !ok {
		return model.ConceptFlags{}, eris.Errorf("registry: concept %s not found", conceptID)
	}
	return f, nil
}

// FlagsBatch fetches flags for many concepts in one round trip.
func (r *Registry) FlagsBatch(ctx context.Context, conceptIDs []string) (map[string]model.ConceptFlags, error) {
	flags, err := r.store.GetConceptFlags(ctx, conceptIDs)
	if err != nil {
		return nil, eris.Wrap(err, "registry: batch flags lookup")
	}
	return flags, nil
}

// MarkStageAnalyzed sets the concept's stage flag and, when delta is non-nil,
// folds one fresh observation into the running averages. The mutation is a
// compare-and-swap on version with bounded retries; after the attempts are
// exhausted it returns a terminal ConflictError.
func (r *Registry) MarkStageAnalyzed(ctx context.Context, stage model.Stage, conceptID string, delta *StatsDelta) (int64, error) {
	cfg := r.retry
	cfg.OnRetry = resilience.RetryLogger("registry", "mark_stage_analyzed")

	newVersion, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (int64, error) {
		c, err := r.store.GetConcept(ctx, conceptID)
		if err != nil {
			return 0, eris.Wrap(err, "registry: read concept")
		}
		if c == nil {
			return 0, eris.Errorf("registry: concept %s not found", conceptID)
		}

		switch stage {
		case model.StageA:
			c.HasStageA = true
		case model.StageB:
			c.HasStageB = true
		default:
			return 0, eris.Errorf("registry: unknown stage %q", stage)
		}
		if delta != nil {
			c.StageAStats.Observe(delta.Score, delta.Confidence)
		}

		ok, err := r.store.UpdateConceptCAS(ctx, c, c.Version)
		if err != nil {
			return 0, eris.Wrap(err, "registry: cas write")
		}
		if !ok {
			return 0, &casRaceError{conceptID: conceptID}
		}
		return c.Version + 1, nil
	})
	if err != nil {
		var race *casRaceError
		if errors.As(err, &race) {
			return 0, &ConflictError{ConceptID: conceptID, Attempts: cfg.MaxAttempts}
		}
		return 0, err
	}
	return newVersion, nil
}

// AdoptPrimary reassigns the concept's primary opportunity through the CAS
// path. Called when the recorded primary's analysis rows are gone and the
// given record regenerated them fresh, so later duplicates copy from a source
// that exists.
func (r *Registry) AdoptPrimary(ctx context.Context, conceptID, opportunityID string) error {
	cfg := r.retry
	cfg.OnRetry = resilience.RetryLogger("registry", "adopt_primary")

	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		c, err := r.store.GetConcept(ctx, conceptID)
		if err != nil {
			return eris.Wrap(err, "registry: read concept")
		}
		if c == nil {
			return eris.Errorf("registry: concept %s not found", conceptID)
		}
		if c.PrimaryOpportunityID == opportunityID {
			return nil
		}
		c.PrimaryOpportunityID = opportunityID
		ok, err := r.store.UpdateConceptCAS(ctx, c, c.Version)
		if err != nil {
			return eris.Wrap(err, "registry: cas write")
		}
		if !ok {
			return &casRaceError{conceptID: conceptID}
		}
		return nil
	})
	if err != nil {
		var race *casRaceError
		if errors.As(err, &race) {
			return &ConflictError{ConceptID: conceptID, Attempts: cfg.MaxAttempts}
		}
		return err
	}
	return nil
}

// recordSubmission bumps the concept's submission counter through the same
// CAS path, keeping the count exact under concurrent workers.
func (r *Registry) recordSubmission(ctx context.Context, conceptID string) error {
	cfg := r.retry
	cfg.OnRetry = resilience.RetryLogger("registry", "record_submission")

	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		c, err := r.store.GetConcept(ctx, conceptID)
		if err != nil {
			return eris.Wrap(err, "registry: read concept")
		}
		if c == nil {
			return eris.Errorf("registry: concept %s not found", conceptID)
		}
		c.SubmissionCount++
		ok, err := r.store.UpdateConceptCAS(ctx, c, c.Version)
		if err != nil {
			return eris.Wrap(err, "registry: cas write")
		}
		if !ok {
			return &casRaceError{conceptID: conceptID}
		}
		return nil
	})
	if err != nil {
		var race *casRaceError
		if errors.As(err, &race) {
			return &ConflictError{ConceptID: conceptID, Attempts: cfg.MaxAttempts}
		}
		return err
	}
	return nil
}
