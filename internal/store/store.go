// Package store provides transactional persistence for opportunities,
// business concepts, stage analyses, trust metadata, and cohort runs.
package store

import (
	"context"

	"github.com/sells-group/opportunity-engine/internal/model"
)

// Store defines the persistence interface for the deduplication engine.
//
// Implementations must guarantee two structural invariants at the schema
// level: concept fingerprints are unique (two concurrent creations for the
// same fingerprint converge on one row), and at most one non-copy analysis
// exists per (concept, stage).
type Store interface {
	// Opportunities
	GetOpportunity(ctx context.Context, id string) (*model.OpportunityRecord, error)
	GetOpportunities(ctx context.Context, ids []string) ([]model.OpportunityRecord, error)
	UpsertOpportunity(ctx context.Context, rec *model.OpportunityRecord) error

	// Concepts
	GetConcept(ctx context.Context, id string) (*model.BusinessConcept, error)
	GetConceptsByFingerprints(ctx context.Context, fingerprints []string) (map[string]model.BusinessConcept, error)
	GetConceptFlags(ctx context.Context, ids []string) (map[string]model.ConceptFlags, error)
	// CreateConcept inserts the concept, or returns the existing row when the
	// fingerprint already exists. created reports which happened.
	CreateConcept(ctx context.Context, c *model.BusinessConcept) (out *model.BusinessConcept, created bool, err error)
	// UpdateConceptCAS writes the concept's mutable fields iff the stored
	// version equals expectedVersion, bumping version by one. ok is false on
	// a version mismatch.
	UpdateConceptCAS(ctx context.Context, c *model.BusinessConcept, expectedVersion int64) (ok bool, err error)
	SetConceptEmbedding(ctx context.Context, conceptID string, embedding []float64) error
	FindSimilar(ctx context.Context, embedding []float64, threshold float64, limit int) ([]model.ConceptMatch, error)

	// Stage analyses
	GetStageA(ctx context.Context, opportunityID string) (*model.StageAAnalysis, error)
	GetStageB(ctx context.Context, opportunityID string) (*model.StageBAnalysis, error)
	InsertStageA(ctx context.Context, a *model.StageAAnalysis) error
	InsertStageB(ctx context.Context, b *model.StageBAnalysis) error

	// Trust metadata
	GetTrust(ctx context.Context, opportunityID string) (*model.TrustMetadata, error)
	UpsertTrust(ctx context.Context, t *model.TrustMetadata) error

	// Cohort runs
	CreateRun(ctx context.Context) (*model.CohortRun, error)
	CompleteRun(ctx context.Context, runID string, status model.RunStatus, summary *model.CohortSummary) error
	ListRuns(ctx context.Context, limit int) ([]model.CohortRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
