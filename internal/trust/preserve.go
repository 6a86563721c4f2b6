// Package trust guards the trust-computed side of a record across AI merges.
// Trust metadata and AI profiles live in separate structs on the record, and
// every merge here is structural: a whole-struct swap on the AI side with the
// trust side untouched, never a key-level overlay that could clobber fields.
package trust

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/opportunity-engine/internal/model"
)

// TrustStore is the persistence surface the preserver needs.
type TrustStore interface {
	GetTrust(ctx context.Context, opportunityID string) (*model.TrustMetadata, error)
	UpsertTrust(ctx context.Context, t *model.TrustMetadata) error
	UpsertOpportunity(ctx context.Context, rec *model.OpportunityRecord) error
}

// Preserver applies AI profiles to records without disturbing trust metadata.
type Preserver struct {
	store TrustStore
}

// New creates a Preserver.
func New(store TrustStore) *Preserver {
	return &Preserver{store: store}
}

// ApplyProfile attaches profile to rec and persists the record. The record's
// trust metadata is re-read from the store first and reattached verbatim, so
// a concurrent trust recompute between fetch and merge is never lost.
func (p *Preserver) ApplyProfile(ctx context.Context, rec *model.OpportunityRecord, profile model.AIProfile) error {
	if rec == nil {
		return eris.New("trust: nil record")
	}

	current, err := p.store.GetTrust(ctx, rec.ID)
	if err != nil {
		return eris.Wrap(err, "trust: read current metadata")
	}
	if current != nil {
		rec.Trust = current
	}

	merged := profile
	if merged.ProfiledAt == nil {
		now := time.Now().UTC()
		merged.ProfiledAt = &now
	}
	rec.AI = &merged
	rec.UpdatedAt = time.Now().UTC()

	if err := p.store.UpsertOpportunity(ctx, rec); err != nil {
		return eris.Wrap(err, "trust: persist merged record")
	}
	return nil
}

// Merge returns a copy of rec with profile applied and trust carried over
// from trustMeta. Pure merge logic, used by ApplyProfile and directly by
// tests and callers that manage persistence themselves.
func Merge(rec model.OpportunityRecord, profile model.AIProfile, trustMeta *model.TrustMetadata) model.OpportunityRecord {
	if trustMeta != nil {
		t := *trustMeta
		rec.Trust = &t
	}
	p := profile
	rec.AI = &p
	return rec
}
