package model

// DecisionKind says whether a record/stage pair runs the AI call fresh or
// copies the concept primary's prior result.
type DecisionKind string

const (
	RunFresh        DecisionKind = "run_fresh"
	CopyFromPrimary DecisionKind = "copy_from_primary"
)

// Decision is the outcome of the skip decision engine for one record and one
// stage. For CopyFromPrimary, PrimaryOpportunityID names the copy source.
type Decision struct {
	Kind                 DecisionKind `json:"kind"`
	ConceptID            string       `json:"concept_id"`
	PrimaryOpportunityID string       `json:"primary_opportunity_id,omitempty"`
}

// IsCopy reports whether the decision reuses a prior result.
func (d Decision) IsCopy() bool {
	return d.Kind == CopyFromPrimary
}
