package model

import "time"

// StageAScores are the scored fields produced by the Stage-A evidence
// analysis. They feed both the concept running averages and the Stage-B
// profiler as evidence.
type StageAScores struct {
	PainSeverity     float64  `json:"pain_severity"`
	Frequency        float64  `json:"frequency"`
	WillingnessToPay float64  `json:"willingness_to_pay"`
	Feasibility      float64  `json:"feasibility"`
	Evidence         []string `json:"evidence,omitempty"`
	Confidence       float64  `json:"confidence"`
}

// Composite returns the overall opportunity score for the analysis, the value
// tracked in concept running averages.
func (s StageAScores) Composite() float64 {
	return (s.PainSeverity + s.Frequency + s.WillingnessToPay + s.Feasibility) / 4
}

// StageAAnalysis is one Stage-A result row. Exactly one non-copy row exists
// per concept once Stage-A has run (the primary's); every other row is a
// field-identical copy referencing the primary opportunity.
type StageAAnalysis struct {
	ID                   string       `json:"id"`
	OpportunityID        string       `json:"opportunity_id"`
	ConceptID            string       `json:"concept_id"`
	Scores               StageAScores `json:"scores"`
	CopiedFromPrimary    bool         `json:"copied_from_primary"`
	PrimaryOpportunityID string       `json:"primary_opportunity_id,omitempty"`
	CostUSD              float64      `json:"cost_usd"`
	InputTokens          int64        `json:"input_tokens,omitempty"`
	OutputTokens         int64        `json:"output_tokens,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
}

// StageBAnalysis is one Stage-B result row. A fresh row generated while
// Stage-A is enabled always references the Stage-A analysis that supplied its
// evidence via EvidenceSourceOpportunityID.
type StageBAnalysis struct {
	ID                          string    `json:"id"`
	OpportunityID               string    `json:"opportunity_id"`
	ConceptID                   string    `json:"concept_id"`
	Profile                     AIProfile `json:"profile"`
	CopiedFromPrimary           bool      `json:"copied_from_primary"`
	PrimaryOpportunityID        string    `json:"primary_opportunity_id,omitempty"`
	EvidenceSourceOpportunityID string    `json:"evidence_source_opportunity_id,omitempty"`
	CostUSD                     float64   `json:"cost_usd"`
	InputTokens                 int64     `json:"input_tokens,omitempty"`
	OutputTokens                int64     `json:"output_tokens,omitempty"`
	CreatedAt                   time.Time `json:"created_at"`
}
