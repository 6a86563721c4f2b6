package model

import "time"

// SourceMetadata describes where an opportunity record was collected from.
// It is attached at ingestion and never modified afterwards.
type SourceMetadata struct {
	Platform    string    `json:"platform"`
	Community   string    `json:"community,omitempty"`
	Author      string    `json:"author,omitempty"`
	URL         string    `json:"url,omitempty"`
	CollectedAt time.Time `json:"collected_at"`
}

// OpportunityRecord is one ingested piece of opportunity text. RawText and
// Source are immutable after ingestion; analysis results and trust metadata
// are attached later in the pipeline.
type OpportunityRecord struct {
	ID             string          `json:"id"`
	RawText        string          `json:"raw_text"`
	NormalizedText string          `json:"normalized_text,omitempty"`
	Fingerprint    string          `json:"fingerprint,omitempty"`
	Embedding      []float64       `json:"embedding,omitempty"`
	Source         SourceMetadata  `json:"source"`
	AI             *AIProfile      `json:"ai,omitempty"`
	Trust          *TrustMetadata  `json:"trust,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AIProfile holds the AI-owned fields of a record: everything written by the
// Stage-B generative profiler. Kept as its own struct so merges against trust
// metadata are structural, never key-based.
type AIProfile struct {
	Title            string     `json:"title,omitempty"`
	ProblemStatement string     `json:"problem_statement,omitempty"`
	TargetAudience   string     `json:"target_audience,omitempty"`
	ValueProposition string     `json:"value_proposition,omitempty"`
	Category         string     `json:"category,omitempty"`
	OpportunityScore float64    `json:"opportunity_score,omitempty"`
	ProfiledAt       *time.Time `json:"profiled_at,omitempty"`
}

// TrustMetadata holds the trust-owned fields of a record, computed by the
// trust collaborator independently of the AI stages. An AI merge must leave
// every field here untouched.
type TrustMetadata struct {
	OpportunityID      string    `json:"opportunity_id"`
	CredibilityScore   float64   `json:"credibility_score"`
	SourceDiversity    int       `json:"source_diversity"`
	CorroborationCount int       `json:"corroboration_count"`
	SpamLikelihood     float64   `json:"spam_likelihood"`
	ComputedAt         time.Time `json:"computed_at"`
}
