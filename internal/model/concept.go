package model

import "time"

// Stage identifies one of the two AI analysis stages.
type Stage string

const (
	StageA Stage = "stage_a" // evidence/scoring analysis
	StageB Stage = "stage_b" // generative profiling, consumes Stage-A evidence
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s == StageA || s == StageB
}

// BusinessConcept is the canonical cluster identity for one semantically
// distinct idea. Concepts are created on the first record with a new
// fingerprint (or embedding cluster) and never deleted. Version increments on
// every counter mutation and backs optimistic concurrency in the registry.
type BusinessConcept struct {
	ID                   string       `json:"id"`
	Fingerprint          string       `json:"fingerprint"`
	Embedding            []float64    `json:"embedding,omitempty"`
	SampleText           string       `json:"sample_text,omitempty"`
	PrimaryOpportunityID string       `json:"primary_opportunity_id"`
	SubmissionCount      int64        `json:"submission_count"`
	HasStageA            bool         `json:"has_stage_a"`
	HasStageB            bool         `json:"has_stage_b"`
	StageAStats          RunningStats `json:"stage_a_stats"`
	Version              int64        `json:"version"`
	FirstSeenAt          time.Time    `json:"first_seen_at"`
	LastUpdatedAt        time.Time    `json:"last_updated_at"`
}

// Has reports whether the given stage has run at least once for this concept.
func (c *BusinessConcept) Has(stage Stage) bool {
	switch stage {
	case StageA:
		return c.HasStageA
	case StageB:
		return c.HasStageB
	}
	return false
}

// RunningStats keeps online running averages over fresh Stage-A results.
// Averages are updated incrementally and never recomputed from a full scan.
type RunningStats struct {
	Count         int64   `json:"count"`
	AvgScore      float64 `json:"avg_score"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Observe folds one fresh observation into the running averages using the
// standard online update: avg' = avg + (value - avg) / n.
func (s *RunningStats) Observe(score, confidence float64) {
	s.Count++
	n := float64(s.Count)
	s.AvgScore += (score - s.AvgScore) / n
	s.AvgConfidence += (confidence - s.AvgConfidence) / n
}

// ConceptFlags is the subset of concept state the skip decision needs.
type ConceptFlags struct {
	ConceptID            string `json:"concept_id"`
	HasStageA            bool   `json:"has_stage_a"`
	HasStageB            bool   `json:"has_stage_b"`
	PrimaryOpportunityID string `json:"primary_opportunity_id"`
}

// Has reports whether the given stage has run for the concept.
func (f ConceptFlags) Has(stage Stage) bool {
	switch stage {
	case StageA:
		return f.HasStageA
	case StageB:
		return f.HasStageB
	}
	return false
}
