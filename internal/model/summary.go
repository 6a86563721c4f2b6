package model

import "time"

// RunStatus represents the lifecycle state of a cohort run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// StageTally breaks down outcomes for a single stage across a cohort.
type StageTally struct {
	Fresh  int `json:"fresh"`
	Copied int `json:"copied"`
	Errors int `json:"errors"`
}

// CohortSummary is the per-run output consumed by reporting collaborators.
//
// DedupRate is copied / (copied + analyzed) counted over stage outcomes of
// records that completed at least one stage in this run. No-fingerprint
// records contribute to the denominator through their fresh analyses;
// errored records contribute to neither term.
type CohortSummary struct {
	RunID              string     `json:"run_id"`
	Fetched            int        `json:"fetched"`
	Analyzed           int        `json:"analyzed"`
	Copied             int        `json:"copied"`
	Errors             int        `json:"errors"`
	DedupRate          float64    `json:"dedup_rate"`
	EstimatedCostSaved float64    `json:"estimated_cost_saved"`
	StageA             StageTally `json:"stage_a"`
	StageB             StageTally `json:"stage_b"`
	NoFingerprint      int        `json:"no_fingerprint"`
	IntegrityEvents    int        `json:"integrity_events"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         time.Time  `json:"finished_at"`
}

// CohortRun is a persisted cohort run row.
type CohortRun struct {
	ID        string         `json:"id"`
	Status    RunStatus      `json:"status"`
	Summary   *CohortSummary `json:"summary,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
