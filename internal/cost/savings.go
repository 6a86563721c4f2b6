// Package cost estimates the spend avoided by the deduplication engine.
// Per-call pricing lives with the API client in pkg/anthropic.
package cost

import (
	"sync"

	"github.com/sells-group/opportunity-engine/internal/model"
)

// SavingsTracker estimates the spend avoided by copying instead of
// re-analyzing. Each fresh call contributes its observed cost to a per-stage
// average, and each copy is valued at the current average for its stage.
// When a run produces no fresh calls for a stage (everything copied), the
// configured per-stage fallback rate is used instead of an observed average.
type SavingsTracker struct {
	mu sync.Mutex

	fallback   map[model.Stage]float64
	freshCost  map[model.Stage]float64
	freshCount map[model.Stage]int64
	copies     map[model.Stage]int64
}

// NewSavingsTracker creates an empty tracker. fallback may be nil.
func NewSavingsTracker(fallback map[model.Stage]float64) *SavingsTracker {
	return &SavingsTracker{
		fallback:   fallback,
		freshCost:  make(map[model.Stage]float64),
		freshCount: make(map[model.Stage]int64),
		copies:     make(map[model.Stage]int64),
	}
}

// ObserveFresh records the cost of one fresh analysis.
func (t *SavingsTracker) ObserveFresh(stage model.Stage, costUSD float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.freshCost[stage] += costUSD
	t.freshCount[stage]++
}

// ObserveCopy records one avoided analysis.
func (t *SavingsTracker) ObserveCopy(stage model.Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.copies[stage]++
}

// EstimatedSaved returns the total estimated avoided spend across stages.
func (t *SavingsTracker) EstimatedSaved() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var saved float64
	for stage, n := range t.copies {
		avg := t.fallback[stage]
		if t.freshCount[stage] > 0 {
			avg = t.freshCost[stage] / float64(t.freshCount[stage])
		}
		saved += avg * float64(n)
	}
	return saved
}
