package stagellm

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/sells-group/opportunity-engine/pkg/anthropic"
)

const stageBSystemPrompt = `You are a product strategist. Given a business opportunity record, its
evidence quotes, and its dimension scores, write a structured opportunity
profile.

Respond with only a JSON object:
{
  "title": "...",
  "problem_statement": "...",
  "target_audience": "...",
  "value_proposition": "...",
  "category": "...",
  "opportunity_score": 0.0
}`

// StageBRequest is one record's input to the profiler. Evidence and scores
// come from the record's completed Stage-A analysis.
type StageBRequest struct {
	OpportunityID string
	Text          string
	Evidence      []string
	PainSeverity  float64
	Frequency     float64
	Willingness   float64
	Feasibility   float64
}

// StageBResult is the profiler's structured output plus usage accounting.
type StageBResult struct {
	Title            string  `json:"title"`
	ProblemStatement string  `json:"problem_statement"`
	TargetAudience   string  `json:"target_audience"`
	ValueProposition string  `json:"value_proposition"`
	Category         string  `json:"category"`
	OpportunityScore float64 `json:"opportunity_score"`

	Usage   anthropic.TokenUsage `json:"-"`
	CostUSD float64              `json:"-"`
}

// StageBClient runs Stage-B generative profiling against the Anthropic API.
type StageBClient struct {
	api     anthropic.Client
	opts    Options
	limiter *rate.Limiter
}

// NewStageB creates a Stage-B profiler client.
func NewStageB(api anthropic.Client, opts Options) *StageBClient {
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1024
	}
	return &StageBClient{api: api, opts: opts, limiter: newLimiter(opts.RequestsPerSecond)}
}

// WarmCache primes the prompt cache with the Stage-B system prompt so cohort
// workers hit warm cache reads from their first record.
func (c *StageBClient) WarmCache(ctx context.Context) error {
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return err
	}
	_, err := anthropic.PrimerRequest(ctx, c.api, anthropic.MessageRequest{
		Model:     c.opts.Model,
		MaxTokens: 1,
		System:    anthropic.BuildCachedSystemBlocks(stageBSystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: "ok"},
		},
	})
	return err
}

// Profile generates a profile for one record from its Stage-A evidence.
func (c *StageBClient) Profile(ctx context.Context, req StageBRequest) (*StageBResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Record %s:\n\n%s\n\nScores: pain=%.2f frequency=%.2f willingness_to_pay=%.2f feasibility=%.2f\n",
		req.OpportunityID, req.Text, req.PainSeverity, req.Frequency, req.Willingness, req.Feasibility)
	if len(req.Evidence) > 0 {
		b.WriteString("\nEvidence:\n")
		for _, q := range req.Evidence {
			b.WriteString("- " + q + "\n")
		}
	}

	resp, err := callMessage(ctx, c.api, c.limiter, anthropic.MessageRequest{
		Model:     c.opts.Model,
		MaxTokens: c.opts.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(stageBSystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return nil, err
	}

	var result StageBResult
	if err := parseModelJSON(resp.Text(), &result); err != nil {
		return nil, err
	}
	result.Usage = resp.Usage
	result.CostUSD = resp.Usage.EstimateCost(c.opts.Model)
	resp.Usage.LogCost(c.opts.Model, "stage_b")
	return &result, nil
}
