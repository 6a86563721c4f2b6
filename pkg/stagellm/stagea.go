package stagellm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/sells-group/opportunity-engine/pkg/anthropic"
)

const stageASystemPrompt = `You are an analyst scoring business opportunity records mined from online
communities. For the given record, score each dimension from 0.0 to 1.0 and
extract up to five short verbatim evidence quotes supporting the scores.

Respond with only a JSON object:
{
  "pain_severity": 0.0,
  "frequency": 0.0,
  "willingness_to_pay": 0.0,
  "feasibility": 0.0,
  "evidence": ["..."],
  "confidence": 0.0
}`

// StageARequest is one record's input to the evidence analyzer.
type StageARequest struct {
	OpportunityID string
	Text          string
}

// StageAResult is the analyzer's structured output plus usage accounting.
type StageAResult struct {
	PainSeverity     float64  `json:"pain_severity"`
	Frequency        float64  `json:"frequency"`
	WillingnessToPay float64  `json:"willingness_to_pay"`
	Feasibility      float64  `json:"feasibility"`
	Evidence         []string `json:"evidence"`
	Confidence       float64  `json:"confidence"`

	Usage   anthropic.TokenUsage `json:"-"`
	CostUSD float64              `json:"-"`
}

// StageAClient runs Stage-A evidence analysis against the Anthropic API.
type StageAClient struct {
	api     anthropic.Client
	opts    Options
	limiter *rate.Limiter
}

// NewStageA creates a Stage-A analyzer client.
func NewStageA(api anthropic.Client, opts Options) *StageAClient {
	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1024
	}
	return &StageAClient{api: api, opts: opts, limiter: newLimiter(opts.RequestsPerSecond)}
}

// WarmCache primes the prompt cache with the Stage-A system prompt so cohort
// workers hit warm cache reads from their first record.
func (c *StageAClient) WarmCache(ctx context.Context) error {
	if err := waitLimiter(ctx, c.limiter); err != nil {
		return err
	}
	_, err := anthropic.PrimerRequest(ctx, c.api, anthropic.MessageRequest{
		Model:     c.opts.Model,
		MaxTokens: 1,
		System:    anthropic.BuildCachedSystemBlocks(stageASystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: "ok"},
		},
	})
	return err
}

// Analyze scores one record and returns the structured result.
func (c *StageAClient) Analyze(ctx context.Context, req StageARequest) (*StageAResult, error) {
	resp, err := callMessage(ctx, c.api, c.limiter, anthropic.MessageRequest{
		Model:     c.opts.Model,
		MaxTokens: c.opts.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(stageASystemPrompt),
		Messages: []anthropic.Message{
			{Role: "user", Content: fmt.Sprintf("Record %s:\n\n%s", req.OpportunityID, req.Text)},
		},
	})
	if err != nil {
		return nil, err
	}

	var result StageAResult
	if err := parseModelJSON(resp.Text(), &result); err != nil {
		return nil, err
	}
	result.Usage = resp.Usage
	result.CostUSD = resp.Usage.EstimateCost(c.opts.Model)
	resp.Usage.LogCost(c.opts.Model, "stage_a")
	return &result, nil
}
