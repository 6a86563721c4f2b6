package stagellm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/opportunity-engine/pkg/anthropic"
)

func TestParseModelJSON(t *testing.T) {
	t.Parallel()

	type payload struct {
		Title string  `json:"title"`
		Score float64 `json:"score"`
	}

	tests := []struct {
		name    string
		input   string
		want    payload
		wantErr bool
	}{
		{
			name:  "plain object",
			input: `{"title":"a","score":0.5}`,
			want:  payload{Title: "a", Score: 0.5},
		},
		{
			name:  "fenced with language tag",
			input: "```json\n{\"title\":\"a\",\"score\":0.5}\n```",
			want:  payload{Title: "a", Score: 0.5},
		},
		{
			name:  "fenced without language tag",
			input: "```\n{\"title\":\"a\",\"score\":0.5}\n```",
			want:  payload{Title: "a", Score: 0.5},
		},
		{
			name:  "leading prose",
			input: "Here is the analysis you asked for:\n{\"title\":\"a\",\"score\":0.5}",
			want:  payload{Title: "a", Score: 0.5},
		},
		{
			name:  "surrounding whitespace",
			input: "\n\n  {\"title\":\"a\",\"score\":0.5}  \n",
			want:  payload{Title: "a", Score: 0.5},
		},
		{
			name:    "no json at all",
			input:   "I cannot answer that.",
			wantErr: true,
		},
		{
			name:    "truncated object",
			input:   `{"title":"a",`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got payload
			err := parseModelJSON(tt.input, &got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLimiter(t *testing.T) {
	t.Parallel()
	assert.Nil(t, newLimiter(0))
	assert.Nil(t, newLimiter(-1))
	assert.NotNil(t, newLimiter(2))
}

func TestWaitLimiterNil(t *testing.T) {
	t.Parallel()
	assert.NoError(t, waitLimiter(context.Background(), nil))
}

// fakeAPI captures the request and returns a canned response.
type fakeAPI struct {
	req  anthropic.MessageRequest
	resp *anthropic.MessageResponse
	err  error
}

func (f *fakeAPI) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.req = req
	return f.resp, f.err
}

func textResponse(body string, usage anthropic.TokenUsage) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: body}},
		Usage:   usage,
	}
}

func TestStageAAnalyze(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{resp: textResponse(
		`{"pain_severity":0.8,"frequency":0.6,"willingness_to_pay":0.7,"feasibility":0.5,"evidence":["it hurts"],"confidence":0.9}`,
		anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 500},
	)}
	c := NewStageA(api, Options{Model: "claude-haiku-4-5-20251001"})

	res, err := c.Analyze(context.Background(), StageARequest{OpportunityID: "opp-1", Text: "some record"})
	require.NoError(t, err)

	assert.Equal(t, 0.8, res.PainSeverity)
	assert.Equal(t, []string{"it hurts"}, res.Evidence)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, int64(1000), res.Usage.InputTokens)
	assert.InDelta(t, 0.0028, res.CostUSD, 1e-9)

	assert.Equal(t, "claude-haiku-4-5-20251001", api.req.Model)
	assert.Equal(t, int64(1024), api.req.MaxTokens, "default token budget applies")
	require.Len(t, api.req.System, 1)
	require.NotNil(t, api.req.System[0].CacheControl)
	assert.Equal(t, "1h", api.req.System[0].CacheControl.TTL)
	require.Len(t, api.req.Messages, 1)
	assert.Contains(t, api.req.Messages[0].Content, "opp-1")
	assert.Contains(t, api.req.Messages[0].Content, "some record")
}

func TestStageAEmptyResponse(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{resp: &anthropic.MessageResponse{}}
	c := NewStageA(api, Options{Model: "claude-haiku-4-5-20251001"})

	_, err := c.Analyze(context.Background(), StageARequest{OpportunityID: "opp-1", Text: "x"})
	assert.Error(t, err)
}

func TestStageAUnparseableOutput(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{resp: textResponse("sorry, no", anthropic.TokenUsage{})}
	c := NewStageA(api, Options{Model: "claude-haiku-4-5-20251001"})

	_, err := c.Analyze(context.Background(), StageARequest{OpportunityID: "opp-1", Text: "x"})
	assert.Error(t, err)
}

func TestStageBProfile(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{resp: textResponse(
		`{"title":"Meal planner","problem_statement":"ps","target_audience":"ta","value_proposition":"vp","category":"health","opportunity_score":0.72}`,
		anthropic.TokenUsage{InputTokens: 2000, OutputTokens: 1000},
	)}
	c := NewStageB(api, Options{Model: "claude-sonnet-4-5-20250929", MaxTokens: 2048})

	res, err := c.Profile(context.Background(), StageBRequest{
		OpportunityID: "opp-1",
		Text:          "some record",
		Evidence:      []string{"quote one", "quote two"},
		PainSeverity:  0.8,
		Frequency:     0.6,
		Willingness:   0.7,
		Feasibility:   0.5,
	})
	require.NoError(t, err)

	assert.Equal(t, "Meal planner", res.Title)
	assert.Equal(t, "health", res.Category)
	assert.Equal(t, 0.72, res.OpportunityScore)
	assert.InDelta(t, 2000.0/1e6*3.00+1000.0/1e6*15.00, res.CostUSD, 1e-9)

	assert.Equal(t, int64(2048), api.req.MaxTokens)
	content := api.req.Messages[0].Content
	assert.Contains(t, content, "pain=0.80")
	assert.Contains(t, content, "- quote one")
	assert.Contains(t, content, "- quote two")
}

func TestWarmCacheSendsPrimer(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{resp: textResponse("ok", anthropic.TokenUsage{})}
	c := NewStageA(api, Options{Model: "claude-haiku-4-5-20251001"})

	require.NoError(t, c.WarmCache(context.Background()))

	assert.Equal(t, int64(1), api.req.MaxTokens, "primer spends as little as possible")
	require.Len(t, api.req.System, 1)
	require.NotNil(t, api.req.System[0].CacheControl)
	assert.Equal(t, "1h", api.req.System[0].CacheControl.TTL)

	// The profiler primes its own prompt.
	apiB := &fakeAPI{resp: textResponse("ok", anthropic.TokenUsage{})}
	cb := NewStageB(apiB, Options{Model: "claude-sonnet-4-5-20250929"})
	require.NoError(t, cb.WarmCache(context.Background()))
	assert.NotEqual(t, api.req.System[0].Text, apiB.req.System[0].Text)
}

func TestWarmCachePropagatesError(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{err: assert.AnError}
	c := NewStageA(api, Options{Model: "claude-haiku-4-5-20251001"})
	assert.Error(t, c.WarmCache(context.Background()))
}

func TestStageBProfileWithoutEvidence(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{resp: textResponse(`{"title":"t"}`, anthropic.TokenUsage{})}
	c := NewStageB(api, Options{Model: "claude-sonnet-4-5-20250929"})

	_, err := c.Profile(context.Background(), StageBRequest{OpportunityID: "opp-1", Text: "x"})
	require.NoError(t, err)
	assert.NotContains(t, api.req.Messages[0].Content, "Evidence:")
}
