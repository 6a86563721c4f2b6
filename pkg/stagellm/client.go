// Package stagellm implements the two AI analysis collaborators: the Stage-A
// evidence analyzer and the Stage-B generative profiler. Both are thin,
// rate-limited wrappers over the Anthropic message API that return structured
// results parsed from model JSON output.
package stagellm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/opportunity-engine/pkg/anthropic"
)

// Options configures a stage client.
type Options struct {
	Model     string
	MaxTokens int64
	// RequestsPerSecond caps the call rate. Zero disables pacing.
	RequestsPerSecond float64
}

// newLimiter builds a limiter from the configured rate, or nil when unpaced.
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

func waitLimiter(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		return eris.Wrap(err, "stagellm: rate limit wait")
	}
	return nil
}

// parseModelJSON extracts a JSON object from model output, tolerating fenced
// code blocks and leading prose.
func parseModelJSON(text string, out any) error {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	if i := strings.Index(s, "{"); i > 0 {
		s = s[i:]
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), out); err != nil {
		return eris.Wrap(err, "stagellm: parse model output")
	}
	return nil
}

func callMessage(ctx context.Context, api anthropic.Client, l *rate.Limiter, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	if err := waitLimiter(ctx, l); err != nil {
		return nil, err
	}
	resp, err := api.CreateMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Content) == 0 {
		return nil, eris.New("stagellm: empty model response")
	}
	return resp, nil
}
