package usage

import (
	"context"
	"testing"
	"time"

	"buildforge/internal/ai"
	"buildforge/internal/db/dbtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T) *Tracker {
	tr := NewTracker(dbtest.Open(t, &AIUsage{}))
	tr.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }
	return tr
}

func TestRecordAndSummarize(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	events := []ai.UsageEvent{
		{UserID: 1, JobID: "j1", Provider: ai.ProviderClaude, Model: "m", PromptTokens: 10, CompletionTokens: 20, Cost: 0.5, Latency: 100 * time.Millisecond, Success: true},
		{UserID: 1, JobID: "j1", Provider: ai.ProviderClaude, Model: "m", Latency: 300 * time.Millisecond, Success: false, Error: "boom"},
		{UserID: 1, JobID: "j2", Provider: ai.ProviderOpenAI, PromptTokens: 5, CompletionTokens: 5, Cost: 0.25, Latency: 50 * time.Millisecond, Success: true},
		{UserID: 2, Provider: ai.ProviderGemini, PromptTokens: 99, Success: true},
	}
	for _, ev := range events {
		require.NoError(t, tr.RecordAIUsage(ctx, ev))
	}

	s, err := tr.Summary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.Requests)
	assert.Equal(t, int64(1), s.Failures)
	assert.Equal(t, int64(15), s.PromptTokens)
	assert.Equal(t, int64(25), s.CompletionTokens)
	assert.InDelta(t, 0.75, s.Cost, 1e-9)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), s.PeriodStart)

	require.Len(t, s.Providers, 2)
	assert.Equal(t, "claude", s.Providers[0].Provider)
	assert.Equal(t, int64(2), s.Providers[0].Requests)
	assert.Equal(t, int64(200), s.Providers[0].AvgLatencyMS)
	assert.Equal(t, "openai", s.Providers[1].Provider)

	attempts, err := tr.JobUsage(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.True(t, attempts[0].Success)
	assert.False(t, attempts[1].Success)
	assert.Equal(t, "boom", attempts[1].Error)
}

func TestSummaryCacheIsInvalidatedByRecord(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	s, err := tr.Summary(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, s.Requests)
	assert.Empty(t, s.Providers)

	require.NoError(t, tr.RecordAIUsage(ctx, ai.UsageEvent{UserID: 7, Provider: ai.ProviderGrok, Success: true}))

	s, err = tr.Summary(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Requests)
}

func TestGatewayRecordsThroughTracker(t *testing.T) {
	tr := newTracker(t)
	ctx := context.Background()

	gw := ai.NewGateway(ai.GatewayConfig{Timeout: time.Second}, stubClient{})
	gw.SetUsageRecorder(tr)

	_, err := gw.Generate(ctx, ai.ProviderClaude, "hello", ai.Options{UserID: 3, JobID: "job"})
	require.NoError(t, err)

	attempts, err := tr.JobUsage(ctx, "job")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, uint(3), attempts[0].UserID)
	assert.Equal(t, "claude", attempts[0].Provider)
}

type stubClient struct{}

func (stubClient) Generate(ctx context.Context, req *ai.Request) (*ai.Response, error) {
	return &ai.Response{Content: "hi", Usage: &ai.Usage{PromptTokens: 1, CompletionTokens: 1}}, nil
}
func (stubClient) Provider() ai.Provider            { return ai.ProviderClaude }
func (stubClient) Health(ctx context.Context) error { return nil }
func (stubClient) Usage() *ai.ProviderUsage         { return &ai.ProviderUsage{Provider: ai.ProviderClaude} }
