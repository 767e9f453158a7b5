package ai_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"buildforge/internal/ai"
	"buildforge/internal/ai/aitest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(pref ...ai.Provider) ai.GatewayConfig {
	return ai.GatewayConfig{Preference: pref, Timeout: 2 * time.Second}
}

func TestOrderCandidates(t *testing.T) {
	all := func(ai.Provider) bool { return true }
	only := func(ps ...ai.Provider) func(ai.Provider) bool {
		return func(p ai.Provider) bool {
			for _, x := range ps {
				if x == p {
					return true
				}
			}
			return false
		}
	}

	tests := []struct {
		name       string
		preference []ai.Provider
		configured func(ai.Provider) bool
		healthy    func(ai.Provider) bool
		want       []ai.Provider
	}{
		{
			name:       "preference order wins",
			preference: []ai.Provider{ai.ProviderClaude, ai.ProviderOpenAI},
			configured: only(ai.ProviderOpenAI, ai.ProviderClaude),
			healthy:    all,
			want:       []ai.Provider{ai.ProviderClaude, ai.ProviderOpenAI},
		},
		{
			name:       "unconfigured providers are skipped",
			preference: []ai.Provider{ai.ProviderClaude, ai.ProviderGemini},
			configured: only(ai.ProviderGemini),
			healthy:    all,
			want:       []ai.Provider{ai.ProviderGemini},
		},
		{
			name:       "configured but unlisted providers follow",
			preference: []ai.Provider{ai.ProviderGemini},
			configured: only(ai.ProviderGemini, ai.ProviderGrok, ai.ProviderOpenAI),
			healthy:    all,
			want:       []ai.Provider{ai.ProviderGemini, ai.ProviderOpenAI, ai.ProviderGrok},
		},
		{
			name:       "unhealthy providers move to the back",
			preference: []ai.Provider{ai.ProviderClaude, ai.ProviderOpenAI},
			configured: only(ai.ProviderOpenAI, ai.ProviderClaude),
			healthy:    only(ai.ProviderOpenAI),
			want:       []ai.Provider{ai.ProviderOpenAI, ai.ProviderClaude},
		},
		{
			name:       "auto and duplicates are ignored",
			preference: []ai.Provider{ai.ProviderAuto, ai.ProviderOpenAI, ai.ProviderOpenAI},
			configured: only(ai.ProviderOpenAI),
			healthy:    all,
			want:       []ai.Provider{ai.ProviderOpenAI},
		},
		{
			name:       "nothing configured",
			preference: ai.KnownProviders,
			configured: only(),
			healthy:    all,
			want:       []ai.Provider{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ai.OrderCandidates(tt.preference, tt.configured, tt.healthy)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGatewayPinnedProvider(t *testing.T) {
	claude := aitest.New(ai.ProviderClaude, aitest.Text("hello from claude"))
	openai := aitest.New(ai.ProviderOpenAI, aitest.Text("hello from openai"))
	gw := ai.NewGateway(testConfig(ai.ProviderOpenAI, ai.ProviderClaude), claude, openai)

	resp, err := gw.Generate(context.Background(), ai.ProviderClaude, "hi", ai.Options{})
	require.NoError(t, err)
	assert.Equal(t, ai.ProviderClaude, resp.Provider)
	assert.Equal(t, "hello from claude", resp.Content)
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, 0, openai.CallCount())
}

func TestGatewayPinnedProviderIsNotRetried(t *testing.T) {
	claude := aitest.New(ai.ProviderClaude, aitest.Fail("boom"))
	openai := aitest.New(ai.ProviderOpenAI, aitest.Text("unused"))
	gw := ai.NewGateway(testConfig(), claude, openai)

	_, err := gw.Generate(context.Background(), ai.ProviderClaude, "hi", ai.Options{})
	require.Error(t, err)
	assert.Equal(t, ai.KindTransport, ai.KindOf(err))
	assert.Equal(t, 1, claude.CallCount())
	assert.Equal(t, 0, openai.CallCount())
}

func TestGatewayMissingCredential(t *testing.T) {
	gw := ai.NewGateway(testConfig(), aitest.New(ai.ProviderOpenAI))

	_, err := gw.Generate(context.Background(), ai.ProviderGemini, "hi", ai.Options{})
	require.Error(t, err)
	assert.True(t, ai.IsConfigError(err))
	assert.Contains(t, err.Error(), "No API key configured for gemini")
}

func TestGatewayAutoWithNoProviders(t *testing.T) {
	gw := ai.NewGateway(testConfig())

	assert.False(t, gw.Has(ai.ProviderAuto))
	_, err := gw.Generate(context.Background(), ai.ProviderAuto, "hi", ai.Options{})
	assert.ErrorIs(t, err, ai.ErrNoProviders)
}

func TestGatewayAutoRetriesOnceOnNextProvider(t *testing.T) {
	claude := aitest.New(ai.ProviderClaude, aitest.Fail("upstream down"))
	openai := aitest.New(ai.ProviderOpenAI, aitest.Text("fallback answer"))
	gemini := aitest.New(ai.ProviderGemini, aitest.Text("never reached"))
	gw := ai.NewGateway(testConfig(ai.ProviderClaude, ai.ProviderOpenAI, ai.ProviderGemini), claude, openai, gemini)

	resp, err := gw.Generate(context.Background(), ai.ProviderAuto, "hi", ai.Options{})
	require.NoError(t, err)
	assert.Equal(t, ai.ProviderOpenAI, resp.Provider)
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, 1, claude.CallCount())
	assert.Equal(t, 1, openai.CallCount())
	assert.Equal(t, 0, gemini.CallCount())
}

func TestGatewayAutoStopsAfterSecondFailure(t *testing.T) {
	claude := aitest.New(ai.ProviderClaude, aitest.Fail("first"))
	openai := aitest.New(ai.ProviderOpenAI, aitest.Fail("second"))
	gemini := aitest.New(ai.ProviderGemini, aitest.Text("never reached"))
	gw := ai.NewGateway(testConfig(ai.ProviderClaude, ai.ProviderOpenAI, ai.ProviderGemini), claude, openai, gemini)

	_, err := gw.Generate(context.Background(), ai.ProviderAuto, "hi", ai.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second")
	assert.Equal(t, 0, gemini.CallCount())
}

func TestGatewayAutoHonoursPreferAndStillRetries(t *testing.T) {
	claude := aitest.New(ai.ProviderClaude, aitest.Fail("claude overloaded"))
	openai := aitest.New(ai.ProviderOpenAI, aitest.Text("from openai"))
	gemini := aitest.New(ai.ProviderGemini, aitest.Text("from gemini"))
	gw := ai.NewGateway(testConfig(ai.ProviderOpenAI, ai.ProviderGemini, ai.ProviderClaude), claude, openai, gemini)

	resp, err := gw.Generate(context.Background(), ai.ProviderAuto, "hi", ai.Options{Prefer: []ai.Provider{ai.ProviderClaude}})
	require.NoError(t, err)
	assert.Equal(t, ai.ProviderOpenAI, resp.Provider, "falls back to the configured order")
	assert.Equal(t, 2, resp.Attempts)
	assert.Equal(t, 1, claude.CallCount(), "preferred provider goes first")
	assert.Equal(t, 0, gemini.CallCount())

	resp, err = gw.Generate(context.Background(), ai.ProviderAuto, "hi", ai.Options{Prefer: []ai.Provider{ai.ProviderGemini}})
	require.NoError(t, err)
	assert.Equal(t, ai.ProviderGemini, resp.Provider)
	assert.Equal(t, 1, resp.Attempts)
}

func TestGatewayPinnedProviderIgnoresPrefer(t *testing.T) {
	claude := aitest.New(ai.ProviderClaude, aitest.Text("pinned"))
	openai := aitest.New(ai.ProviderOpenAI, aitest.Text("never reached"))
	gw := ai.NewGateway(testConfig(), claude, openai)

	resp, err := gw.Generate(context.Background(), ai.ProviderClaude, "hi", ai.Options{Prefer: []ai.Provider{ai.ProviderOpenAI}})
	require.NoError(t, err)
	assert.Equal(t, ai.ProviderClaude, resp.Provider)
	assert.Equal(t, 0, openai.CallCount())
}

func TestGatewayEmptyResponseIsInvalid(t *testing.T) {
	claude := aitest.New(ai.ProviderClaude, aitest.Text("   "))
	gw := ai.NewGateway(testConfig(), claude)

	_, err := gw.Generate(context.Background(), ai.ProviderClaude, "hi", ai.Options{})
	require.Error(t, err)
	assert.Equal(t, ai.KindInvalidResponse, ai.KindOf(err))
}

func TestGatewayPerCallTimeout(t *testing.T) {
	slow := aitest.New(ai.ProviderGemini, aitest.Reply{Content: "late", Delay: time.Second})
	gw := ai.NewGateway(ai.GatewayConfig{Timeout: 50 * time.Millisecond}, slow)

	start := time.Now()
	_, err := gw.Generate(context.Background(), ai.ProviderGemini, "hi", ai.Options{})
	require.Error(t, err)
	assert.Equal(t, ai.KindTimeout, ai.KindOf(err))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestGatewayFailedProviderLosesPriority(t *testing.T) {
	claude := aitest.New(ai.ProviderClaude, aitest.Fail("down"), aitest.Text("recovered"))
	openai := aitest.New(ai.ProviderOpenAI, aitest.Text("openai"))
	gw := ai.NewGateway(testConfig(ai.ProviderClaude, ai.ProviderOpenAI), claude, openai)

	_, err := gw.Generate(context.Background(), ai.ProviderAuto, "one", ai.Options{})
	require.NoError(t, err)
	assert.False(t, gw.HealthStatus()[ai.ProviderClaude])

	resp, err := gw.Generate(context.Background(), ai.ProviderAuto, "two", ai.Options{})
	require.NoError(t, err)
	assert.Equal(t, ai.ProviderOpenAI, resp.Provider)
	assert.Equal(t, 1, claude.CallCount())
}

func TestGatewayRecordsUsage(t *testing.T) {
	var mu sync.Mutex
	var events []ai.UsageEvent
	rec := ai.UsageRecorderFunc(func(ctx context.Context, ev ai.UsageEvent) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return errors.New("ignored")
	})

	gw := ai.NewGateway(testConfig(ai.ProviderClaude, ai.ProviderOpenAI),
		aitest.New(ai.ProviderClaude, aitest.Fail("nope")),
		aitest.New(ai.ProviderOpenAI, aitest.Text("some code here")),
	)
	gw.SetUsageRecorder(rec)

	_, err := gw.Generate(context.Background(), ai.ProviderAuto, "build it", ai.Options{UserID: 7, JobID: "job-1"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, ai.ProviderClaude, events[0].Provider)
	assert.False(t, events[0].Success)
	assert.NotEmpty(t, events[0].Error)
	assert.Equal(t, ai.ProviderOpenAI, events[1].Provider)
	assert.True(t, events[1].Success)
	assert.Equal(t, uint(7), events[1].UserID)
	assert.Equal(t, "job-1", events[1].JobID)
}

func TestGatewayProvidersAndHas(t *testing.T) {
	gw := ai.NewGateway(testConfig(ai.ProviderGemini),
		aitest.New(ai.ProviderOpenAI),
		aitest.New(ai.ProviderGemini),
	)

	assert.True(t, gw.Has(ai.ProviderAuto))
	assert.True(t, gw.Has(ai.ProviderGemini))
	assert.False(t, gw.Has(ai.ProviderClaude))
	assert.Equal(t, []ai.Provider{ai.ProviderGemini, ai.ProviderOpenAI}, gw.Providers())
	assert.Len(t, gw.ProviderUsage(), 2)
}

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in   string
		want ai.Provider
		ok   bool
	}{
		{"", ai.ProviderAuto, true},
		{"auto", ai.ProviderAuto, true},
		{"claude", ai.ProviderClaude, true},
		{"gpt4", ai.ProviderOpenAI, true},
		{"grok", ai.ProviderGrok, true},
		{"llama", "", false},
	}
	for _, tt := range tests {
		got, ok := ai.ParseProvider(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
