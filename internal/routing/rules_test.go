package routing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"buildforge/internal/ai"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRulesPreference(t *testing.T) {
	t.Parallel()

	rules := DefaultRules()

	tests := []struct {
		name     string
		text     string
		fallback ai.Provider
		want     []ai.Provider
		tags     []string
	}{
		{"design step", "Style the hero with a modern gradient", ai.ProviderGrok, []ai.Provider{ai.ProviderClaude, ai.ProviderGrok}, []string{"design"}},
		{"logic step", "Wire the checkout api and validation", ai.ProviderAuto, []ai.Provider{ai.ProviderOpenAI, ai.ProviderAuto}, []string{"logic"}},
		{"speed step", "A quick basic footer", ai.ProviderClaude, []ai.Provider{ai.ProviderGemini, ai.ProviderClaude}, []string{"speed"}},
		{"several tags keep table order", "simple api with a beautiful ui", ai.ProviderOpenAI, []ai.Provider{ai.ProviderClaude, ai.ProviderOpenAI, ai.ProviderGemini}, []string{"design", "logic", "speed"}},
		{"no tag keeps caller provider", "Add a footer", ai.ProviderGemini, []ai.Provider{ai.ProviderGemini}, nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, rules.Preference(tt.text, tt.fallback))
			assert.Equal(t, tt.tags, rules.Profile(tt.text))
		})
	}
}

func TestParseRules(t *testing.T) {
	t.Parallel()

	good := []byte(`
rules:
  - tag: visual
    provider: gemini
    keywords: [pretty, colors]
  - tag: reasoning
    provider: gpt4
    keywords: ["state machine"]
`)
	table, err := ParseRules(good)
	require.NoError(t, err)
	require.Len(t, table.Rules, 2)
	assert.Equal(t, ai.ProviderOpenAI, table.Rules[1].Provider)
	assert.Equal(t, []ai.Provider{ai.ProviderOpenAI, ai.ProviderClaude}, table.Preference("a state machine", ai.ProviderClaude))

	bad := map[string]string{
		"not yaml":         "rules: [",
		"empty":            "rules: []",
		"missing tag":      "rules:\n  - provider: claude\n    keywords: [x]",
		"unknown provider": "rules:\n  - tag: a\n    provider: llama\n    keywords: [x]",
		"auto provider":    "rules:\n  - tag: a\n    provider: auto\n    keywords: [x]",
		"no keywords":      "rules:\n  - tag: a\n    provider: claude",
	}
	for name, src := range bad {
		_, err := ParseRules([]byte(src))
		assert.Error(t, err, name)
	}
}

func TestRulesWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - tag: a\n    provider: claude\n    keywords: [alpha]\n"), 0o644))

	initial, err := LoadRules(path)
	require.NoError(t, err)
	set := NewRuleSet(initial)

	w, err := NewRulesWatcher(path, set)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond
	reloaded := make(chan error, 4)
	w.OnReload = func(err error) { reloaded <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	assert.Equal(t, []ai.Provider{ai.ProviderClaude, ai.ProviderOpenAI}, set.Preference("alpha", ai.ProviderOpenAI))

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - tag: a\n    provider: gemini\n    keywords: [alpha]\n"), 0o644))
	select {
	case err := <-reloaded:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("rules were not reloaded")
	}
	assert.Equal(t, []ai.Provider{ai.ProviderGemini, ai.ProviderOpenAI}, set.Preference("alpha", ai.ProviderOpenAI))

	require.NoError(t, os.WriteFile(path, []byte("rules: ["), 0o644))
	select {
	case err := <-reloaded:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("broken rules did not trigger a reload attempt")
	}
	assert.Equal(t, []ai.Provider{ai.ProviderGemini}, set.Preference("alpha", ai.ProviderGemini))
}

func TestNewRuleSetDefaults(t *testing.T) {
	t.Parallel()

	set := NewRuleSet(nil)
	assert.Equal(t, DefaultRules(), set.Table())
}
