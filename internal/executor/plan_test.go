package executor

import (
	"context"
	"testing"

	"buildforge/internal/extract"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	t.Parallel()

	const request = "Build a todo app"
	fallback := []Step{{Ordinal: 1, Title: "Build", Prompt: request}}

	tests := []struct {
		name     string
		response string
		limit    int
		want     []Step
		wantOK   bool
	}{
		{
			name:     "bare array",
			response: `[{"ordinal":1,"title":"Markup","description":"page","prompt":"write html"}]`,
			want:     []Step{{Ordinal: 1, Title: "Markup", Description: "page", Prompt: "write html"}},
			wantOK:   true,
		},
		{
			name:     "fenced array",
			response: "```json\n[{\"ordinal\":1,\"title\":\"A\",\"prompt\":\"a\"}]\n```",
			want:     []Step{{Ordinal: 1, Title: "A", Prompt: "a"}},
			wantOK:   true,
		},
		{
			name:     "prose around the array",
			response: "Plan [draft]: [{\"ordinal\":1,\"title\":\"A\",\"prompt\":\"a\"}] good luck",
			want:     []Step{{Ordinal: 1, Title: "A", Prompt: "a"}},
			wantOK:   true,
		},
		{
			name:     "steps are ordered and renumbered",
			response: `[{"ordinal":5,"title":"B","prompt":"b"},{"ordinal":2,"title":"A","prompt":"a"}]`,
			want:     []Step{{Ordinal: 1, Title: "A", Prompt: "a"}, {Ordinal: 2, Title: "B", Prompt: "b"}},
			wantOK:   true,
		},
		{
			name:     "prompt falls back to description",
			response: `[{"ordinal":1,"title":"A","description":"from description"}]`,
			want:     []Step{{Ordinal: 1, Title: "A", Description: "from description", Prompt: "from description"}},
			wantOK:   true,
		},
		{
			name:     "limit keeps the first steps",
			response: `[{"ordinal":1,"prompt":"a","title":"A"},{"ordinal":2,"prompt":"b","title":"B"},{"ordinal":3,"prompt":"c","title":"C"}]`,
			limit:    2,
			want:     []Step{{Ordinal: 1, Title: "A", Prompt: "a"}, {Ordinal: 2, Title: "B", Prompt: "b"}},
			wantOK:   true,
		},
		{name: "no json", response: "Let's do it in three steps.", want: fallback},
		{name: "empty array", response: "[]", want: fallback},
		{name: "truncated array", response: `[{"ordinal":1,"title":"A","prompt":"a"`, want: fallback},
		{name: "wrong shape", response: `[1, 2, 3]`, want: fallback},
		{name: "empty steps", response: `[{"ordinal":1}]`, want: fallback},
		{name: "empty response", response: "", want: fallback},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParsePlan(tt.response, request, tt.limit)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStepPromptCarriesCode(t *testing.T) {
	t.Parallel()

	step := Step{Ordinal: 2, Title: "Style", Description: "add css", Prompt: "make it pretty"}

	first := stepPrompt("site", step, 2, 3, extract.Result{})
	assert.Contains(t, first, "Step 2 of 3: Style")
	assert.Contains(t, first, "make it pretty")
	assert.NotContains(t, first, "Code so far")

	prev := extract.Extract("```html\n<p>hi</p>\n```")
	next := stepPrompt("site", step, 2, 3, prev)
	assert.Contains(t, next, "Code so far")
	assert.Equal(t, prev.Combined, extract.Extract(next).Combined)
}

func TestPercent(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, percent(0, 3))
	assert.Equal(t, 33, percent(1, 3))
	assert.Equal(t, 67, percent(2, 3))
	assert.Equal(t, 100, percent(3, 3))
	assert.Equal(t, 0, percent(1, 0))
}

func TestCancelRegistryInMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := NewCancelRegistry(nil)

	assert.False(t, reg.Requested(ctx, "a"))
	require.NoError(t, reg.Request(ctx, "a"))
	assert.True(t, reg.Requested(ctx, "a"))
	assert.False(t, reg.Requested(ctx, "b"))

	reg.Clear(ctx, "a")
	assert.False(t, reg.Requested(ctx, "a"))
}

func TestPoolRejectsWhenFullAndAfterStop(t *testing.T) {
	t.Parallel()
	pool := NewPool(1, 1, func(context.Context, string) {})

	require.NoError(t, pool.Submit("a"))
	assert.ErrorIs(t, pool.Submit("b"), ErrQueueFull)
	assert.Equal(t, 1, pool.Len())

	pool.Stop()
	assert.ErrorIs(t, pool.Submit("c"), ErrPoolStopped)
}
