package executor

import (
	"context"
	"fmt"
	"strings"

	"buildforge/internal/ai"
	"buildforge/internal/extract"
	"buildforge/internal/jobs"
)

// single runs the one-call build
func (r *run) single(ctx context.Context) {
	provider := ai.Provider(r.job.Provider)
	r.emit(ctx, jobs.EventCodegenStarted, "Generating code", 10, jobs.Payload{Provider: string(provider)})

	if r.cancelRequested(ctx) {
		r.cancel(ctx, extract.Result{})
		return
	}

	r.thinking(ctx, provider, jobs.Payload{})
	resp, err := r.svc.gateway.Generate(ctx, provider, singlePrompt(r.job.Prompt, r.projectCode(ctx)), r.options())
	if err != nil {
		r.fail(ctx, err.Error(), jobs.Payload{Provider: string(provider)})
		return
	}

	res := extract.Extract(resp.Content)
	msg := fmt.Sprintf("Generated %d code block(s) with %s", len(res.Blocks), resp.Provider)
	if res.Empty() {
		msg = fmt.Sprintf("%s answered without code blocks", resp.Provider)
	}
	r.emit(ctx, jobs.EventCodegenDone, msg, 90, jobs.Payload{
		Provider: string(resp.Provider),
		Model:    resp.Model,
		Preview:  extract.Preview(res.Combined, r.svc.cfg.PreviewLength),
		Lines:    countLines(res.Combined),
	})

	if r.cancelRequested(ctx) {
		r.cancel(ctx, res)
		return
	}

	art := jobs.NewArtifact(res)
	art.Provider = string(resp.Provider)
	art.Steps = 1
	r.succeed(ctx, art)
}

// singlePrompt offers the project's existing code as context
func singlePrompt(prompt, existing string) string {
	if existing == "" {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nThe project already contains this code:\n\n```\n")
	b.WriteString(existing)
	b.WriteString("\n```\n\nUpdate it to satisfy the request. Return the complete code in fenced blocks.")
	return b.String()
}
