package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"buildforge/internal/ai"
	"buildforge/internal/extract"
	"buildforge/internal/jobs"
	"buildforge/internal/metrics"
	"buildforge/internal/routing"

	"go.uber.org/zap"
)

const plannerSystem = "You are a build planner. Break the request into a short ordered list of implementation steps. " +
	"Respond with a JSON array only, no prose and no markdown: " +
	`[{"ordinal":1,"title":"...","description":"...","prompt":"..."}]. ` +
	"Each prompt must be a self-contained instruction for a code generator."

// Step is one unit of an Auto Mode plan
type Step struct {
	Ordinal     int    `json:"ordinal"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
}

// auto plans the build and runs each step, feeding the code forward
func (r *run) auto(ctx context.Context) {
	planner, _ := routing.Lookup(routing.AgentPlanner)
	r.emit(ctx, jobs.EventPlanningStarted, "Planning build steps", 0, jobs.Payload{Agent: string(planner.ID)})

	if r.cancelRequested(ctx) {
		r.cancel(ctx, extract.Result{})
		return
	}

	provider := ai.Provider(r.job.Provider)
	opts := r.options()
	opts.System = plannerSystem
	resp, err := r.svc.gateway.Generate(ctx, provider, planPrompt(r.job.Prompt), opts)
	if err != nil {
		msg := "planning: " + err.Error()
		r.fail(ctx, msg, jobs.Payload{Provider: string(provider), Error: err.Error()})
		return
	}

	steps, ok := ParsePlan(resp.Content, r.job.Prompt, r.svc.cfg.MaxSteps)
	msg := fmt.Sprintf("Planned %d step(s)", len(steps))
	if !ok {
		metrics.Get().PlanFallbacks.Inc()
		r.log.Info("plan not parseable, running the request as one step")
		msg = "Plan could not be parsed, building in one step"
	}
	metrics.Get().JobSteps.Observe(float64(len(steps)))
	r.emit(ctx, jobs.EventPlanningDone, msg, 0, jobs.Payload{StepCount: len(steps), Provider: string(resp.Provider)})

	var cumulative extract.Result
	lastProvider := resp.Provider
	n := len(steps)
	for i, step := range steps {
		idx := i + 1
		if r.cancelRequested(ctx) {
			r.cancel(ctx, cumulative)
			return
		}

		preferred := r.stepPreference(step, provider)
		stepProvider := provider
		if len(preferred) > 0 {
			stepProvider = preferred[0]
		}
		r.emit(ctx, jobs.EventCodegenProgress, fmt.Sprintf("Step %d/%d: %s", idx, n, step.Title), percent(i, n), jobs.Payload{
			Step:      idx,
			StepCount: n,
			Title:     step.Title,
			Provider:  string(stepProvider),
		})
		r.thinking(ctx, stepProvider, jobs.Payload{Step: idx, StepCount: n, Title: step.Title})

		// an "auto" job keeps the gateway's fallback, led by the routed provider
		target, opts := stepProvider, r.options()
		if provider == ai.ProviderAuto {
			target, opts.Prefer = ai.ProviderAuto, preferred
		}
		resp, err := r.svc.gateway.Generate(ctx, target, stepPrompt(r.job.Prompt, step, idx, n, cumulative), opts)
		if err != nil {
			r.fail(ctx, fmt.Sprintf("step %d: %s", idx, err.Error()), jobs.Payload{
				Step:      idx,
				StepCount: n,
				Title:     step.Title,
				Provider:  string(stepProvider),
				Error:     err.Error(),
			})
			return
		}
		lastProvider = resp.Provider

		res := extract.Extract(resp.Content)
		if !res.Empty() {
			cumulative = res
		} else {
			r.log.Debug("step produced no code, keeping previous artifact", zap.Int("step", idx))
		}

		r.emit(ctx, jobs.EventCodegenDone, fmt.Sprintf("Step %d/%d done", idx, n), percent(idx, n), jobs.Payload{
			Step:      idx,
			StepCount: n,
			Title:     step.Title,
			Provider:  string(resp.Provider),
			Model:     resp.Model,
			Code:      cumulative.Combined,
			Lines:     countLines(cumulative.Combined),
		})

		if r.cancelRequested(ctx) {
			r.cancel(ctx, cumulative)
			return
		}
	}

	art := jobs.NewArtifact(cumulative)
	art.Provider = string(lastProvider)
	art.Steps = n
	r.succeed(ctx, art)
}

// stepPreference lists the configured providers the rule table prefers
// for the step, the job's own provider last.
func (r *run) stepPreference(step Step, fallback ai.Provider) []ai.Provider {
	text := step.Title + " " + step.Description + " " + step.Prompt
	var out []ai.Provider
	for _, p := range r.svc.rules.Preference(text, fallback) {
		if p != ai.ProviderAuto && r.svc.gateway.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(done) / float64(total)))
}

func planPrompt(request string) string {
	return "Plan the implementation of this request:\n\n" + request
}

// stepPrompt is the step's own prompt plus the code built so far, fenced
func stepPrompt(request string, step Step, idx, n int, cumulative extract.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall goal: %s\n\n", request)
	fmt.Fprintf(&b, "Step %d of %d: %s\n", idx, n, step.Title)
	if step.Description != "" {
		b.WriteString(step.Description)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(step.Prompt)
	if !cumulative.Empty() {
		b.WriteString("\n\nCode so far:\n\n")
		b.WriteString(extract.Fence(cumulative.Blocks))
		b.WriteString("\n\nReturn the complete updated code, every file in its own fenced block.")
	}
	return b.String()
}

// ParsePlan reads the first well-formed JSON array of steps out of a
// planner response, tolerating markdown fences and surrounding prose.
// When nothing usable is found it returns a single step carrying request
// verbatim and ok=false. At most limit steps are kept.
func ParsePlan(response, request string, limit int) (steps []Step, ok bool) {
	text := stripFences(response)
	for i := 0; i < len(text); i++ {
		if text[i] != '[' {
			continue
		}
		var candidate []Step
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&candidate); err != nil {
			continue
		}
		if steps = normalizeSteps(candidate); len(steps) > 0 {
			if limit > 0 && len(steps) > limit {
				steps = steps[:limit]
			}
			return steps, true
		}
	}
	return []Step{{Ordinal: 1, Title: "Build", Prompt: request}}, false
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// normalizeSteps drops steps with nothing to do, orders by ordinal and
// renumbers from 1.
func normalizeSteps(in []Step) []Step {
	out := make([]Step, 0, len(in))
	for _, s := range in {
		s.Title = strings.TrimSpace(s.Title)
		s.Description = strings.TrimSpace(s.Description)
		s.Prompt = strings.TrimSpace(s.Prompt)
		if s.Prompt == "" {
			s.Prompt = s.Description
		}
		if s.Prompt == "" {
			s.Prompt = s.Title
		}
		if s.Prompt == "" {
			continue
		}
		if s.Title == "" {
			s.Title = extract.Preview(s.Prompt, 60)
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	for i := range out {
		out[i].Ordinal = i + 1
	}
	return out
}
