package routing

// Context carries caller-side hints for classification
type Context struct {
	// Hint forces an agent when it names a known one
	Hint AgentID
}

// Classification is the full classifier verdict
type Classification struct {
	Agent      AgentID              `json:"agent"`
	Complexity Complexity           `json:"complexity"`
	Scores     map[AgentID]int      `json:"scores"`
	Matched    map[AgentID][]string `json:"matched,omitempty"`
}

// Classify picks the agent whose keywords best match text and estimates
// complexity. It never fails: with no matches the general agent is chosen.
func Classify(text string, ctx Context) (AgentID, Complexity) {
	c := Explain(text, ctx)
	return c.Agent, c.Complexity
}

// Explain is Classify with the per-agent scores exposed
func Explain(text string, ctx Context) Classification {
	norm := normalize(text)
	c := Classification{
		Agent:      AgentGeneral,
		Complexity: EstimateComplexity(text),
		Scores:     make(map[AgentID]int, len(precedence)),
		Matched:    make(map[AgentID][]string),
	}

	best := 0
	for _, id := range precedence {
		d, _ := Lookup(id)
		hits := matchAll(norm, d.Keywords)
		c.Scores[id] = len(hits)
		if len(hits) > 0 {
			c.Matched[id] = hits
		}
		// strict > keeps the earlier, higher-precedence agent on ties
		if len(hits) > best {
			best = len(hits)
			c.Agent = id
		}
	}

	if ctx.Hint != "" {
		if _, ok := Lookup(ctx.Hint); ok {
			c.Agent = ctx.Hint
		}
	}
	return c
}

// ShouldPlan decides whether a request runs through the multi-step planner.
// An explicit mode wins; otherwise complex requests are planned.
func ShouldPlan(mode string, complexity Complexity) bool {
	switch mode {
	case "auto":
		return true
	case "single":
		return false
	}
	return complexity == Complex
}
