// Package routing classifies build requests and maps them onto agents and
// providers.
package routing

// AgentID names a specialized agent role
type AgentID string

const (
	AgentDesigner   AgentID = "designer"
	AgentCoder      AgentID = "coder"
	AgentResearcher AgentID = "researcher"
	AgentPlanner    AgentID = "planner"
	AgentGeneral    AgentID = "general"
)

// Descriptor is the static capability profile of an agent
type Descriptor struct {
	ID          AgentID  `json:"id"`
	Name        string   `json:"name"`
	Icon        string   `json:"icon"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Keywords    []string `json:"-"`
	System      string   `json:"-"`
}

// precedence breaks score ties, highest first
var precedence = []AgentID{AgentCoder, AgentDesigner, AgentResearcher, AgentPlanner}

var catalog = []Descriptor{
	{
		ID:          AgentCoder,
		Name:        "Coder",
		Icon:        "code",
		Description: "Writes and fixes application logic, APIs and data access.",
		Tags:        []string{"logic", "backend", "correctness"},
		Keywords: []string{
			"code", "function", "algorithm", "logic", "api", "backend", "database",
			"bug", "fix", "debug", "implement", "refactor", "script", "server",
			"endpoint", "class", "test", "tests", "javascript", "typescript",
			"python", "react", "sql", "validation",
		},
		System: "You are an expert programmer. Always wrap code in markdown code blocks with the language specified. " +
			"Write clean, working code and handle errors gracefully.",
	},
	{
		ID:          AgentDesigner,
		Name:        "Designer",
		Icon:        "palette",
		Description: "Builds polished, responsive user interfaces.",
		Tags:        []string{"design", "ui", "frontend"},
		Keywords: []string{
			"design", "beautiful", "ui", "ux", "style", "styling", "layout", "theme",
			"color", "colors", "animation", "animations", "responsive", "modern",
			"landing page", "typography", "look and feel", "dark mode", "gradient",
		},
		System: "You are a senior UI engineer with a strong eye for design. Produce modern, responsive, accessible markup and styles. " +
			"Always wrap code in markdown code blocks with the language specified.",
	},
	{
		ID:          AgentResearcher,
		Name:        "Researcher",
		Icon:        "search",
		Description: "Looks things up, compares options and explains findings.",
		Tags:        []string{"research", "search"},
		Keywords: []string{
			"search", "research", "find out", "look up", "compare", "explain",
			"what is", "documentation", "latest", "investigate", "summarize",
		},
		System: "You are a careful technical researcher. Answer precisely and cite the concrete facts you rely on.",
	},
	{
		ID:          AgentPlanner,
		Name:        "Planner",
		Icon:        "list",
		Description: "Breaks large requests into an ordered plan.",
		Tags:        []string{"planning", "architecture"},
		Keywords: []string{
			"plan", "roadmap", "architecture", "steps", "step by step", "break down",
			"milestone", "milestones", "strategy", "outline",
		},
		System: "You are a software architect. Break work into small, ordered, independently verifiable steps.",
	},
	{
		ID:          AgentGeneral,
		Name:        "General",
		Icon:        "sparkles",
		Description: "General-purpose builder used when nothing more specific fits.",
		Tags:        []string{"general"},
		System: "You are a helpful full-stack builder. When you produce code, wrap every file in a markdown code block " +
			"with the language specified, for example ```html.",
	},
}

// Agents returns the agent catalogue
func Agents() []Descriptor {
	out := make([]Descriptor, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the descriptor for id
func Lookup(id AgentID) (Descriptor, bool) {
	for _, d := range catalog {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}
