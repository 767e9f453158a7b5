package routing

import (
	"fmt"
	"os"
	"sync/atomic"

	"buildforge/internal/ai"

	"gopkg.in/yaml.v3"
)

// Rule maps a request tag to the provider that handles it best
type Rule struct {
	Tag      string      `yaml:"tag" json:"tag"`
	Provider ai.Provider `yaml:"provider" json:"provider"`
	Keywords []string    `yaml:"keywords" json:"keywords"`
}

// RuleTable is an ordered, immutable list of rules. Earlier rules win.
type RuleTable struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// DefaultRules is the stock tag table used when no rules file is configured
func DefaultRules() *RuleTable {
	return &RuleTable{Rules: []Rule{
		{
			Tag:      "design",
			Provider: ai.ProviderClaude,
			Keywords: []string{"design", "beautiful", "ui", "ux", "style", "styling", "modern", "layout", "theme", "animation"},
		},
		{
			Tag:      "logic",
			Provider: ai.ProviderOpenAI,
			Keywords: []string{"logic", "algorithm", "complex", "function", "api", "backend", "database", "validation", "state"},
		},
		{
			Tag:      "speed",
			Provider: ai.ProviderGemini,
			Keywords: []string{"simple", "quick", "fast", "basic"},
		},
	}}
}

// ParseRules decodes and validates a YAML rule table
func ParseRules(data []byte) (*RuleTable, error) {
	var t RuleTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse routing rules: %w", err)
	}
	if len(t.Rules) == 0 {
		return nil, fmt.Errorf("routing rules: no rules defined")
	}
	for i, r := range t.Rules {
		if r.Tag == "" {
			return nil, fmt.Errorf("routing rules: rule %d has no tag", i+1)
		}
		p, ok := ai.ParseProvider(string(r.Provider))
		if !ok || p == ai.ProviderAuto {
			return nil, fmt.Errorf("routing rules: rule %q names unknown provider %q", r.Tag, r.Provider)
		}
		if len(r.Keywords) == 0 {
			return nil, fmt.Errorf("routing rules: rule %q has no keywords", r.Tag)
		}
		t.Rules[i].Provider = p
	}
	return &t, nil
}

// LoadRules reads a rule table from path
func LoadRules(path string) (*RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing rules: %w", err)
	}
	return ParseRules(data)
}

// Profile returns the tags whose keywords appear in text, in table order
func (t *RuleTable) Profile(text string) []string {
	norm := normalize(text)
	var tags []string
	for _, r := range t.Rules {
		if len(matchAll(norm, r.Keywords)) > 0 {
			tags = append(tags, r.Tag)
		}
	}
	return tags
}

// Preference returns the ordered provider list for text: providers of the
// matched rules, then fallback. Duplicates are removed.
func (t *RuleTable) Preference(text string, fallback ai.Provider) []ai.Provider {
	norm := normalize(text)
	seen := make(map[ai.Provider]bool)
	var out []ai.Provider
	add := func(p ai.Provider) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, r := range t.Rules {
		if len(matchAll(norm, r.Keywords)) > 0 {
			add(r.Provider)
		}
	}
	add(fallback)
	return out
}

// RuleSet holds the live rule table. Readers never block a reload.
type RuleSet struct {
	current atomic.Pointer[RuleTable]
}

// NewRuleSet returns a set serving t, or the defaults when t is nil
func NewRuleSet(t *RuleTable) *RuleSet {
	if t == nil {
		t = DefaultRules()
	}
	s := &RuleSet{}
	s.current.Store(t)
	return s
}

// Table returns the active table
func (s *RuleSet) Table() *RuleTable { return s.current.Load() }

// Replace swaps in a new table
func (s *RuleSet) Replace(t *RuleTable) { s.current.Store(t) }

func (s *RuleSet) Profile(text string) []string { return s.Table().Profile(text) }

func (s *RuleSet) Preference(text string, fallback ai.Provider) []ai.Provider {
	return s.Table().Preference(text, fallback)
}
