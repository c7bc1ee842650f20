// Package agents defines the fixed catalog of deliberation personas.
//
// Each agent is a logical persona bound to a provider and a default model.
// Session settings may override the model per agent but never the provider
// binding; the catalog order (alphabetical by id) is the canonical order used
// when enumerating analyses for the synthesizer.
package agents

import "sort"

// Default agent ids.
const (
	Analyst   = "analyst"   // logical analyst
	Architect = "architect" // systems architect, default synthesizer
	Explorer  = "explorer"  // alternatives generator
	Formalist = "formalist" // formal analyst
)

// Provider names the agents bind to.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderDeepSeek  = "deepseek"
)

// Agent is one persona in the catalog.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Role         string `json:"role"`
	Provider     string `json:"provider"`
	DefaultModel string `json:"default_model"`
	Enabled      bool   `json:"enabled"`
}

var catalog = map[string]Agent{
	Analyst: {
		ID:           Analyst,
		Name:         "Logical Analyst",
		Role:         "Breaks the task into testable claims and stress-tests the logic of each",
		Provider:     ProviderOpenAI,
		DefaultModel: "gpt-4o",
		Enabled:      true,
	},
	Architect: {
		ID:           Architect,
		Name:         "Systems Architect",
		Role:         "Maps structure, dependencies and failure modes; integrates the final synthesis",
		Provider:     ProviderAnthropic,
		DefaultModel: "claude-sonnet-4-20250514",
		Enabled:      true,
	},
	Explorer: {
		ID:           Explorer,
		Name:         "Alternatives Generator",
		Role:         "Generates competing options and challenges the framing of the task",
		Provider:     ProviderGemini,
		DefaultModel: "gemini-2.0-flash",
		Enabled:      true,
	},
	Formalist: {
		ID:           Formalist,
		Name:         "Formal Analyst",
		Role:         "Quantifies claims, formalizes assumptions, and checks internal consistency",
		Provider:     ProviderDeepSeek,
		DefaultModel: "deepseek-chat",
		Enabled:      true,
	},
}

// Lookup returns the agent for id.
func Lookup(id string) (Agent, bool) {
	a, ok := catalog[id]
	return a, ok
}

// All returns the catalog in canonical order (alphabetical by id).
func All() []Agent {
	out := make([]Agent, 0, len(catalog))
	for _, a := range catalog {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns all agent ids in canonical order.
func IDs() []string {
	all := All()
	ids := make([]string, len(all))
	for i, a := range all {
		ids[i] = a.ID
	}
	return ids
}

// DefaultSynthesizer is the agent that folds analyses and critiques into a
// synthesis when settings do not override it.
const DefaultSynthesizer = Architect

// ModelFor returns the model an agent should use given per-session overrides.
func ModelFor(agentID string, overrides map[string]string) string {
	if m, ok := overrides[agentID]; ok && m != "" {
		return m
	}
	if a, ok := catalog[agentID]; ok {
		return a.DefaultModel
	}
	return ""
}
