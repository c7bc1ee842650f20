package prompts

import (
	"github.com/cosilium-ai/cosilium/internal/agents"
	"github.com/cosilium-ai/cosilium/internal/models"
)

// Built-in prompt contents used when the store has no active row for an
// (agent, prompt type) pair. Placeholders are interpolated by Render.

const analyzeTemplate = `Task type: {task_type}

Task:
{task}

Additional context:
{context}

Analyze this task from your perspective. Respond with a single JSON object:
{
  "analysis": "<your full analysis>",
  "confidence": <0.0-1.0>,
  "key_points": ["..."],
  "risks": ["..."],
  "assumptions": ["..."]
}`

const refineTemplate = `Task type: {task_type}

Task:
{task}

Additional context:
{context}

The previous round produced this synthesis:
{prior_synthesis}

Critiques of your previous analysis:
{critiques_of_self}

Revise your analysis. Address the critiques where they are right and defend
your position where they are wrong. Respond with a single JSON object:
{
  "analysis": "<your revised analysis>",
  "confidence": <0.0-1.0>,
  "key_points": ["..."],
  "risks": ["..."],
  "assumptions": ["..."]
}`

const critiqueTemplate = `Task:
{task}

You are reviewing the analysis produced by {target_agent}:

{other_analyses}

Critique it rigorously. Identify concrete weaknesses, acknowledge genuine
strengths, and propose improvements. Score the overall quality from 0 to 10.
Respond with a single JSON object:
{
  "score": <0-10>,
  "critique": "<your critique>",
  "weaknesses": ["..."],
  "strengths": ["..."],
  "suggestions": ["..."]
}`

const synthesisTemplate = `Task type: {task_type}

Task:
{task}

Independent analyses:
{other_analyses}

Cross-critiques:
{critiques_of_self}

Integrate these positions into a final answer. State conclusions as
probabilistic claims with falsification conditions where possible. Record
genuine unresolved disagreements as dissenting opinions. Estimate how much
the agents actually agree as consensus_level. Respond with a single JSON
object:
{
  "summary": "<integrated summary>",
  "conclusions": [
    {"statement": "...", "probability": <0.0-1.0>, "falsification_condition": "..."}
  ],
  "recommendations": ["..."],
  "formalized_result": "<optional formal statement>",
  "dissenting_opinions": ["..."],
  "consensus_level": <0.0-1.0>
}`

var systemDefaults = map[string]string{
	agents.Analyst: `You are a rigorous logical analyst. Decompose the task into
testable claims, expose hidden premises, and stress-test every inference.
Prefer precise language over hedging. Never agree for the sake of harmony.`,

	agents.Architect: `You are a pragmatic systems architect. Map the structure of
the problem, its dependencies, interfaces and failure modes. Judge proposals
by how they behave under load, change and partial failure.`,

	agents.Explorer: `You are a generator of alternatives. Challenge the framing of
the task, propose competing options the other agents have not considered,
and estimate the cost of being wrong for each.`,

	agents.Formalist: `You are a formal analyst. Quantify claims wherever possible,
make assumptions explicit, check internal consistency, and flag any claim
that cannot be falsified.`,
}

const genericSystem = `You are an expert analyst participating in a structured
multi-agent deliberation. Be precise, be honest about uncertainty, and never
agree merely to converge.`

// defaultContent returns the built-in prompt for an (agent, type) pair.
func defaultContent(agentID, promptType string) string {
	switch promptType {
	case models.PromptTypeSystem:
		if s, ok := systemDefaults[agentID]; ok {
			return s
		}
		return genericSystem
	case models.PromptTypeUserTemplate:
		return analyzeTemplate
	case models.PromptTypeCritique:
		return critiqueTemplate
	case models.PromptTypeSynthesis:
		return synthesisTemplate
	}
	return ""
}
