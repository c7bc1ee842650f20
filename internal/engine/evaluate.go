package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cosilium-ai/cosilium/internal/budget"
	"github.com/cosilium-ai/cosilium/internal/models"
)

// disagreementScore is the critique score below which a critique counts as a
// disagreement.
const disagreementScore = 6.0

// Refinement decisions emitted with each iteration_complete event.
const (
	DecisionRefine           = "refine"
	DecisionStopConsensus    = "stop_consensus_reached"
	DecisionStopIterationCap = "stop_iteration_cap"
	DecisionStopBudget       = "stop_budget_floor"
)

// decideNext picks what happens after an iteration: stop on consensus, the
// iteration cap, or an insufficient budget remainder, otherwise refine.
func decideNext(sess *models.Session, tracker *budget.Tracker, iteration int, synth *models.Synthesis, analyses []models.AgentAnalysis, pairs [][2]string) string {
	switch {
	case synth.ConsensusLevel >= sess.Settings.ConsensusThreshold:
		return DecisionStopConsensus
	case iteration >= sess.Settings.MaxIterations:
		return DecisionStopIterationCap
	case !tracker.AllowsRefinement(len(analyses), len(pairs)):
		return DecisionStopBudget
	default:
		return DecisionRefine
	}
}

// evaluate derives the iteration statistics from the synthesis and the raw
// artifacts. The synthesizer's consensus_level is authoritative; the
// confidence-spread figure is a server-side cross-check only.
func evaluate(iteration int, synth *models.Synthesis, analyses []models.AgentAnalysis, critiques []models.Critique) models.IterationStats {
	st := models.IterationStats{
		Iteration:       iteration,
		ConsensusLevel:  synth.ConsensusLevel,
		SpreadConsensus: spreadConsensus(analyses),
	}

	var scoreSum float64
	for _, c := range critiques {
		scoreSum += c.Score
		if c.Score < disagreementScore {
			st.DisagreementCount++
			st.WeakAreas = append(st.WeakAreas, weakArea(c))
		}
	}
	if len(critiques) > 0 {
		st.AvgCritiqueScore = scoreSum / float64(len(critiques))
	}
	return st
}

// spreadConsensus maps the confidence spread of the analyses onto [0,1]:
// identical confidences read as 1, a full spread as 0.
func spreadConsensus(analyses []models.AgentAnalysis) float64 {
	if len(analyses) == 0 {
		return 0
	}
	lo, hi := analyses[0].Confidence, analyses[0].Confidence
	for _, a := range analyses[1:] {
		if a.Confidence < lo {
			lo = a.Confidence
		}
		if a.Confidence > hi {
			hi = a.Confidence
		}
	}
	return 1 - (hi - lo)
}

func weakArea(c models.Critique) string {
	if len(c.Weaknesses) > 0 {
		return fmt.Sprintf("%s: %s", c.ToAgent, c.Weaknesses[0])
	}
	return fmt.Sprintf("%s: scored %.1f by %s", c.ToAgent, c.Score, c.FromAgent)
}

func sortAnalyses(analyses []models.AgentAnalysis) {
	sort.Slice(analyses, func(i, j int) bool { return analyses[i].AgentID < analyses[j].AgentID })
}

func sortCritiques(critiques []models.Critique) {
	sort.Slice(critiques, func(i, j int) bool {
		if critiques[i].FromAgent != critiques[j].FromAgent {
			return critiques[i].FromAgent < critiques[j].FromAgent
		}
		return critiques[i].ToAgent < critiques[j].ToAgent
	})
}

// renderAnalysis formats one analysis for inclusion in a prompt.
func renderAnalysis(a *models.AgentAnalysis) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] (confidence %.2f)\n%s\n", a.AgentID, a.Confidence, a.AnalysisText)
	if len(a.KeyPoints) > 0 {
		fmt.Fprintf(&sb, "Key points: %s\n", strings.Join(a.KeyPoints, "; "))
	}
	if len(a.Risks) > 0 {
		fmt.Fprintf(&sb, "Risks: %s\n", strings.Join(a.Risks, "; "))
	}
	if len(a.Assumptions) > 0 {
		fmt.Fprintf(&sb, "Assumptions: %s\n", strings.Join(a.Assumptions, "; "))
	}
	return sb.String()
}

func renderAnalyses(analyses []models.AgentAnalysis) string {
	parts := make([]string, 0, len(analyses))
	for i := range analyses {
		parts = append(parts, renderAnalysis(&analyses[i]))
	}
	return strings.Join(parts, "\n---\n")
}

// renderCritiques formats all critiques of an iteration for the synthesizer.
func renderCritiques(critiques []models.Critique) string {
	var sb strings.Builder
	for _, c := range critiques {
		fmt.Fprintf(&sb, "[%s -> %s] score %.1f: %s\n", c.FromAgent, c.ToAgent, c.Score, c.CritiqueText)
		if len(c.Suggestions) > 0 {
			fmt.Fprintf(&sb, "  suggestions: %s\n", strings.Join(c.Suggestions, "; "))
		}
	}
	return sb.String()
}

// renderCritiquesOf formats the critiques aimed at one agent in a given
// iteration, for the refinement prompt.
func renderCritiquesOf(critiques []models.Critique, agentID string, iteration int) string {
	var sb strings.Builder
	for _, c := range critiques {
		if c.ToAgent != agentID || c.Iteration != iteration {
			continue
		}
		fmt.Fprintf(&sb, "[%s] score %.1f: %s\n", c.FromAgent, c.Score, c.CritiqueText)
		if len(c.Weaknesses) > 0 {
			fmt.Fprintf(&sb, "  weaknesses: %s\n", strings.Join(c.Weaknesses, "; "))
		}
		if len(c.Suggestions) > 0 {
			fmt.Fprintf(&sb, "  suggestions: %s\n", strings.Join(c.Suggestions, "; "))
		}
	}
	if sb.Len() == 0 {
		return "(no critiques were directed at you)"
	}
	return sb.String()
}

// renderSynthesis formats the prior synthesis for the refinement prompt.
func renderSynthesis(s *models.Synthesis) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", s.Summary)
	for _, c := range s.Conclusions {
		fmt.Fprintf(&sb, "- %s (p=%.2f)\n", c.Statement, c.Probability)
	}
	if len(s.DissentingOpinions) > 0 {
		fmt.Fprintf(&sb, "Dissent: %s\n", strings.Join(s.DissentingOpinions, "; "))
	}
	fmt.Fprintf(&sb, "Consensus level: %.2f\n", s.ConsensusLevel)
	return sb.String()
}
