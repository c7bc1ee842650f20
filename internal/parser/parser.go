// Package parser extracts structured deliberation records from raw model
// output. Models are asked for JSON but reply with prose wrappers, fenced
// blocks and trailing commentary; extraction tries, in order, a fenced
// code block (```json or bare ```), the whole body, and the first
// balanced-brace block.
package parser

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cosilium-ai/cosilium/internal/metrics"
	"github.com/cosilium-ai/cosilium/internal/models"
)

// ParseError reports an unusable model response. Raw carries the original
// text for the reprompt path and for diagnostics.
type ParseError struct {
	Phase string
	Raw   string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s output: %v", e.Phase, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func failure(phase, raw string, err error) *ParseError {
	metrics.ParseFailures.WithLabelValues(phase).Inc()
	return &ParseError{Phase: phase, Raw: raw, Err: err}
}

// Extract locates the JSON document inside a raw model reply.
func Extract(raw string) (string, error) {
	if block, ok := fencedJSON(raw); ok {
		return block, nil
	}
	trimmed := strings.TrimSpace(raw)
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}
	if block, ok := balancedBraces(raw); ok {
		return block, nil
	}
	return "", fmt.Errorf("no JSON object found in %d bytes of output", len(raw))
}

// fencedJSON returns the contents of the first fenced block that holds a
// valid JSON object. The json language tag is optional; fences carrying
// other payloads are skipped.
func fencedJSON(raw string) (string, bool) {
	rest := raw
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return "", false
		}
		rest = rest[start+3:]
		if len(rest) >= 4 && strings.EqualFold(rest[:4], "json") {
			rest = rest[4:]
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			return "", false
		}
		body := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(body, "{") && json.Valid([]byte(body)) {
			return body, true
		}
		rest = rest[end+3:]
	}
}

// balancedBraces returns the first balanced top-level {...} block that is
// valid JSON. Braces inside string literals are skipped.
func balancedBraces(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(raw); i++ {
			c := raw[i]
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				if inString {
					escaped = true
				}
			case '"':
				inString = !inString
			case '{':
				if !inString {
					depth++
				}
			case '}':
				if !inString {
					depth--
					if depth == 0 {
						cand := raw[start : i+1]
						if json.Valid([]byte(cand)) {
							return cand, true
						}
						i = len(raw) // abandon this start position
					}
				}
			}
		}
		next := strings.IndexByte(raw[start+1:], '{')
		if next < 0 {
			return "", false
		}
		start = start + 1 + next
	}
	return "", false
}

// analysisDoc is the wire schema of an analyze reply.
type analysisDoc struct {
	Analysis    string   `json:"analysis"`
	Confidence  *float64 `json:"confidence"`
	KeyPoints   []string `json:"key_points"`
	Risks       []string `json:"risks"`
	Assumptions []string `json:"assumptions"`
}

// Analysis parses an analyze-phase reply. The boolean result reports whether
// confidence was present; absent confidence is imputed as 0.5 upstream.
func Analysis(raw string) (*models.AgentAnalysis, bool, error) {
	doc, err := Extract(raw)
	if err != nil {
		return nil, false, failure(models.PhaseAnalyze, raw, err)
	}
	var d analysisDoc
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, false, failure(models.PhaseAnalyze, raw, err)
	}
	if strings.TrimSpace(d.Analysis) == "" {
		return nil, false, failure(models.PhaseAnalyze, raw, fmt.Errorf("missing analysis field"))
	}
	hasConfidence := d.Confidence != nil
	confidence := 0.5
	if hasConfidence {
		confidence = *d.Confidence
		if confidence < 0 || confidence > 1 {
			return nil, false, failure(models.PhaseAnalyze, raw, fmt.Errorf("confidence %.3f outside [0,1]", confidence))
		}
	}
	return &models.AgentAnalysis{
		AnalysisText: d.Analysis,
		Confidence:   confidence,
		KeyPoints:    d.KeyPoints,
		Risks:        d.Risks,
		Assumptions:  d.Assumptions,
	}, hasConfidence, nil
}

// critiqueDoc is the wire schema of a critique reply.
type critiqueDoc struct {
	Score       *float64 `json:"score"`
	Critique    string   `json:"critique"`
	Weaknesses  []string `json:"weaknesses"`
	Strengths   []string `json:"strengths"`
	Suggestions []string `json:"suggestions"`
}

// Critique parses a critique-phase reply.
func Critique(raw string) (*models.Critique, error) {
	doc, err := Extract(raw)
	if err != nil {
		return nil, failure(models.PhaseCritique, raw, err)
	}
	var d critiqueDoc
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, failure(models.PhaseCritique, raw, err)
	}
	if d.Score == nil {
		return nil, failure(models.PhaseCritique, raw, fmt.Errorf("missing score field"))
	}
	if *d.Score < 0 || *d.Score > 10 {
		return nil, failure(models.PhaseCritique, raw, fmt.Errorf("score %.2f outside [0,10]", *d.Score))
	}
	if strings.TrimSpace(d.Critique) == "" {
		return nil, failure(models.PhaseCritique, raw, fmt.Errorf("missing critique field"))
	}
	return &models.Critique{
		Score:        *d.Score,
		CritiqueText: d.Critique,
		Weaknesses:   d.Weaknesses,
		Strengths:    d.Strengths,
		Suggestions:  d.Suggestions,
	}, nil
}

// synthesisDoc is the wire schema of a synthesize reply.
type synthesisDoc struct {
	Summary     string `json:"summary"`
	Conclusions []struct {
		Statement              string   `json:"statement"`
		Probability            *float64 `json:"probability"`
		FalsificationCondition string   `json:"falsification_condition"`
	} `json:"conclusions"`
	Recommendations    []string `json:"recommendations"`
	FormalizedResult   string   `json:"formalized_result"`
	DissentingOpinions []string `json:"dissenting_opinions"`
	ConsensusLevel     *float64 `json:"consensus_level"`
}

// Synthesis parses a synthesize-phase reply.
func Synthesis(raw string) (*models.Synthesis, error) {
	doc, err := Extract(raw)
	if err != nil {
		return nil, failure(models.PhaseSynthesize, raw, err)
	}
	var d synthesisDoc
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, failure(models.PhaseSynthesize, raw, err)
	}
	if strings.TrimSpace(d.Summary) == "" {
		return nil, failure(models.PhaseSynthesize, raw, fmt.Errorf("missing summary field"))
	}
	if d.ConsensusLevel == nil {
		return nil, failure(models.PhaseSynthesize, raw, fmt.Errorf("missing consensus_level field"))
	}
	if *d.ConsensusLevel < 0 || *d.ConsensusLevel > 1 {
		return nil, failure(models.PhaseSynthesize, raw, fmt.Errorf("consensus_level %.3f outside [0,1]", *d.ConsensusLevel))
	}
	out := &models.Synthesis{
		Summary:            d.Summary,
		Recommendations:    d.Recommendations,
		FormalizedResult:   d.FormalizedResult,
		DissentingOpinions: d.DissentingOpinions,
		ConsensusLevel:     *d.ConsensusLevel,
	}
	for i, c := range d.Conclusions {
		if strings.TrimSpace(c.Statement) == "" {
			return nil, failure(models.PhaseSynthesize, raw, fmt.Errorf("conclusion %d missing statement", i))
		}
		if c.Probability == nil || *c.Probability < 0 || *c.Probability > 1 {
			return nil, failure(models.PhaseSynthesize, raw, fmt.Errorf("conclusion %d has invalid probability", i))
		}
		out.Conclusions = append(out.Conclusions, models.Conclusion{
			Statement:              c.Statement,
			Probability:            *c.Probability,
			FalsificationCondition: c.FalsificationCondition,
		})
	}
	return out, nil
}
