package models

import (
	"fmt"
	"time"
)

// Session statuses
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Task types
const (
	TaskTypeStrategy    = "strategy"
	TaskTypeResearch    = "research"
	TaskTypeInvestment  = "investment"
	TaskTypeDevelopment = "development"
	TaskTypeAudit       = "audit"
)

// Deliberation phases
const (
	PhaseAnalyze    = "analyze"
	PhaseCritique   = "critique"
	PhaseSynthesize = "synthesize"
)

// Call statuses recorded on RunMetric rows
const (
	CallStatusSuccess = "success"
	CallStatusError   = "error"
	CallStatusTimeout = "timeout"
)

// Failure reasons recorded on terminal sessions
const (
	ReasonBudgetExhausted  = "budget_exhausted"
	ReasonPhaseStarved     = "phase_starved"
	ReasonDeadlineExceeded = "deadline_exceeded"
	ReasonPersistence      = "persistence_failure"
	ReasonCancelled        = "cancelled"
)

// IsTerminal reports whether a session status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidTaskType reports whether t is a known task type.
func ValidTaskType(t string) bool {
	switch t {
	case TaskTypeStrategy, TaskTypeResearch, TaskTypeInvestment, TaskTypeDevelopment, TaskTypeAudit:
		return true
	}
	return false
}

// Settings controls one deliberation session.
type Settings struct {
	EnabledAgents      []string          `json:"enabled_agents"`
	Models             map[string]string `json:"models,omitempty"` // agent id -> model override
	Temperature        float64           `json:"temperature"`
	MaxIterations      int               `json:"max_iterations"`
	ConsensusThreshold float64           `json:"consensus_threshold"`
	BudgetUSD          float64           `json:"budget_usd"`
	Synthesizer        string            `json:"synthesizer,omitempty"`    // agent id; defaults to the architect
	CritiquePairs      [][2]string       `json:"critique_pairs,omitempty"` // optional explicit (from, to) subset
}

// Validate checks settings domains per the session contract.
func (s Settings) Validate() error {
	if len(s.EnabledAgents) == 0 {
		return fmt.Errorf("settings: enabled_agents must be non-empty")
	}
	if s.Temperature < 0 || s.Temperature > 1 {
		return fmt.Errorf("settings: temperature %.2f outside [0,1]", s.Temperature)
	}
	if s.MaxIterations < 1 || s.MaxIterations > 5 {
		return fmt.Errorf("settings: max_iterations %d outside [1,5]", s.MaxIterations)
	}
	if s.ConsensusThreshold < 0.5 || s.ConsensusThreshold > 0.95 {
		return fmt.Errorf("settings: consensus_threshold %.2f outside [0.5,0.95]", s.ConsensusThreshold)
	}
	if s.BudgetUSD <= 0 {
		return fmt.Errorf("settings: budget_usd must be positive")
	}
	for _, p := range s.CritiquePairs {
		if p[0] == p[1] {
			return fmt.Errorf("settings: critique pair %s->%s is self-directed", p[0], p[1])
		}
	}
	return nil
}

// AgentEnabled reports whether the given agent id participates in the session.
func (s Settings) AgentEnabled(agentID string) bool {
	for _, a := range s.EnabledAgents {
		if a == agentID {
			return true
		}
	}
	return false
}

// Session is one deliberation over a task.
type Session struct {
	ID          string                 `json:"id"`
	TaskText    string                 `json:"task_text"`
	TaskType    string                 `json:"task_type"`
	ContextText string                 `json:"context_text,omitempty"`
	Status      string                 `json:"status"`
	Settings    Settings               `json:"settings"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// AgentAnalysis is one agent's position in one iteration. Immutable once written.
type AgentAnalysis struct {
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id"`
	Iteration    int       `json:"iteration"`
	AnalysisText string    `json:"analysis_text"`
	Confidence   float64   `json:"confidence"`
	KeyPoints    []string  `json:"key_points,omitempty"`
	Risks        []string  `json:"risks,omitempty"`
	Assumptions  []string  `json:"assumptions,omitempty"`
	TokensIn     int       `json:"tokens_in"`
	TokensOut    int       `json:"tokens_out"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Critique is a directed review of one agent's analysis by another.
type Critique struct {
	SessionID    string    `json:"session_id"`
	Iteration    int       `json:"iteration"`
	FromAgent    string    `json:"from_agent"`
	ToAgent      string    `json:"to_agent"`
	Score        float64   `json:"score"`
	CritiqueText string    `json:"critique_text"`
	Weaknesses   []string  `json:"weaknesses,omitempty"`
	Strengths    []string  `json:"strengths,omitempty"`
	Suggestions  []string  `json:"suggestions,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Conclusion is one probabilistic claim in a synthesis.
type Conclusion struct {
	Statement              string  `json:"statement"`
	Probability            float64 `json:"probability"`
	FalsificationCondition string  `json:"falsification_condition,omitempty"`
}

// Synthesis is the integrated output of one iteration.
type Synthesis struct {
	SessionID          string       `json:"session_id"`
	Iteration          int          `json:"iteration"`
	Summary            string       `json:"summary"`
	Conclusions        []Conclusion `json:"conclusions"`
	Recommendations    []string     `json:"recommendations"`
	FormalizedResult   string       `json:"formalized_result,omitempty"`
	DissentingOpinions []string     `json:"dissenting_opinions,omitempty"`
	ConsensusLevel     float64      `json:"consensus_level"`
	CreatedAt          time.Time    `json:"created_at"`
}

// IterationStats summarizes one completed iteration for events and metadata.
type IterationStats struct {
	Iteration         int      `json:"iteration"`
	ConsensusLevel    float64  `json:"consensus_level"`
	SpreadConsensus   float64  `json:"spread_consensus"` // server-side cross-check from confidence spread
	AvgCritiqueScore  float64  `json:"avg_critique_score"`
	DisagreementCount int      `json:"disagreement_count"` // critiques scoring below 6
	WeakAreas         []string `json:"weak_areas,omitempty"`
}

// AggregateMetrics are the run-level totals on a final result.
type AggregateMetrics struct {
	TotalTokens    int     `json:"total_tokens"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	IterationsUsed int     `json:"iterations_used"`
	AgentsUsed     int     `json:"agents_used"`
}

// ErrorBlock describes the terminating condition of an unsuccessful session.
type ErrorBlock struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
	Phase   string `json:"phase,omitempty"`
}

// FinalResult is the synthesis of the terminal iteration plus aggregates.
// For failed or cancelled sessions it carries whatever completed plus Error.
type FinalResult struct {
	SessionID string           `json:"session_id"`
	Status    string           `json:"status"`
	Analyses  []AgentAnalysis  `json:"analyses"`
	Critiques []Critique       `json:"critiques"`
	Synthesis *Synthesis       `json:"synthesis,omitempty"`
	Metrics   AggregateMetrics `json:"metrics"`
	Error     *ErrorBlock      `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// RunMetric is one append-only record per provider call attempt outcome.
type RunMetric struct {
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id"`
	Model        string    `json:"model"`
	Phase        string    `json:"phase"`
	TokensIn     int       `json:"tokens_in"`
	TokensOut    int       `json:"tokens_out"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Prompt types
const (
	PromptTypeSystem       = "system"
	PromptTypeCritique     = "critique"
	PromptTypeUserTemplate = "user_template"
	PromptTypeSynthesis    = "synthesis"
)

// PromptTemplate is one versioned prompt row. At most one active row exists
// per (agent_id, prompt_type).
type PromptTemplate struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	PromptType string    `json:"prompt_type"`
	Version    int       `json:"version"`
	Content    string    `json:"content"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Experiment statuses
const (
	ExperimentDraft     = "draft"
	ExperimentRunning   = "running"
	ExperimentCompleted = "completed"
	ExperimentStopped   = "stopped"
)

// Experiment compares candidate prompt contents for one agent/prompt type.
type Experiment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	AgentID     string    `json:"agent_id"`
	PromptType  string    `json:"prompt_type"`
	Status      string    `json:"status"`
	Variants    []Variant `json:"variants"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Variant is one candidate prompt content under an experiment.
type Variant struct {
	ID           string `json:"id"`
	ExperimentID string `json:"experiment_id"`
	Name         string `json:"name"`
	Content      string `json:"content"`
	IsControl    bool   `json:"is_control"`
}

// ExperimentRun is one execution of a variant over a test input.
type ExperimentRun struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	TestInput    string    `json:"test_input"`
	Quality      float64   `json:"quality"` // [0,1]
	LatencyMs    int64     `json:"latency_ms"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// MetricsSummary aggregates RunMetrics for the studio endpoint.
type MetricsSummary struct {
	Period       string             `json:"period"`
	Calls        int                `json:"calls"`
	Errors       int                `json:"errors"`
	Timeouts     int                `json:"timeouts"`
	TotalTokens  int                `json:"total_tokens"`
	TotalCostUSD float64            `json:"total_cost_usd"`
	AvgLatencyMs float64            `json:"avg_latency_ms"`
	ByAgent      map[string]int     `json:"by_agent,omitempty"`
	ByModel      map[string]float64 `json:"by_model,omitempty"` // model -> cost
}
