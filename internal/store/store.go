// Package store persists deliberation sessions, artifacts, prompts,
// experiments and run metrics.
//
// Two backends implement the same contract: an in-memory store for
// ephemeral deployments and tests, and a SQL store (Postgres or SQLite)
// for durable ones. Results always annotate which backend served them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/cosilium-ai/cosilium/internal/models"
)

// Backend source annotations.
const (
	SourceMemory   = "memory"
	SourceDatabase = "database"
)

var (
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write violates a uniqueness or
	// state-transition rule.
	ErrConflict = errors.New("store: conflict")
)

// Store is the persistence contract for the deliberation engine and the
// studio surface.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
	ListSessions(ctx context.Context, limit int) ([]models.Session, error)

	// Iteration artifacts, append-only.
	AppendAnalysis(ctx context.Context, a *models.AgentAnalysis) error
	AppendCritique(ctx context.Context, c *models.Critique) error
	AppendSynthesis(ctx context.Context, s *models.Synthesis) error
	ListAnalyses(ctx context.Context, sessionID string, iteration int) ([]models.AgentAnalysis, error)
	ListCritiques(ctx context.Context, sessionID string, iteration int) ([]models.Critique, error)
	ListSyntheses(ctx context.Context, sessionID string) ([]models.Synthesis, error)

	// Final results
	SaveResult(ctx context.Context, r *models.FinalResult) error
	GetResult(ctx context.Context, sessionID string) (*models.FinalResult, error)

	// Run metrics, append-only; session cost totals derive from these rows.
	RecordRunMetric(ctx context.Context, m models.RunMetric) error
	ListRunMetrics(ctx context.Context, sessionID string) ([]models.RunMetric, error)
	SummarizeMetrics(ctx context.Context, since time.Time) (*models.MetricsSummary, error)

	// Prompt templates. At most one active row per (agent_id, prompt_type).
	ActivePrompt(ctx context.Context, agentID, promptType string) (*models.PromptTemplate, error)
	ListPrompts(ctx context.Context, agentID string) ([]models.PromptTemplate, error)
	CreatePrompt(ctx context.Context, p *models.PromptTemplate) error
	ActivatePrompt(ctx context.Context, id string) error

	// Experiments
	CreateExperiment(ctx context.Context, e *models.Experiment) error
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)
	ListExperiments(ctx context.Context) ([]models.Experiment, error)
	UpdateExperimentStatus(ctx context.Context, id, status string) error
	RecordExperimentRun(ctx context.Context, r *models.ExperimentRun) error
	ListExperimentRuns(ctx context.Context, experimentID string) ([]models.ExperimentRun, error)

	// Source names the backend: memory or database.
	Source() string
	Close() error
}

// ListIterationAll passed as the iteration argument lists every iteration.
const ListIterationAll = 0
