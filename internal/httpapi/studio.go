package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cosilium-ai/cosilium/internal/agents"
	"github.com/cosilium-ai/cosilium/internal/models"
)

// handleListPrompts lists prompt versions, optionally for one agent.
// GET /studio/prompts?agent_id=
func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID != "" {
		if _, ok := agents.Lookup(agentID); !ok {
			s.writeError(w, http.StatusBadRequest, "unknown agent "+agentID)
			return
		}
	}
	list, err := s.store.ListPrompts(r.Context(), agentID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prompts": list})
}

type createPromptRequest struct {
	AgentID    string `json:"agent_id"`
	PromptType string `json:"prompt_type"`
	Content    string `json:"content"`
	Activate   bool   `json:"activate"`
}

// handleCreatePrompt stores a new prompt version. With activate=true it
// becomes the active version immediately and the resolver cache entry is
// dropped so the next agent call picks it up.
// POST /studio/prompts
func (s *Server) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var req createPromptRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, ok := agents.Lookup(req.AgentID); !ok {
		s.writeError(w, http.StatusBadRequest, "unknown agent "+req.AgentID)
		return
	}
	switch req.PromptType {
	case models.PromptTypeSystem, models.PromptTypeCritique, models.PromptTypeUserTemplate, models.PromptTypeSynthesis:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown prompt type "+req.PromptType)
		return
	}
	if req.Content == "" {
		s.writeError(w, http.StatusBadRequest, "content required")
		return
	}

	p := &models.PromptTemplate{
		AgentID:    req.AgentID,
		PromptType: req.PromptType,
		Content:    req.Content,
		IsActive:   req.Activate,
	}
	if err := s.store.CreatePrompt(r.Context(), p); err != nil {
		s.fail(w, err)
		return
	}
	if req.Activate {
		s.resolver.Invalidate(p.AgentID, p.PromptType)
	}
	s.logger.Info("prompt created",
		zap.String("agent_id", p.AgentID),
		zap.String("prompt_type", p.PromptType),
		zap.Int("version", p.Version),
		zap.Bool("active", p.IsActive))
	writeJSON(w, http.StatusCreated, p)
}

// handleActivatePrompt switches the active version for the prompt's
// (agent, type) pair and invalidates the resolver cache.
// POST /studio/prompts/{id}/activate, also PUT /studio/prompts/{id}
func (s *Server) handleActivatePrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	all, err := s.store.ListPrompts(r.Context(), "")
	if err != nil {
		s.fail(w, err)
		return
	}
	var target *models.PromptTemplate
	for i := range all {
		if all[i].ID == id {
			target = &all[i]
			break
		}
	}
	if target == nil {
		s.writeError(w, http.StatusNotFound, "prompt "+id+" not found")
		return
	}
	if err := s.store.ActivatePrompt(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.resolver.Invalidate(target.AgentID, target.PromptType)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          id,
		"agent_id":    target.AgentID,
		"prompt_type": target.PromptType,
		"version":     target.Version,
		"is_active":   true,
	})
}

// handleListExperiments lists all experiments.
// GET /studio/experiments
func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListExperiments(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"experiments": list})
}

// handleCreateExperiment validates and stores a draft experiment.
// POST /studio/experiments
func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var e models.Experiment
	if !decodeBody(w, r, &e) {
		return
	}
	if err := s.experiments.Create(r.Context(), &e); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

type runExperimentRequest struct {
	TestInput string `json:"test_input"`
}

// handleRunExperiment executes every variant once against a test input.
// POST /studio/experiments/{id}/run
func (s *Server) handleRunExperiment(w http.ResponseWriter, r *http.Request) {
	var req runExperimentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TestInput == "" {
		s.writeError(w, http.StatusBadRequest, "test_input required")
		return
	}
	runs, err := s.experiments.Run(r.Context(), r.PathValue("id"), req.TestInput)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleExperimentSummary compares variants, best quality first.
// GET /studio/experiments/{id}/summary
func (s *Server) handleExperimentSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.experiments.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"variants": summary})
}

// handleStopExperiment ends an experiment.
// POST /studio/experiments/{id}/stop, also DELETE /studio/experiments/{id}
func (s *Server) handleStopExperiment(w http.ResponseWriter, r *http.Request) {
	if err := s.experiments.Stop(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.ExperimentStopped})
}

var metricPeriods = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// handleMetricsSummary aggregates run metrics over a trailing window.
// GET /studio/metrics?period=1h|24h|7d|30d (default 24h)
func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "24h"
	}
	window, ok := metricPeriods[period]
	if !ok {
		s.writeError(w, http.StatusBadRequest, "period must be one of 1h, 24h, 7d, 30d")
		return
	}
	summary, err := s.store.SummarizeMetrics(r.Context(), time.Now().UTC().Add(-window))
	if err != nil {
		s.fail(w, err)
		return
	}
	summary.Period = period
	writeJSON(w, http.StatusOK, summary)
}
