// Package experiments runs prompt A/B experiments for the studio surface.
//
// An experiment holds candidate prompt contents for one (agent, prompt type)
// pair. Running it executes every variant against a test input, scores the
// replies, and records one run row per variant; the summary compares
// variants on quality, latency and cost.
package experiments

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cosilium-ai/cosilium/internal/agents"
	"github.com/cosilium-ai/cosilium/internal/models"
	"github.com/cosilium-ai/cosilium/internal/store"
)

// VariantResult is the outcome of executing one variant once.
type VariantResult struct {
	Quality   float64
	LatencyMs int64
	CostUSD   float64
}

// Executor runs a candidate prompt against a test input. The production
// executor goes through the provider registry; tests stub it.
type Executor interface {
	Execute(ctx context.Context, agentID, promptContent, testInput string) (*VariantResult, error)
}

// Service coordinates experiment lifecycle and execution.
type Service struct {
	store    store.Store
	executor Executor
	logger   *zap.Logger
}

func NewService(st store.Store, executor Executor, logger *zap.Logger) *Service {
	return &Service{store: st, executor: executor, logger: logger}
}

// Create validates and persists a draft experiment.
func (s *Service) Create(ctx context.Context, e *models.Experiment) error {
	if e.Name == "" {
		return fmt.Errorf("experiment name required")
	}
	if _, ok := agents.Lookup(e.AgentID); !ok {
		return fmt.Errorf("unknown agent %q", e.AgentID)
	}
	switch e.PromptType {
	case models.PromptTypeSystem, models.PromptTypeCritique, models.PromptTypeUserTemplate, models.PromptTypeSynthesis:
	default:
		return fmt.Errorf("unknown prompt type %q", e.PromptType)
	}
	if len(e.Variants) < 2 {
		return fmt.Errorf("experiment needs at least two variants")
	}
	controls := 0
	for _, v := range e.Variants {
		if v.Name == "" || v.Content == "" {
			return fmt.Errorf("variant name and content required")
		}
		if v.IsControl {
			controls++
		}
	}
	if controls != 1 {
		return fmt.Errorf("exactly one control variant required, got %d", controls)
	}
	e.Status = models.ExperimentDraft
	return s.store.CreateExperiment(ctx, e)
}

// Run executes every variant once against the test input. Variant failures
// are logged and skipped; the run fails only if no variant succeeds.
func (s *Service) Run(ctx context.Context, experimentID, testInput string) ([]models.ExperimentRun, error) {
	e, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if e.Status == models.ExperimentStopped {
		return nil, fmt.Errorf("experiment %s is stopped", experimentID)
	}
	if err := s.store.UpdateExperimentStatus(ctx, experimentID, models.ExperimentRunning); err != nil {
		return nil, err
	}

	var runs []models.ExperimentRun
	for _, v := range e.Variants {
		res, err := s.executor.Execute(ctx, e.AgentID, v.Content, testInput)
		if err != nil {
			s.logger.Warn("variant execution failed",
				zap.String("experiment_id", experimentID),
				zap.String("variant", v.Name),
				zap.Error(err))
			continue
		}
		run := models.ExperimentRun{
			ExperimentID: experimentID,
			VariantID:    v.ID,
			TestInput:    testInput,
			Quality:      res.Quality,
			LatencyMs:    res.LatencyMs,
			CostUSD:      res.CostUSD,
			CreatedAt:    time.Now().UTC(),
		}
		if err := s.store.RecordExperimentRun(ctx, &run); err != nil {
			return nil, fmt.Errorf("record run: %w", err)
		}
		runs = append(runs, run)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("all variants failed for experiment %s", experimentID)
	}
	return runs, nil
}

// VariantSummary aggregates the runs of one variant.
type VariantSummary struct {
	VariantID  string  `json:"variant_id"`
	Name       string  `json:"name"`
	IsControl  bool    `json:"is_control"`
	Runs       int     `json:"runs"`
	AvgQuality float64 `json:"avg_quality"`
	AvgLatency float64 `json:"avg_latency_ms"`
	AvgCostUSD float64 `json:"avg_cost_usd"`
}

// Summary compares the variants of an experiment, best quality first.
func (s *Service) Summary(ctx context.Context, experimentID string) ([]VariantSummary, error) {
	e, err := s.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	runs, err := s.store.ListExperimentRuns(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	byVariant := make(map[string]*VariantSummary)
	for _, v := range e.Variants {
		byVariant[v.ID] = &VariantSummary{VariantID: v.ID, Name: v.Name, IsControl: v.IsControl}
	}
	for _, r := range runs {
		vs, ok := byVariant[r.VariantID]
		if !ok {
			continue
		}
		vs.Runs++
		vs.AvgQuality += r.Quality
		vs.AvgLatency += float64(r.LatencyMs)
		vs.AvgCostUSD += r.CostUSD
	}
	out := make([]VariantSummary, 0, len(byVariant))
	for _, vs := range byVariant {
		if vs.Runs > 0 {
			n := float64(vs.Runs)
			vs.AvgQuality /= n
			vs.AvgLatency /= n
			vs.AvgCostUSD /= n
		}
		out = append(out, *vs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AvgQuality > out[j].AvgQuality })
	return out, nil
}

// Stop ends an experiment.
func (s *Service) Stop(ctx context.Context, experimentID string) error {
	return s.store.UpdateExperimentStatus(ctx, experimentID, models.ExperimentStopped)
}
