package experiments

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cosilium-ai/cosilium/internal/models"
	"github.com/cosilium-ai/cosilium/internal/store"
)

type stubExecutor struct {
	results map[string]*VariantResult // prompt content -> result
	err     error
}

func (s *stubExecutor) Execute(_ context.Context, _, promptContent, _ string) (*VariantResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	if r, ok := s.results[promptContent]; ok {
		return r, nil
	}
	return &VariantResult{Quality: 0.5}, nil
}

func validExperiment() *models.Experiment {
	return &models.Experiment{
		Name:       "tone test",
		AgentID:    "analyst",
		PromptType: models.PromptTypeSystem,
		Variants: []models.Variant{
			{Name: "control", Content: "prompt-a", IsControl: true},
			{Name: "candidate", Content: "prompt-b"},
		},
	}
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(store.NewMemory(), &stubExecutor{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, validExperiment()))

	tests := []struct {
		name   string
		mutate func(*models.Experiment)
	}{
		{"missing name", func(e *models.Experiment) { e.Name = "" }},
		{"unknown agent", func(e *models.Experiment) { e.AgentID = "oracle" }},
		{"bad prompt type", func(e *models.Experiment) { e.PromptType = "greeting" }},
		{"single variant", func(e *models.Experiment) { e.Variants = e.Variants[:1] }},
		{"no control", func(e *models.Experiment) { e.Variants[0].IsControl = false }},
		{"two controls", func(e *models.Experiment) { e.Variants[1].IsControl = true }},
		{"empty content", func(e *models.Experiment) { e.Variants[1].Content = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validExperiment()
			tt.mutate(e)
			assert.Error(t, svc.Create(ctx, e))
		})
	}
}

func TestRunRecordsPerVariant(t *testing.T) {
	st := store.NewMemory()
	exec := &stubExecutor{results: map[string]*VariantResult{
		"prompt-a": {Quality: 0.6, LatencyMs: 900, CostUSD: 0.002},
		"prompt-b": {Quality: 0.9, LatencyMs: 1100, CostUSD: 0.003},
	}}
	svc := NewService(st, exec, zap.NewNop())
	ctx := context.Background()

	e := validExperiment()
	require.NoError(t, svc.Create(ctx, e))

	runs, err := svc.Run(ctx, e.ID, "test question")
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	got, err := st.GetExperiment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentRunning, got.Status)
}

func TestRunAllVariantsFailed(t *testing.T) {
	st := store.NewMemory()
	svc := NewService(st, &stubExecutor{err: errors.New("provider down")}, zap.NewNop())
	ctx := context.Background()

	e := validExperiment()
	require.NoError(t, svc.Create(ctx, e))
	_, err := svc.Run(ctx, e.ID, "q")
	assert.Error(t, err)
}

func TestRunStoppedExperimentRejected(t *testing.T) {
	st := store.NewMemory()
	svc := NewService(st, &stubExecutor{}, zap.NewNop())
	ctx := context.Background()

	e := validExperiment()
	require.NoError(t, svc.Create(ctx, e))
	require.NoError(t, svc.Stop(ctx, e.ID))
	_, err := svc.Run(ctx, e.ID, "q")
	assert.Error(t, err)
}

func TestSummaryRanksByQuality(t *testing.T) {
	st := store.NewMemory()
	exec := &stubExecutor{results: map[string]*VariantResult{
		"prompt-a": {Quality: 0.6, LatencyMs: 1000, CostUSD: 0.002},
		"prompt-b": {Quality: 0.9, LatencyMs: 2000, CostUSD: 0.004},
	}}
	svc := NewService(st, exec, zap.NewNop())
	ctx := context.Background()

	e := validExperiment()
	require.NoError(t, svc.Create(ctx, e))
	for i := 0; i < 2; i++ {
		_, err := svc.Run(ctx, e.ID, "q")
		require.NoError(t, err)
	}

	summary, err := svc.Summary(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, "candidate", summary[0].Name)
	assert.InDelta(t, 0.9, summary[0].AvgQuality, 1e-9)
	assert.Equal(t, 2, summary[0].Runs)
	assert.True(t, summary[1].IsControl)
	assert.InDelta(t, 1000, summary[1].AvgLatency, 1e-9)
}
