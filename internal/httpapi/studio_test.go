package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosilium-ai/cosilium/internal/models"
)

func TestPromptLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/studio/prompts", map[string]interface{}{
		"agent_id":    "analyst",
		"prompt_type": "system",
		"content":     "You are a meticulous logical analyst.",
		"activate":    true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var v1 models.PromptTemplate
	decode(t, rec, &v1)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.IsActive)

	rec = f.do(t, "POST", "/studio/prompts", map[string]interface{}{
		"agent_id":    "analyst",
		"prompt_type": "system",
		"content":     "Be terse.",
		"activate":    true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var v2 models.PromptTemplate
	decode(t, rec, &v2)
	assert.Equal(t, 2, v2.Version)

	// Roll back to v1.
	rec = f.do(t, "POST", "/studio/prompts/"+v1.ID+"/activate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	active, err := f.store.ActivePrompt(context.Background(), "analyst", models.PromptTypeSystem)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v1.ID, active.ID)

	rec = f.do(t, "GET", "/studio/prompts?agent_id=analyst", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Prompts []models.PromptTemplate `json:"prompts"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Prompts, 2)
}

func TestStudioAliasVerbs(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/studio/prompts", map[string]interface{}{
		"agent_id": "analyst", "prompt_type": "system", "content": "v1", "activate": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var v1 models.PromptTemplate
	decode(t, rec, &v1)
	rec = f.do(t, "POST", "/studio/prompts", map[string]interface{}{
		"agent_id": "analyst", "prompt_type": "system", "content": "v2", "activate": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// PUT rolls the active version back just like POST .../activate.
	rec = f.do(t, "PUT", "/studio/prompts/"+v1.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	active, err := f.store.ActivePrompt(context.Background(), "analyst", models.PromptTypeSystem)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v1.ID, active.ID)

	rec = f.do(t, "POST", "/studio/experiments", map[string]interface{}{
		"name":        "verbs",
		"agent_id":    "analyst",
		"prompt_type": "system",
		"variants": []map[string]interface{}{
			{"name": "control", "content": "a", "is_control": true},
			{"name": "candidate", "content": "b"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var exp models.Experiment
	decode(t, rec, &exp)

	// DELETE stops the experiment just like POST .../stop.
	rec = f.do(t, "DELETE", "/studio/experiments/"+exp.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, "POST", "/studio/experiments/"+exp.ID+"/run", map[string]interface{}{
		"test_input": "q",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPromptValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/studio/prompts", map[string]interface{}{
		"agent_id": "oracle", "prompt_type": "system", "content": "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/studio/prompts", map[string]interface{}{
		"agent_id": "analyst", "prompt_type": "greeting", "content": "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/studio/prompts", map[string]interface{}{
		"agent_id": "analyst", "prompt_type": "system",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/studio/prompts/unknown/activate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, "GET", "/studio/prompts?agent_id=oracle", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExperimentLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/studio/experiments", map[string]interface{}{
		"name":        "tone test",
		"agent_id":    "analyst",
		"prompt_type": "system",
		"variants": []map[string]interface{}{
			{"name": "control", "content": "prompt-a", "is_control": true},
			{"name": "candidate", "content": "prompt-bb"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var exp models.Experiment
	decode(t, rec, &exp)
	require.NotEmpty(t, exp.ID)
	assert.Equal(t, models.ExperimentDraft, exp.Status)

	rec = f.do(t, "POST", "/studio/experiments/"+exp.ID+"/run", map[string]interface{}{
		"test_input": "should we expand to new markets",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var runs struct {
		Runs []models.ExperimentRun `json:"runs"`
	}
	decode(t, rec, &runs)
	assert.Len(t, runs.Runs, 2)

	rec = f.do(t, "GET", "/studio/experiments/"+exp.ID+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		Variants []struct {
			Name       string  `json:"name"`
			Runs       int     `json:"runs"`
			AvgQuality float64 `json:"avg_quality"`
		} `json:"variants"`
	}
	decode(t, rec, &summary)
	require.Len(t, summary.Variants, 2)

	rec = f.do(t, "POST", "/studio/experiments/"+exp.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Stopped experiments refuse further runs.
	rec = f.do(t, "POST", "/studio/experiments/"+exp.ID+"/run", map[string]interface{}{
		"test_input": "q",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = f.do(t, "GET", "/studio/experiments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Experiments []models.Experiment `json:"experiments"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Experiments, 1)
}

func TestExperimentValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/studio/experiments", map[string]interface{}{
		"name":        "broken",
		"agent_id":    "analyst",
		"prompt_type": "system",
		"variants": []map[string]interface{}{
			{"name": "only", "content": "x", "is_control": true},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/studio/experiments/missing/run", map[string]interface{}{"test_input": "q"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsSummaryEndpoint(t *testing.T) {
	f := newFixture(t)

	now := time.Now().UTC()
	require.NoError(t, f.store.RecordRunMetric(context.Background(), models.RunMetric{
		SessionID: "s1", AgentID: "analyst", Model: "gpt-4o", Phase: models.PhaseAnalyze,
		TokensIn: 100, TokensOut: 50, CostUSD: 0.00125, LatencyMs: 800,
		Status: models.CallStatusSuccess, CreatedAt: now,
	}))
	require.NoError(t, f.store.RecordRunMetric(context.Background(), models.RunMetric{
		SessionID: "s1", AgentID: "architect", Model: "claude-sonnet-4-20250514", Phase: models.PhaseSynthesize,
		TokensIn: 200, TokensOut: 100, CostUSD: 0.0021, LatencyMs: 1200,
		Status: models.CallStatusError, ErrorMessage: "upstream", CreatedAt: now,
	}))

	rec := f.do(t, "GET", "/studio/metrics?period=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sum models.MetricsSummary
	decode(t, rec, &sum)
	assert.Equal(t, "1h", sum.Period)
	assert.Equal(t, 2, sum.Calls)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, 450, sum.TotalTokens)

	rec = f.do(t, "GET", "/studio/metrics?period=1y", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
