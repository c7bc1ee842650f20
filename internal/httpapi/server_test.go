package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cosilium-ai/cosilium/internal/budget"
	"github.com/cosilium-ai/cosilium/internal/engine"
	"github.com/cosilium-ai/cosilium/internal/experiments"
	"github.com/cosilium-ai/cosilium/internal/health"
	"github.com/cosilium-ai/cosilium/internal/models"
	"github.com/cosilium-ai/cosilium/internal/prompts"
	"github.com/cosilium-ai/cosilium/internal/providers"
	"github.com/cosilium-ai/cosilium/internal/runner"
	"github.com/cosilium-ai/cosilium/internal/store"
	"github.com/cosilium-ai/cosilium/internal/streaming"
)

// stubAdapter answers every phase with well-formed JSON so full
// deliberations run end to end behind the API.
type stubAdapter struct{ name string }

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Invoke(_ context.Context, _, user string, _ providers.Params) (*providers.Result, error) {
	var text string
	switch {
	case strings.Contains(user, "Critique it rigorously"):
		text = `{"score": 7.5, "critique": "solid but incomplete"}`
	case strings.Contains(user, "Integrate these positions"):
		text = `{"summary": "merged view", "conclusions": [{"statement": "c1", "probability": 0.8}], "recommendations": ["r1"], "consensus_level": 0.9}`
	default:
		text = fmt.Sprintf(`{"analysis": "from %s", "confidence": 0.8}`, s.name)
	}
	return &providers.Result{Text: text, TokensIn: 100, TokensOut: 100}, nil
}

type metricStore struct{ st *store.Memory }

func (m metricStore) RecordRunMetric(ctx context.Context, rm models.RunMetric) {
	_ = m.st.RecordRunMetric(ctx, rm)
}

// stubExecutor scores variants by content length so summaries are ordered.
type stubExecutor struct{}

func (stubExecutor) Execute(_ context.Context, _, promptContent, _ string) (*experiments.VariantResult, error) {
	return &experiments.VariantResult{
		Quality:   float64(len(promptContent)%10) / 10,
		LatencyMs: 100,
		CostUSD:   0.001,
	}, nil
}

type fixture struct {
	server *Server
	mux    *http.ServeMux
	store  *store.Memory
	stream *streaming.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	stream := streaming.NewManager(64)

	reg := providers.NewRegistry()
	for _, name := range []string{"openai", "anthropic", "gemini", "deepseek"} {
		reg.Register(&stubAdapter{name: name})
	}
	resolver := prompts.NewResolver(st, zap.NewNop())
	run := runner.New(reg, resolver, budget.NewLimiter(4, 0), metricStore{st}, runner.Options{
		CallTimeout:  time.Second,
		RetryBackoff: time.Millisecond,
	}, zap.NewNop())
	eng := engine.New(st, run, stream, nil, engine.Defaults{
		MaxIterations:      3,
		ConsensusThreshold: 0.75,
		BudgetUSD:          5,
		Temperature:        0.7,
	}, zap.NewNop())

	hm := health.NewManager(zap.NewNop())
	hm.Register("store", true, func(context.Context) error { return nil })

	exp := experiments.NewService(st, stubExecutor{}, zap.NewNop())
	srv := NewServer(eng, st, nil, stream, resolver, exp, hm, Options{SyncWaitLimit: 5 * time.Second}, zap.NewNop())
	return &fixture{server: srv, mux: srv.Routes(), store: st, stream: stream}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthAndAgents(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Agents             []map[string]interface{} `json:"agents"`
		DefaultSynthesizer string                   `json:"default_synthesizer"`
	}
	decode(t, rec, &out)
	assert.Len(t, out.Agents, 4)
	assert.Equal(t, "architect", out.DefaultSynthesizer)
}

func TestAnalyzeSyncReturnsResult(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/analyze", map[string]interface{}{
		"task":      "should we rewrite the billing service",
		"task_type": "strategy",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res models.FinalResult
	decode(t, rec, &res)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Len(t, res.Analyses, 4)
	require.NotNil(t, res.Synthesis)
	assert.InDelta(t, 0.9, res.Synthesis.ConsensusLevel, 1e-9)
}

func TestAnalyzeRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/analyze", map[string]interface{}{"task_type": "strategy"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/analyze", map[string]interface{}{"task": "t", "task_type": "astrology"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest("POST", "/analyze", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyzeAsyncAndPoll(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/analyze/async", map[string]interface{}{
		"task":      "evaluate the new vendor",
		"task_type": "audit",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted struct {
		SessionID string `json:"session_id"`
	}
	decode(t, rec, &accepted)
	require.NotEmpty(t, accepted.SessionID)

	// Poll until terminal; the stub adapters answer instantly.
	deadline := time.Now().Add(5 * time.Second)
	var view taskView
	for {
		rec = f.do(t, "GET", "/tasks/"+accepted.SessionID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		decode(t, rec, &view)
		if models.IsTerminal(view.Session.Status) {
			break
		}
		require.True(t, time.Now().Before(deadline), "session never finished")
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, models.StatusCompleted, view.Session.Status)
	require.NotNil(t, view.Result)
	assert.Equal(t, "memory", view.Source)

	rec = f.do(t, "GET", "/tasks/"+accepted.SessionID+"/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/tasks/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelConflicts(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/tasks/no-such-id/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Completed sessions cannot be cancelled.
	rec = f.do(t, "POST", "/analyze", map[string]interface{}{
		"task": "q", "task_type": "research",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var res models.FinalResult
	decode(t, rec, &res)

	rec = f.do(t, "POST", "/tasks/"+res.SessionID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListTasks(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		rec := f.do(t, "POST", "/analyze", map[string]interface{}{
			"task": fmt.Sprintf("task %d", i), "task_type": "research",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, "GET", "/tasks?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Sessions []models.Session `json:"sessions"`
	}
	decode(t, rec, &out)
	assert.Len(t, out.Sessions, 1)

	rec = f.do(t, "GET", "/tasks?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEReplaysLifecycleEvents(t *testing.T) {
	f := newFixture(t)

	f.stream.Publish("sess-1", streaming.Event{Type: streaming.TypePhaseStart, Phase: models.PhaseAnalyze, Iteration: 1})
	f.stream.Publish("sess-1", streaming.Event{Type: streaming.TypeAgentCompleted, AgentID: "analyst", Phase: models.PhaseAnalyze, Iteration: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest("GET", "/analyze/stream?session_id=sess-1&last_event_id=0", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "event: phase_start")
	assert.Contains(t, body, "event: agent_completed")
	assert.Contains(t, body, "id: 1")
	assert.Contains(t, body, "id: 2")
}

func TestSSERequiresSessionID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/analyze/stream", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEResumesAfterLastEventID(t *testing.T) {
	f := newFixture(t)

	for i := 1; i <= 3; i++ {
		f.stream.Publish("sess-2", streaming.Event{Type: streaming.TypePhaseStart, Iteration: i})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest("GET", "/analyze/stream?session_id=sess-2", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "2")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.NotContains(t, body, "id: 1\n")
	assert.NotContains(t, body, "id: 2\n")
	assert.Contains(t, body, "id: 3\n")
}
