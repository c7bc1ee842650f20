package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cosilium-ai/cosilium/internal/budget"
	"github.com/cosilium-ai/cosilium/internal/models"
	"github.com/cosilium-ai/cosilium/internal/prompts"
	"github.com/cosilium-ai/cosilium/internal/providers"
	"github.com/cosilium-ai/cosilium/internal/runner"
	"github.com/cosilium-ai/cosilium/internal/store"
	"github.com/cosilium-ai/cosilium/internal/streaming"
)

// phaseOf classifies a rendered user prompt by its template markers.
func phaseOf(user string) string {
	switch {
	case strings.Contains(user, "Critique it rigorously"):
		return models.PhaseCritique
	case strings.Contains(user, "Integrate these positions"):
		return models.PhaseSynthesize
	default:
		return models.PhaseAnalyze
	}
}

// stubAdapter answers per phase with deterministic JSON. Synthesis consensus
// levels are consumed in order so tests can script convergence.
type stubAdapter struct {
	name string

	mu            sync.Mutex
	consensus     []float64 // per synthesis call
	confidence    float64
	critiqueScore float64
	failAnalyze   bool
	failCritique  bool
	delay         time.Duration
	synthCalls    int
	analyzeCalls  int
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Invoke(ctx context.Context, _, user string, _ providers.Params) (*providers.Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, &providers.Error{Provider: s.name, Kind: providers.KindTimeout, Err: ctx.Err()}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch phaseOf(user) {
	case models.PhaseCritique:
		if s.failCritique {
			return nil, &providers.Error{Provider: s.name, Kind: providers.KindUpstream, Err: fmt.Errorf("stub down")}
		}
		return &providers.Result{
			Text:      fmt.Sprintf(`{"score": %.1f, "critique": "critique text", "weaknesses": ["w1"]}`, s.critiqueScore),
			TokensIn:  1000, TokensOut: 1000,
		}, nil
	case models.PhaseSynthesize:
		level := 0.9
		if s.synthCalls < len(s.consensus) {
			level = s.consensus[s.synthCalls]
		}
		s.synthCalls++
		return &providers.Result{
			Text: fmt.Sprintf(`{"summary": "merged view", "conclusions": [{"statement": "c1", "probability": 0.8}],
				"recommendations": ["r1"], "consensus_level": %.2f}`, level),
			TokensIn: 1000, TokensOut: 1000,
		}, nil
	default:
		s.analyzeCalls++
		if s.failAnalyze {
			return nil, &providers.Error{Provider: s.name, Kind: providers.KindUpstream, Err: fmt.Errorf("stub down")}
		}
		return &providers.Result{
			Text:      fmt.Sprintf(`{"analysis": "analysis from %s", "confidence": %.2f, "key_points": ["k"]}`, s.name, s.confidence),
			TokensIn:  1000, TokensOut: 1000,
		}, nil
	}
}

type fixture struct {
	engine *Engine
	store  *store.Memory
	stream *streaming.Manager
	stubs  map[string]*stubAdapter
}

// metricStore bridges runner metrics into the memory store.
type metricStore struct{ st *store.Memory }

func (m metricStore) RecordRunMetric(ctx context.Context, rm models.RunMetric) {
	_ = m.st.RecordRunMetric(ctx, rm)
}

func newFixture(t *testing.T, consensus ...float64) *fixture {
	t.Helper()
	st := store.NewMemory()
	stream := streaming.NewManager(64)

	stubs := map[string]*stubAdapter{
		"openai":    {name: "openai", confidence: 0.8, critiqueScore: 7},
		"anthropic": {name: "anthropic", confidence: 0.85, critiqueScore: 8, consensus: consensus},
		"gemini":    {name: "gemini", confidence: 0.7, critiqueScore: 7.5},
		"deepseek":  {name: "deepseek", confidence: 0.75, critiqueScore: 6.5},
	}
	reg := providers.NewRegistry()
	for _, s := range stubs {
		reg.Register(s)
	}

	resolver := prompts.NewResolver(st, zap.NewNop())
	limiter := budget.NewLimiter(4, 0)
	run := runner.New(reg, resolver, limiter, metricStore{st}, runner.Options{
		CallTimeout:  time.Second,
		MaxRetries:   1,
		RetryBackoff: time.Millisecond,
	}, zap.NewNop())

	eng := New(st, run, stream, nil, Defaults{
		MaxIterations:      3,
		ConsensusThreshold: 0.75,
		BudgetUSD:          5,
		Temperature:        0.7,
	}, zap.NewNop())
	return &fixture{engine: eng, store: st, stream: stream, stubs: stubs}
}

func startSession(t *testing.T, f *fixture, mutate func(*Request)) *models.Session {
	t.Helper()
	req := Request{TaskText: "should we migrate the platform", TaskType: models.TaskTypeStrategy}
	if mutate != nil {
		mutate(&req)
	}
	sess, err := f.engine.CreateSession(context.Background(), req)
	require.NoError(t, err)
	return sess
}

func TestSingleIterationConsensus(t *testing.T) {
	f := newFixture(t, 0.9)
	sess := startSession(t, f, nil)

	res, err := f.engine.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Metrics.IterationsUsed)
	assert.Len(t, res.Analyses, 4)
	// 4 agents: 4*3 directed critique pairs
	assert.Len(t, res.Critiques, 12)
	require.NotNil(t, res.Synthesis)
	assert.InDelta(t, 0.9, res.Synthesis.ConsensusLevel, 1e-9)
	assert.Nil(t, res.Error)

	// Cost totals derive from run metrics: 17 calls at 1000/1000 tokens.
	assert.Equal(t, 17*2000, res.Metrics.TotalTokens)
	assert.Greater(t, res.Metrics.TotalCostUSD, 0.0)

	got, err := f.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
}

func TestRefinementUntilConsensus(t *testing.T) {
	f := newFixture(t, 0.6, 0.9)
	sess := startSession(t, f, nil)

	res, err := f.engine.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Metrics.IterationsUsed)
	// Two iterations of analyses from every agent.
	assert.Len(t, res.Analyses, 8)
	require.NotNil(t, res.Synthesis)
	assert.InDelta(t, 0.9, res.Synthesis.ConsensusLevel, 1e-9)

	syns, err := f.store.ListSyntheses(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, syns, 2)
}

func TestIterationCapStopsRefinement(t *testing.T) {
	f := newFixture(t, 0.5, 0.5, 0.5)
	sess := startSession(t, f, nil)

	res, err := f.engine.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	// Never converges, but completes at the cap with the last synthesis.
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 3, res.Metrics.IterationsUsed)
	assert.InDelta(t, 0.5, res.Synthesis.ConsensusLevel, 1e-9)
}

func TestAgentFailureToleratedAboveQuorum(t *testing.T) {
	f := newFixture(t, 0.9)
	f.stubs["gemini"].failAnalyze = true
	sess := startSession(t, f, nil)

	res, err := f.engine.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Len(t, res.Analyses, 3)
	// 3 surviving agents: 3*2 pairs
	assert.Len(t, res.Critiques, 6)
	for _, c := range res.Critiques {
		assert.NotEqual(t, "explorer", c.FromAgent)
		assert.NotEqual(t, "explorer", c.ToAgent)
	}
}

func TestAllCritiqueFailuresTolerated(t *testing.T) {
	// Every critique call errors out. The iteration must still reach
	// synthesis with analyses only and complete.
	f := newFixture(t, 0.9)
	for _, s := range f.stubs {
		s.failCritique = true
	}
	sess := startSession(t, f, nil)

	res, err := f.engine.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Len(t, res.Analyses, 4)
	assert.Empty(t, res.Critiques)
	require.NotNil(t, res.Synthesis)
	assert.InDelta(t, 0.9, res.Synthesis.ConsensusLevel, 1e-9)
	assert.Nil(t, res.Error)
}

func TestQuorumFailure(t *testing.T) {
	f := newFixture(t, 0.9)
	f.stubs["openai"].failAnalyze = true
	f.stubs["gemini"].failAnalyze = true
	f.stubs["deepseek"].failAnalyze = true
	sess := startSession(t, f, nil)

	res, err := f.engine.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, models.ReasonPhaseStarved, res.Error.Reason)
	assert.Equal(t, models.PhaseAnalyze, res.Error.Phase)
	assert.Nil(t, res.Synthesis)
}

func TestSynthesizerDelegationWhenUnavailable(t *testing.T) {
	f := newFixture(t, 0.9)
	// Architect (default synthesizer) fails its analysis; synthesis must be
	// delegated to a surviving agent.
	f.stubs["anthropic"].failAnalyze = true
	f.stubs["openai"].consensus = []float64{0.9}
	sess := startSession(t, f, nil)

	res, err := f.engine.Run(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	require.NotNil(t, res.Synthesis)
	assert.Len(t, res.Analyses, 3)
}

func TestBudgetExhaustionMidSession(t *testing.T) {
	f := newFixture(t, 0.9)
	sess := startSession(t, f, func(r *Request) {
		// Covers the analysis wave (~$0.04 at default pricing) but runs out
		// during or right after the critique wave.
		r.Settings = &models.Settings{BudgetUSD: 0.09}
	})

	res, err := f.engine.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, models.ReasonBudgetExhausted, res.Error.Reason)
	// Partial results survive.
	assert.NotEmpty(t, res.Analyses)
}

func TestBudgetFloorStopsRefinement(t *testing.T) {
	// Low consensus would trigger refinement, but the remaining budget does
	// not cover another iteration.
	f := newFixture(t, 0.5, 0.5)
	sess := startSession(t, f, func(r *Request) {
		// One full iteration costs ~$0.17 at default pricing; after it the
		// remainder is below the estimated cost of another one.
		r.Settings = &models.Settings{BudgetUSD: 0.3}
	})

	res, err := f.engine.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Metrics.IterationsUsed)
	require.NotNil(t, res.Synthesis)
}

func TestCancellation(t *testing.T) {
	f := newFixture(t, 0.9)
	for _, s := range f.stubs {
		s.delay = 50 * time.Millisecond
	}
	sess := startSession(t, f, nil)

	done := make(chan *models.FinalResult, 1)
	go func() {
		res, err := f.engine.Run(context.Background(), sess.ID)
		require.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return f.engine.IsRunning(sess.ID) }, time.Second, 5*time.Millisecond)
	require.True(t, f.engine.Cancel(sess.ID))

	select {
	case res := <-done:
		assert.Equal(t, models.StatusCancelled, res.Status)
		require.NotNil(t, res.Error)
		assert.Equal(t, models.ReasonCancelled, res.Error.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancel")
	}
	assert.False(t, f.engine.IsRunning(sess.ID))
}

func TestRerunTerminalReturnsStoredResult(t *testing.T) {
	f := newFixture(t, 0.9)
	sess := startSession(t, f, nil)

	first, err := f.engine.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	again, err := f.engine.Run(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, again.Status)
	assert.Equal(t, first.Metrics.TotalTokens, again.Metrics.TotalTokens)
	// No new provider calls happened.
	assert.Equal(t, 1, f.stubs["anthropic"].synthCalls)
}

func TestDuplicateRunRejected(t *testing.T) {
	f := newFixture(t, 0.9)
	for _, s := range f.stubs {
		s.delay = 50 * time.Millisecond
	}
	sess := startSession(t, f, nil)

	go f.engine.Run(context.Background(), sess.ID) //nolint:errcheck
	require.Eventually(t, func() bool { return f.engine.IsRunning(sess.ID) }, time.Second, 5*time.Millisecond)

	_, err := f.engine.Run(context.Background(), sess.ID)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	f.engine.Cancel(sess.ID)
}

func TestLifecycleEventsEmitted(t *testing.T) {
	f := newFixture(t, 0.9)
	sess := startSession(t, f, nil)

	_, err := f.engine.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	events := f.stream.ReplaySince(sess.ID, 0)
	types := make(map[string]int)
	for _, e := range events {
		types[e.Type]++
	}
	assert.Equal(t, 3, types[streaming.TypePhaseStart], "analyze, critique, synthesize")
	assert.Equal(t, 4, types[streaming.TypeAgentCompleted])
	assert.Equal(t, 12, types[streaming.TypeCritiqueCompleted])
	assert.Equal(t, 1, types[streaming.TypeSynthesisReady])
	assert.Equal(t, 1, types[streaming.TypeIterationComplete])
	assert.Equal(t, 1, types[streaming.TypeSessionCompleted])
}

func TestSingleAgentSkipsCritique(t *testing.T) {
	f := newFixture(t, 0.9)
	sess := startSession(t, f, func(r *Request) {
		r.Settings = &models.Settings{EnabledAgents: []string{"architect"}}
	})

	res, err := f.engine.Run(context.Background(), sess.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Len(t, res.Analyses, 1)
	assert.Empty(t, res.Critiques)
	require.NotNil(t, res.Synthesis)

	events := f.stream.ReplaySince(sess.ID, 0)
	types := make(map[string]int)
	for _, e := range events {
		types[e.Type]++
	}
	assert.Equal(t, 2, types[streaming.TypePhaseStart], "analyze and synthesize only")
	assert.Zero(t, types[streaming.TypeCritiqueCompleted])
}

func TestExplicitCritiquePairs(t *testing.T) {
	f := newFixture(t, 0.9)
	sess := startSession(t, f, func(r *Request) {
		r.Settings = &models.Settings{
			CritiquePairs: [][2]string{
				{"analyst", "architect"},
				{"architect", "analyst"},
			},
		}
	})

	res, err := f.engine.Run(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Len(t, res.Critiques, 2)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateSession(ctx, Request{TaskType: models.TaskTypeStrategy})
	assert.Error(t, err, "missing task text")

	_, err = f.engine.CreateSession(ctx, Request{TaskText: "t", TaskType: "poetry"})
	assert.Error(t, err, "unknown task type")

	_, err = f.engine.CreateSession(ctx, Request{
		TaskText: "t", TaskType: models.TaskTypeAudit,
		Settings: &models.Settings{EnabledAgents: []string{"oracle"}},
	})
	assert.Error(t, err, "unknown agent")

	sess, err := f.engine.CreateSession(ctx, Request{TaskText: "t", TaskType: models.TaskTypeAudit})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, sess.Status)
	assert.Equal(t, 3, sess.Settings.MaxIterations)
	assert.InDelta(t, 0.75, sess.Settings.ConsensusThreshold, 1e-9)
	assert.Equal(t, "architect", sess.Settings.Synthesizer)
	assert.Len(t, sess.Settings.EnabledAgents, 4)
}

func TestSpreadConsensusCrossCheck(t *testing.T) {
	analyses := []models.AgentAnalysis{
		{AgentID: "a", Confidence: 0.8},
		{AgentID: "b", Confidence: 0.8},
	}
	assert.InDelta(t, 1.0, spreadConsensus(analyses), 1e-9)

	analyses = append(analyses, models.AgentAnalysis{AgentID: "c", Confidence: 0.3})
	assert.InDelta(t, 0.5, spreadConsensus(analyses), 1e-9)
}

func TestEvaluateDisagreements(t *testing.T) {
	synth := &models.Synthesis{ConsensusLevel: 0.7}
	critiques := []models.Critique{
		{FromAgent: "a", ToAgent: "b", Score: 8},
		{FromAgent: "b", ToAgent: "a", Score: 4, Weaknesses: []string{"overreach"}},
		{FromAgent: "a", ToAgent: "c", Score: 5.5},
	}
	st := evaluate(2, synth, nil, critiques)
	assert.Equal(t, 2, st.Iteration)
	assert.Equal(t, 2, st.DisagreementCount)
	assert.InDelta(t, (8+4+5.5)/3, st.AvgCritiqueScore, 1e-9)
	assert.Len(t, st.WeakAreas, 2)
	assert.Contains(t, st.WeakAreas[0], "overreach")
}
