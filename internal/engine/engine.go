// Package engine drives deliberation sessions through their phases:
// parallel analysis, adversarial cross-critique, synthesis, consensus
// evaluation, and bounded refinement.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cosilium-ai/cosilium/internal/agents"
	"github.com/cosilium-ai/cosilium/internal/budget"
	"github.com/cosilium-ai/cosilium/internal/metrics"
	"github.com/cosilium-ai/cosilium/internal/models"
	"github.com/cosilium-ai/cosilium/internal/prompts"
	"github.com/cosilium-ai/cosilium/internal/runner"
	"github.com/cosilium-ai/cosilium/internal/sessioncache"
	"github.com/cosilium-ai/cosilium/internal/store"
	"github.com/cosilium-ai/cosilium/internal/streaming"
	"github.com/cosilium-ai/cosilium/internal/tracing"
)

// Quorum is the minimum number of successful analyses per iteration.
// Single-agent sessions need only their one analysis.
const Quorum = 2

// streamRetention is how long a finished session's event ring stays
// replayable before it is dropped.
const streamRetention = 5 * time.Minute

func quorumFor(sess *models.Session) int {
	if len(sess.Settings.EnabledAgents) < Quorum {
		return len(sess.Settings.EnabledAgents)
	}
	return Quorum
}

var (
	// ErrAlreadyRunning rejects a duplicate run of an active session.
	ErrAlreadyRunning = errors.New("session already running")
	// ErrTerminal rejects runs of sessions that already finished.
	ErrTerminal = errors.New("session already terminal")

	// errPersistence marks store write failures inside a phase.
	errPersistence = errors.New("persistence failure")
)

// Defaults fill unset session settings.
type Defaults struct {
	MaxIterations      int
	ConsensusThreshold float64
	BudgetUSD          float64
	Temperature        float64
}

// Engine coordinates deliberation sessions.
type Engine struct {
	store    store.Store
	runner   *runner.Runner
	stream   *streaming.Manager
	cache    *sessioncache.Cache
	defaults Defaults
	logger   *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func New(st store.Store, r *runner.Runner, stream *streaming.Manager, cache *sessioncache.Cache, defaults Defaults, logger *zap.Logger) *Engine {
	return &Engine{
		store:    st,
		runner:   r,
		stream:   stream,
		cache:    cache,
		defaults: defaults,
		logger:   logger,
		running:  make(map[string]context.CancelFunc),
	}
}

// Request describes a new deliberation.
type Request struct {
	TaskText    string                 `json:"task"`
	TaskType    string                 `json:"task_type"`
	ContextText string                 `json:"context,omitempty"`
	Settings    *models.Settings       `json:"settings,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CreateSession validates the request and persists a pending session.
func (e *Engine) CreateSession(ctx context.Context, req Request) (*models.Session, error) {
	if req.TaskText == "" {
		return nil, fmt.Errorf("task text required")
	}
	if !models.ValidTaskType(req.TaskType) {
		return nil, fmt.Errorf("unknown task type %q", req.TaskType)
	}
	settings := e.applyDefaults(req.Settings)
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	for _, id := range settings.EnabledAgents {
		if _, ok := agents.Lookup(id); !ok {
			return nil, fmt.Errorf("unknown agent %q", id)
		}
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID:          uuid.NewString(),
		TaskText:    req.TaskText,
		TaskType:    req.TaskType,
		ContextText: req.ContextText,
		Status:      models.StatusPending,
		Settings:    settings,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	metrics.SessionsStarted.WithLabelValues(sess.TaskType).Inc()
	e.snapshot(ctx, sess, 0, "", 0, nil)
	return sess, nil
}

func (e *Engine) applyDefaults(s *models.Settings) models.Settings {
	out := models.Settings{}
	if s != nil {
		out = *s
	}
	if len(out.EnabledAgents) == 0 {
		out.EnabledAgents = agents.IDs()
	}
	if out.MaxIterations == 0 {
		out.MaxIterations = e.defaults.MaxIterations
	}
	if out.ConsensusThreshold == 0 {
		out.ConsensusThreshold = e.defaults.ConsensusThreshold
	}
	if out.BudgetUSD == 0 {
		out.BudgetUSD = e.defaults.BudgetUSD
	}
	if out.Temperature == 0 {
		out.Temperature = e.defaults.Temperature
	}
	if out.Synthesizer == "" {
		out.Synthesizer = agents.DefaultSynthesizer
	}
	return out
}

// Cancel aborts a running session. Returns false if it was not running.
func (e *Engine) Cancel(sessionID string) bool {
	e.mu.Lock()
	cancel, ok := e.running[sessionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// IsRunning reports whether a session is currently executing.
func (e *Engine) IsRunning(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[sessionID]
	return ok
}

func (e *Engine) register(sessionID string, cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[sessionID]; ok {
		return ErrAlreadyRunning
	}
	e.running[sessionID] = cancel
	return nil
}

func (e *Engine) unregister(sessionID string) {
	e.mu.Lock()
	delete(e.running, sessionID)
	e.mu.Unlock()
}

// Run executes the deliberation to a terminal state and returns the final
// result. Re-running a terminal session returns its stored result.
func (e *Engine) Run(ctx context.Context, sessionID string) (*models.FinalResult, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if models.IsTerminal(sess.Status) {
		if res, err := e.store.GetResult(ctx, sessionID); err == nil {
			return res, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrTerminal, sess.Status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.register(sessionID, cancel); err != nil {
		return nil, err
	}
	defer e.unregister(sessionID)

	if err := e.store.UpdateSessionStatus(runCtx, sessionID, models.StatusRunning); err != nil {
		return nil, err
	}
	sess.Status = models.StatusRunning

	runCtx, span := tracing.StartSpan(runCtx, "deliberation.run")
	defer span.End()

	start := time.Now()
	res := e.deliberate(runCtx, sess)
	e.finalize(sess, res, time.Since(start))
	return res, nil
}

// deliberate is the iteration loop. It always returns a FinalResult, partial
// on failure or cancellation.
func (e *Engine) deliberate(ctx context.Context, sess *models.Session) *models.FinalResult {
	tracker := budget.NewTracker(sess.Settings.BudgetUSD)
	var (
		allAnalyses  []models.AgentAnalysis
		allCritiques []models.Critique
		lastSynth    *models.Synthesis
		stats        []models.IterationStats
	)

	fail := func(reason, phase string, err error) *models.FinalResult {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		status := models.StatusFailed
		if reason == models.ReasonCancelled {
			status = models.StatusCancelled
		}
		return e.buildResult(sess, status, allAnalyses, allCritiques, lastSynth, tracker, &models.ErrorBlock{
			Reason:  reason,
			Message: msg,
			Phase:   phase,
		})
	}

	for iteration := 1; iteration <= sess.Settings.MaxIterations; iteration++ {
		// Analyze
		e.publish(sess.ID, streaming.Event{Type: streaming.TypePhaseStart, Phase: models.PhaseAnalyze, Iteration: iteration})
		e.snapshot(ctx, sess, iteration, models.PhaseAnalyze, consensusOf(lastSynth), stats)

		analyses, err := e.analyzePhase(ctx, sess, tracker, iteration, lastSynth, allCritiques)
		if err != nil {
			return fail(reasonFor(ctx, err), models.PhaseAnalyze, err)
		}
		if quorum := quorumFor(sess); len(analyses) < quorum {
			return fail(models.ReasonPhaseStarved, models.PhaseAnalyze,
				fmt.Errorf("%d of %d analyses succeeded, need %d", len(analyses), len(sess.Settings.EnabledAgents), quorum))
		}
		allAnalyses = append(allAnalyses, analyses...)

		// Critique. Skipped entirely when no directed pairs exist (single
		// surviving agent). Individual critique failures never starve the
		// session: synthesis runs with whatever survived, even nothing.
		var critiques []models.Critique
		pairs := e.critiquePairs(sess, analyses)
		if len(pairs) > 0 {
			e.publish(sess.ID, streaming.Event{Type: streaming.TypePhaseStart, Phase: models.PhaseCritique, Iteration: iteration})
			e.snapshot(ctx, sess, iteration, models.PhaseCritique, consensusOf(lastSynth), stats)

			critiques, err = e.critiquePhase(ctx, sess, tracker, iteration, analyses, pairs)
			if err != nil {
				return fail(reasonFor(ctx, err), models.PhaseCritique, err)
			}
			if len(critiques) < len(pairs) {
				e.logger.Warn("critique wave incomplete",
					zap.String("session_id", sess.ID),
					zap.Int("iteration", iteration),
					zap.Int("survived", len(critiques)),
					zap.Int("planned", len(pairs)))
			}
			allCritiques = append(allCritiques, critiques...)
		}

		// Synthesize
		e.publish(sess.ID, streaming.Event{Type: streaming.TypePhaseStart, Phase: models.PhaseSynthesize, Iteration: iteration})
		e.snapshot(ctx, sess, iteration, models.PhaseSynthesize, consensusOf(lastSynth), stats)

		synth, err := e.synthesizePhase(ctx, sess, tracker, iteration, analyses, critiques)
		if err != nil {
			return fail(reasonFor(ctx, err), models.PhaseSynthesize, err)
		}
		lastSynth = synth

		// Evaluate
		st := evaluate(iteration, synth, analyses, critiques)
		stats = append(stats, st)
		metrics.ConsensusLevel.WithLabelValues("synthesizer").Set(synth.ConsensusLevel)
		metrics.ConsensusLevel.WithLabelValues("spread").Set(st.SpreadConsensus)

		decision := decideNext(sess, tracker, iteration, synth, analyses, pairs)
		e.publishPayload(sess.ID, streaming.Event{Type: streaming.TypeIterationComplete, Iteration: iteration}, map[string]interface{}{
			"stats":    st,
			"decision": decision,
		})
		e.snapshot(ctx, sess, iteration, "", synth.ConsensusLevel, stats)

		e.logger.Info("iteration complete",
			zap.String("session_id", sess.ID),
			zap.Int("iteration", iteration),
			zap.Float64("consensus", synth.ConsensusLevel),
			zap.Float64("spread_consensus", st.SpreadConsensus),
			zap.Float64("spent_usd", tracker.Spent()),
			zap.String("decision", decision))

		if decision == DecisionStopBudget {
			metrics.BudgetStops.Inc()
		}
		if decision != DecisionRefine {
			break
		}
	}

	return e.buildResult(sess, models.StatusCompleted, allAnalyses, allCritiques, lastSynth, tracker, nil)
}

// analyzePhase fans analysis calls out to all enabled agents and joins on
// completion. Individual failures are tolerated down to the quorum; budget
// exhaustion and cancellation abort the phase.
func (e *Engine) analyzePhase(ctx context.Context, sess *models.Session, tracker *budget.Tracker, iteration int, prior *models.Synthesis, priorCritiques []models.Critique) ([]models.AgentAnalysis, error) {
	var (
		mu       sync.Mutex
		out      []models.AgentAnalysis
		abortErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, agentID := range sess.Settings.EnabledAgents {
		g.Go(func() error {
			v := prompts.Vars{
				Task:     sess.TaskText,
				TaskType: sess.TaskType,
				Context:  sess.ContextText,
			}
			if prior != nil {
				v.PriorSynthesis = renderSynthesis(prior)
				v.CritiquesOfSelf = renderCritiquesOf(priorCritiques, agentID, prior.Iteration)
			}
			a, err := e.runner.Analyze(gctx, runner.Call{
				Session: sess, Tracker: tracker, AgentID: agentID, Iteration: iteration,
			}, v)
			if err != nil {
				e.publish(sess.ID, streaming.Event{Type: streaming.TypeAgentFailed, AgentID: agentID, Phase: models.PhaseAnalyze, Iteration: iteration})
				if runner.IsBudgetExhausted(err) || gctx.Err() != nil {
					mu.Lock()
					if abortErr == nil {
						abortErr = err
					}
					mu.Unlock()
					return err // cancels the group
				}
				e.logger.Warn("analysis failed",
					zap.String("session_id", sess.ID),
					zap.String("agent_id", agentID),
					zap.Error(err))
				return nil
			}
			if err := e.store.AppendAnalysis(gctx, a); err != nil {
				mu.Lock()
				if abortErr == nil {
					abortErr = fmt.Errorf("append artifact: %w", errors.Join(errPersistence, err))
				}
				mu.Unlock()
				return err
			}
			mu.Lock()
			out = append(out, *a)
			mu.Unlock()
			e.publishPayload(sess.ID, streaming.Event{
				Type: streaming.TypeAgentCompleted, AgentID: agentID, Phase: models.PhaseAnalyze, Iteration: iteration,
			}, map[string]interface{}{"confidence": a.Confidence, "cost_usd": a.CostUSD, "duration_ms": a.DurationMs})
			return nil
		})
	}
	_ = g.Wait()
	if abortErr != nil {
		return nil, abortErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sortAnalyses(out)
	return out, nil
}

// critiquePairs returns the directed (from, to) pairs for this iteration,
// limited to agents whose analysis succeeded.
func (e *Engine) critiquePairs(sess *models.Session, analyses []models.AgentAnalysis) [][2]string {
	succeeded := make(map[string]bool, len(analyses))
	for _, a := range analyses {
		succeeded[a.AgentID] = true
	}
	if len(sess.Settings.CritiquePairs) > 0 {
		var pairs [][2]string
		for _, p := range sess.Settings.CritiquePairs {
			if succeeded[p[0]] && succeeded[p[1]] {
				pairs = append(pairs, p)
			}
		}
		return pairs
	}
	var pairs [][2]string
	for _, from := range analyses {
		for _, to := range analyses {
			if from.AgentID != to.AgentID {
				pairs = append(pairs, [2]string{from.AgentID, to.AgentID})
			}
		}
	}
	return pairs
}

func (e *Engine) critiquePhase(ctx context.Context, sess *models.Session, tracker *budget.Tracker, iteration int, analyses []models.AgentAnalysis, pairs [][2]string) ([]models.Critique, error) {
	byAgent := make(map[string]models.AgentAnalysis, len(analyses))
	for _, a := range analyses {
		byAgent[a.AgentID] = a
	}

	var (
		mu       sync.Mutex
		out      []models.Critique
		abortErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, pair := range pairs {
		from, to := pair[0], pair[1]
		g.Go(func() error {
			target := byAgent[to]
			c, err := e.runner.Critique(gctx, runner.Call{
				Session: sess, Tracker: tracker, AgentID: from, Iteration: iteration,
			}, prompts.Vars{
				Task:          sess.TaskText,
				TaskType:      sess.TaskType,
				Context:       sess.ContextText,
				TargetAgent:   to,
				OtherAnalyses: renderAnalysis(&target),
			})
			if err != nil {
				e.publish(sess.ID, streaming.Event{Type: streaming.TypeAgentFailed, AgentID: from, Phase: models.PhaseCritique, Iteration: iteration})
				if runner.IsBudgetExhausted(err) || gctx.Err() != nil {
					mu.Lock()
					if abortErr == nil {
						abortErr = err
					}
					mu.Unlock()
					return err
				}
				e.logger.Warn("critique failed",
					zap.String("session_id", sess.ID),
					zap.String("from", from),
					zap.String("to", to),
					zap.Error(err))
				return nil
			}
			if err := e.store.AppendCritique(gctx, c); err != nil {
				mu.Lock()
				if abortErr == nil {
					abortErr = fmt.Errorf("append artifact: %w", errors.Join(errPersistence, err))
				}
				mu.Unlock()
				return err
			}
			mu.Lock()
			out = append(out, *c)
			mu.Unlock()
			e.publishPayload(sess.ID, streaming.Event{
				Type: streaming.TypeCritiqueCompleted, AgentID: from, Phase: models.PhaseCritique, Iteration: iteration,
			}, map[string]interface{}{"to_agent": to, "score": c.Score})
			return nil
		})
	}
	_ = g.Wait()
	if abortErr != nil {
		return nil, abortErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sortCritiques(out)
	return out, nil
}

// synthesizePhase runs the synthesizer agent; if its analysis failed this
// iteration, the highest-confidence surviving agent takes over.
func (e *Engine) synthesizePhase(ctx context.Context, sess *models.Session, tracker *budget.Tracker, iteration int, analyses []models.AgentAnalysis, critiques []models.Critique) (*models.Synthesis, error) {
	synthesizer := sess.Settings.Synthesizer
	available := make(map[string]bool, len(analyses))
	for _, a := range analyses {
		available[a.AgentID] = true
	}
	if !available[synthesizer] {
		best := analyses[0]
		for _, a := range analyses[1:] {
			if a.Confidence > best.Confidence {
				best = a
			}
		}
		e.logger.Info("synthesizer unavailable, delegating",
			zap.String("session_id", sess.ID),
			zap.String("configured", synthesizer),
			zap.String("delegate", best.AgentID))
		synthesizer = best.AgentID
	}

	synth, err := e.runner.Synthesize(ctx, runner.Call{
		Session: sess, Tracker: tracker, AgentID: synthesizer, Iteration: iteration,
	}, prompts.Vars{
		Task:            sess.TaskText,
		TaskType:        sess.TaskType,
		Context:         sess.ContextText,
		OtherAnalyses:   renderAnalyses(analyses),
		CritiquesOfSelf: renderCritiques(critiques),
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.AppendSynthesis(ctx, synth); err != nil {
		return nil, fmt.Errorf("append synthesis: %w", errors.Join(errPersistence, err))
	}
	e.publishPayload(sess.ID, streaming.Event{
		Type: streaming.TypeSynthesisReady, AgentID: synthesizer, Phase: models.PhaseSynthesize, Iteration: iteration,
	}, map[string]interface{}{"consensus_level": synth.ConsensusLevel})
	return synth, nil
}

// buildResult assembles the terminal result; totals always derive from the
// recorded run metrics, never from in-memory counters.
func (e *Engine) buildResult(sess *models.Session, status string, analyses []models.AgentAnalysis, critiques []models.Critique, synth *models.Synthesis, tracker *budget.Tracker, errBlock *models.ErrorBlock) *models.FinalResult {
	ctx := context.Background()
	agg := models.AggregateMetrics{AgentsUsed: len(sess.Settings.EnabledAgents)}
	if rows, err := e.store.ListRunMetrics(ctx, sess.ID); err == nil {
		for _, rm := range rows {
			agg.TotalTokens += rm.TokensIn + rm.TokensOut
			agg.TotalCostUSD += rm.CostUSD
		}
	} else {
		e.logger.Warn("aggregate metrics unavailable", zap.String("session_id", sess.ID), zap.Error(err))
		agg.TotalCostUSD = tracker.Spent()
	}
	if synth != nil {
		agg.IterationsUsed = synth.Iteration
	} else {
		for _, a := range analyses {
			if a.Iteration > agg.IterationsUsed {
				agg.IterationsUsed = a.Iteration
			}
		}
	}

	return &models.FinalResult{
		SessionID: sess.ID,
		Status:    status,
		Analyses:  analyses,
		Critiques: critiques,
		Synthesis: synth,
		Metrics:   agg,
		Error:     errBlock,
		CreatedAt: time.Now().UTC(),
	}
}

// finalize persists the terminal state and emits the terminal event. Uses a
// background context so cancellation cannot lose the result.
func (e *Engine) finalize(sess *models.Session, res *models.FinalResult, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.store.SaveResult(ctx, res); err != nil {
		e.logger.Error("save result failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	if err := e.store.UpdateSessionStatus(ctx, sess.ID, res.Status); err != nil {
		e.logger.Error("terminal status update failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	sess.Status = res.Status
	e.snapshot(ctx, sess, res.Metrics.IterationsUsed, "", consensusOf(res.Synthesis), nil)

	metrics.SessionsCompleted.WithLabelValues(sess.TaskType, res.Status).Inc()
	metrics.SessionDuration.WithLabelValues(sess.TaskType).Observe(elapsed.Seconds())
	metrics.SessionIterations.Observe(float64(res.Metrics.IterationsUsed))
	metrics.SessionCostUSD.Observe(res.Metrics.TotalCostUSD)

	evtType := streaming.TypeSessionCompleted
	switch res.Status {
	case models.StatusFailed:
		evtType = streaming.TypeSessionFailed
	case models.StatusCancelled:
		evtType = streaming.TypeSessionCancelled
	}
	terminal := map[string]interface{}{
		"status":         res.Status,
		"iterations":     res.Metrics.IterationsUsed,
		"total_cost_usd": res.Metrics.TotalCostUSD,
	}
	if res.Error != nil {
		terminal["reason"] = res.Error.Reason
	}
	e.publishPayload(sess.ID, streaming.Event{Type: evtType}, terminal)

	time.AfterFunc(streamRetention, func() { e.stream.Forget(sess.ID) })

	e.logger.Info("session finished",
		zap.String("session_id", sess.ID),
		zap.String("status", res.Status),
		zap.Int("iterations", res.Metrics.IterationsUsed),
		zap.Float64("cost_usd", res.Metrics.TotalCostUSD),
		zap.Duration("elapsed", elapsed))
}

func (e *Engine) publish(sessionID string, evt streaming.Event) {
	e.stream.Publish(sessionID, evt)
}

func (e *Engine) publishPayload(sessionID string, evt streaming.Event, payload interface{}) {
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			evt.Payload = b
		}
	}
	e.stream.Publish(sessionID, evt)
}

func (e *Engine) snapshot(ctx context.Context, sess *models.Session, iteration int, phase string, consensus float64, stats []models.IterationStats) {
	if e.cache == nil {
		return
	}
	e.cache.Put(ctx, sessioncache.Snapshot{
		Session:   *sess,
		Iteration: iteration,
		Phase:     phase,
		Consensus: consensus,
		Stats:     stats,
	})
}

// reasonFor maps an abort error to a failure reason.
func reasonFor(ctx context.Context, err error) string {
	switch {
	case runner.IsBudgetExhausted(err):
		return models.ReasonBudgetExhausted
	case errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled:
		return models.ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return models.ReasonDeadlineExceeded
	case errors.Is(err, errPersistence), errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
		return models.ReasonPersistence
	default:
		return models.ReasonPhaseStarved
	}
}

func consensusOf(s *models.Synthesis) float64 {
	if s == nil {
		return 0
	}
	return s.ConsensusLevel
}
