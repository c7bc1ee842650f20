// Package runner executes single agent calls: prompt resolution, the
// provider invocation with deadline and retry policy, structured parsing
// with one strict reprompt, and per-attempt cost accounting.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/cosilium-ai/cosilium/internal/agents"
	"github.com/cosilium-ai/cosilium/internal/budget"
	"github.com/cosilium-ai/cosilium/internal/metrics"
	"github.com/cosilium-ai/cosilium/internal/models"
	"github.com/cosilium-ai/cosilium/internal/parser"
	"github.com/cosilium-ai/cosilium/internal/pricing"
	"github.com/cosilium-ai/cosilium/internal/prompts"
	"github.com/cosilium-ai/cosilium/internal/providers"
	"github.com/cosilium-ai/cosilium/internal/tracing"
)

// MetricSink receives one RunMetric per provider call attempt.
type MetricSink interface {
	RecordRunMetric(ctx context.Context, m models.RunMetric)
}

// Options are the retry and deadline knobs for provider calls.
type Options struct {
	CallTimeout  time.Duration // per-attempt deadline
	MaxRetries   int           // retries after the first attempt, transient kinds only
	RetryBackoff time.Duration // base backoff, doubled per retry with +-25% jitter
	MaxTokens    int
}

func (o *Options) normalize() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 60 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
}

// Runner runs agent calls against the provider registry.
type Runner struct {
	registry *providers.Registry
	resolver *prompts.Resolver
	limiter  *budget.Limiter
	sink     MetricSink
	opts     Options
	logger   *zap.Logger
}

func New(registry *providers.Registry, resolver *prompts.Resolver, limiter *budget.Limiter, sink MetricSink, opts Options, logger *zap.Logger) *Runner {
	opts.normalize()
	return &Runner{
		registry: registry,
		resolver: resolver,
		limiter:  limiter,
		sink:     sink,
		opts:     opts,
		logger:   logger,
	}
}

// Call identifies one agent invocation within a session.
type Call struct {
	Session   *models.Session
	Tracker   *budget.Tracker
	AgentID   string
	Phase     string
	Iteration int
}

func (r *Runner) model(c Call) string {
	return agents.ModelFor(c.AgentID, c.Session.Settings.Models)
}

// invoke performs the provider call with retry policy and accounting.
func (r *Runner) invoke(ctx context.Context, c Call, system, user string) (*providers.Result, error) {
	agent, ok := agents.Lookup(c.AgentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", c.AgentID)
	}
	adapter, err := r.registry.Get(agent.Provider)
	if err != nil {
		return nil, err
	}
	model := r.model(c)
	params := providers.Params{
		Model:       model,
		Temperature: c.Session.Settings.Temperature,
		MaxTokens:   r.opts.MaxTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.AgentCallRetries.WithLabelValues(c.AgentID, string(providers.Kind(lastErr))).Inc()
			select {
			case <-time.After(backoff(r.opts.RetryBackoff, attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if c.Tracker != nil && c.Tracker.Exhausted() {
			return nil, budget.ErrBudgetExhausted
		}

		res, err := r.attempt(ctx, c, adapter, system, user, params)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !providers.Transient(err) {
			break
		}
	}
	return nil, lastErr
}

// attempt is one provider call with its own deadline, metric row and charge.
func (r *Runner) attempt(ctx context.Context, c Call, adapter providers.Adapter, system, user string, params providers.Params) (*providers.Result, error) {
	release, err := r.limiter.Acquire(ctx, adapter.Name())
	if err != nil {
		return nil, err
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()

	callCtx, span := tracing.StartAgentSpan(callCtx, c.Phase, c.AgentID, params.Model)
	start := time.Now()
	res, err := adapter.Invoke(callCtx, system, user, params)
	latency := time.Since(start)
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	metric := models.RunMetric{
		SessionID: c.Session.ID,
		AgentID:   c.AgentID,
		Model:     params.Model,
		Phase:     c.Phase,
		LatencyMs: latency.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if err != nil {
		metric.Status = models.CallStatusError
		if providers.Kind(err) == providers.KindTimeout {
			metric.Status = models.CallStatusTimeout
		}
		metric.ErrorMessage = err.Error()
	} else {
		cost := pricing.Cost(params.Model, res.TokensIn, res.TokensOut)
		metric.Status = models.CallStatusSuccess
		metric.TokensIn = res.TokensIn
		metric.TokensOut = res.TokensOut
		metric.CostUSD = cost
		if c.Tracker != nil {
			c.Tracker.Charge(cost)
		}
		metrics.TokensUsed.WithLabelValues(params.Model, "in").Add(float64(res.TokensIn))
		metrics.TokensUsed.WithLabelValues(params.Model, "out").Add(float64(res.TokensOut))
	}
	metrics.AgentCalls.WithLabelValues(c.AgentID, c.Phase, metric.Status).Inc()
	metrics.AgentCallDuration.WithLabelValues(c.AgentID, c.Phase).Observe(float64(latency.Milliseconds()))
	if r.sink != nil {
		r.sink.RecordRunMetric(ctx, metric)
	}

	if err != nil {
		r.logger.Warn("agent call failed",
			zap.String("session_id", c.Session.ID),
			zap.String("agent_id", c.AgentID),
			zap.String("phase", c.Phase),
			zap.Duration("latency", latency),
			zap.Error(err))
		return nil, err
	}
	return res, nil
}

// backoff doubles per retry with +-25% jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	d := float64(base) * float64(int64(1)<<uint(attempt-1))
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(d * jitter)
}

// reprompt asks the model to reformat an unparsable reply as bare JSON.
func repromptText(raw string) string {
	return fmt.Sprintf(`Your previous reply could not be parsed as JSON.

Previous reply:
%s

Return ONLY the JSON object required by the original instructions, with no
surrounding prose and no code fences.`, raw)
}

// opUsage accumulates token usage across the attempts of one operation,
// including a reprompt when one was needed.
type opUsage struct {
	tokensIn  int
	tokensOut int
	costUSD   float64
}

func (u *opUsage) add(model string, res *providers.Result) {
	u.tokensIn += res.TokensIn
	u.tokensOut += res.TokensOut
	u.costUSD = pricing.Round6(u.costUSD + pricing.Cost(model, res.TokensIn, res.TokensOut))
}

// parseWithReprompt runs parse over the reply and, on failure, issues one
// strict-JSON reprompt before giving up.
func parseWithReprompt[T any](ctx context.Context, r *Runner, c Call, system, user string, parse func(string) (T, error)) (T, opUsage, error) {
	var zero T
	var usage opUsage
	model := r.model(c)

	res, err := r.invoke(ctx, c, system, user)
	if err != nil {
		return zero, usage, err
	}
	usage.add(model, res)
	out, perr := parse(res.Text)
	if perr == nil {
		return out, usage, nil
	}

	metrics.ParseReprompts.WithLabelValues(c.Phase).Inc()
	r.logger.Warn("unparsable reply, reprompting",
		zap.String("session_id", c.Session.ID),
		zap.String("agent_id", c.AgentID),
		zap.String("phase", c.Phase),
		zap.Error(perr))

	res, err = r.invoke(ctx, c, system, repromptText(res.Text))
	if err != nil {
		return zero, usage, err
	}
	usage.add(model, res)
	out, perr = parse(res.Text)
	if perr != nil {
		return zero, usage, fmt.Errorf("agent %s produced unusable %s output after reprompt: %w", c.AgentID, c.Phase, perr)
	}
	return out, usage, nil
}

// analyzeResult pairs the parsed analysis with its usage for record assembly.
type analyzeResult struct {
	analysis *models.AgentAnalysis
	imputed  bool
}

// Analyze runs one analyze (or refine) call and returns the completed record.
func (r *Runner) Analyze(ctx context.Context, c Call, v prompts.Vars) (*models.AgentAnalysis, error) {
	c.Phase = models.PhaseAnalyze
	system := r.resolver.System(ctx, c.AgentID)
	user := r.resolver.Analyze(ctx, c.AgentID, v)

	start := time.Now()
	out, usage, err := parseWithReprompt(ctx, r, c, system, user, func(raw string) (analyzeResult, error) {
		a, hasConf, perr := parser.Analysis(raw)
		if perr != nil {
			return analyzeResult{}, perr
		}
		return analyzeResult{analysis: a, imputed: !hasConf}, nil
	})
	if err != nil {
		return nil, err
	}
	if out.imputed {
		metrics.ConfidenceImputed.Inc()
		r.logger.Warn("confidence absent, imputing 0.5",
			zap.String("session_id", c.Session.ID),
			zap.String("agent_id", c.AgentID))
	}

	// Usage on the record reflects the whole operation including a reprompt.
	a := out.analysis
	a.SessionID = c.Session.ID
	a.AgentID = c.AgentID
	a.Iteration = c.Iteration
	a.TokensIn = usage.tokensIn
	a.TokensOut = usage.tokensOut
	a.CostUSD = usage.costUSD
	a.DurationMs = time.Since(start).Milliseconds()
	a.CreatedAt = time.Now().UTC()
	return a, nil
}

// Critique runs one directed critique call.
func (r *Runner) Critique(ctx context.Context, c Call, v prompts.Vars) (*models.Critique, error) {
	c.Phase = models.PhaseCritique
	system := r.resolver.System(ctx, c.AgentID)
	user := r.resolver.Critique(ctx, c.AgentID, v)

	out, _, err := parseWithReprompt(ctx, r, c, system, user, parser.Critique)
	if err != nil {
		return nil, err
	}
	out.SessionID = c.Session.ID
	out.Iteration = c.Iteration
	out.FromAgent = c.AgentID
	out.ToAgent = v.TargetAgent
	out.CreatedAt = time.Now().UTC()
	return out, nil
}

// Synthesize runs the synthesis call.
func (r *Runner) Synthesize(ctx context.Context, c Call, v prompts.Vars) (*models.Synthesis, error) {
	c.Phase = models.PhaseSynthesize
	system := r.resolver.System(ctx, c.AgentID)
	user := r.resolver.Synthesis(ctx, c.AgentID, v)

	out, _, err := parseWithReprompt(ctx, r, c, system, user, parser.Synthesis)
	if err != nil {
		return nil, err
	}
	out.SessionID = c.Session.ID
	out.Iteration = c.Iteration
	out.CreatedAt = time.Now().UTC()
	return out, nil
}

// IsBudgetExhausted reports whether err is the budget gate.
func IsBudgetExhausted(err error) bool {
	return errors.Is(err, budget.ErrBudgetExhausted)
}
