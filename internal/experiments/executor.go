package experiments

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cosilium-ai/cosilium/internal/agents"
	"github.com/cosilium-ai/cosilium/internal/parser"
	"github.com/cosilium-ai/cosilium/internal/pricing"
	"github.com/cosilium-ai/cosilium/internal/prompts"
	"github.com/cosilium-ai/cosilium/internal/providers"
)

// ProviderExecutor runs a candidate prompt against the agent's real provider.
// The candidate replaces the system prompt, the user prompt is the regular
// analysis prompt over the test input, and quality is the confidence the
// agent reports for its own analysis. Self-reported confidence is a coarse
// signal, but it ranks variants consistently across runs of one experiment.
type ProviderExecutor struct {
	registry *providers.Registry
	resolver *prompts.Resolver
	timeout  time.Duration
	logger   *zap.Logger
}

func NewProviderExecutor(registry *providers.Registry, resolver *prompts.Resolver, timeout time.Duration, logger *zap.Logger) *ProviderExecutor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ProviderExecutor{registry: registry, resolver: resolver, timeout: timeout, logger: logger}
}

func (e *ProviderExecutor) Execute(ctx context.Context, agentID, promptContent, testInput string) (*VariantResult, error) {
	agent, ok := agents.Lookup(agentID)
	if !ok {
		return nil, &providers.Error{Provider: "", Kind: providers.KindInvalidRequest, Err: errUnknownAgent(agentID)}
	}
	adapter, err := e.registry.Get(agent.Provider)
	if err != nil {
		return nil, err
	}

	user := e.resolver.Analyze(ctx, agentID, prompts.Vars{Task: testInput, TaskType: "strategy"})

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	res, err := adapter.Invoke(cctx, promptContent, user, providers.Params{
		Model:       agent.DefaultModel,
		Temperature: 0.7,
	})
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}

	out := &VariantResult{
		LatencyMs: latency.Milliseconds(),
		CostUSD:   pricing.Cost(agent.DefaultModel, res.TokensIn, res.TokensOut),
	}
	a, _, perr := parser.Analysis(res.Text)
	if perr != nil {
		e.logger.Warn("variant reply unparsable, scoring zero",
			zap.String("agent_id", agentID),
			zap.Error(perr))
		return out, nil
	}
	out.Quality = a.Confidence
	return out, nil
}

type errUnknownAgent string

func (e errUnknownAgent) Error() string { return "unknown agent " + string(e) }
