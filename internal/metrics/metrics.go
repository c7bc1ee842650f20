package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosilium_sessions_started_total",
			Help: "Total number of deliberation sessions started",
		},
		[]string{"task_type"},
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosilium_sessions_completed_total",
			Help: "Total number of deliberation sessions reaching a terminal state",
		},
		[]string{"task_type", "status"},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cosilium_session_duration_seconds",
			Help:    "Deliberation session duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"task_type"},
	)

	SessionIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cosilium_session_iterations",
			Help:    "Iterations used per session",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	SessionCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cosilium_session_cost_usd",
			Help:    "Cost in USD per session",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
	)

	ConsensusLevel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cosilium_consensus_level",
			Help: "Synthesizer-reported consensus level of the most recent iteration",
		},
		[]string{"source"}, // synthesizer | spread
	)

	// Agent call metrics
	AgentCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosilium_agent_calls_total",
			Help: "Total provider calls by agent, phase and outcome",
		},
		[]string{"agent_id", "phase", "status"},
	)

	AgentCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cosilium_agent_call_duration_ms",
			Help:    "Provider call duration in milliseconds",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"agent_id", "phase"},
	)

	AgentCallRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosilium_agent_call_retries_total",
			Help: "Retries by agent and error kind",
		},
		[]string{"agent_id", "kind"},
	)

	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosilium_tokens_total",
			Help: "Tokens consumed by model and direction",
		},
		[]string{"model", "direction"}, // direction: in | out
	)

	// Parser metrics
	ParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosilium_parse_failures_total",
			Help: "Structured output parse failures by phase",
		},
		[]string{"phase"},
	)

	ParseReprompts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosilium_parse_reprompts_total",
			Help: "Strict-JSON reprompts issued after a parse failure",
		},
		[]string{"phase"},
	)

	ConfidenceImputed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cosilium_confidence_imputed_total",
			Help: "Analyses whose confidence was absent and imputed as 0.5",
		},
	)

	// Pricing metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosilium_pricing_fallbacks_total",
			Help: "Cost computations that fell back to default pricing",
		},
		[]string{"reason"}, // missing_model | unknown_model
	)

	// Budget metrics
	BudgetStops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cosilium_budget_stops_total",
			Help: "Sessions terminated because the budget was exhausted",
		},
	)

	BudgetRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cosilium_budget_remaining_usd",
			Help: "Remaining budget of the most recently evaluated session",
		},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosilium_events_published_total",
			Help: "Lifecycle events published to the stream",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cosilium_events_dropped_total",
			Help: "Droppable events discarded due to slow subscribers",
		},
	)

	// Store metrics
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cosilium_store_writes_total",
			Help: "Store writes by record kind and outcome",
		},
		[]string{"kind", "status"},
	)

	// Session cache metrics
	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cosilium_session_cache_hits_total",
			Help: "Session snapshot cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cosilium_session_cache_misses_total",
			Help: "Session snapshot cache misses",
		},
	)
)
