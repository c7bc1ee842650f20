// Package prompts resolves the system and user prompts for each agent call.
//
// Resolution order is store-backed active template first, built-in default
// second. Resolved rows are cached with a short TTL; studio prompt updates
// invalidate the affected entry immediately.
package prompts

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cosilium-ai/cosilium/internal/models"
)

const cacheTTL = 5 * time.Minute

// Source yields the active stored template for an (agent, type) pair.
// A nil template with nil error means no active row exists.
type Source interface {
	ActivePrompt(ctx context.Context, agentID, promptType string) (*models.PromptTemplate, error)
}

// Vars are the placeholder values interpolated into user prompts.
type Vars struct {
	Task            string
	TaskType        string
	Context         string
	OtherAnalyses   string
	TargetAgent     string
	PriorSynthesis  string
	CritiquesOfSelf string
}

// Render substitutes the placeholder tokens of a template.
func Render(template string, v Vars) string {
	r := strings.NewReplacer(
		"{task}", v.Task,
		"{task_type}", v.TaskType,
		"{context}", v.Context,
		"{other_analyses}", v.OtherAnalyses,
		"{target_agent}", v.TargetAgent,
		"{prior_synthesis}", v.PriorSynthesis,
		"{critiques_of_self}", v.CritiquesOfSelf,
	)
	return r.Replace(template)
}

type cacheEntry struct {
	content   string
	fetchedAt time.Time
}

// Resolver resolves and caches prompt templates.
type Resolver struct {
	source Source
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewResolver(source Source, logger *zap.Logger) *Resolver {
	return &Resolver{
		source: source,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

func cacheKey(agentID, promptType string) string {
	return agentID + "/" + promptType
}

// Invalidate drops the cached entry for an (agent, type) pair. Called when a
// studio update activates a new version.
func (r *Resolver) Invalidate(agentID, promptType string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(agentID, promptType))
	r.mu.Unlock()
}

// resolve fetches the active template content, falling back to built-ins.
// Store errors degrade to the default rather than failing the call.
func (r *Resolver) resolve(ctx context.Context, agentID, promptType string) string {
	key := cacheKey(agentID, promptType)

	r.mu.RLock()
	if e, ok := r.cache[key]; ok && time.Since(e.fetchedAt) < cacheTTL {
		r.mu.RUnlock()
		return e.content
	}
	r.mu.RUnlock()

	content := defaultContent(agentID, promptType)
	if r.source != nil {
		tpl, err := r.source.ActivePrompt(ctx, agentID, promptType)
		switch {
		case err != nil:
			r.logger.Warn("prompt lookup failed, using default",
				zap.String("agent_id", agentID),
				zap.String("prompt_type", promptType),
				zap.Error(err))
		case tpl != nil:
			content = tpl.Content
		}
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{content: content, fetchedAt: time.Now()}
	r.mu.Unlock()
	return content
}

// System returns the system prompt for an agent.
func (r *Resolver) System(ctx context.Context, agentID string) string {
	return r.resolve(ctx, agentID, models.PromptTypeSystem)
}

// Analyze returns the rendered analyze-phase user prompt. When a prior
// synthesis is present the refinement variant is used.
func (r *Resolver) Analyze(ctx context.Context, agentID string, v Vars) string {
	if v.PriorSynthesis != "" {
		return Render(refineTemplate, v)
	}
	return Render(r.resolve(ctx, agentID, models.PromptTypeUserTemplate), v)
}

// Critique returns the rendered critique-phase user prompt.
func (r *Resolver) Critique(ctx context.Context, agentID string, v Vars) string {
	return Render(r.resolve(ctx, agentID, models.PromptTypeCritique), v)
}

// Synthesis returns the rendered synthesize-phase user prompt.
func (r *Resolver) Synthesis(ctx context.Context, agentID string, v Vars) string {
	return Render(r.resolve(ctx, agentID, models.PromptTypeSynthesis), v)
}
