package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cosilium-ai/cosilium/internal/metrics"
	"github.com/cosilium-ai/cosilium/internal/models"
)

// Memory is the ephemeral backend. All state lives in process; results are
// annotated source=memory so clients know nothing survives a restart.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string]models.Session
	analyses    map[string][]models.AgentAnalysis
	critiques   map[string][]models.Critique
	syntheses   map[string][]models.Synthesis
	results     map[string]models.FinalResult
	runMetrics  map[string][]models.RunMetric
	prompts     map[string]models.PromptTemplate
	experiments map[string]models.Experiment
	expRuns     map[string][]models.ExperimentRun
}

func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[string]models.Session),
		analyses:    make(map[string][]models.AgentAnalysis),
		critiques:   make(map[string][]models.Critique),
		syntheses:   make(map[string][]models.Synthesis),
		results:     make(map[string]models.FinalResult),
		runMetrics:  make(map[string][]models.RunMetric),
		prompts:     make(map[string]models.PromptTemplate),
		experiments: make(map[string]models.Experiment),
		expRuns:     make(map[string][]models.ExperimentRun),
	}
}

func (m *Memory) Source() string { return SourceMemory }
func (m *Memory) Close() error   { return nil }

func recordWrite(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.StoreWrites.WithLabelValues(kind, status).Inc()
}

func (m *Memory) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		recordWrite("session", ErrConflict)
		return fmt.Errorf("session %s: %w", s.ID, ErrConflict)
	}
	m.sessions[s.ID] = *s
	recordWrite("session", nil)
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	out := s
	return &out, nil
}

func (m *Memory) UpdateSessionStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	// Terminal states are final.
	if models.IsTerminal(s.Status) && s.Status != status {
		return fmt.Errorf("session %s already %s: %w", id, s.Status, ErrConflict)
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	m.sessions[id] = s
	return nil
}

func (m *Memory) ListSessions(_ context.Context, limit int) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendAnalysis(_ context.Context, a *models.AgentAnalysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyses[a.SessionID] = append(m.analyses[a.SessionID], *a)
	recordWrite("analysis", nil)
	return nil
}

func (m *Memory) AppendCritique(_ context.Context, c *models.Critique) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.critiques[c.SessionID] = append(m.critiques[c.SessionID], *c)
	recordWrite("critique", nil)
	return nil
}

func (m *Memory) AppendSynthesis(_ context.Context, s *models.Synthesis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syntheses[s.SessionID] = append(m.syntheses[s.SessionID], *s)
	recordWrite("synthesis", nil)
	return nil
}

func (m *Memory) ListAnalyses(_ context.Context, sessionID string, iteration int) ([]models.AgentAnalysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AgentAnalysis
	for _, a := range m.analyses[sessionID] {
		if iteration == ListIterationAll || a.Iteration == iteration {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Iteration != out[j].Iteration {
			return out[i].Iteration < out[j].Iteration
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

func (m *Memory) ListCritiques(_ context.Context, sessionID string, iteration int) ([]models.Critique, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Critique
	for _, c := range m.critiques[sessionID] {
		if iteration == ListIterationAll || c.Iteration == iteration {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Iteration != out[j].Iteration {
			return out[i].Iteration < out[j].Iteration
		}
		if out[i].FromAgent != out[j].FromAgent {
			return out[i].FromAgent < out[j].FromAgent
		}
		return out[i].ToAgent < out[j].ToAgent
	})
	return out, nil
}

func (m *Memory) ListSyntheses(_ context.Context, sessionID string) ([]models.Synthesis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]models.Synthesis(nil), m.syntheses[sessionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Iteration < out[j].Iteration })
	return out, nil
}

func (m *Memory) SaveResult(_ context.Context, r *models.FinalResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.SessionID] = *r
	recordWrite("result", nil)
	return nil
}

func (m *Memory) GetResult(_ context.Context, sessionID string) (*models.FinalResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[sessionID]
	if !ok {
		return nil, fmt.Errorf("result for %s: %w", sessionID, ErrNotFound)
	}
	out := r
	return &out, nil
}

func (m *Memory) RecordRunMetric(_ context.Context, rm models.RunMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runMetrics[rm.SessionID] = append(m.runMetrics[rm.SessionID], rm)
	recordWrite("run_metric", nil)
	return nil
}

func (m *Memory) ListRunMetrics(_ context.Context, sessionID string) ([]models.RunMetric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.RunMetric(nil), m.runMetrics[sessionID]...), nil
}

func (m *Memory) SummarizeMetrics(_ context.Context, since time.Time) (*models.MetricsSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := &models.MetricsSummary{
		ByAgent: make(map[string]int),
		ByModel: make(map[string]float64),
	}
	var latencyTotal int64
	for _, rows := range m.runMetrics {
		for _, rm := range rows {
			if rm.CreatedAt.Before(since) {
				continue
			}
			sum.Calls++
			switch rm.Status {
			case models.CallStatusError:
				sum.Errors++
			case models.CallStatusTimeout:
				sum.Timeouts++
			}
			sum.TotalTokens += rm.TokensIn + rm.TokensOut
			sum.TotalCostUSD += rm.CostUSD
			sum.ByAgent[rm.AgentID]++
			sum.ByModel[rm.Model] += rm.CostUSD
			latencyTotal += rm.LatencyMs
		}
	}
	if sum.Calls > 0 {
		sum.AvgLatencyMs = float64(latencyTotal) / float64(sum.Calls)
	}
	return sum, nil
}

func promptKey(agentID, promptType string) string { return agentID + "/" + promptType }

func (m *Memory) ActivePrompt(_ context.Context, agentID, promptType string) (*models.PromptTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.prompts {
		if p.AgentID == agentID && p.PromptType == promptType && p.IsActive {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListPrompts(_ context.Context, agentID string) ([]models.PromptTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PromptTemplate
	for _, p := range m.prompts {
		if agentID == "" || p.AgentID == agentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := promptKey(out[i].AgentID, out[i].PromptType), promptKey(out[j].AgentID, out[j].PromptType)
		if ki != kj {
			return ki < kj
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *Memory) CreatePrompt(_ context.Context, p *models.PromptTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	maxVersion := 0
	for _, existing := range m.prompts {
		if existing.AgentID == p.AgentID && existing.PromptType == p.PromptType && existing.Version > maxVersion {
			maxVersion = existing.Version
		}
	}
	p.Version = maxVersion + 1
	if p.IsActive {
		m.deactivateLocked(p.AgentID, p.PromptType)
	}
	m.prompts[p.ID] = *p
	recordWrite("prompt", nil)
	return nil
}

func (m *Memory) deactivateLocked(agentID, promptType string) {
	for id, existing := range m.prompts {
		if existing.AgentID == agentID && existing.PromptType == promptType && existing.IsActive {
			existing.IsActive = false
			m.prompts[id] = existing
		}
	}
}

func (m *Memory) ActivatePrompt(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prompts[id]
	if !ok {
		return fmt.Errorf("prompt %s: %w", id, ErrNotFound)
	}
	m.deactivateLocked(p.AgentID, p.PromptType)
	p.IsActive = true
	m.prompts[id] = p
	return nil
}

func (m *Memory) CreateExperiment(_ context.Context, e *models.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	for i := range e.Variants {
		if e.Variants[i].ID == "" {
			e.Variants[i].ID = uuid.NewString()
		}
		e.Variants[i].ExperimentID = e.ID
	}
	m.experiments[e.ID] = *e
	recordWrite("experiment", nil)
	return nil
}

func (m *Memory) GetExperiment(_ context.Context, id string) (*models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.experiments[id]
	if !ok {
		return nil, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	out := e
	return &out, nil
}

func (m *Memory) ListExperiments(_ context.Context) ([]models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Experiment, 0, len(m.experiments))
	for _, e := range m.experiments {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateExperimentStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.experiments[id]
	if !ok {
		return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	m.experiments[id] = e
	return nil
}

func (m *Memory) RecordExperimentRun(_ context.Context, r *models.ExperimentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if _, ok := m.experiments[r.ExperimentID]; !ok {
		return fmt.Errorf("experiment %s: %w", r.ExperimentID, ErrNotFound)
	}
	m.expRuns[r.ExperimentID] = append(m.expRuns[r.ExperimentID], *r)
	recordWrite("experiment_run", nil)
	return nil
}

func (m *Memory) ListExperimentRuns(_ context.Context, experimentID string) ([]models.ExperimentRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ExperimentRun(nil), m.expRuns[experimentID]...), nil
}

var _ Store = (*Memory)(nil)
