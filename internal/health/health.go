// Package health runs component checks for readiness and liveness probes.
//
// A check is a named function; critical checks gate readiness, non-critical
// ones only degrade the report. The store check is critical, Redis and the
// provider registry are not: the engine runs without either.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Statuses reported per component and overall.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc probes one component. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

type check struct {
	name     string
	critical bool
	fn       CheckFunc
}

// ComponentResult is the outcome of one check.
type ComponentResult struct {
	Status     string `json:"status"`
	Critical   bool   `json:"critical"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report is the aggregate health view.
type Report struct {
	Status     string                     `json:"status"`
	Ready      bool                       `json:"ready"`
	Components map[string]ComponentResult `json:"components"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Manager holds the registered checks.
type Manager struct {
	mu      sync.Mutex
	checks  []check
	timeout time.Duration
	logger  *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{timeout: 5 * time.Second, logger: logger}
}

// Register adds a named check. Critical failures make the service not ready.
func (m *Manager) Register(name string, critical bool, fn CheckFunc) {
	m.mu.Lock()
	m.checks = append(m.checks, check{name: name, critical: critical, fn: fn})
	sort.Slice(m.checks, func(i, j int) bool { return m.checks[i].name < m.checks[j].name })
	m.mu.Unlock()
}

// Check runs every registered check with a per-check timeout.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.Lock()
	checks := make([]check, len(m.checks))
	copy(checks, m.checks)
	m.mu.Unlock()

	rep := Report{
		Status:     StatusHealthy,
		Ready:      true,
		Components: make(map[string]ComponentResult, len(checks)),
		Timestamp:  time.Now().UTC(),
	}
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		err := c.fn(cctx)
		cancel()

		res := ComponentResult{
			Status:     StatusHealthy,
			Critical:   c.critical,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			res.Error = err.Error()
			if c.critical {
				res.Status = StatusUnhealthy
				rep.Status = StatusUnhealthy
				rep.Ready = false
			} else {
				res.Status = StatusDegraded
				if rep.Status == StatusHealthy {
					rep.Status = StatusDegraded
				}
			}
			m.logger.Warn("health check failed",
				zap.String("component", c.name),
				zap.Bool("critical", c.critical),
				zap.Error(err))
		}
		rep.Components[c.name] = res
	}
	return rep
}

// Handler serves the health report. Not-ready reports answer 503 so load
// balancers stop routing; degraded ones stay 200.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !rep.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(rep)
	})
}

// LivenessHandler answers 200 while the process can serve requests at all.
func LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	})
}
