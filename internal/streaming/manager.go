// Package streaming is the in-memory pub/sub hub for deliberation events.
//
// Lifecycle events are retained in a per-session ring buffer so SSE clients
// can resume from Last-Event-ID; live delivery never blocks the engine.
// Metric events are volatile: delivered when a subscriber keeps up, dropped
// otherwise, and never replayed.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cosilium-ai/cosilium/internal/metrics"
)

// Event types emitted over a session stream.
const (
	TypePhaseStart        = "phase_start"
	TypeAgentCompleted    = "agent_completed"
	TypeAgentFailed       = "agent_failed"
	TypeCritiqueCompleted = "critique_completed"
	TypeSynthesisReady    = "synthesis_ready"
	TypeIterationComplete = "iteration_complete"
	TypeSessionCompleted  = "session_completed"
	TypeSessionFailed     = "session_failed"
	TypeSessionCancelled  = "session_cancelled"
	TypeMetric            = "metric"
)

// Event is one streamed deliberation event.
type Event struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	AgentID   string          `json:"agent_id,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	Iteration int             `json:"iteration,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
}

// Marshal returns the JSON body for SSE frames and websocket messages.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Droppable reports whether an event may be discarded without replay.
func (e Event) Droppable() bool { return e.Type == TypeMetric }

// Manager fans events out to per-session subscribers.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

const defaultCapacity = 256

func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a session. The caller must drain
// the channel and call Unsubscribe when done.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish assigns a sequence number, records lifecycle events in the session
// ring, and delivers to subscribers without blocking. Slow subscribers lose
// live events; lifecycle events remain recoverable via ReplaySince.
func (m *Manager) Publish(sessionID string, evt Event) {
	evt.SessionID = sessionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	if !evt.Droppable() {
		rg.push(evt)
	}
	subs := m.subscribers[sessionID]
	targets := make([]chan Event, 0, len(subs))
	for ch := range subs {
		targets = append(targets, ch)
	}
	m.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(evt.Type).Inc()
	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

// ReplaySince returns retained lifecycle events with Seq > since, best-effort
// within ring capacity.
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[sessionID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops a session's history once its terminal event has had time to
// be consumed. Called by the engine's retention sweep.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.history, sessionID)
	m.mu.Unlock()
}

// ring is a fixed-capacity buffer of lifecycle events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// full: overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
