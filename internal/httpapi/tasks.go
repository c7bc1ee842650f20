package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cosilium-ai/cosilium/internal/agents"
	"github.com/cosilium-ai/cosilium/internal/engine"
	"github.com/cosilium-ai/cosilium/internal/models"
	"github.com/cosilium-ai/cosilium/internal/sessioncache"
)

// handleAgents lists the agent catalog.
// GET /agents
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":              agents.All(),
		"default_synthesizer": agents.DefaultSynthesizer,
	})
}

type runOutcome struct {
	result *models.FinalResult
	err    error
}

// startRun launches the deliberation detached from the request context so a
// departing client cannot abort it. Cancellation goes through the engine.
func (s *Server) startRun(sessionID string) <-chan runOutcome {
	done := make(chan runOutcome, 1)
	go func() {
		res, err := s.engine.Run(context.Background(), sessionID)
		done <- runOutcome{result: res, err: err}
	}()
	return done
}

// handleAnalyzeSync submits a task and waits for the result, up to the sync
// wait limit. Past the limit it answers 504 with the session id so the
// client can fall back to polling; the deliberation keeps running.
// POST /analyze
func (s *Server) handleAnalyzeSync(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.engine.CreateSession(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	done := s.startRun(sess.ID)
	limit := time.NewTimer(s.syncWait)
	defer limit.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			s.fail(w, out.err)
			return
		}
		writeJSON(w, http.StatusOK, out.result)
	case <-limit.C:
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{
			"session_id": sess.ID,
			"status":     models.StatusRunning,
			"detail":     "deliberation still in progress, poll /tasks/" + sess.ID,
		})
	case <-r.Context().Done():
		s.logger.Info("sync client gone, deliberation continues",
			zap.String("session_id", sess.ID))
	}
}

// handleAnalyzeAsync submits a task and returns immediately.
// POST /analyze/async
func (s *Server) handleAnalyzeAsync(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.engine.CreateSession(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.startRun(sess.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sess.ID,
		"status":     sess.Status,
	})
}

// taskView is the polling response. Source names what served it: the cache
// or the store backend.
type taskView struct {
	Session   models.Session          `json:"session"`
	Iteration int                     `json:"iteration,omitempty"`
	Phase     string                  `json:"phase,omitempty"`
	Consensus float64                 `json:"consensus,omitempty"`
	Stats     []models.IterationStats `json:"stats,omitempty"`
	Result    *models.FinalResult     `json:"result,omitempty"`
	Source    string                  `json:"source"`
}

// handleGetTask returns the current view of a session. Cache snapshots serve
// in-flight polls; terminal sessions come from the store with their result.
// GET /tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if snap, ok := s.cacheGet(r.Context(), id); ok && !models.IsTerminal(snap.Session.Status) {
		writeJSON(w, http.StatusOK, taskView{
			Session:   snap.Session,
			Iteration: snap.Iteration,
			Phase:     snap.Phase,
			Consensus: snap.Consensus,
			Stats:     snap.Stats,
			Source:    "cache",
		})
		return
	}

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	view := taskView{Session: *sess, Source: s.store.Source()}
	if models.IsTerminal(sess.Status) {
		if res, err := s.store.GetResult(r.Context(), id); err == nil {
			view.Result = res
			view.Iteration = res.Metrics.IterationsUsed
			if res.Synthesis != nil {
				view.Consensus = res.Synthesis.ConsensusLevel
			}
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cacheGet(ctx context.Context, id string) (*sessioncache.Snapshot, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Get(ctx, id)
}

// handleGetResult returns the final result only.
// GET /tasks/{id}/result
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.store.GetResult(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleListTasks lists recent sessions, newest first.
// GET /tasks?limit=
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be in [1,500]")
			return
		}
		limit = n
	}
	sessions, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// handleCancelTask aborts a running session. The engine drives it to a
// cancelled terminal state with whatever completed so far.
// POST /tasks/{id}/cancel, DELETE /tasks/{id}
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.engine.Cancel(id) {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"session_id": id,
			"status":     "cancelling",
		})
		return
	}

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if models.IsTerminal(sess.Status) {
		s.writeError(w, http.StatusConflict, "session already "+sess.Status)
		return
	}
	s.writeError(w, http.StatusConflict, "session is not running")
}
