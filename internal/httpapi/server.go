// Package httpapi exposes the deliberation engine and the studio surface
// over HTTP: session submission (sync and async), status polling, event
// streams, prompt and experiment management, and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cosilium-ai/cosilium/internal/engine"
	"github.com/cosilium-ai/cosilium/internal/experiments"
	"github.com/cosilium-ai/cosilium/internal/health"
	"github.com/cosilium-ai/cosilium/internal/prompts"
	"github.com/cosilium-ai/cosilium/internal/runner"
	"github.com/cosilium-ai/cosilium/internal/sessioncache"
	"github.com/cosilium-ai/cosilium/internal/store"
	"github.com/cosilium-ai/cosilium/internal/streaming"
)

// Server bundles the handlers and their dependencies.
type Server struct {
	engine      *engine.Engine
	store       store.Store
	cache       *sessioncache.Cache
	stream      *streaming.Manager
	resolver    *prompts.Resolver
	experiments *experiments.Service
	health      *health.Manager
	syncWait    time.Duration
	logger      *zap.Logger
}

// Options carries the optional knobs for NewServer.
type Options struct {
	// SyncWaitLimit bounds how long POST /analyze holds the connection
	// before degrading to 504 plus a pollable session id.
	SyncWaitLimit time.Duration
}

func NewServer(
	eng *engine.Engine,
	st store.Store,
	cache *sessioncache.Cache,
	stream *streaming.Manager,
	resolver *prompts.Resolver,
	exp *experiments.Service,
	hm *health.Manager,
	opts Options,
	logger *zap.Logger,
) *Server {
	if opts.SyncWaitLimit <= 0 {
		opts.SyncWaitLimit = 10 * time.Minute
	}
	return &Server{
		engine:      eng,
		store:       st,
		cache:       cache,
		stream:      stream,
		resolver:    resolver,
		experiments: exp,
		health:      hm,
		syncWait:    opts.SyncWaitLimit,
		logger:      logger,
	}
}

// Routes builds the service mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /health", s.health.Handler())
	mux.Handle("GET /health/live", health.LivenessHandler())
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("POST /analyze", s.handleAnalyzeSync)
	mux.HandleFunc("POST /analyze/async", s.handleAnalyzeAsync)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /tasks/{id}/result", s.handleGetResult)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleCancelTask)

	mux.HandleFunc("GET /analyze/stream", s.handleSSE)
	mux.HandleFunc("GET /stream/ws", s.handleWS)

	mux.HandleFunc("GET /studio/prompts", s.handleListPrompts)
	mux.HandleFunc("POST /studio/prompts", s.handleCreatePrompt)
	mux.HandleFunc("POST /studio/prompts/{id}/activate", s.handleActivatePrompt)
	mux.HandleFunc("PUT /studio/prompts/{id}", s.handleActivatePrompt)
	mux.HandleFunc("GET /studio/experiments", s.handleListExperiments)
	mux.HandleFunc("POST /studio/experiments", s.handleCreateExperiment)
	mux.HandleFunc("POST /studio/experiments/{id}/run", s.handleRunExperiment)
	mux.HandleFunc("GET /studio/experiments/{id}/summary", s.handleExperimentSummary)
	mux.HandleFunc("POST /studio/experiments/{id}/stop", s.handleStopExperiment)
	mux.HandleFunc("DELETE /studio/experiments/{id}", s.handleStopExperiment)
	mux.HandleFunc("GET /studio/metrics", s.handleMetricsSummary)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a domain error to an HTTP status.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, engine.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, err.Error())
	case runner.IsBudgetExhausted(err):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}
