package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cosilium-ai/cosilium/internal/streaming"
)

const sseHeartbeat = 15 * time.Second

// streamParams are the common query parameters of both stream endpoints.
type streamParams struct {
	sessionID  string
	lastSeq    uint64
	typeFilter map[string]struct{}
}

func (p streamParams) wants(evt streaming.Event) bool {
	if len(p.typeFilter) == 0 {
		return true
	}
	_, ok := p.typeFilter[evt.Type]
	return ok
}

func parseStreamParams(r *http.Request) (streamParams, error) {
	p := streamParams{sessionID: r.URL.Query().Get("session_id")}
	if p.sessionID == "" {
		return p, fmt.Errorf("session_id required")
	}
	if s := r.URL.Query().Get("types"); s != "" {
		p.typeFilter = make(map[string]struct{})
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				p.typeFilter[t] = struct{}{}
			}
		}
	}
	// Last-Event-ID header wins over the query parameter; both carry the
	// sequence number of the last event the client saw.
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.lastSeq = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && p.lastSeq == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			p.lastSeq = n
		}
	}
	return p, nil
}

// handleSSE streams session events as Server-Sent Events. Reconnecting
// clients resume lifecycle events from Last-Event-ID; metric events are
// live-only.
// GET /analyze/stream?session_id=<id>[&types=...][&last_event_id=N]
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	p, err := parseStreamParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying so no event falls between the two.
	ch := s.stream.Subscribe(p.sessionID, 256)
	defer s.stream.Unsubscribe(p.sessionID, ch)

	fmt.Fprintf(w, ": connected to session %s\n\n", p.sessionID)

	lastSent := p.lastSeq
	for _, evt := range s.stream.ReplaySince(p.sessionID, p.lastSeq) {
		if p.wants(evt) {
			writeSSE(w, evt)
		}
		lastSent = evt.Seq
	}
	flusher.Flush()

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse client disconnected", zap.String("session_id", p.sessionID))
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Seq <= lastSent || !p.wants(evt) {
				continue
			}
			lastSent = evt.Seq
			writeSSE(w, evt)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
}
