package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement belongs to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsPingInterval = 20 * time.Second
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
)

// handleWS streams session events over a websocket. Same replay semantics
// as the SSE endpoint via the last_event_id query parameter.
// GET /stream/ws?session_id=<id>[&types=...][&last_event_id=N]
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p, err := parseStreamParams(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := s.stream.Subscribe(p.sessionID, 256)
	defer s.stream.Unsubscribe(p.sessionID, ch)

	lastSent := p.lastSeq
	for _, evt := range s.stream.ReplaySince(p.sessionID, p.lastSeq) {
		if !p.wants(evt) {
			lastSent = evt.Seq
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
		lastSent = evt.Seq
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// Reader pump: client messages are discarded, but the read loop notices
	// closed connections.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Seq <= lastSent || !p.wants(evt) {
				continue
			}
			lastSent = evt.Seq
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
