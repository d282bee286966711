package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/albertojacini/vemorize/internal/events"
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

// handleEvents streams bus events as JSON text frames until the client
// disconnects. Frames the client sends are discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		s.errorResponse(w, http.StatusNotFound, "event stream not available")
		return
	}
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.cfg.Bus.Subscribe(64)
	defer s.cfg.Bus.Unsubscribe(sub)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("event stream read error", "error", err)
				}
				return
			}
		}
	}()

	s.logger.Debug("event stream client connected", "remote", r.RemoteAddr)
	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if !s.writeFrame(conn, ev) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, ev events.Event) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return false
	}
	if err := conn.WriteJSON(ev); err != nil {
		s.logger.Debug("event stream write failed", "error", err)
		return false
	}
	return true
}
