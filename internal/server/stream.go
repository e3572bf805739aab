package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/patch"
)

const (
	writeWait = 10 * time.Second
	// clients only ever send close or keepalive frames
	maxInboundFrame = 1024
)

// wsConn adapts a websocket connection to livestream.Conn. Each patch is
// one text frame holding the JSON Patch array.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, b, err := c.ws.ReadMessage()
	return b, err
}

func (c *wsConn) WritePatch(p patch.Patch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(p)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "project_id")
	if !ok {
		return
	}
	// subscribe before the snapshot so nothing between the two is lost
	feed, cancel := s.hub.Subscribe(projectID)
	defer cancel()

	initial, err := s.svc.Snapshot(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxInboundFrame)
	log := s.log.With(zap.String("project_id", projectID))
	log.Debug("live stream opened")
	if err := s.stream.Serve(r.Context(), &wsConn{ws: ws}, initial, feed); err != nil {
		log.Warn("live stream ended", zap.Error(err))
		return
	}
	log.Debug("live stream closed")
}
