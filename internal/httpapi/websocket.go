package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsReadLimit  = 4096
	wsPongWait   = 90 * time.Second
	wsWriteWait  = 10 * time.Second
	wsBufferSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  wsBufferSize,
	WriteBufferSize: wsBufferSize,
	// The HTTP layer already allows any origin; the socket follows suit.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to the notification manager's Conn
// interface. Gorilla permits one concurrent writer, and the manager sends from
// several goroutines, so writes are serialized here.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}

	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// handleWebSocket upgrades the request and pumps inbound client messages into
// the notification manager until the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed: %v", err)

		return
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	wrapped := &wsConn{conn: conn}
	sessionID := s.notifier.Connect(wrapped, r.URL.Query().Get("session_id"))

	s.log.Info("WebSocket session %s connected from %s", sessionID, r.RemoteAddr)

	defer func() {
		s.notifier.Disconnect(sessionID)
		s.log.Info("WebSocket session %s disconnected", sessionID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		s.notifier.HandleMessage(r.Context(), sessionID, raw)
	}
}
