// Package ws serves the websocket watch endpoint: clients subscribe to a
// chat session and receive the frames of its runs as they are produced.
package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/research/internal/config"
	"github.com/xiaot623/gogo/research/internal/hub"
	"github.com/xiaot623/gogo/research/internal/logger"
	"github.com/xiaot623/gogo/research/internal/service"
)

const maxMessageSize = 4096

// Server handles WebSocket connections.
type Server struct {
	hub        *hub.Hub
	pingPeriod time.Duration
	writeWait  time.Duration
	upgrader   websocket.Upgrader
	log        *logger.Logger
}

// NewServer creates a new WebSocket server.
func NewServer(cfg config.ServerConfig, h *hub.Hub, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	pingPeriod := cfg.WSPingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 30 * time.Second
	}
	writeWait := cfg.WSWriteWait
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	return &Server{
		hub:        h,
		pingPeriod: pingPeriod,
		writeWait:  writeWait,
		log:        log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades GET /ws?session_id=... and subscribes the
// connection to the session.
func (s *Server) HandleWebSocket(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_id is required"})
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("failed to upgrade websocket", zap.Error(err))
		return nil
	}

	conn := s.hub.NewConnection(ws, sessionID)
	ws.SetReadLimit(maxMessageSize)

	// Queued before Register: the hub owns Send once registered.
	if err := s.hub.SendJSONToConnection(conn, hub.Message{
		Type:      hub.TypeHelloAck,
		Ts:        time.Now().UnixMilli(),
		SessionID: sessionID,
	}); err != nil {
		s.log.Warn("failed to queue hello_ack", zap.Error(err))
	}
	s.hub.Register(conn)

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// readPump only drains the connection: watchers send nothing but control
// frames. It ends the subscription when the client goes away.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		_ = conn.Close()
	}()

	readTimeout := s.pingPeriod + s.writeWait
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket error", zap.String("session_id", conn.SessionID), zap.Error(err))
			}
			return
		}
	}
}

// writePump writes queued messages and pings to the connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if !ok {
				// Hub closed the channel
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Debug("failed to write websocket message", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Watchers adapts a Hub to the service's run observers.
type Watchers struct {
	hub *hub.Hub
}

// NewWatchers creates a Watchers publishing through h.
func NewWatchers(h *hub.Hub) *Watchers {
	return &Watchers{hub: h}
}

// Observe returns the hub sink of a run.
func (w *Watchers) Observe(sessionID, runID string) service.RunObserver {
	return w.hub.SinkFor(sessionID, runID)
}

var _ service.Watchers = (*Watchers)(nil)
