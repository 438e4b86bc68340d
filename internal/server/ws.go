package server

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// wsChannel is a bridge channel backed by one websocket connection.
type wsChannel struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

// Deliver writes one ResponseEnvelope as a text frame.
func (c *wsChannel) Deliver(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsChannel) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// handleConnection upgrades the request and feeds every text frame to the
// dispatcher as a posted message.
func (s *Server) handleConnection(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	ch := &wsChannel{id: uuid.NewString(), conn: conn}
	logger := s.logger.With(zap.String("conn_id", ch.id))

	s.connMu.Lock()
	s.conns[ch.id] = ch
	s.connMu.Unlock()
	s.metrics.ConnectionOpened()
	logger.Info("Content channel connected", zap.String("remote", c.ClientIP()))

	defer func() {
		s.connMu.Lock()
		delete(s.conns, ch.id)
		s.connMu.Unlock()
		s.metrics.ConnectionClosed()
		_ = conn.Close()
		logger.Info("Content channel disconnected")
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			logger.Debug("Ignoring non-text frame", zap.Int("type", kind))
			continue
		}
		s.bridge.Dispatcher.HandleMessage(ch, data)
	}
}
