package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"clip-acquirer/internal/hub"
	"clip-acquirer/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 4096
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn serialises writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := s.hub.Register(&wsConn{conn: conn})
	s.logger.Debug("progress client connected", slog.String("client", client.ID()), slog.String("remote", c.Request.RemoteAddr))
	s.readPump(client, conn)
}

// readPump handles subscribe/unsubscribe messages until the connection
// fails. Malformed messages are ignored.
func (s *Server) readPump(client *hub.Client, conn *websocket.Conn) {
	defer func() {
		s.hub.OnDisconnect(client)
		s.logger.Debug("progress client disconnected", slog.String("client", client.ID()))
	}()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Debug("progress client read failed", slog.String("client", client.ID()), slog.String("error", err.Error()))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg model.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed client message", slog.String("client", client.ID()))
			continue
		}
		id := strings.TrimSpace(msg.ResourceID)
		if id == "" {
			continue
		}
		switch msg.Type {
		case model.MessageSubscribe:
			s.hub.Subscribe(client, id)
		case model.MessageUnsubscribe:
			s.hub.Unsubscribe(client, id)
		default:
			s.logger.Debug("ignoring client message", slog.String("type", msg.Type))
		}
	}
}
