package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/p2p-call-signaling/config"
	"github.com/mossy-p/p2p-call-signaling/internal/models"
	"github.com/mossy-p/p2p-call-signaling/internal/session"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Signaling is the server side of the signaling protocol
type Signaling interface {
	Connect(conn session.Conn) string
	Handle(ctx context.Context, sessionID string, env models.Envelope)
	Disconnect(ctx context.Context, sessionID string)
}

// Client represents a WebSocket client connection
type Client struct {
	ID   string
	Conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

var _ session.Conn = (*Client)(nil)

// Send queues a frame for the write pump without blocking.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close stops the write pump after it flushes what is queued.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	return nil
}

// HandleSignaling upgrades GET /ws and runs the connection until either
// side goes away.
func HandleSignaling(svc Signaling, cfg *config.Config, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to upgrade connection")
			return
		}

		client := &Client{
			Conn: conn,
			send: make(chan []byte, cfg.SendBuffer),
		}
		client.ID = svc.Connect(client)

		go client.writePump(logger)
		client.readPump(svc, cfg.MaxMessageBytes, logger)
	}
}

func (c *Client) readPump(svc Signaling, limit int64, logger zerolog.Logger) {
	l := logger.With().Str("session_id", c.ID).Logger()
	ctx := context.Background()

	// writePump closes Conn once the close frame is out
	defer func() {
		svc.Disconnect(ctx, c.ID)
		c.Close()
	}()

	if limit > 0 {
		c.Conn.SetReadLimit(limit)
	}
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			l.Warn().Err(err).Msg("Failed to parse message")
			continue
		}
		svc.Handle(ctx, c.ID, env)
	}
}

func (c *Client) writePump(logger zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logger.Warn().Err(err).Str("session_id", c.ID).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
