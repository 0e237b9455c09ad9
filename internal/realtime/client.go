package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/clinicdesk/wa-inbox-service/internal/observer"
	"github.com/clinicdesk/wa-inbox-service/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// Inbound frames are control traffic only
	maxInboundBytes = 512

	sendBuffer = 256
)

// Client is one dashboard WebSocket session, bound to a single clinic.
type Client struct {
	ID       string
	ClinicID string
	conn     *websocket.Conn
	send     chan []byte
	mu       sync.Mutex
	closed   bool
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, clinicID string) *Client {
	return &Client{
		ID:       uuid.NewString(),
		ClinicID: clinicID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
}

// Deliver queues one payload without blocking. A slow consumer loses
// notifications rather than stalling the hub; the dashboard refetches state
// on reconnect anyway.
func (c *Client) Deliver(payload []byte) {
	select {
	case c.send <- payload:
	default:
		observer.IncWsSendDrops()
	}
}

// WriteLoop drains the send queue onto the socket and keeps the connection
// alive with pings. Returns when the context ends or the queue closes.
func (c *Client) WriteLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			observer.IncWsMessagesSent()
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadLoop discards inbound frames and surfaces disconnects. The change feed
// is one-way; clients only send pongs and close frames.
func (c *Client) ReadLoop(onClose func()) {
	defer onClose()

	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Log.Debug("WebSocket closed unexpectedly",
					zap.String("client_id", c.ID),
					zap.Error(err))
			}
			return
		}
	}
}

// Close shuts the socket once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
