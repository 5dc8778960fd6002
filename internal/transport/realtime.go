package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unioneyes/claimsync/internal/creds"
	"github.com/unioneyes/claimsync/internal/events"
	"github.com/unioneyes/claimsync/internal/models"
)

// RealtimeClient subscribes to the server's change feed over WebSocket
// and surfaces change notices so the engine can pull affected entities
// without waiting for the next background cycle. The connection
// reconnects with exponential backoff until the context ends.
type RealtimeClient struct {
	url      string
	entities []string
	tokens   *creds.TokenStore
	logger   *events.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	changes chan models.ChangeNotice

	pingInterval     time.Duration
	pongTimeout      time.Duration
	reconnectInitial time.Duration
	reconnectMax     time.Duration
}

type subscribeMessage struct {
	Type     string   `json:"type"`
	Entities []string `json:"entities"`
}

// NewRealtimeClient creates a change-feed subscriber for the given
// entity types.
func NewRealtimeClient(wsURL string, entities []string, tokens *creds.TokenStore, logger *events.Logger) *RealtimeClient {
	if len(wsURL) > 4 && wsURL[:4] == "http" {
		wsURL = "ws" + wsURL[4:]
	}

	return &RealtimeClient{
		url:              wsURL,
		entities:         entities,
		tokens:           tokens,
		logger:           logger.WithField("component", "realtime"),
		changes:          make(chan models.ChangeNotice, 100),
		pingInterval:     30 * time.Second,
		pongTimeout:      10 * time.Second,
		reconnectInitial: time.Second,
		reconnectMax:     2 * time.Minute,
	}
}

// Changes returns the change-notice channel. Closed when Run exits.
func (c *RealtimeClient) Changes() <-chan models.ChangeNotice {
	return c.changes
}

// Run connects and keeps the subscription alive until ctx ends.
func (c *RealtimeClient) Run(ctx context.Context) {
	defer close(c.changes)

	delay := c.reconnectInitial
	for {
		if err := c.connect(ctx); err != nil {
			c.logger.WithError(err).Warn("Realtime connect failed")
		} else {
			delay = c.reconnectInitial
			c.readLoop(ctx)
		}

		c.disconnect()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.reconnectMax {
			delay = c.reconnectMax
		}
	}
}

func (c *RealtimeClient) connect(ctx context.Context) error {
	headers := http.Header{}
	if token, err := c.tokens.Token(); err == nil {
		headers.Set("Authorization", "Bearer "+token.AccessToken)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("realtime connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("realtime connect failed: %w", err)
	}

	if err := conn.WriteJSON(subscribeMessage{Type: "subscribe", Entities: c.entities}); err != nil {
		conn.Close()
		return fmt.Errorf("send subscribe: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.pingLoop(ctx, conn)

	c.logger.WithField("entities", len(c.entities)).Info("Realtime connected")
	return nil
}

func (c *RealtimeClient) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
		c.conn = nil
	}
}

// readLoop consumes change notices until the connection drops.
func (c *RealtimeClient) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
		return nil
	})

	for {
		var notice models.ChangeNotice
		if err := conn.ReadJSON(&notice); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Warn("Realtime read error")
			}
			return
		}

		if notice.Entity == "" {
			continue
		}

		c.logger.WithFields(map[string]interface{}{
			"entity": notice.Entity,
			"id":     notice.ID,
			"action": notice.Action,
		}).Debug("Change notice received")

		select {
		case c.changes <- notice:
		case <-ctx.Done():
			return
		}
	}
}

func (c *RealtimeClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
