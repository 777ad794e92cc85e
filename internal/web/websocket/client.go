package websocket

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

var (
	// ErrClientClosed is returned when sending to a disconnected client
	ErrClientClosed = errors.New("websocket: client closed")
	// ErrSendBufferFull is returned when a slow client cannot keep up
	ErrSendBufferFull = errors.New("websocket: send buffer full")
)

// Client is one subscriber connection
type Client struct {
	ID      string
	Subject string

	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	subs map[string]bool
}

// NewClient creates a client bound to hub
func NewClient(id string, conn *websocket.Conn, hub *Hub) *Client {
	ctx, cancel := context.WithCancel(hub.ctx)
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]bool),
	}
}

// accepts reports whether an event for any of types should reach the client
func (c *Client) accepts(types []string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	for _, t := range types {
		if c.subs[t] {
			return true
		}
	}
	return false
}

func (c *Client) subscribe(types []string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range types {
		if !c.subs[t] && len(c.subs) >= maxSubscriptions {
			return nil, fmt.Errorf("at most %d subscriptions are allowed", maxSubscriptions)
		}
		c.subs[t] = true
	}
	return c.subscriptionsLocked(), nil
}

func (c *Client) unsubscribe(types []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(types) == 0 {
		c.subs = make(map[string]bool)
	}
	for _, t := range types {
		delete(c.subs, t)
	}
	return c.subscriptionsLocked()
}

// Subscriptions returns the subscribed type names, sorted
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptionsLocked()
}

func (c *Client) subscriptionsLocked() []string {
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ReadPump dispatches incoming messages until the connection fails
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read failed", zap.String("client", c.ID), zap.Error(err))
			}
			return
		}

		if err := c.hub.HandleMessage(c.ctx, c, data); err != nil {
			c.SendError(err.Error())
		}
	}
}

// WritePump writes queued messages and keeps the connection alive with pings
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return

		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// the hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues a message for the client without blocking
func (c *Client) Send(message *Message) error {
	data, err := marshalMessage(message)
	if err != nil {
		return err
	}
	return c.hub.deliver(c, data)
}

// SendJSON sends a message with the given payload
func (c *Client) SendJSON(messageType string, payload interface{}) error {
	return c.Send(&Message{Type: messageType, Payload: payload})
}

// SendError sends an error message, ignoring delivery failures
func (c *Client) SendError(errorMsg string) {
	_ = c.SendJSON(TypeError, map[string]string{"message": errorMsg})
}
