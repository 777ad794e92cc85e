// Package websocket streams accepted row changes to subscribed clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/orm/binlog"
)

type envelope struct {
	data  []byte
	types []string
}

// Hub tracks connected clients and fans events out to them. It implements
// binlog.Invalidator, so it can sit next to the redis invalidator.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	unregister chan *Client
	broadcast  chan envelope

	handlersMu sync.RWMutex
	handlers   map[string]MessageHandler

	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ binlog.Invalidator = (*Hub)(nil)

// NewHub creates a hub with the subscribe, unsubscribe and ping handlers
func NewHub(ctx context.Context, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	hubCtx, cancel := context.WithCancel(ctx)
	h := &Hub{
		clients:    make(map[*Client]bool),
		unregister: make(chan *Client, 64),
		broadcast:  make(chan envelope, 1024),
		handlers:   make(map[string]MessageHandler),
		logger:     logger,
		ctx:        hubCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.RegisterHandler(TypeSubscribe, SubscribeHandler)
	h.RegisterHandler(TypeUnsubscribe, UnsubscribeHandler)
	h.RegisterHandler(TypePing, PingHandler)
	return h
}

// RegisterHandler registers a handler for a message type
func (h *Hub) RegisterHandler(messageType string, handler MessageHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.handlers[messageType] = handler
}

// Run processes registrations and broadcasts until the hub context ends
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.disconnectAll()
			return

		case client := <-h.unregister:
			h.remove(client)

		case env := <-h.broadcast:
			h.fanout(env)
		}
	}
}

// Register adds a client. It fails once the hub is shut down.
func (h *Hub) Register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return ErrClientClosed
	}
	h.clients[client] = true
	h.logger.Debug("websocket client connected", zap.String("client", client.ID), zap.Int("clients", len(h.clients)))
	return nil
}

// Unregister removes a client; it is safe to call more than once
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		client.cancel()
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client disconnected", zap.String("client", client.ID), zap.Int("clients", n))
}

func (h *Hub) fanout(env envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.accepts(env.types) {
			continue
		}
		select {
		case client.send <- env.data:
		default:
			h.logger.Warn("dropping event for slow websocket client", zap.String("client", client.ID))
		}
	}
}

// deliver queues data for one client. The hub lock keeps the send from
// racing with remove closing the channel.
func (h *Hub) deliver(client *Client, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return ErrClientClosed
	}
	select {
	case client.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Invalidate broadcasts an accepted change to the clients subscribed to any
// type it touches. A full broadcast buffer drops the event with a warning
// rather than stalling the acceptor.
func (h *Hub) Invalidate(ctx context.Context, ev *binlog.Event) error {
	data, err := marshalMessage(&Message{Type: TypeInvalidate, Payload: NewEventPayload(ev)})
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- envelope{data: data, types: eventTypes(ev)}:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("websocket broadcast buffer full, event dropped", zap.String("table", ev.Table))
	}
	return nil
}

// HandleMessage dispatches one message from a client
func (h *Hub) HandleMessage(ctx context.Context, client *Client, data []byte) error {
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return err
	}

	h.handlersMu.RLock()
	handler, ok := h.handlers[message.Type]
	h.handlersMu.RUnlock()
	if !ok {
		return &unknownTypeError{message.Type}
	}
	return handler(ctx, client, &message)
}

type unknownTypeError struct{ typ string }

func (e *unknownTypeError) Error() string {
	return "unknown message type " + e.typ
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
		client.cancel()
	}
}

// Shutdown disconnects every client and waits for Run to return
func (h *Hub) Shutdown() {
	h.cancel()
	<-h.done
}
