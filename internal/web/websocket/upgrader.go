package websocket

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/web/auth"
)

// Config holds websocket configuration
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	// AllowedOrigins lists the origins browsers may connect from. Empty
	// allows only same-host requests; "*" allows any.
	AllowedOrigins []string
}

// DefaultConfig returns default websocket configuration
func DefaultConfig() *Config {
	return &Config{ReadBufferSize: 1024, WriteBufferSize: 4096}
}

// Upgrader upgrades HTTP requests to subscriber connections
type Upgrader struct {
	upgrader *websocket.Upgrader
	hub      *Hub
}

// NewUpgrader creates an upgrader registering clients with hub
func NewUpgrader(config *Config, hub *Hub) *Upgrader {
	if config == nil {
		config = DefaultConfig()
	}
	u := &websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
	}
	if len(config.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(config.AllowedOrigins))
		for _, o := range config.AllowedOrigins {
			allowed[o] = true
		}
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		}
	}
	return &Upgrader{upgrader: u, hub: hub}
}

// ServeHTTP handles websocket upgrade requests
func (u *Upgrader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		u.hub.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, u.hub)
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		client.Subject = claims.Subject
	}

	if err := u.hub.Register(client); err != nil {
		conn.Close()
		return
	}
	_ = client.SendJSON(TypeWelcome, map[string]string{"client_id": client.ID})

	go client.WritePump()
	go client.ReadPump()
}
