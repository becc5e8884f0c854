// Package websocket carries the signaling channel. The Hub tracks live
// connections and the rooms they have joined, and delivers event frames to
// single connections or whole rooms. Inbound frames are handed to a
// Dispatcher, one at a time per connection.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

// Envelope is the outbound frame shape.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Dispatcher consumes inbound frames and connection teardown.
type Dispatcher interface {
	HandleMessage(ctx context.Context, connID string, data []byte)
	HandleDisconnect(ctx context.Context, connID string)
}

// Counter records dropped frames.
type Counter interface {
	IncCounter(name, label string)
}

// Client represents a single WebSocket connection.
type Client struct {
	ID    string
	Send  chan []byte
	rooms map[string]struct{}
}

// NewClient creates a client with a buffered outbound queue.
func NewClient(id string) *Client {
	return &Client{
		ID:    id,
		Send:  make(chan []byte, sendBuffer),
		rooms: make(map[string]struct{}),
	}
}

// Hub is the central connection manager. All operations are safe for
// concurrent use and never block on a slow client.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[*Client]struct{}

	log     zerolog.Logger
	metrics Counter
}

// NewHub creates a Hub. metrics may be nil.
func NewHub(logger zerolog.Logger, metrics Counter) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[*Client]struct{}),
		log:     logger.With().Str("component", "ws-hub").Logger(),
		metrics: metrics,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister removes a client from the hub and every room it joined, and
// closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[client.ID]; !ok || cur != client {
		return
	}
	for room := range client.rooms {
		h.removeFromRoom(client, room)
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

// Join adds the connection to a room. Unknown connections are ignored.
func (h *Hub) Join(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[connID]
	if !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][client] = struct{}{}
	client.rooms[room] = struct{}{}
}

// Leave removes the connection from a room.
func (h *Hub) Leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if client, ok := h.clients[connID]; ok {
		h.removeFromRoom(client, room)
	}
}

// CloseRoom removes every member from a room.
func (h *Hub) CloseRoom(room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.rooms[room] {
		delete(client.rooms, room)
	}
	delete(h.rooms, room)
}

func (h *Hub) removeFromRoom(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

// Send queues one event for a single connection. It reports false when the
// connection is gone or its buffer is full.
func (h *Hub) Send(connID, event string, payload interface{}) bool {
	data, ok := h.encode(event, payload)
	if !ok {
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	client, found := h.clients[connID]
	if !found {
		return false
	}
	return h.deliver(client, event, data)
}

// Broadcast queues one event for every member of a room and returns how
// many members it reached.
func (h *Hub) Broadcast(room, event string, payload interface{}) int {
	data, ok := h.encode(event, payload)
	if !ok {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for client := range h.rooms[room] {
		if h.deliver(client, event, data) {
			n++
		}
	}
	return n
}

func (h *Hub) encode(event string, payload interface{}) ([]byte, bool) {
	data, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("failed to marshal event")
		return nil, false
	}
	return data, true
}

func (h *Hub) deliver(client *Client, event string, data []byte) bool {
	select {
	case client.Send <- data:
		return true
	default:
		// Client buffer full; skip to avoid blocking.
		h.log.Warn().Str("conn_id", client.ID).Str("event", event).Msg("send buffer full, frame dropped")
		if h.metrics != nil {
			h.metrics.IncCounter("signal.outbound.dropped", event)
		}
		return false
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of clients in a room.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ---------------------------------------------------------------------------
// WebSocketHandler: Echo HTTP handler for signaling connections
// ---------------------------------------------------------------------------

// HandlerConfig tunes connection liveness and the accepted origins.
type HandlerConfig struct {
	AllowedOrigins  []string
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	return c
}

// WebSocketHandler handles HTTP-to-WebSocket upgrades and frame routing.
type WebSocketHandler struct {
	hub        *Hub
	dispatcher Dispatcher
	cfg        HandlerConfig
	upgrader   gorillawebsocket.Upgrader
	log        zerolog.Logger
}

// NewWebSocketHandler creates a handler bound to the given Hub.
func NewWebSocketHandler(hub *Hub, dispatcher Dispatcher, cfg HandlerConfig, logger zerolog.Logger) *WebSocketHandler {
	cfg = cfg.withDefaults()
	return &WebSocketHandler{
		hub:        hub,
		dispatcher: dispatcher,
		cfg:        cfg,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		log: logger.With().Str("component", "ws").Logger(),
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients), any origin when "*" is listed, and otherwise exact matches.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.GET("/ws", wsh.HandleConnect, m...)
}

// HandleConnect upgrades an HTTP connection to WebSocket, registers the
// client with the hub, and starts read/write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	// The request context is cancelled once the handler returns; the
	// connection keeps its values (authenticated subject, request id).
	ctx := context.WithoutCancel(c.Request().Context())

	client := NewClient(uuid.New().String())
	wsh.hub.Register(client)
	wsh.log.Debug().Str("conn_id", client.ID).Str("remote_ip", c.RealIP()).Msg("connection opened")

	go wsh.writePump(client, ws)
	go wsh.readPump(ctx, client, ws)

	return nil
}

// readPump reads frames from the connection and dispatches them in order.
func (wsh *WebSocketHandler) readPump(ctx context.Context, client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		wsh.dispatcher.HandleDisconnect(ctx, client.ID)
		ws.Close()
		wsh.log.Debug().Str("conn_id", client.ID).Msg("connection closed")
	}()

	ws.SetReadLimit(wsh.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(wsh.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsh.cfg.PongTimeout))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				wsh.log.Debug().Err(err).Str("conn_id", client.ID).Msg("read failed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsh.cfg.PongTimeout))
		wsh.dispatcher.HandleMessage(ctx, client.ID, message)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(wsh.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(gorillawebsocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
