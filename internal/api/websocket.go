package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/packflow/internal/auth"
	"github.com/nerrad567/packflow/internal/automation"
	"github.com/nerrad567/packflow/internal/infrastructure/config"
	"github.com/nerrad567/packflow/internal/infrastructure/logging"
)

// Message types on the status socket.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// wsSendBufferSize is how many frames may queue for a slow client before
// further broadcasts to it are dropped.
const wsSendBufferSize = 256

// wsChannels are the channels a client may subscribe to.
var wsChannels = map[string]bool{
	automation.ChannelExecutionUpdated: true,
	automation.ChannelChainUpdated:     true,
}

// WSMessage is one frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and, optionally, the execution or
// chain execution IDs to follow. An empty Watch means every record the
// caller may see.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
	Watch    []string `json:"watch,omitempty"`
}

// Hub fans execution and chain status changes out to connected clients.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*WSClient]struct{}
}

// WSClient is one connection. Its scope comes from the redeemed ticket.
type WSClient struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	scope auth.Scope

	mu       sync.RWMutex
	channels map[string]struct{}
	watch    map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by corsMiddleware; the ticket is the credential.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{cfg: cfg, logger: logger, clients: make(map[*WSClient]struct{})}
}

// Run blocks until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
		delete(h.clients, c)
	}
}

// Register adds a client.
func (h *Hub) Register(c *WSClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("status socket connected", "user_id", c.scope.UserID, "clients", n)
}

// Unregister removes a client. Only the call that actually removes it closes
// the send channel, so a concurrent Run shutdown cannot double close.
func (h *Hub) Unregister(c *WSClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if present {
		close(c.send)
	}
	h.logger.Debug("status socket disconnected", "user_id", c.scope.UserID, "clients", n)
}

// Broadcast delivers a status payload to subscribed clients. A payload with a
// "user_id" reaches only that user and service callers.
func (h *Hub) Broadcast(channel string, payload any) {
	fields, _ := payload.(map[string]any)
	owner, _ := fields["user_id"].(string)

	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("encoding status broadcast failed", "channel", channel, "error", err)
		return
	}

	// Snapshot under the hub lock; client locks are taken only after release.
	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.wants(channel, fields) && c.mayReceive(owner) {
			c.trySend(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket upgrades GET /api/v1/ws. The ticket query parameter comes
// from POST /auth/ws-ticket and can be redeemed once.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeUnauthorized(w, "ticket query parameter is required")
		return
	}
	scope, ok := s.tickets.redeem(ticket)
	if !ok {
		writeUnauthorized(w, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", scope.UserID, "error", err)
		return
	}

	c := &WSClient{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, wsSendBufferSize),
		scope:    scope,
		channels: make(map[string]struct{}),
		watch:    make(map[string]struct{}),
	}
	s.hub.Register(c)

	go c.writePump(s.wsCfg)
	go c.readPump(s.wsCfg)
}

func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	idle := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(idle)) }

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("status socket read failed", "user_id", c.scope.UserID, "error", err)
			}
			return
		}
		// Browsers do not always answer protocol pings, so any frame counts.
		_ = extend()
		c.handleMessage(data)
	}
}

func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ping := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	wait := time.Duration(cfg.PongTimeout) * time.Second
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = write(websocket.CloseMessage, nil)
				return
			}
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		if err := c.changeSubscription(msg); err != nil {
			c.sendError(msg.ID, err.Error())
		}
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// changeSubscription applies a subscribe or unsubscribe frame. Unknown
// channels reject the whole frame.
func (c *WSClient) changeSubscription(msg WSMessage) error {
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return errors.New("invalid payload")
	}
	var sub WSSubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("invalid %s payload", msg.Type)
	}
	for _, ch := range sub.Channels {
		if !wsChannels[ch] {
			return fmt.Errorf("unknown channel %q", ch)
		}
	}

	adding := msg.Type == WSTypeSubscribe
	c.mu.Lock()
	for _, ch := range sub.Channels {
		if adding {
			c.channels[ch] = struct{}{}
		} else {
			delete(c.channels, ch)
		}
	}
	for _, id := range sub.Watch {
		if adding {
			c.watch[id] = struct{}{}
		} else {
			delete(c.watch, id)
		}
	}
	c.mu.Unlock()

	key := "subscribed"
	if !adding {
		key = "unsubscribed"
	}
	result := map[string]any{key: sub.Channels}
	if len(sub.Watch) > 0 {
		result["watch"] = sub.Watch
	}
	c.reply(msg.ID, WSTypeResponse, result)
	return nil
}

// wants reports whether the client follows channel and, when it watches
// specific records, whether fields name one of them. A chain's step
// executions match a watch on the chain execution.
func (c *WSClient) wants(channel string, fields map[string]any) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.channels[channel]; !ok {
		return false
	}
	if len(c.watch) == 0 {
		return true
	}
	for _, key := range []string{"execution_id", "chain_execution_id"} {
		if id, _ := fields[key].(string); id != "" {
			if _, ok := c.watch[id]; ok {
				return true
			}
		}
	}
	return false
}

func (c *WSClient) mayReceive(owner string) bool {
	if owner == "" {
		return true
	}
	return c.scope.UserID == owner || auth.HasPermission(c.scope.Role, auth.PermScopeOverride)
}

// trySend queues data without blocking. A full buffer drops the frame; a
// send racing shutdown on a closed channel is absorbed.
func (c *WSClient) trySend(data []byte) {
	defer func() { _ = recover() }()
	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err == nil {
		c.trySend(data)
	}
}

func (c *WSClient) sendError(id, message string) {
	c.reply(id, WSTypeError, map[string]string{"message": message})
}
