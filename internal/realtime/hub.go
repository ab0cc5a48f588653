// Package realtime fans record and message changes out to subscribed
// clients over WebSocket, and provides the client side of those channels.
//
// A connection carries any number of topics. Each topic watches one table
// through a "column=eq.value" filter evaluated on the server, so a client
// only ever receives rows for the escrow or conversation it has open.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/escrowsync/internal/escrow"
	"github.com/mbd888/escrowsync/internal/messages"
	"github.com/mbd888/escrowsync/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Authorizer decides whether userID may watch rows matching filter in table.
type Authorizer func(ctx context.Context, userID, table string, filter Filter) bool

type topic struct {
	table  string
	filter Filter
}

// Client represents a WebSocket connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	mu     sync.RWMutex
	topics map[string]topic
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// MaxTopicsPerClient bounds the topics one connection may hold.
const MaxTopicsPerClient = 32

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	authorize  Authorizer
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// WithAuthorizer restricts which topics a user may open.
func (h *Hub) WithAuthorizer(a Authorizer) *Hub {
	h.authorize = a
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "user", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "user", client.userID, "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			h.fanOut(event)
		}
	}
}

func (h *Hub) fanOut(event *Event) {
	var record map[string]interface{}
	if err := json.Unmarshal(event.Record, &record); err != nil {
		h.logger.Warn("dropping event with undecodable record", "table", event.Table, "error", err)
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients {
		for _, name := range client.matching(event.Table, record) {
			out := *event
			out.Channel = name
			select {
			case client.send <- serialize(&out):
				metrics.RealtimeEventsTotal.WithLabelValues(event.Table, string(event.Type)).Inc()
			default:
				slow = append(slow, client)
			}
		}
	}
	h.mu.RUnlock()

	// Remove slow clients under write lock
	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
		}
		h.mu.Unlock()
	}
}

// matching returns the client's topic names that want a row of table.
func (c *Client) matching(table string, record map[string]interface{}) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names []string
	for name, t := range c.topics {
		if t.table == table && t.filter.Matches(record) {
			names = append(names, name)
		}
	}
	return names
}

func serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "table", event.Table)
	}
}

// PublishEscrow fans out an escrow record UPDATE.
func (h *Hub) PublishEscrow(e *escrow.Escrow) {
	h.publish(TableEscrows, EventUpdate, e, e.UpdatedAt)
}

// PublishMessage fans out a message INSERT on its thread's table.
func (h *Hub) PublishMessage(m *messages.Message) {
	h.publish(m.Thread().Table(), EventInsert, m, m.CreatedAt)
}

func (h *Hub) publish(table string, typ EventType, v interface{}, at time.Time) {
	record, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to encode realtime record", "table", table, "error", err)
		return
	}
	h.Broadcast(&Event{Table: table, Type: typ, Record: record, CommitTimestamp: at})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket for an authenticated user.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 256),
		topics: make(map[string]topic),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(r.Context())
}

// readPump reads control frames from the WebSocket.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// The upgrade request's context ends when the handler returns.
	ctx = context.WithoutCancel(ctx)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var ctl Control
		if err := json.Unmarshal(message, &ctl); err != nil {
			continue
		}
		c.handleControl(ctx, ctl)
	}
}

func (c *Client) handleControl(ctx context.Context, ctl Control) {
	switch ctl.Op {
	case OpSubscribe:
		filter, err := ParseFilter(ctl.Filter)
		if err != nil || ctl.Topic == "" || ctl.Table == "" {
			return
		}
		if c.hub.authorize != nil && !c.hub.authorize(ctx, c.userID, ctl.Table, filter) {
			c.hub.logger.Debug("subscription denied", "user", c.userID, "topic", ctl.Topic)
			return
		}
		c.mu.Lock()
		if _, exists := c.topics[ctl.Topic]; !exists && len(c.topics) >= MaxTopicsPerClient {
			c.mu.Unlock()
			return
		}
		c.topics[ctl.Topic] = topic{table: ctl.Table, filter: filter}
		c.mu.Unlock()
		c.ack(ctl)

	case OpUnsubscribe:
		c.mu.Lock()
		delete(c.topics, ctl.Topic)
		c.mu.Unlock()
	}
}

// ack confirms a subscription. The hub may have closed send already.
func (c *Client) ack(ctl Control) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- serialize(&Event{Channel: ctl.Topic, Table: ctl.Table, Type: EventSubscribed, CommitTimestamp: time.Now().UTC()}):
	default:
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
