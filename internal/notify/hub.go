// Package notify streams pending-operation events over WebSocket.
//
// Wallets subscribe with their address and get told the moment the broker
// parks a signing request for them, instead of polling the pending list.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/inferbroker/internal/metrics"
	"github.com/mbd888/inferbroker/internal/pending"
	"github.com/mbd888/inferbroker/internal/sigverify"
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

// EventType for signing-flow events
type EventType string

const (
	EventOperationCreated  EventType = "operation_created"
	EventOperationResolved EventType = "operation_resolved"
)

// Event is one signing-flow notification. The operation payload itself is
// never included; wallets fetch it over the authenticated pending list.
type Event struct {
	Type        EventType `json:"type"`
	OperationID string    `json:"operationId"`
	Address     string    `json:"address"`
	Kind        string    `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
}

// Subscription filters events for one client. The address is fixed at
// connect time by the signature check and never changes afterwards.
type Subscription struct {
	Address string `json:"address"`
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	tolerance  time.Duration
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
}

// NewHub creates a new WebSocket hub. tolerance bounds the age of the
// subscription signature presented at connect time.
func NewHub(logger *slog.Logger, tolerance time.Duration) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if tolerance <= 0 {
		tolerance = sigverify.DefaultTolerance
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		tolerance:  tolerance,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("notify hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("notify hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("notify hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, _ := json.Marshal(event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if client.wants(event) {
					select {
					case client.send <- payload:
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
	}
}

func (c *Client) wants(event *Event) bool {
	return c.sub.Address == event.Address
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

// OperationCreated implements pending.Notifier.
func (h *Hub) OperationCreated(op pending.Op) {
	h.Broadcast(&Event{
		Type:        EventOperationCreated,
		OperationID: op.ID,
		Address:     op.Owner,
		Kind:        string(op.Operation.Kind),
		Timestamp:   time.Now(),
	})
}

// OperationResolved implements pending.Notifier.
func (h *Hub) OperationResolved(op pending.Op) {
	h.Broadcast(&Event{
		Type:        EventOperationResolved,
		OperationID: op.ID,
		Address:     op.Owner,
		Kind:        string(op.Operation.Kind),
		Timestamp:   time.Now(),
	})
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket. The subscription must be
// signed: address, timestamp and signature query parameters carry an
// EIP-191 signature over the canonical subscribe message, so a client
// only ever receives events for an address it controls.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	q := r.URL.Query()
	addr := strings.ToLower(q.Get("address"))
	sig := q.Get("signature")
	ts, err := strconv.ParseInt(q.Get("timestamp"), 10, 64)
	if addr == "" || sig == "" || err != nil {
		http.Error(w, "signed subscription required", http.StatusUnauthorized)
		return
	}
	msg := sigverify.SubscribeMessage(addr, ts)
	if err := sigverify.VerifyErr(addr, msg, sig, ts, h.tolerance); err != nil {
		h.logger.Warn("websocket subscription rejected", "address", addr, "error", err)
		http.Error(w, "invalid subscription signature", http.StatusUnauthorized)
		return
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
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{Address: addr},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains the connection for pongs and close frames. Incoming
// text is ignored; the subscription is fixed by the connect signature.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}
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

var _ pending.Notifier = (*Hub)(nil)
