package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/tasksync/internal/logging"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
	"github.com/kimhsiao/tasksync/internal/uuid"
)

const (
	wsSendBuffer   = 256
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WSEnvelope wraps every message pushed to event subscribers.
type WSEnvelope struct {
	Type      string             `json:"type"`
	Data      *syncpkg.SyncEvent `json:"data,omitempty"`
	Action    string             `json:"action,omitempty"`
	Events    []string           `json:"events,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

// wsRequest is a control message sent by a subscriber.
type wsRequest struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// WSClient is one subscriber connection. A client with no subscriptions
// receives every event.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.Mutex
	subscriptions map[string]bool
}

func (c *WSClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// WSHub fans sync events out to WebSocket subscribers.
type WSHub struct {
	mu      sync.RWMutex
	clients map[string]*WSClient
	closed  bool
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[string]*WSClient)}
}

// OnSyncEvent broadcasts an engine event. It never blocks the round: a
// subscriber whose buffer is full is disconnected.
func (h *WSHub) OnSyncEvent(event syncpkg.SyncEvent) {
	bytes, err := json.Marshal(WSEnvelope{
		Type:      string(event.Type),
		Data:      &event,
		Timestamp: event.Timestamp.Unix(),
	})
	if err != nil {
		logging.Error("Failed to marshal sync event", err, nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, client := range h.clients {
		if !client.wants(string(event.Type)) {
			continue
		}
		select {
		case client.send <- bytes:
		default:
			logging.Warn("Event subscriber too slow, disconnecting", map[string]interface{}{"client_id": id})
			delete(h.clients, id)
			close(client.send)
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) register(c *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	logging.Info("Event subscriber connected", map[string]interface{}{
		"client_id": c.id,
		"total":     len(h.clients),
	})
	return true
}

func (h *WSHub) unregister(c *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
		logging.Info("Event subscriber disconnected", map[string]interface{}{
			"client_id": c.id,
			"total":     len(h.clients),
		})
	}
}

// Close disconnects every subscriber and refuses new ones.
func (h *WSHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.send)
	}
}

// queue delivers a control reply without blocking.
func (c *WSClient) queue(env WSEnvelope) {
	env.Timestamp = time.Now().Unix()
	bytes, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// readPump handles subscribe, unsubscribe and ping requests.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var req wsRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("Event subscriber read error", map[string]interface{}{
					"client_id": c.id,
					"error":     err.Error(),
				})
			}
			return
		}

		switch req.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.queue(WSEnvelope{Type: "control", Action: "subscribe_ack", Events: req.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.queue(WSEnvelope{Type: "control", Action: "pong"})
		}
	}
}

// writePump drains the send buffer and keeps the connection alive.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeHTTP upgrades the request and registers the subscriber.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Event subscriber upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &WSClient{
		id:            uuid.New(),
		conn:          conn,
		send:          make(chan []byte, wsSendBuffer),
		hub:           h,
		subscriptions: make(map[string]bool),
	}
	if !h.register(client) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

var _ syncpkg.SyncEventHandler = (*WSHub)(nil)
