package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// defaultWriteTimeout bounds a single WebSocket write so one stalled client
// cannot hold up a broadcast.
const defaultWriteTimeout = 5 * time.Second

// Hub broadcasts every emitted event to connected WebSocket clients. Wire it
// to an Emitter with hub.Listener.
type Hub struct {
	logger       *slog.Logger
	writeTimeout time.Duration

	mu          sync.RWMutex
	connections map[string]*hubConn
}

type hubConn struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		logger:       slog.Default().With("component", "events-hub"),
		writeTimeout: defaultWriteTimeout,
		connections:  make(map[string]*hubConn),
	}
}

// HandleConnection serves one WebSocket client until it disconnects or the
// parent context is canceled.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &hubConn{
		id:     uuid.NewString(),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.connections[c.id] = c
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.connections, c.id)
		h.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	h.send(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	// Clients only listen; the read loop exists to notice disconnects and
	// answer control frames.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Listener returns an events.Listener that broadcasts to all clients.
func (h *Hub) Listener() Listener {
	return func(ev Event) { h.Broadcast(ev) }
}

// Broadcast sends the event to every connected client, best effort.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal event", "event", ev.Name, "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*hubConn, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
		if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
			h.logger.Warn("Failed to send to WebSocket client", "connection_id", c.id, "error", err)
		}
		cancel()
	}
}

// ActiveConnections returns the count of connected clients.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) send(c *hubConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		h.logger.Warn("Failed to send to WebSocket client", "connection_id", c.id, "error", err)
	}
}
