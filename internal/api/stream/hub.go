package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"switchyard/internal/domain/execution"
	"switchyard/internal/metrics"
	"switchyard/pkg/logger"
)

var _ execution.Observer = (*Hub)(nil)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	clientBuffer = 64
)

// Frame is one message pushed to stream clients
type Frame struct {
	Type string `json:"type"` // "event" or "queue_status"
	Data any    `json:"data"`
}

type client struct {
	send chan []byte
	tool string // empty means every tool
}

// Hub fans lifecycle events and queue snapshots out to websocket clients.
// A client that cannot keep up is disconnected rather than slowing others.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log.With("component", "stream_hub"),
	}
}

// Clients reports how many connections are open
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Observe forwards a lifecycle event to interested clients
func (h *Hub) Observe(_ context.Context, ev execution.Event) {
	h.broadcast(ev.ToolID, Frame{Type: "event", Data: ev})
}

// BroadcastStatus pushes a queue snapshot to every client
func (h *Hub) BroadcastStatus(status any) {
	h.broadcast("", Frame{Type: "queue_status", Data: status})
}

func (h *Hub) broadcast(toolID string, f Frame) {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	data, err := json.Marshal(f)
	if err != nil {
		h.log.Errorw("Failed to encode stream frame", "type", f.Type, "error", err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if toolID != "" && c.tool != "" && c.tool != toolID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warnw("Dropping slow stream client", "tool_filter", c.tool)
		h.remove(c)
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.StreamClients.Set(float64(n))
}

// remove unregisters c and closes its send channel once
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		metrics.StreamClients.Set(float64(n))
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	metrics.StreamClients.Set(0)
}

// ServeHTTP upgrades the connection. ?tool=<id> limits events to one tool.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugw("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{send: make(chan []byte, clientBuffer), tool: r.URL.Query().Get("tool")}
	h.add(c)

	go h.writePump(conn, c)
	h.readPump(conn, c)
}

// readPump discards client input and notices disconnects
func (h *Hub) readPump(conn *websocket.Conn, c *client) {
	defer h.remove(c)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debugw("Stream client read error", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
