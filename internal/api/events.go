// Package api's event hub bridges the NATS-backed internal/core.EventBus
// to WebSocket subscribers: one NATS subscription is the source of truth
// for published events, and each message is copied into the per-client
// send queue of every client in a mutex-guarded client set.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/revere-nvr/engine/internal/core"
	"github.com/revere-nvr/engine/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type eventClient struct {
	conn *websocket.Conn
	send chan []byte
}

// eventHub fans out NATS-published events to connected /ws/events clients.
type eventHub struct {
	bus  *core.EventBus
	logs *logging.RingBuffer
	log  *slog.Logger

	mu      sync.RWMutex
	clients map[*eventClient]bool
}

func newEventHub(bus *core.EventBus, logs *logging.RingBuffer) *eventHub {
	h := &eventHub{
		bus:     bus,
		logs:    logs,
		log:     slog.Default().With("component", "api-eventhub"),
		clients: make(map[*eventClient]bool),
	}
	if bus != nil {
		if _, err := bus.Subscribe("revere.>", h.onMessage); err != nil {
			h.log.Warn("failed to subscribe event hub to event bus", "error", err)
		}
	}
	return h
}

func (h *eventHub) onMessage(msg *nats.Msg) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg.Data:
		default:
			h.log.Warn("event client buffer full, dropping message")
		}
	}
}

func (h *eventHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("failed to upgrade event connection", "error", err)
		return
	}
	c := &eventClient{conn: conn, send: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *eventHub) readPump(c *eventClient) {
	defer h.drop(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *eventHub) writePump(c *eventClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer c.conn.Close()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *eventHub) drop(c *eventClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

// handleLogsStream implements GET /ws/logs by relaying new log buffer
// entries to the client as they arrive.
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Logs == nil {
		http.Error(w, "log stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("failed to upgrade log stream connection", "error", err)
		return
	}
	defer conn.Close()

	sub := s.deps.Logs.Subscribe()
	defer s.deps.Logs.Unsubscribe(sub)

	for entry := range sub {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
