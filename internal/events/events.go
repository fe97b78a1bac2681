// Package events fans run lifecycle events out to WebSocket subscribers.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
)

// Event types.
const (
	RunStarted   = "run.started"
	RunCompleted = "run.completed"
)

// Event describes a step in the life of a collection run.
type Event struct {
	Type       string    `json:"type"`
	RunID      string    `json:"runId"`
	Format     string    `json:"format"`
	Collection string    `json:"collection,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"durationMs,omitempty"`
	Time       time.Time `json:"time"`
}

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
)

// Hub keeps the set of connected subscribers. A nil *Hub is valid and
// discards everything published to it.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	clients    atomic.Int64
	running    atomic.Bool
	logger     pslog.Base
	upgrader   websocket.Upgrader
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns a hub; call Run to start dispatching.
func NewHub(logger pslog.Base) *Hub {
	if logger == nil {
		logger = pslog.New(os.Stdout)
	}
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start marks the hub as running and dispatches in a new goroutine.
func (h *Hub) Start(ctx context.Context) {
	h.running.Store(true)
	go h.Run(ctx)
}

// Run dispatches events until ctx is cancelled, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*client]struct{})
	h.running.Store(true)
	defer func() {
		h.running.Store(false)
		close(h.done)
		for c := range clients {
			close(c.send)
		}
		h.clients.Store(0)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			clients[c] = struct{}{}
		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					// slow subscriber
					delete(clients, c)
					close(c.send)
					h.logger.Warn("events.subscriber.dropped", "remote", c.conn.RemoteAddr().String())
				}
			}
		}
		h.clients.Store(int64(len(clients)))
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	if h == nil {
		return 0
	}
	return int(h.clients.Load())
}

// Publish queues ev for every subscriber. It never blocks; events are
// dropped when the hub is saturated or stopped.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("events.marshal.failed", "type", ev.Type, "error", err)
		return
	}
	select {
	case <-h.done:
	case h.broadcast <- b:
	default:
		h.logger.Warn("events.dropped", "type", ev.Type, "runId", ev.RunID)
	}
}

// ServeWS upgrades the request and subscribes the connection. It answers
// 503 while Run is not dispatching.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.running.Load() {
		http.Error(w, "event feed not running", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("events.upgrade.failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	case <-timer.C:
		h.logger.Warn("events.register.timeout", "remote", conn.RemoteAddr().String())
		_ = conn.Close()
		return
	}
	h.logger.Debug("events.subscribed", "remote", conn.RemoteAddr().String())
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	defer func() {
		h.leave(c)
		_ = c.conn.Close()
	}()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// readPump consumes control frames and notices when the peer goes away.
func (h *Hub) readPump(c *client) {
	defer h.leave(c)
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) leave(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
