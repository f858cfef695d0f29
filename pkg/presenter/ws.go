package presenter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
)

const writeTimeout = 5 * time.Second

// Message is what clients receive: either a snapshot or an engine event.
type Message struct {
	Type     string                          `json:"type"`
	Snapshot *orchestrator.Snapshot          `json:"snapshot,omitempty"`
	Event    *orchestrator.OrchestratorEvent `json:"event,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub broadcasts snapshots and events to websocket clients. A client whose
// buffer fills up is disconnected instead of slowing the engine down.
type Hub struct {
	logger     orchestrator.Logger
	bufferSize int
	origins    []string

	mu      sync.Mutex
	clients map[string]*client
	last    *orchestrator.Snapshot
}

func NewHub(logger orchestrator.Logger, originPatterns ...string) *Hub {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	return &Hub{
		logger:     logger,
		bufferSize: 32,
		origins:    originPatterns,
		clients:    make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and streams messages until the client
// leaves or is dropped. Newcomers get the latest snapshot first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("presenter upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, h.bufferSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	if h.last != nil {
		snap := *h.last
		c.send <- Message{Type: "snapshot", Snapshot: &snap}
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("presenter client connected", "clientID", c.id, "clients", n)

	// clients only listen; CloseRead handles their control frames
	ctx := conn.CloseRead(r.Context())
	h.writeLoop(ctx, c)

	h.remove(c.id)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			if err != nil {
				h.logger.Debug("presenter write failed", "clientID", c.id, "error", err)
				return
			}
		}
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	if ok {
		c.close()
		h.logger.Info("presenter client disconnected", "clientID", id)
	}
}

// Present implements orchestrator.Presenter. It never blocks.
func (h *Hub) Present(snap orchestrator.Snapshot) {
	h.mu.Lock()
	h.last = &snap
	h.mu.Unlock()
	h.broadcast(Message{Type: "snapshot", Snapshot: &snap})
}

// Publish forwards an engine event. Snapshot events are skipped since
// Present already carries them.
func (h *Hub) Publish(ev orchestrator.OrchestratorEvent) {
	if ev.Type == orchestrator.SnapshotUpdated {
		return
	}
	h.broadcast(Message{Type: "event", Event: &ev})
}

func (h *Hub) broadcast(msg Message) {
	var slow []*client

	h.mu.Lock()
	for id, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			delete(h.clients, id)
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("presenter client too slow, dropping", "clientID", c.id)
		c.close()
		go c.conn.Close(websocket.StatusPolicyViolation, "client too slow")
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		c.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}
