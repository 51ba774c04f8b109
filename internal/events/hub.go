package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 32
)

// Hub relays bus events to websocket clients and republishes events that
// clients announce, so edits in one view reach every other view.
type Hub struct {
	bus      *Bus
	logger   *zap.Logger
	origins  []string
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	// OnClients, when set, observes the connected client count.
	OnClients func(n int)
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithAllowedOrigins restricts which browser origins may connect. Patterns
// are globs such as "chrome-extension://*"; "*" allows every origin.
// Without it only same-origin browser connections are accepted.
func WithAllowedOrigins(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = patterns }
}

// NewHub creates a hub and subscribes it to bus.
func NewHub(bus *Bus, logger *zap.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{bus: bus, logger: logger, clients: make(map[*client]struct{})}
	for _, opt := range opts {
		opt(h)
	}
	if len(h.origins) > 0 {
		h.upgrader.CheckOrigin = h.checkOrigin
	}
	bus.Subscribe(h)
	return h
}

// checkOrigin accepts clients that send no Origin header (non-browser
// tools) and browsers whose origin matches an allowed pattern.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, p := range h.origins {
		if p == "*" {
			return true
		}
		if ok, err := doublestar.Match(p, origin); err == nil && ok {
			return true
		}
	}
	h.logger.Warn("events: rejected websocket origin", zap.String("origin", origin))
	return false
}

// Notify forwards local events to every client. Remote events are not
// echoed back; storage bookkeeping events stay in-process.
func (h *Hub) Notify(e Event) {
	if e.Source == SourceRemote || e.Type == StorageChanged {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- e:
		default:
			h.logger.Warn("events: dropping slow websocket client")
			h.removeLocked(c)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves one client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("events: websocket upgrade", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan Event, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.reportClients(n)

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		n := len(h.clients)
		h.mu.Unlock()
		h.reportClients(n)
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("events: websocket read", zap.Error(err))
			}
			return
		}

		var e Event
		if err := json.Unmarshal(msg, &e); err != nil || e.Type == "" {
			h.logger.Debug("events: ignoring malformed client event")
			continue
		}
		e.Source = SourceRemote
		e.At = time.Time{}
		h.bus.Publish(e)
		h.broadcastExcept(c, e)
	}
}

// broadcastExcept relays a client-announced event to the other clients.
func (h *Hub) broadcastExcept(origin *client, e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c == origin {
			continue
		}
		select {
		case c.send <- e:
		default:
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for e := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(e); err != nil {
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// removeLocked drops c. h.mu must be held.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) reportClients(n int) {
	if h.OnClients != nil {
		h.OnClients(n)
	}
}
