package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"aircontrolbase-go-home/internal/coordinator"
)

const (
	snapshotEvent = "snapshot"

	wsQueueSize    = 256
	wsSendBuffer   = 64
	wsReadLimit    = 4096
	wsWriteTimeout = 10 * time.Second
)

// wsMessage is one frame of the live feed.
type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
	Time time.Time   `json:"time"`
}

// outgoing is an encoded frame plus the unit it concerns, if any.
type outgoing struct {
	unit    string
	kind    string
	payload []byte
}

// WSHub fans coordinator events out to browser sessions watching the
// unit list. A session either follows every unit or the set named in
// its ?units= query.
type WSHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	outbox     chan outgoing

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	units map[string]struct{} // nil follows all units
}

func (c *wsClient) follows(unit string) bool {
	if c.units == nil || unit == "" {
		return true
	}
	_, ok := c.units[unit]
	return ok
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		outbox:     make(chan outgoing, wsQueueSize),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("live feed session opened", "sessions", n)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("live feed session closed", "sessions", n)
		case msg := <-h.outbox:
			h.deliver(msg)
		}
	}
}

// deliver hands msg to every interested session. A session whose buffer
// is full has fallen behind and is dropped; it gets a fresh snapshot when
// the browser reconnects.
func (h *WSHub) deliver(msg outgoing) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.follows(msg.unit) {
			continue
		}
		select {
		case c.send <- msg.payload:
		default:
			h.drop(c)
			h.logger.Warn("live feed session fell behind, dropped", "event", msg.kind)
		}
	}
}

// drop must be called with h.mu held.
func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

// Stop may be called more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast encodes event and queues it without blocking the event bus.
func (h *WSHub) Broadcast(event coordinator.Event) {
	payload, err := json.Marshal(wsMessage{Type: event.Type, Data: event.Data, Time: time.Now()})
	if err != nil {
		h.logger.Error("encode live feed event", "event", event.Type, "err", err)
		return
	}
	select {
	case h.outbox <- outgoing{unit: eventUnit(event), kind: event.Type, payload: payload}:
	default:
		h.logger.Warn("live feed queue full, event dropped", "event", event.Type)
	}
}

// Clients reports the number of open sessions.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// eventUnit returns the unit ID an event is about, or "" for bridge-wide
// events such as update_failed.
func eventUnit(event coordinator.Event) string {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := data["id"].(string)
	return id
}

// parseUnitFilter reads ?units=101,102. An empty value means all units.
func parseUnitFilter(r *http.Request) map[string]struct{} {
	raw := r.URL.Query().Get("units")
	if raw == "" {
		return nil
	}
	units := make(map[string]struct{})
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			units[id] = struct{}{}
		}
	}
	if len(units) == 0 {
		return nil
	}
	return units
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	// nhooyr rejects cross-origin upgrades unless patterns are given.
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("live feed upgrade", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	c := &wsClient{
		conn:  conn,
		send:  make(chan []byte, wsSendBuffer),
		units: parseUnitFilter(r),
	}

	// Queued ahead of registration so no state event can overtake it.
	views := s.deviceViews()
	followed := views[:0]
	for _, v := range views {
		if c.follows(v.ID) {
			followed = append(followed, v)
		}
	}
	if snapshot, err := json.Marshal(wsMessage{Type: snapshotEvent, Data: followed, Time: time.Now()}); err == nil {
		c.send <- snapshot
	}

	select {
	case s.wsHub.register <- c:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(c)
	s.wsReadPump(c)
}

func (s *Server) wsWritePump(c *wsClient) {
	for frame := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			return
		}
	}
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump discards inbound frames; the feed is one-way, but reading is
// what services pings and the close handshake.
func (s *Server) wsReadPump(c *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- c:
		case <-s.wsHub.done:
			c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}
