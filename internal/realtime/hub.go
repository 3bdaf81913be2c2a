// Package realtime pushes committed offer and transaction changes to the
// users involved over WebSocket.
//
// Each connection belongs to one user and only receives events addressed
// to that user. Clients never assume a transition happened until the
// event for it arrives.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
)

const (
	// MaxClients caps concurrent connections across all users.
	MaxClients = 10000
	// MaxPerUser caps connections one user may hold (tabs, devices).
	MaxPerUser = 8

	sendBuffer   = 64
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	writeWait    = 10 * time.Second
	maxFrame     = 16 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin.
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// Subscription narrows what a connection receives. Empty fields do not
// filter, so the zero value receives every event for the user. A client
// replaces its subscription by sending a new one as a JSON text frame.
type Subscription struct {
	EventTypes     []notify.EventType `json:"eventTypes,omitempty"`
	TransactionIDs []string           `json:"transactionIds,omitempty"`
	ListingIDs     []string           `json:"listingIds,omitempty"`
	OfferIDs       []string           `json:"offerIds,omitempty"`
}

// matches reports whether e passes every non-empty filter.
func (s Subscription) matches(e *notify.Event) bool {
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}
	return payloadIn(e, "transactionId", s.TransactionIDs) &&
		payloadIn(e, "listingId", s.ListingIDs) &&
		payloadIn(e, "offerId", s.OfferIDs)
}

func payloadIn(e *notify.Event, key string, ids []string) bool {
	if len(ids) == 0 {
		return true
	}
	v, _ := e.Payload[key].(string)
	return v != "" && slices.Contains(ids, v)
}

// Client is one WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	once   sync.Once

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) subscribe(s Subscription) {
	c.mu.Lock()
	c.sub = s
	c.mu.Unlock()
}

// closeSend closes the outbound queue exactly once; writePump then sends a
// close frame and exits.
func (c *Client) closeSend() {
	c.once.Do(func() { close(c.send) })
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	ConnectedUsers   int   `json:"connectedUsers"`
	PeakClients      int64 `json:"peakClients"`
	TotalClients     int64 `json:"totalClients"`
	Delivered        int64 `json:"delivered"`
	Dropped          int64 `json:"dropped"`
}

// Hub indexes live connections by user so delivery touches only the
// addressee's connections.
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	byUser   map[string]map[*Client]struct{}
	count    int
	stopped  bool
	maxTotal int
	maxUser  int

	peak      atomic.Int64
	total     atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates an empty hub. Call Run to tie its lifetime to a context.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		byUser:   make(map[string]map[*Client]struct{}),
		maxTotal: MaxClients,
		maxUser:  MaxPerUser,
	}
}

// Run blocks until ctx is done, then disconnects every client and refuses
// further upgrades.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	<-ctx.Done()

	h.mu.Lock()
	h.stopped = true
	for _, conns := range h.byUser {
		for c := range conns {
			c.closeSend()
		}
	}
	h.byUser = make(map[string]map[*Client]struct{})
	h.count = 0
	h.mu.Unlock()

	metrics.ActiveWebSocketClients.Set(0)
	h.logger.Info("realtime hub stopped")
}

// add registers c, reporting why it was refused if the hub is full or
// stopped.
func (h *Hub) add(c *Client) (int, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.stopped:
		return http.StatusServiceUnavailable, "server shutting down"
	case h.count >= h.maxTotal:
		return http.StatusServiceUnavailable, "too many connections"
	case len(h.byUser[c.userID]) >= h.maxUser:
		return http.StatusTooManyRequests, "too many connections for user"
	}

	conns := h.byUser[c.userID]
	if conns == nil {
		conns = make(map[*Client]struct{})
		h.byUser[c.userID] = conns
	}
	conns[c] = struct{}{}
	h.count++
	h.total.Add(1)
	if n := int64(h.count); n > h.peak.Load() {
		h.peak.Store(n)
	}
	metrics.ActiveWebSocketClients.Set(float64(h.count))
	return 0, ""
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	conns, ok := h.byUser[c.userID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.byUser, c.userID)
	}
	h.count--
	c.closeSend()
	metrics.ActiveWebSocketClients.Set(float64(h.count))
}

// Notify implements notify.Notifier. It never blocks: a connection whose
// queue is full is dropped and must reconnect and re-read state over HTTP.
func (h *Hub) Notify(_ context.Context, e notify.Event) error {
	if e.UserID == "" {
		return nil
	}

	h.mu.RLock()
	var targets []*Client
	for c := range h.byUser[e.UserID] {
		if c.subscription().matches(&e) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return nil
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}

	var slow []*Client
	h.mu.RLock()
	for _, c := range targets {
		if _, live := h.byUser[e.UserID][c]; !live {
			continue
		}
		select {
		case c.send <- payload:
			h.delivered.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.dropped.Add(int64(len(slow)))
		h.mu.Lock()
		for _, c := range slow {
			h.removeLocked(c)
		}
		h.mu.Unlock()
		h.logger.Warn("dropped slow websocket clients", "userId", e.UserID, "count", len(slow))
	}
	return nil
}

// Stats returns current connection and delivery counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		ConnectedClients: h.count,
		ConnectedUsers:   len(h.byUser),
		PeakClients:      h.peak.Load(),
		TotalClients:     h.total.Load(),
		Delivered:        h.delivered.Load(),
		Dropped:          h.dropped.Load(),
	}
}

// HandleWebSocket upgrades the request to a WebSocket owned by userID.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string) {
	if userID == "" {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}

	c := &Client{hub: h, userID: userID, send: make(chan []byte, sendBuffer)}
	if code, msg := h.add(c); code != 0 {
		http.Error(w, msg, code)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.remove(c)
		h.logger.Warn("websocket upgrade failed", "userId", userID, "error", err)
		return
	}
	c.conn = conn
	h.logger.Debug("client connected", "userId", userID)

	go c.writePump()
	go c.readPump()
}

// readPump applies subscription frames until the connection fails.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
		c.hub.logger.Debug("client disconnected", "userId", c.userID)
	}()

	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("websocket read error", "userId", c.userID, "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(frame, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "userId", c.userID)
			continue
		}
		c.subscribe(sub)
	}
}

func (c *Client) writePump() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
