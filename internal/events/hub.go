package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parcelchain/custodia/internal/chaincode"
	"github.com/parcelchain/custodia/internal/middleware"
)

// InvolvementFunc reports whether the user is a party to the delivery.
// The hub consults it before any event crosses a socket.
type InvolvementFunc func(ctx context.Context, userID, deliveryID string) bool

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendBuffer     = 64
	resolveTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The browser origin is not a trust boundary here; the handshake
	// already carried a verified session token.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub routes decoded chaincode events to subscribed WebSocket clients. A
// client only receives events for deliveries it is a party to (or all of
// them, for admins).
type Hub struct {
	log            *slog.Logger
	involved       InvolvementFunc
	maxSubsPerUser int

	mu      sync.RWMutex
	clients map[*client]struct{}
	subs    map[string]int // userID -> live subscription count
}

// NewHub creates the fan-out hub.
func NewHub(involved InvolvementFunc, maxSubsPerUser int, log *slog.Logger) *Hub {
	return &Hub{
		log:            log,
		involved:       involved,
		maxSubsPerUser: maxSubsPerUser,
		clients:        make(map[*client]struct{}),
		subs:           make(map[string]int),
	}
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan Frame
	principal middleware.Principal

	mu           sync.Mutex
	deliverySubs map[string]bool
	userSubs     map[string]bool
	// verdicts memoizes involvement per delivery for user-level
	// subscriptions.
	verdicts map[string]bool
}

// Serve upgrades the connection for an authenticated principal and runs
// the read/write pumps until the client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, p middleware.Principal) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err, "user_id", p.UserID)
		return
	}

	c := &client{
		hub:          h,
		conn:         conn,
		send:         make(chan Frame, sendBuffer),
		principal:    p,
		deliverySubs: make(map[string]bool),
		userSubs:     make(map[string]bool),
		verdicts:     make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	middleware.WebSocketClients.Inc()

	go c.writePump()
	c.readPump()
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.mu.Lock()
		h.subs[c.principal.UserID] -= len(c.deliverySubs) + len(c.userSubs)
		if h.subs[c.principal.UserID] <= 0 {
			delete(h.subs, c.principal.UserID)
		}
		c.mu.Unlock()
		close(c.send)
		middleware.WebSocketClients.Dec()
	}
	h.mu.Unlock()
}

// reserveSub enforces the per-user subscription ceiling across all of the
// user's connections.
func (h *Hub) reserveSub(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] >= h.maxSubsPerUser {
		return false
	}
	h.subs[userID]++
	return true
}

// Broadcast delivers a notification to every client whose subscriptions
// and involvement admit it.
func (h *Hub) Broadcast(n *Notification) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.wants(n) {
			select {
			case c.send <- Frame{Type: n.Type, Data: n.Data}:
			default:
				// Slow consumer: drop rather than stall the fan-out.
				// Clients reconcile by re-reading delivery state.
				h.log.Warn("dropping event for slow websocket client",
					"user_id", c.principal.UserID, "type", n.Type)
			}
		}
	}
}

// wants decides whether this client receives the notification.
func (c *client) wants(n *Notification) bool {
	if n.DeliveryID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Direct delivery subscription: involvement was verified when the
	// subscription was accepted.
	if c.deliverySubs[n.DeliveryID] {
		return true
	}

	if len(c.userSubs) == 0 {
		return false
	}
	if c.principal.Role == chaincode.RoleAdmin {
		return true
	}
	// A confirmed handoff moves custody: any cached verdict for this
	// delivery may now be wrong, so the next event re-resolves it.
	custodyMoved := n.Type == ChanHandoffConfirmed
	if custodyMoved {
		delete(c.verdicts, n.DeliveryID)
	}
	// A user-level subscription is always for the principal (verified at
	// subscribe time), so one involvement verdict per delivery suffices.
	for _, u := range n.Users {
		if c.userSubs[u] {
			if !custodyMoved {
				c.verdicts[n.DeliveryID] = true
			}
			return true
		}
	}
	verdict, known := c.verdicts[n.DeliveryID]
	if !known {
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		verdict = c.hub.involved(ctx, c.principal.UserID, n.DeliveryID)
		cancel()
		c.verdicts[n.DeliveryID] = verdict
	}
	return verdict
}

func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.fail("malformed message")
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg ClientMessage) {
	switch msg.Action {
	case ActionSubscribeDelivery:
		if msg.DeliveryID == "" {
			c.fail("deliveryId is required")
			return
		}
		if c.principal.Role != chaincode.RoleAdmin {
			ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
			ok := c.hub.involved(ctx, c.principal.UserID, msg.DeliveryID)
			cancel()
			if !ok {
				c.fail("not authorized for this delivery")
				return
			}
		}
		c.subscribe(c.deliverySubs, msg.DeliveryID)

	case ActionSubscribeUser:
		if msg.UserID == "" {
			c.fail("userId is required")
			return
		}
		if msg.UserID != c.principal.UserID && c.principal.Role != chaincode.RoleAdmin {
			c.fail("can only subscribe to your own events")
			return
		}
		c.subscribe(c.userSubs, msg.UserID)

	default:
		c.fail("unknown action")
	}
}

// subscribe is idempotent: re-subscribing to a key the connection already
// holds succeeds without consuming another slot, so the per-user count
// stays equal to the number of distinct subscriptions and drains fully on
// disconnect.
func (c *client) subscribe(set map[string]bool, key string) {
	c.mu.Lock()
	held := set[key]
	c.mu.Unlock()
	if held {
		return
	}
	if !c.hub.reserveSub(c.principal.UserID) {
		c.fail("subscription limit reached")
		return
	}
	c.mu.Lock()
	set[key] = true
	c.mu.Unlock()
}

// fail sends a system:error frame without closing the connection.
func (c *client) fail(message string) {
	select {
	case c.send <- Frame{Type: ChanSystemError, Data: map[string]any{
		"success": false,
		"code":    "INVALID_ARGUMENT",
		"message": message,
	}}:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
