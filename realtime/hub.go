/*
Package realtime pushes workflow events to connected browsers over WebSocket.

PURPOSE:
  Hub implements workflow.Publisher. Every authenticated connection is
  registered under its user, so events can go to everybody (Broadcast) or
  to one user's private channel (SendTo).

WIRE FORMAT:
  One JSON text frame per event:  {"event": "status_update", "data": {...}}

DELIVERY:
  Best-effort. Each client has a buffered send queue; a client whose queue
  is full is disconnected rather than blocking the publisher. Clients that
  reconnect catch up through the REST endpoints.

KEEPALIVE:
  The server pings every pingPeriod and drops connections that do not
  answer within pongWait.
*/
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/warp/team-desk/workflow"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// ErrClosed is returned when publishing to a closed hub.
var ErrClosed = errors.New("realtime: hub closed")

// Gauge tracks open connections. prometheus.Gauge satisfies it.
type Gauge interface {
	Inc()
	Dec()
}

// Hub fans events out to WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	byUser  map[workflow.UserID]map[*client]struct{}
	closed  bool

	upgrader websocket.Upgrader
	log      logrus.FieldLogger
	gauge    Gauge
}

var _ workflow.Publisher = (*Hub)(nil)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	user workflow.UserID
	send chan []byte
}

// NewHub creates a hub. checkOrigin may be nil to accept any origin; gauge
// may be nil.
func NewHub(log logrus.FieldLogger, checkOrigin func(r *http.Request) bool, gauge Gauge) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		byUser:  make(map[workflow.UserID]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log:   log.WithField("component", "realtime"),
		gauge: gauge,
	}
}

// =============================================================================
// PUBLISHER
// =============================================================================

// Broadcast sends ev to every connected client.
func (h *Hub) Broadcast(_ context.Context, ev workflow.Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	var slow []*client
	for c := range h.clients {
		if !c.enqueue(msg) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	h.dropSlow(slow)
	return nil
}

// SendTo sends ev to every connection of one user.
func (h *Hub) SendTo(_ context.Context, id workflow.UserID, ev workflow.Event) error {
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	var slow []*client
	for c := range h.byUser[id] {
		if !c.enqueue(msg) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	h.dropSlow(slow)
	return nil
}

func (h *Hub) dropSlow(slow []*client) {
	for _, c := range slow {
		h.log.WithField("user", c.user).Warn("client too slow, disconnecting")
		h.remove(c)
	}
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client. Publishing afterwards returns ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

// =============================================================================
// CONNECTIONS
// =============================================================================

// ServeWS upgrades the request and registers the connection for user.
// Authentication happens before this point.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, user workflow.UserID) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := &client{hub: h, conn: conn, user: user, send: make(chan []byte, sendBuffer)}
	if !h.add(c) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	if h.byUser[c.user] == nil {
		h.byUser[c.user] = make(map[*client]struct{})
	}
	h.byUser[c.user][c] = struct{}{}

	if h.gauge != nil {
		h.gauge.Inc()
	}
	h.log.WithField("user", c.user).Debug("client connected")
	return true
}

// remove unregisters c and closes its queue. Safe to call more than once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	if set := h.byUser[c.user]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.user)
		}
	}
	close(c.send)
	h.mu.Unlock()

	if h.gauge != nil {
		h.gauge.Dec()
	}
	h.log.WithField("user", c.user).Debug("client disconnected")
}

// enqueue never blocks. The caller holds h.mu for reading, so send is open.
func (c *client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// readPump only services control frames; clients have nothing to say.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.WithError(err).WithField("user", c.user).Debug("websocket read failed")
			}
			return
		}
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
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
