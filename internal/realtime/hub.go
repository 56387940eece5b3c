// Package realtime fans events out to the browsers of one company over
// WebSocket. Rooms are keyed by company id; emission is fire-and-forget
// so a slow socket can never fail the operation that triggered the event.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	EventMessageCreated  = "message.created"
	EventMessageDeleted  = "message.deleted"
	EventPresenceChanged = "presence.changed"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = 54 * time.Second
	maxMessageSize    = 4096
)

type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
}

type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	companyID int64
	empid     string
}

type roomMsg struct {
	companyID int64
	data      []byte
}

type Hub struct {
	logger   *zap.Logger
	presence *Presence

	// Keepalive intervals; pingPeriod must be shorter than pongWait so
	// a ping is always in flight before the read deadline expires.
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration

	mu    sync.RWMutex
	rooms map[int64]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan roomMsg
}

func NewHub(logger *zap.Logger, presence *Presence) *Hub {
	return &Hub{
		logger:     logger,
		presence:   presence,
		writeWait:  defaultWriteWait,
		pongWait:   defaultPongWait,
		pingPeriod: defaultPingPeriod,
		rooms:      make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan roomMsg, 256),
	}
}

// Run is the hub's event loop; call it in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			room, ok := h.rooms[client.companyID]
			if !ok {
				room = make(map[*Client]bool)
				h.rooms[client.companyID] = room
			}
			room[client] = true
			h.mu.Unlock()
			if h.presence.Add(client.companyID, client.empid) {
				h.emitPresence(client.companyID)
			}

		case client := <-h.unregister:
			h.drop(client)
			if h.presence.Remove(client.companyID, client.empid) {
				h.emitPresence(client.companyID)
			}

		case msg := <-h.broadcast:
			h.mu.RLock()
			room := h.rooms[msg.companyID]
			slow := make([]*Client, 0)
			for client := range room {
				select {
				case client.send <- msg.data:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			// A full send buffer means the client stopped reading.
			for _, client := range slow {
				h.drop(client)
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[client.companyID]
	if !ok {
		return
	}
	if _, ok := room[client]; !ok {
		return
	}
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, client.companyID)
	}
	close(client.send)
}

// Emit broadcasts an event to every connection in a company's room. It
// never blocks; when the hub is saturated the event is dropped and
// logged.
func (h *Hub) Emit(companyID int64, event string, payload any) {
	data, err := json.Marshal(Event{Name: event, Payload: payload})
	if err != nil {
		h.logger.Warn("realtime marshal failed", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- roomMsg{companyID: companyID, data: data}:
	default:
		h.logger.Warn("realtime broadcast dropped",
			zap.String("event", event),
			zap.Int64("company_id", companyID))
	}
}

func (h *Hub) emitPresence(companyID int64) {
	h.Emit(companyID, EventPresenceChanged, map[string]any{
		"online": h.presence.List(companyID),
	})
}

// ServeWS upgrades the request and attaches the connection to its
// company's room. The caller has already authenticated empid and company.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, companyID int64, empid string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, 256),
		companyID: companyID,
		empid:     empid,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains the connection so close frames and pongs are
// processed. The read deadline is refreshed on every pong; a peer that
// stops answering pings is dropped once the deadline lapses instead of
// holding its room slot and presence entry.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
