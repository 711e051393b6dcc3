package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is the envelope pushed to clients. MarketID is empty for
// broadcast messages such as market_created.
type Msg struct {
	Type     string `json:"type"`
	MarketID string `json:"marketId,omitempty"`
	Data     any    `json:"data"`
}

// Hub tracks live connections and their per-market subscriptions.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*conn]bool // marketID -> subscribers
	conns map[*conn]bool
	log   *logrus.Entry
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	market string
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[*conn]bool),
		conns: make(map[*conn]bool),
		log:   logrus.WithField("component", "ws"),
	}
}

// Publish pushes a message to every subscriber of marketID, or to every
// connection when marketID is empty. Slow clients are dropped, never
// waited on.
func (h *Hub) Publish(marketID, msgType string, data any) {
	b, err := json.Marshal(Msg{Type: msgType, MarketID: marketID, Data: data})
	if err != nil {
		return
	}

	h.mu.RLock()
	var targets []*conn
	if marketID == "" {
		for c := range h.conns {
			targets = append(targets, c)
		}
	} else {
		for c := range h.rooms[marketID] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- b:
		default:
			// slow client, drop
		}
	}
}

// HandleWS upgrades the request and starts the connection pumps.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &conn{
		ws:   wsConn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		// Clients send {"action":"subscribe","marketId":"..."}.
		var sub struct {
			Action   string `json:"action"`
			MarketID string `json:"marketId"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.MarketID)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.MarketID)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (h *Hub) subscribe(c *conn, marketID string) {
	if marketID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// A connection follows one market at a time.
	if c.market != "" {
		h.leaveRoom(c, c.market)
	}
	c.market = marketID
	room, ok := h.rooms[marketID]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[marketID] = room
	}
	room[c] = true
}

func (h *Hub) unsubscribe(c *conn, marketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoom(c, marketID)
	if c.market == marketID {
		c.market = ""
	}
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	if c.market != "" {
		h.leaveRoom(c, c.market)
	}
	close(c.send)
}

// leaveRoom must be called with h.mu held.
func (h *Hub) leaveRoom(c *conn, marketID string) {
	if room, ok := h.rooms[marketID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, marketID)
		}
	}
}
