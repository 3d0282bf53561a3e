package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/comfyclaw/node/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 32
)

// envelope wraps every pushed event.
type envelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	Time    time.Time   `json:"time"`
}

// client is one connected dashboard browser.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// EventHub broadcasts provider, pipeline and batch events to connected
// dashboard browsers. It satisfies the provider's event sink.
type EventHub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}
}

// Publish fans an event out to every connected browser. Slow consumers
// get dropped messages, never a blocked publisher.
func (h *EventHub) Publish(event string, payload interface{}) {
	data, err := json.Marshal(envelope{Event: event, Payload: payload, Time: time.Now()})
	if err != nil {
		lg := logger.With("dashboard")
		lg.Warn().Err(err).Msg("marshal event failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// ClientCount returns the number of connected browsers.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handle upgrades the request and serves the event stream until the
// browser disconnects.
func (h *EventHub) Handle(c *gin.Context) {
	log := logger.With("dashboard")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("event stream upgrade failed")
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	h.clients[cl] = true
	h.mu.Unlock()

	go cl.writeLoop()
	cl.readLoop()

	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
	close(cl.send)
}

// readLoop discards inbound traffic; it exists to observe the close.
func (cl *client) readLoop() {
	defer cl.conn.Close()
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (cl *client) writeLoop() {
	for data := range cl.send {
		cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			cl.conn.Close()
			return
		}
	}
}
