package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"perp-trading-agent/internal/events"
	"perp-trading-agent/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboard is served from arbitrary local origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHub bridges the event bus to websocket clients. Each client gets its
// own bus subscription, so backpressure stays per-client.
type WSHub struct {
	bus    *events.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	sub  *events.Subscriber
	done chan struct{}
}

// NewWSHub creates a hub over the given bus.
func NewWSHub(bus *events.Bus) *WSHub {
	return &WSHub{
		bus:     bus,
		logger:  logging.Component("ws"),
		clients: make(map[*wsClient]struct{}),
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleConnection upgrades the request and pumps bus events to the client
// until it disconnects.
func (h *WSHub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		sub:  h.bus.Subscribe(),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Websocket client connected")

	go h.writePump(client)
	h.readPump(client)
}

func (h *WSHub) readPump(c *wsClient) {
	defer h.drop(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Inbound messages are ignored; the channel is push-only.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(c)
	}()

	for {
		select {
		case ev, ok := <-c.sub.C:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	close(c.done)
	h.bus.Unsubscribe(c.sub)
	c.conn.Close()
	h.logger.Info().Msg("Websocket client disconnected")
}
