// Copyright 2024-2026 Aiku AI

package notify

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 16
)

// Envelope is one push message to a browser.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub pushes broadcasts to connected browsers over WebSocket. The last QR
// and status are replayed to clients that connect later.
type Hub struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	clients   map[string]*hubClient
	lastQR    string
	lastText  string
	connected bool
}

type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

var _ Sink = (*Hub)(nil)

// NewHub creates a hub accepting connections from allowedOrigins. An empty
// list only allows same-origin pages and "*" allows any origin.
func NewHub(log zerolog.Logger, allowedOrigins []string) *Hub {
	h := &Hub{
		log:     log.With().Str("component", "ws_hub").Logger(),
		clients: make(map[string]*hubClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	switch {
	case len(allowedOrigins) == 0:
		// A nil CheckOrigin makes gorilla compare the Origin host to r.Host.
	case slices.Contains(allowedOrigins, "*"):
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	default:
		originSet := make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			originSet[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originSet[origin]
		}
	}
	return h
}

func (h *Hub) QRChanged(image string) {
	h.mu.Lock()
	h.lastQR = image
	if image != "" {
		h.connected = false
	}
	h.mu.Unlock()
	h.broadcast(qrEnvelope(image))
}

func (h *Hub) StatusChanged(text string) {
	h.mu.Lock()
	h.lastText = text
	h.connected = false
	h.mu.Unlock()
	h.broadcast(Envelope{Type: "status", Data: text})
}

func (h *Hub) Connected() {
	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()
	h.broadcast(Envelope{Type: "connected"})
}

// ClientCount returns the number of connected browsers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func qrEnvelope(image string) Envelope {
	if image == "" {
		return Envelope{Type: "qr"}
	}
	return Envelope{Type: "qr", Data: image}
}

func (h *Hub) broadcast(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Warn().Err(err).Str("type", env.Type).Msg("Failed to marshal broadcast")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.enqueueLocked(c, data)
	}
}

// enqueueLocked drops clients whose buffer is full rather than blocking.
func (h *Hub) enqueueLocked(c *hubClient, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Debug().Str("client_id", c.id).Msg("Dropping slow WebSocket client")
		delete(h.clients, c.id)
		c.close()
	}
}

func (c *hubClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// ServeHTTP upgrades the request and streams broadcasts until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	c := &hubClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientSendSize),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	replay := []Envelope{qrEnvelope(h.lastQR)}
	if h.lastText != "" {
		replay = append(replay, Envelope{Type: "status", Data: h.lastText})
	}
	if h.connected {
		replay = append(replay, Envelope{Type: "connected"})
	}
	for _, env := range replay {
		if data, err := json.Marshal(env); err == nil {
			h.enqueueLocked(c, data)
		}
	}
	h.mu.Unlock()

	h.log.Debug().Str("client_id", c.id).Str("remote_addr", r.RemoteAddr).Msg("WebSocket client connected")
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	if existing, ok := h.clients[c.id]; ok && existing == c {
		delete(h.clients, c.id)
		c.close()
	}
	h.mu.Unlock()
}

// readPump only exists to process control frames and notice disconnects.
func (h *Hub) readPump(c *hubClient) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
		h.log.Debug().Str("client_id", c.id).Msg("WebSocket client disconnected")
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
