package dashboard

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stewardproject/steward/pkg/events"
	"github.com/stewardproject/steward/pkg/log"
)

const (
	// maxConns caps concurrent WebSocket clients.
	maxConns = 64
	// writeWait bounds a single message write; a client that cannot keep
	// up is dropped rather than backing up the hub.
	writeWait = 5 * time.Second
	// pingInterval keeps idle connections alive.
	pingInterval = 30 * time.Second
)

// wsMessage is the wire shape of one stream message.
type wsMessage struct {
	Type string      `json:"type"` // init | issues | state | session | worker
	Data interface{} `json:"data"`
	TS   time.Time   `json:"ts"`
}

// Hub fans bus events out to WebSocket clients.
type Hub struct {
	bus      *events.Bus
	source   Source
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]*sync.Mutex
	closed bool
}

// NewHub creates the WebSocket hub and starts its forwarder.
func NewHub(bus *events.Bus, source Source) *Hub {
	h := &Hub{
		bus:    bus,
		source: source,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("ws"),
		conns:  make(map[*websocket.Conn]*sync.Mutex),
	}
	go h.forward()
	return h
}

// forward pumps every bus event to all connected clients.
func (h *Hub) forward() {
	sub := h.bus.Subscribe(events.TopicAll)
	defer h.bus.Unsubscribe(sub)

	for ev := range sub.C {
		h.broadcast(wsMessage{
			Type: messageType(ev.Topic),
			Data: ev.Data,
			TS:   ev.TS,
		})
	}
}

// messageType maps a bus topic to the stream's message type vocabulary.
func messageType(topic events.Topic) string {
	switch {
	case topic == events.TopicIssues:
		return "issues"
	case topic == events.TopicState:
		return "state"
	case topic == events.TopicWorkers:
		return "worker"
	case strings.HasPrefix(string(topic), "sessions/"):
		return "session"
	}
	return string(topic)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed || len(h.conns) >= maxConns {
		h.mu.Unlock()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	writeMu := &sync.Mutex{}
	h.mu.Lock()
	h.conns[conn] = writeMu
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Debug().Int("conns", n).Msg("client connected")

	// The current snapshot first, deltas after.
	h.send(conn, writeMu, wsMessage{
		Type: "init",
		Data: h.source.DegradedStatus(),
		TS:   time.Now(),
	})

	go h.pingLoop(conn, writeMu)
	go h.readLoop(conn)
}

// readLoop discards client frames and detects disconnects.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.drop(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// pingLoop keeps the connection alive and notices dead peers.
func (h *Hub) pingLoop(conn *websocket.Conn, writeMu *sync.Mutex) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		writeMu.Unlock()
		if err != nil {
			h.drop(conn)
			return
		}
	}
}

// broadcast sends one message to every client, dropping the dead and the
// slow.
func (h *Hub) broadcast(msg wsMessage) {
	h.mu.Lock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(h.conns))
	for conn, mu := range h.conns {
		targets[conn] = mu
	}
	h.mu.Unlock()

	for conn, mu := range targets {
		if !h.send(conn, mu, msg) {
			h.drop(conn)
		}
	}
}

func (h *Hub) send(conn *websocket.Conn, writeMu *sync.Mutex, msg wsMessage) bool {
	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg) == nil
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if ok {
		conn.Close()
		h.logger.Debug().Msg("client dropped")
	}
}

// close disconnects all clients.
func (h *Hub) close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}
