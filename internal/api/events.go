package api

import (
	"net/http"
	"sync"
	"time"

	"ezvizplug/internal/plug"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	clientSendSize = 32
)

// EventSource delivers device events
type EventSource interface {
	Subscribe(handler plug.EventHandler) plug.Subscription
}

// EventMessage is pushed to websocket clients
type EventMessage struct {
	Type   string    `json:"type"`
	Reason string    `json:"reason,omitempty"`
	Switch plug.View `json:"switch"`
}

// Message types
const (
	MessageSnapshot = "snapshot"
	MessageChanged  = "switch_changed"
)

type hubClient struct {
	conn *websocket.Conn
	send chan EventMessage
}

// Hub fans device events out to websocket clients
type Hub struct {
	registry *Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	sub     plug.Subscription
}

// NewHub creates a hub and subscribes it to source
func NewHub(source EventSource, registry *Registry, logger *zap.Logger) *Hub {
	h := &Hub{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*hubClient]struct{}),
	}
	h.sub = source.Subscribe(h.handleEvent)
	return h
}

func (h *Hub) handleEvent(event plug.Event) {
	sw, ok := h.registry.Get(event.Serial)
	if !ok {
		return
	}

	h.broadcast(EventMessage{
		Type:   MessageChanged,
		Reason: event.Reason,
		Switch: sw.View(),
	})
}

func (h *Hub) broadcast(msg EventMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			// Slow client, drop it
			h.logger.Warn("Dropping slow websocket client",
				zap.String("remote_addr", client.conn.RemoteAddr().String()))
			h.removeLocked(client)
		}
	}
}

func (h *Hub) removeLocked(client *hubClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the peer leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	client := &hubClient{
		conn: conn,
		send: make(chan EventMessage, clientSendSize),
	}

	// Queue the snapshot before registering so it is always sent first
	for _, sw := range h.registry.All() {
		select {
		case client.send <- EventMessage{Type: MessageSnapshot, Switch: sw.View()}:
		default:
		}
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("Websocket client connected", zap.String("remote_addr", r.RemoteAddr))

	go h.writePump(client)
	h.readPump(client)
}

// readPump discards client messages and unregisters on close
func (h *Hub) readPump(client *hubClient) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(client)
		h.mu.Unlock()
	}()

	client.conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(client *hubClient) {
	defer client.conn.Close()

	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.conn.WriteJSON(msg); err != nil {
			h.logger.Debug("Websocket write failed", zap.Error(err))
			return
		}
	}

	client.conn.SetWriteDeadline(time.Now().Add(writeWait))
	client.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Close unsubscribes from events and disconnects every client
func (h *Hub) Close() {
	h.sub.Unsubscribe()

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.removeLocked(client)
	}
}
