package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kettleglass/kettle/pkg/logging"
	"github.com/kettleglass/kettle/services/ask/datatypes"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds to loopback; the desktop shell connects from a
		// file:// or app:// origin that never matches the Host header.
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

// stateEvent is a full request-state snapshot pushed on every transition.
type stateEvent struct {
	Type  string                 `json:"type"`
	State datatypes.RequestState `json:"state"`
}

// streamErrorEvent signals a terminal failure distinct from idle state.
type streamErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// visibilityEvent asks the surface to show or hide itself.
type visibilityEvent struct {
	Type    string `json:"type"`
	Visible bool   `json:"visible"`
}

// EventHub fans request-state events out to connected websocket clients.
// It is the orchestrator's StateSink: the desktop shell connects to
// /v1/ask/events and renders every snapshot it receives.
//
// # Thread Safety
//
// Safe for concurrent use. Each connection has its own write mutex because
// gorilla/websocket permits only one concurrent writer per connection.
type EventHub struct {
	log *logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex
}

// NewEventHub creates an empty hub.
func NewEventHub(log *logging.Logger) *EventHub {
	if log == nil {
		log = logging.Default()
	}
	return &EventHub{
		log:     log,
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// PublishState implements ask.StateSink.
func (h *EventHub) PublishState(state datatypes.RequestState) {
	h.broadcast(stateEvent{Type: "state", State: state})
}

// PublishStreamError implements ask.StateSink.
func (h *EventHub) PublishStreamError(message string) {
	h.broadcast(streamErrorEvent{Type: "stream_error", Message: message})
}

// SurfaceAvailable implements ask.StateSink. The surface is available as
// long as at least one client is connected to receive events.
func (h *EventHub) SurfaceAvailable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients) > 0
}

// RequestVisibility implements ask.StateSink.
func (h *EventHub) RequestVisibility(visible bool) {
	h.broadcast(visibilityEvent{Type: "visibility", Visible: visible})
}

// broadcast sends v to every connected client. A failed write drops that
// client; its read loop notices the closed connection and unregisters it.
func (h *EventHub) broadcast(v any) {
	h.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for c, wm := range h.clients {
		conns[c] = wm
	}
	h.mu.Unlock()

	for conn, writeMu := range conns {
		writeMu.Lock()
		err := conn.WriteJSON(v)
		writeMu.Unlock()
		if err != nil {
			h.log.Warn("failed to write event to client, dropping connection", "error", err)
			_ = conn.Close()
		}
	}
}

func (h *EventHub) register(conn *websocket.Conn) *sync.Mutex {
	writeMu := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = writeMu
	h.mu.Unlock()
	return writeMu
}

func (h *EventHub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

// HandleEvents upgrades the connection and streams state events until the
// client disconnects. The current state is sent immediately on connect so
// a reconnecting surface never renders stale state.
func (h *EventHub) HandleEvents(currentState func() datatypes.RequestState) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Error("failed to upgrade events websocket", "error", err)
			return
		}
		defer conn.Close()

		writeMu := h.register(conn)
		defer h.unregister(conn)
		h.log.Info("events client connected", "remote", conn.RemoteAddr().String())

		writeMu.Lock()
		err = conn.WriteJSON(stateEvent{Type: "state", State: currentState()})
		writeMu.Unlock()
		if err != nil {
			return
		}

		// Clients only listen; the read loop just detects disconnects and
		// answers pings.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.log.Info("events client disconnected", "error", err.Error())
				return
			}
		}
	}
}
