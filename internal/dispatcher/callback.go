package dispatcher

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/riptide-io/riptide/internal/rpc"
)

// CallbackBus receives SFU-initiated events. Each SFU node keeps one
// WebSocket stream open to the dispatcher; the bus decodes events onto a
// single channel signalling consumes. One reader goroutine per stream keeps
// per-client send order intact.
type CallbackBus struct {
	events   chan rpc.CallbackEvent
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewCallbackBus creates the bus with a bounded event channel.
func NewCallbackBus(logger *slog.Logger) *CallbackBus {
	return &CallbackBus{
		events: make(chan rpc.CallbackEvent, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With("component", "callback_bus"),
	}
}

// Events is the stream signalling consumes and routes by client id.
func (b *CallbackBus) Events() <-chan rpc.CallbackEvent {
	return b.events
}

// Publish injects a dispatcher-originated event (NodeTerminated) onto the bus.
func (b *CallbackBus) Publish(ev rpc.CallbackEvent) {
	b.events <- ev
}

// Sink exposes the bus as an event channel for in-process producers like
// the node registry.
func (b *CallbackBus) Sink() chan<- rpc.CallbackEvent {
	return b.events
}

// ServeHTTP upgrades an SFU node's stream connection and pumps its events.
func (b *CallbackBus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("event stream upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	defer conn.Close()

	nodeID := r.URL.Query().Get("node_id")
	b.logger.Info("sfu event stream connected", "node_id", nodeID, "remote_addr", r.RemoteAddr)

	for {
		var ev rpc.CallbackEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Warn("sfu event stream read error", "node_id", nodeID, "error", err)
			}
			return
		}
		if ev.NodeID == "" {
			ev.NodeID = nodeID
		}
		b.events <- ev
	}
}
