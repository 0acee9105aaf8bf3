package signalling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/riptide-io/riptide/internal/domain"
	"github.com/riptide-io/riptide/internal/pubsub"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer (SDPs are a few KB)
	maxMessageSize = 65536
)

// Session is one client's socket: authenticated at handshake, driving the
// meeting protocol until disconnect.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// ClientID is the opaque per-socket id every dispatcher call carries
	ClientID string
	// UserID is the authenticated subject from the bearer token
	UserID string

	mu            sync.RWMutex
	participantID string
	roomID        string
	connType      domain.ConnectionType
	published     bool
	clientSub     pubsub.Subscription
	roomSub       pubsub.Subscription

	logger *slog.Logger
}

// NewSession creates a session for an authenticated socket.
func NewSession(hub *Hub, conn *websocket.Conn, clientID, userID string, logger *slog.Logger) *Session {
	return &Session{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		ClientID: clientID,
		UserID:   userID,
		logger:   logger.With("client_id", clientID, "user_id", userID),
	}
}

func (s *Session) setRoom(roomID, participantID string, connType domain.ConnectionType) {
	s.mu.Lock()
	s.roomID = roomID
	s.participantID = participantID
	s.connType = connType
	s.published = true
	s.mu.Unlock()
}

// Room returns the session's room and participant ids.
func (s *Session) Room() (roomID, participantID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID, s.participantID
}

// ConnectionType returns the mode negotiated at publish time.
func (s *Session) ConnectionType() domain.ConnectionType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connType
}

// Published reports whether this session has published into a room.
func (s *Session) Published() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.published
}

// ReadPump pumps frames from the socket into the hub.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.hub.Unregister(s)
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.Warn("websocket read error", "error", err)
				}
				return
			}

			var msg Message
			if err := msgpack.Unmarshal(data, &msg); err != nil {
				s.sendError("invalid_message", "Failed to parse message")
				continue
			}

			s.hub.HandleMessage(s, &msg)
		}
	}
}

// WritePump pumps queued frames to the socket and keeps the ping cadence.
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues one envelope for the socket. A full buffer drops the frame
// rather than stalling the hub.
func (s *Session) Send(msg *Message) error {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case s.send <- data:
	default:
		s.logger.Warn("session send buffer full, dropping", "event", msg.Event)
	}
	return nil
}

// Emit packs and sends an event.
func (s *Session) Emit(event string, payload interface{}) {
	msg, err := NewMessage(event, payload)
	if err != nil {
		s.logger.Error("failed to pack event", "event", event, "error", err)
		return
	}
	_ = s.Send(msg)
}

func (s *Session) sendError(code, message string) {
	s.Emit(EventError, ErrorPayload{Code: code, Message: message})
}

// subscribeClientTopic routes dispatcher callback events addressed to this
// socket (candidates, renegotiations) through the cluster pub/sub.
func (s *Session) subscribeClientTopic(ctx context.Context) {
	sub, err := s.hub.ps.Subscribe(ctx, pubsub.Topics.Client(s.ClientID), func(_ context.Context, msg *pubsub.Message) {
		if wire := wireMessage(msg); wire != nil {
			_ = s.Send(wire)
		}
	})
	if err != nil {
		s.logger.Error("client topic subscribe failed", "error", err)
		return
	}
	s.mu.Lock()
	s.clientSub = sub
	s.mu.Unlock()
}

// subscribeRoomTopic joins the room's broadcast channel.
func (s *Session) subscribeRoomTopic(ctx context.Context, roomID string) {
	sub, err := s.hub.ps.Subscribe(ctx, pubsub.Topics.Room(roomID), func(_ context.Context, msg *pubsub.Message) {
		if wire := wireMessage(msg); wire != nil {
			_ = s.Send(wire)
		}
	})
	if err != nil {
		s.logger.Error("room topic subscribe failed", "room_id", roomID, "error", err)
		return
	}
	s.mu.Lock()
	s.roomSub = sub
	s.mu.Unlock()
}

func (s *Session) unsubscribeAll() {
	s.mu.Lock()
	clientSub, roomSub := s.clientSub, s.roomSub
	s.clientSub, s.roomSub = nil, nil
	s.mu.Unlock()

	if clientSub != nil {
		_ = clientSub.Unsubscribe()
	}
	if roomSub != nil {
		_ = roomSub.Unsubscribe()
	}
}
