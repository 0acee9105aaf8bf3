package signalling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/riptide-io/riptide/internal/database"
	"github.com/riptide-io/riptide/internal/dispatcher"
	"github.com/riptide-io/riptide/internal/domain"
	"github.com/riptide-io/riptide/internal/pubsub"
	"github.com/riptide-io/riptide/internal/rpc"
	"github.com/vmihailenco/msgpack/v5"
)

// Dispatcher is the slice of the dispatcher facade signalling drives.
type Dispatcher interface {
	JoinRoom(ctx context.Context, req rpc.JoinRoomRequest) (rpc.JoinRoomResponse, error)
	Subscribe(ctx context.Context, req rpc.SubscribeRequest) (rpc.SubscribeResponse, error)
	SetSubscriberSDP(ctx context.Context, req rpc.SetSubscriberSDPRequest) error
	AddPublisherCandidate(ctx context.Context, req rpc.CandidateRequest) error
	AddSubscriberCandidate(ctx context.Context, req rpc.CandidateRequest) error
	PublisherRenegotiation(ctx context.Context, req rpc.RenegotiationRequest) (rpc.RenegotiationResponse, error)
	MigrateConnection(ctx context.Context, req rpc.MigrateRequest) (rpc.MigrateResponse, error)
	LeaveRoom(ctx context.Context, req rpc.LeaveRoomRequest) (dispatcher.ClientBinding, error)
	SetVideoEnabled(ctx context.Context, req rpc.SetEnabledRequest) (dispatcher.ClientBinding, error)
	SetAudioEnabled(ctx context.Context, req rpc.SetEnabledRequest) (dispatcher.ClientBinding, error)
	SetE2EEEnabled(ctx context.Context, req rpc.SetEnabledRequest) (dispatcher.ClientBinding, error)
	SetHandRaising(ctx context.Context, req rpc.SetEnabledRequest) (dispatcher.ClientBinding, error)
	SetScreenSharing(ctx context.Context, req rpc.SetScreenSharingRequest) (dispatcher.ClientBinding, error)
	SetCameraType(ctx context.Context, req rpc.SetCameraTypeRequest) (dispatcher.ClientBinding, error)
	SetSubscriberQuality(ctx context.Context, req rpc.SetSubscriberQualityRequest) error
	Cache() dispatcher.ClientCache
}

// Hub owns the live sessions of one signalling instance and routes between
// sockets, the dispatcher and the room pub/sub.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session // client id -> session

	dispatcher   Dispatcher
	ps           pubsub.PubSub
	counter      UserCounter
	participants *database.ParticipantRepository // optional; nil without a database

	logger *slog.Logger
}

// NewHub creates a hub. participants may be nil when signalling runs
// without the relational store.
func NewHub(d Dispatcher, ps pubsub.PubSub, counter UserCounter, participants *database.ParticipantRepository, logger *slog.Logger) *Hub {
	return &Hub{
		sessions:     make(map[string]*Session),
		dispatcher:   d,
		ps:           ps,
		counter:      counter,
		participants: participants,
		logger:       logger.With("component", "hub"),
	}
}

// Register tracks a freshly authenticated session and bumps the
// cluster-wide connected-user counter.
func (h *Hub) Register(ctx context.Context, s *Session) {
	h.mu.Lock()
	h.sessions[s.ClientID] = s
	h.mu.Unlock()

	s.subscribeClientTopic(ctx)

	if n, err := h.counter.Add(ctx); err == nil {
		h.logger.Info("client connected", "client_id", s.ClientID, "connected_users", n)
	}
}

// Unregister runs the disconnect path: final LeaveRoom, counter decrement,
// participant socket unbind.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ClientID)
	h.mu.Unlock()

	ctx := context.Background()

	if s.Published() {
		h.leave(ctx, s)
	}

	s.unsubscribeAll()
	close(s.send)

	if n, err := h.counter.Remove(ctx); err == nil {
		h.logger.Info("client disconnected", "client_id", s.ClientID, "connected_users", n)
	}

	if h.participants != nil {
		if err := h.participants.ClearSocket(ctx, s.ClientID); err != nil {
			h.logger.Warn("failed to clear participant socket", "client_id", s.ClientID, "error", err)
		}
	}
}

// HandleMessage dispatches one socket frame to its handler.
func (h *Hub) HandleMessage(s *Session, msg *Message) {
	ctx := context.Background()

	switch msg.Event {
	case EventPublish:
		h.handlePublish(ctx, s, msg.Payload)
	case EventSubscribe:
		h.handleSubscribe(ctx, s, msg.Payload)
	case EventAnswerSubscriber:
		h.handleAnswerSubscriber(ctx, s, msg.Payload)
	case EventPublisherRenegotiate:
		h.handlePublisherRenegotiation(ctx, s, msg.Payload)
	case EventPublisherCandidate:
		h.handlePublisherCandidate(ctx, s, msg.Payload)
	case EventSubscriberCandidate:
		h.handleSubscriberCandidate(ctx, s, msg.Payload)
	case EventMigrate:
		h.handleMigrate(ctx, s, msg.Payload)
	case EventVideoEnabled:
		h.handleEnabled(ctx, s, msg.Payload, EventVideoEnabled, h.dispatcher.SetVideoEnabled)
	case EventAudioEnabled:
		h.handleEnabled(ctx, s, msg.Payload, EventAudioEnabled, h.dispatcher.SetAudioEnabled)
	case EventE2EEEnabled:
		h.handleEnabled(ctx, s, msg.Payload, EventE2EEEnabled, h.dispatcher.SetE2EEEnabled)
	case EventHandRaising:
		h.handleEnabled(ctx, s, msg.Payload, EventHandRaising, h.dispatcher.SetHandRaising)
	case EventScreenSharing:
		h.handleScreenSharing(ctx, s, msg.Payload)
	case EventCameraType:
		h.handleCameraType(ctx, s, msg.Payload)
	case EventSetQuality:
		h.handleSetQuality(ctx, s, msg.Payload)
	case EventLeave:
		h.leave(ctx, s)
	case EventReconnect:
		// Clients re-issue room:publish after reconnecting; nothing to do here
	default:
		s.sendError("unknown_event", "Unknown event type: "+msg.Event)
	}
}

func (h *Hub) handlePublish(ctx context.Context, s *Session, payload msgpack.RawMessage) {
	var p PublishPayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		s.sendError("invalid_payload", "Invalid publish payload")
		return
	}

	if h.participants != nil {
		if err := h.participants.BindSocket(ctx, p.ParticipantID, s.ClientID); err != nil && !errors.Is(err, database.ErrNotFound) {
			h.logger.Warn("failed to bind participant socket", "participant_id", p.ParticipantID, "error", err)
		}
	}

	resp, err := h.dispatcher.JoinRoom(ctx, rpc.JoinRoomRequest{
		ClientID:          s.ClientID,
		RoomID:            p.RoomID,
		ParticipantID:     p.ParticipantID,
		SDP:               p.SDP,
		IsVideoEnabled:    p.IsVideoEnabled,
		IsAudioEnabled:    p.IsAudioEnabled,
		IsE2EEEnabled:     p.IsE2EEEnabled,
		TotalTracks:       p.TotalTracks,
		ConnectionType:    p.ConnectionType,
		StreamingProtocol: p.StreamingProtocol,
		IsIPv6Supported:   p.IsIPv6Supported,
	})
	if err != nil {
		h.sendDispatchError(s, err)
		return
	}

	connType := domain.ConnectionType(p.ConnectionType)
	s.setRoom(p.RoomID, p.ParticipantID, connType)
	s.subscribeRoomTopic(ctx, p.RoomID)

	s.Emit(EventPublish, PublishResponse{SDP: resp.SDP, IsRecording: resp.IsRecording})

	// P2P peers exchange media directly: the offer rides the room broadcast
	if connType == domain.ConnectionTypeP2P {
		h.BroadcastToRoom(p.RoomID, EventNewParticipant, NewParticipantPayload{
			ParticipantID: p.ParticipantID,
			RoomID:        p.RoomID,
			SDP:           p.SDP,
		})
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, s *Session, payload msgpack.RawMessage) {
	var p SubscribePayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		s.sendError("invalid_payload", "Invalid subscribe payload")
		return
	}

	resp, err := h.dispatcher.Subscribe(ctx, rpc.SubscribeRequest{
		ClientID:        s.ClientID,
		RoomID:          p.RoomID,
		ParticipantID:   p.ParticipantID,
		TargetID:        p.TargetID,
		IsIPv6Supported: p.IsIPv6Supported,
	})
	if err != nil {
		h.sendDispatchError(s, err)
		return
	}

	s.Emit(EventAnswerSubscriber, AnswerSubscriberPayload{
		TargetID: p.TargetID,
		SubscribeResponse: &SubscribeResponsePayload{
			Offer:           resp.Offer,
			CameraType:      resp.CameraType,
			VideoEnabled:    resp.VideoEnabled,
			AudioEnabled:    resp.AudioEnabled,
			IsScreenSharing: resp.IsScreenSharing,
			IsHandRaising:   resp.IsHandRaising,
			IsE2EEEnabled:   resp.IsE2EEEnabled,
			VideoCodec:      resp.VideoCodec,
			ScreenTrackID:   resp.ScreenTrackID,
		},
	})
}

func (h *Hub) handleAnswerSubscriber(ctx context.Context, s *Session, payload msgpack.RawMessage) {
	var p AnswerSubscriberPayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		s.sendError("invalid_payload", "Invalid answer payload")
		return
	}

	if err := h.dispatcher.SetSubscriberSDP(ctx, rpc.SetSubscriberSDPRequest{
		ClientID: s.ClientID,
		TargetID: p.TargetID,
		SDP:      p.SDP,
	}); err != nil {
		h.sendDispatchError(s, err)
	}
}

func (h *Hub) handlePublisherRenegotiation(ctx context.Context, s *Session, payload msgpack.RawMessage) {
	var p RenegotiationPayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		s.sendError("invalid_payload", "Invalid renegotiation payload")
		return
	}

	resp, err := h.dispatcher.PublisherRenegotiation(ctx, rpc.RenegotiationRequest{
		ClientID: s.ClientID,
		SDP:      p.SDP,
	})
	if err != nil {
		h.sendDispatchError(s, err)
		return
	}
	s.Emit(EventPublisherRenegotiate, RenegotiationPayload{SDP: resp.SDP})
}

func (h *Hub) handlePublisherCandidate(ctx context.Context, s *Session, payload msgpack.RawMessage) {
	var p PublisherCandidatePayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		return
	}

	// P2P media never touches the SFU: candidates ride the room broadcast
	if s.ConnectionType() == domain.ConnectionTypeP2P {
		roomID, participantID := s.Room()
		h.BroadcastToRoom(roomID, EventPublisherCandidate, SubscriberCandidatePayload{
			TargetID:  participantID,
			Candidate: p.Candidate,
		})
		return
	}

	if err := h.dispatcher.AddPublisherCandidate(ctx, rpc.CandidateRequest{
		ClientID:  s.ClientID,
		Candidate: toRPCCandidate(p.Candidate),
	}); err != nil {
		h.logger.Debug("publisher candidate rejected", "client_id", s.ClientID, "error", err)
	}
}

func (h *Hub) handleSubscriberCandidate(ctx context.Context, s *Session, payload msgpack.RawMessage) {
	var p SubscriberCandidatePayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		return
	}

	if s.ConnectionType() == domain.ConnectionTypeP2P {
		roomID, _ := s.Room()
		h.BroadcastToRoom(roomID, EventSubscriberCandidate, p)
		return
	}

	if err := h.dispatcher.AddSubscriberCandidate(ctx, rpc.CandidateRequest{
		ClientID:  s.ClientID,
		TargetID:  p.TargetID,
		Candidate: toRPCCandidate(p.Candidate),
	}); err != nil {
		h.logger.Debug("subscriber candidate rejected", "client_id", s.ClientID, "error", err)
	}
}

func (h *Hub) handleMigrate(ctx context.Context, s *Session, payload msgpack.RawMessage) {
	var p MigratePayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		s.sendError("invalid_payload", "Invalid migrate payload")
		return
	}

	resp, err := h.dispatcher.MigrateConnection(ctx, rpc.MigrateRequest{
		ClientID:       s.ClientID,
		SDP:            p.SDP,
		ConnectionType: p.ConnectionType,
	})
	if err != nil {
		h.sendDispatchError(s, err)
		return
	}

	roomID, participantID := s.Room()
	s.setRoom(roomID, participantID, domain.ConnectionType(p.ConnectionType))

	s.Emit(EventMigrate, MigratePayload{SDP: resp.SDP, ConnectionType: p.ConnectionType})
}

func (h *Hub) handleEnabled(ctx context.Context, s *Session, payload msgpack.RawMessage, event string,
	call func(context.Context, rpc.SetEnabledRequest) (dispatcher.ClientBinding, error)) {

	var p EnabledPayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		s.sendError("invalid_payload", "Invalid payload")
		return
	}

	binding, err := call(ctx, rpc.SetEnabledRequest{ClientID: s.ClientID, Enabled: p.Enabled})
	if err != nil {
		h.sendDispatchError(s, err)
		return
	}

	h.BroadcastToRoom(binding.RoomID, event, EnabledPayload{
		ParticipantID: binding.ParticipantID,
		Enabled:       p.Enabled,
	})
}

func (h *Hub) handleScreenSharing(ctx context.Context, s *Session, payload msgpack.RawMessage) {
	var p ScreenSharingPayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		s.sendError("invalid_payload", "Invalid screen sharing payload")
		return
	}

	binding, err := h.dispatcher.SetScreenSharing(ctx, rpc.SetScreenSharingRequest{
		ClientID:      s.ClientID,
		Enabled:       p.Enabled,
		ScreenTrackID: p.ScreenTrackID,
	})
	if err != nil {
		h.sendDispatchError(s, err)
		return
	}

	broadcast := ScreenSharingPayload{ParticipantID: binding.ParticipantID, Enabled: p.Enabled}
	if p.Enabled {
		broadcast.ScreenTrackID = p.ScreenTrackID
	}
	h.BroadcastToRoom(binding.RoomID, EventScreenSharing, broadcast)
}

func (h *Hub) handleCameraType(ctx context.Context, s *Session, payload msgpack.RawMessage) {
	var p CameraTypePayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		s.sendError("invalid_payload", "Invalid camera type payload")
		return
	}

	binding, err := h.dispatcher.SetCameraType(ctx, rpc.SetCameraTypeRequest{
		ClientID:   s.ClientID,
		CameraType: p.CameraType,
	})
	if err != nil {
		h.sendDispatchError(s, err)
		return
	}

	h.BroadcastToRoom(binding.RoomID, EventCameraType, CameraTypePayload{
		ParticipantID: binding.ParticipantID,
		CameraType:    p.CameraType,
	})
}

func (h *Hub) handleSetQuality(ctx context.Context, s *Session, payload msgpack.RawMessage) {
	var p SetQualityPayload
	if err := msgpack.Unmarshal(payload, &p); err != nil {
		s.sendError("invalid_payload", "Invalid quality payload")
		return
	}

	if err := h.dispatcher.SetSubscriberQuality(ctx, rpc.SetSubscriberQualityRequest{
		ClientID: s.ClientID,
		TargetID: p.TargetID,
		Quality:  p.Quality,
	}); err != nil {
		h.sendDispatchError(s, err)
	}
}

// leave tears down the session's room membership and announces it.
func (h *Hub) leave(ctx context.Context, s *Session) {
	binding, err := h.dispatcher.LeaveRoom(ctx, rpc.LeaveRoomRequest{ClientID: s.ClientID})
	if err != nil {
		if !errors.Is(err, domain.ErrClientNotFound) {
			h.logger.Warn("leave failed", "client_id", s.ClientID, "error", err)
		}
		return
	}

	h.BroadcastToRoom(binding.RoomID, EventParticipantLeft, ParticipantLeftPayload{
		TargetID: binding.ParticipantID,
	})
}

// RunCallbacksFromPubSub feeds RunCallbacks from the cluster pub/sub: a
// split-tier dispatcher republishes its callback bus onto the nodes topic.
func (h *Hub) RunCallbacksFromPubSub(ctx context.Context) error {
	events := make(chan rpc.CallbackEvent, 256)

	sub, err := h.ps.Subscribe(ctx, pubsub.Topics.Nodes(), func(_ context.Context, msg *pubsub.Message) {
		var ev rpc.CallbackEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			h.logger.Warn("malformed callback event", "error", err)
			return
		}
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	h.RunCallbacks(ctx, events)
	return nil
}

// RunCallbacks consumes the dispatcher's SFU event stream and routes each
// event to its socket or room. Events for one client arrive in send order.
func (h *Hub) RunCallbacks(ctx context.Context, events <-chan rpc.CallbackEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.routeCallback(ctx, ev)
		}
	}
}

func (h *Hub) routeCallback(ctx context.Context, ev rpc.CallbackEvent) {
	switch ev.Type {
	case rpc.EventNewUserJoined:
		h.BroadcastToRoom(ev.RoomID, EventNewParticipant, NewParticipantPayload{
			ParticipantID: ev.ParticipantID,
			RoomID:        ev.RoomID,
		})

	case rpc.EventSubscriberRenegotiate:
		h.sendToClient(ev.ClientID, EventSubscriberRenegotiation, SubscriberRenegotiationPayload{
			TargetID: ev.TargetID,
			SDP:      ev.SDP,
		})

	case rpc.EventPublisherCandidate:
		if ev.Candidate == nil {
			return
		}
		h.sendToClient(ev.ClientID, EventPublisherCandidate, PublisherCandidatePayload{
			Candidate: fromRPCCandidate(*ev.Candidate),
		})

	case rpc.EventSubscriberCandidate:
		if ev.Candidate == nil {
			return
		}
		h.sendToClient(ev.ClientID, EventSubscriberCandidate, SubscriberCandidatePayload{
			TargetID:  ev.TargetID,
			Candidate: fromRPCCandidate(*ev.Candidate),
		})

	case rpc.EventParticipantLeft:
		// The session died on the SFU side; drop the binding and announce
		if err := h.dispatcher.Cache().Remove(ctx, ev.ClientID); err != nil {
			h.logger.Warn("failed to drop binding", "client_id", ev.ClientID, "error", err)
		}
		h.BroadcastToRoom(ev.RoomID, EventParticipantLeft, ParticipantLeftPayload{
			TargetID: ev.ParticipantID,
		})

	case rpc.EventNodeTerminated:
		h.handleNodeTerminated(ctx, ev.NodeID)
	}
}

// handleNodeTerminated removes every binding owned by the dead node and
// announces each departure to its room.
func (h *Hub) handleNodeTerminated(ctx context.Context, nodeID string) {
	cache := h.dispatcher.Cache()

	clients, err := cache.ClientsOnNode(ctx, nodeID)
	if err != nil {
		h.logger.Error("node-gone cleanup failed", "node_id", nodeID, "error", err)
		return
	}

	h.logger.Info("sfu node terminated, evicting clients", "node_id", nodeID, "clients", len(clients))

	for _, clientID := range clients {
		binding, err := cache.Get(ctx, clientID)
		if err != nil {
			continue
		}
		if err := cache.Remove(ctx, clientID); err != nil {
			h.logger.Warn("failed to remove binding", "client_id", clientID, "error", err)
		}
		h.BroadcastToRoom(binding.RoomID, EventParticipantLeft, ParticipantLeftPayload{
			TargetID: binding.ParticipantID,
		})
	}
}

// BroadcastToRoom publishes an event on the room's pub/sub channel; every
// signalling instance with members in the room delivers it.
func (h *Hub) BroadcastToRoom(roomID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast payload", "event", event, "error", err)
		return
	}

	msg := &pubsub.Message{
		Topic:   pubsub.Topics.Room(roomID),
		Type:    event,
		Payload: data,
	}
	if err := h.ps.Publish(context.Background(), msg.Topic, msg); err != nil {
		h.logger.Error("room broadcast failed", "room_id", roomID, "event", event, "error", err)
	}
}

// sendToClient publishes an event on a socket's client topic.
func (h *Hub) sendToClient(clientID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal client payload", "event", event, "error", err)
		return
	}

	msg := &pubsub.Message{
		Topic:   pubsub.Topics.Client(clientID),
		Type:    event,
		Payload: data,
	}
	if err := h.ps.Publish(context.Background(), msg.Topic, msg); err != nil {
		h.logger.Error("client send failed", "client_id", clientID, "event", event, "error", err)
	}
}

// sendDispatchError maps dispatcher errors onto socket error codes.
func (h *Hub) sendDispatchError(s *Session, err error) {
	code := "internal_error"
	switch {
	case errors.Is(err, domain.ErrNodeUnavailable):
		code = "node_unavailable"
	case errors.Is(err, domain.ErrPublisherNotFound):
		code = "publisher_not_found"
	case errors.Is(err, domain.ErrSubscriberNotFound):
		code = "subscriber_not_found"
	case errors.Is(err, domain.ErrClientNotFound):
		code = "client_not_found"
	case errors.Is(err, domain.ErrFailedToSetSDP),
		errors.Is(err, domain.ErrFailedToCreateOffer),
		errors.Is(err, domain.ErrFailedToCreateAnswer):
		code = "sdp_error"
	case errors.Is(err, domain.ErrInvalidICECandidate):
		code = "invalid_candidate"
	}
	s.sendError(code, err.Error())
}

// wireMessage re-encodes a pub/sub message (JSON payload) into the socket's
// msgpack envelope. Payload structs carry matching json and msgpack tags,
// so the field names survive the trip.
func wireMessage(msg *pubsub.Message) *Message {
	var payload map[string]interface{}
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil
		}
	}
	wire, err := NewMessage(msg.Type, payload)
	if err != nil {
		return nil
	}
	return wire
}

func toRPCCandidate(c CandidatePayload) rpc.ICECandidate {
	return rpc.ICECandidate{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func fromRPCCandidate(c rpc.ICECandidate) CandidatePayload {
	return CandidatePayload{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
