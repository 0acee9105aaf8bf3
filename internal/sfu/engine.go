// Package sfu implements the room engine of a Selective Forwarding Unit
// node: per-participant WebRTC sessions multiplexed over one UDP socket,
// RTP fan-out with simulcast quality selection, and HLS/MoQ egress.
package sfu

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/riptide-io/riptide/internal/domain"
	"github.com/riptide-io/riptide/internal/egress"
	"github.com/riptide-io/riptide/internal/rpc"
	"github.com/riptide-io/riptide/internal/sfu/udpmux"
)

// trackAccountingInterval is the tick for simulcast subscription accounting.
const trackAccountingInterval = 2 * time.Second

// Configs carries the node-level knobs the engine needs.
type Configs struct {
	NodeID    string
	HLSOutDir string
	// EgressEnabled gates the HLS/MoQ pipelines (off in most tests)
	EgressEnabled bool
}

type clientInfo struct {
	roomID        string
	participantID string
}

// Engine is the per-node room controller. All operations only mutate
// metadata and post work to the sessions; none of them block the media path.
type Engine struct {
	cfg Configs

	mu      sync.RWMutex
	rooms   map[string]*Room
	clients map[string]clientInfo // client id -> where its session lives

	api     *webrtc.API
	mux     *udpmux.UDPMux
	uploads *egress.Uploader

	events chan rpc.CallbackEvent

	cancel context.CancelFunc
	logger *slog.Logger
}

// NewEngine builds the engine on the node's shared UDP mux. uploader may be
// nil when object storage is not configured.
func NewEngine(cfg Configs, mux *udpmux.UDPMux, uploader *egress.Uploader, logger *slog.Logger) (*Engine, error) {
	api, err := newAPI(mux)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:     cfg,
		rooms:   make(map[string]*Room),
		clients: make(map[string]clientInfo),
		api:     api,
		mux:     mux,
		uploads: uploader,
		events:  make(chan rpc.CallbackEvent, 256),
		cancel:  cancel,
		logger:  logger.With("component", "engine", "node_id", cfg.NodeID),
	}

	go e.trackAccountingLoop(ctx)

	return e, nil
}

// Events is the stream of SFU-initiated callback events the node pushes to
// the dispatcher.
func (e *Engine) Events() <-chan rpc.CallbackEvent {
	return e.events
}

func (e *Engine) emit(ev rpc.CallbackEvent) {
	ev.NodeID = e.cfg.NodeID
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event channel full, dropping", "type", string(ev.Type))
	}
}

func (e *Engine) getOrCreateRoom(roomID string) *Room {
	e.mu.Lock()
	defer e.mu.Unlock()

	if room, ok := e.rooms[roomID]; ok {
		return room
	}
	room := newRoom(roomID, e.logger)
	e.rooms[roomID] = room
	e.logger.Info("created room", "room_id", roomID)
	return room
}

func (e *Engine) roomOf(clientID string) (*Room, clientInfo, error) {
	e.mu.RLock()
	info, ok := e.clients[clientID]
	room := e.rooms[info.roomID]
	e.mu.RUnlock()

	if !ok || room == nil {
		return nil, clientInfo{}, domain.ErrClientNotFound
	}
	return room, info, nil
}

// JoinRoom constructs a publisher with a fresh session. SFU joins get an
// answer back; P2P joins cache the offer and answer nothing.
func (e *Engine) JoinRoom(ctx context.Context, req rpc.JoinRoomRequest) (rpc.JoinRoomResponse, error) {
	room := e.getOrCreateRoom(req.RoomID)

	pc, err := newPeerConnection(e.api)
	if err != nil {
		return rpc.JoinRoomResponse{}, err
	}

	var hls *egress.HLSWriter
	var moq *egress.MoQWriter
	if e.cfg.EgressEnabled {
		switch domain.StreamingProtocol(req.StreamingProtocol) {
		case domain.StreamingProtocolMoQ:
			moq = egress.NewMoQWriter(req.ParticipantID, nil, e.logger)
		default:
			hls, err = egress.NewHLSWriter(e.cfg.HLSOutDir, req.ParticipantID, e.uploads, e.logger)
			if err != nil {
				e.logger.Warn("hls writer init failed, continuing without egress", "error", err)
			}
		}
	}

	publisher := newPublisher(ctx, pc, req, hls, moq, e.emit, e.publisherDead, e.logger)
	room.addPublisher(publisher)

	e.mu.Lock()
	e.clients[req.ClientID] = clientInfo{roomID: req.RoomID, participantID: req.ParticipantID}
	e.mu.Unlock()

	e.mux.Register(req.ClientID)

	switch domain.ConnectionType(req.ConnectionType) {
	case domain.ConnectionTypeSFU:
		answer, err := publisher.HandleOffer(req.SDP)
		if err != nil {
			// Release the partially-created session
			room.leave(req.ParticipantID)
			e.dropClient(req.ClientID)
			return rpc.JoinRoomResponse{}, err
		}
		return rpc.JoinRoomResponse{SDP: answer}, nil

	default: // P2P: cache the SDP for a later subscriber pull
		publisher.CacheSDP(req.SDP)
		publisher.emitJoined()
		return rpc.JoinRoomResponse{}, nil
	}
}

// Subscribe creates a subscriber session toward the target publisher and
// returns the offer plus the publisher's state snapshot.
func (e *Engine) Subscribe(ctx context.Context, req rpc.SubscribeRequest) (rpc.SubscribeResponse, error) {
	e.mu.RLock()
	room := e.rooms[req.RoomID]
	e.mu.RUnlock()
	if room == nil {
		return rpc.SubscribeResponse{}, domain.ErrRoomNotFound
	}

	publisher, err := room.getPublisher(req.TargetID)
	if err != nil {
		return rpc.SubscribeResponse{}, err
	}

	resp := publisher.Snapshot()

	// P2P publishers hand their cached offer straight through; no SFU leg
	if sdp, ok := publisher.TakeCachedSDP(); ok {
		resp.Offer = sdp
		return resp, nil
	}
	if publisher.ConnectionType() == domain.ConnectionTypeP2P {
		return rpc.SubscribeResponse{}, domain.ErrPeerNotFound
	}

	pc, err := newPeerConnection(e.api)
	if err != nil {
		return rpc.SubscribeResponse{}, err
	}

	sub := newSubscriber(ctx, pc, req.ClientID, req.ParticipantID, req.TargetID, e.emit, e.logger)

	if err := publisher.AddSubscriber(sub); err != nil {
		sub.Close()
		return rpc.SubscribeResponse{}, err
	}
	room.addSubscriber(sub)

	offer, err := sub.CreateOffer()
	if err != nil {
		room.mu.Lock()
		delete(room.subscribers, subscriberKey(req.TargetID, req.ParticipantID))
		room.mu.Unlock()
		publisher.RemoveSubscriber(req.ParticipantID)
		sub.Close()
		return rpc.SubscribeResponse{}, err
	}

	resp.Offer = offer
	return resp, nil
}

// SetSubscriberSDP applies a subscriber's answer.
func (e *Engine) SetSubscriberSDP(req rpc.SetSubscriberSDPRequest) error {
	room, info, err := e.roomOf(req.ClientID)
	if err != nil {
		return err
	}
	sub, err := room.getSubscriber(req.TargetID, info.participantID)
	if err != nil {
		return err
	}
	return sub.SetAnswer(req.SDP)
}

// AddPublisherCandidate queues an ICE candidate into the client's publisher
// session.
func (e *Engine) AddPublisherCandidate(req rpc.CandidateRequest) error {
	room, info, err := e.roomOf(req.ClientID)
	if err != nil {
		return err
	}
	publisher, err := room.getPublisher(info.participantID)
	if err != nil {
		return err
	}
	return publisher.AddCandidate(candidateInit(req.Candidate))
}

// AddSubscriberCandidate queues an ICE candidate into a subscriber session.
func (e *Engine) AddSubscriberCandidate(req rpc.CandidateRequest) error {
	room, info, err := e.roomOf(req.ClientID)
	if err != nil {
		return err
	}
	sub, err := room.getSubscriber(req.TargetID, info.participantID)
	if err != nil {
		return err
	}
	return sub.AddCandidate(candidateInit(req.Candidate))
}

// PublisherRenegotiation applies a publisher's renegotiation offer and
// returns the answer. New tracks surface to subscribers via OnTrack.
func (e *Engine) PublisherRenegotiation(req rpc.RenegotiationRequest) (rpc.RenegotiationResponse, error) {
	room, info, err := e.roomOf(req.ClientID)
	if err != nil {
		return rpc.RenegotiationResponse{}, err
	}
	publisher, err := room.getPublisher(info.participantID)
	if err != nil {
		return rpc.RenegotiationResponse{}, err
	}

	answer, err := publisher.HandleOffer(req.SDP)
	if err != nil {
		return rpc.RenegotiationResponse{}, err
	}
	return rpc.RenegotiationResponse{SDP: answer}, nil
}

// MigrateConnection flips a publisher between SFU and P2P forwarding without
// tearing the room-level binding down.
func (e *Engine) MigrateConnection(req rpc.MigrateRequest) (rpc.MigrateResponse, error) {
	room, info, err := e.roomOf(req.ClientID)
	if err != nil {
		return rpc.MigrateResponse{}, err
	}
	publisher, err := room.getPublisher(info.participantID)
	if err != nil {
		return rpc.MigrateResponse{}, err
	}

	target := domain.ConnectionType(req.ConnectionType)
	publisher.SetConnectionType(target)

	if target == domain.ConnectionTypeSFU {
		answer, err := publisher.HandleOffer(req.SDP)
		if err != nil {
			return rpc.MigrateResponse{}, err
		}
		return rpc.MigrateResponse{SDP: answer}, nil
	}

	// SFU -> P2P: discard media and hold the SDP for a later pull
	publisher.RemoveAllTracks()
	publisher.CacheSDP(req.SDP)
	return rpc.MigrateResponse{}, nil
}

// LeaveRoom removes the client's publisher and all of its subscribers.
func (e *Engine) LeaveRoom(clientID string) {
	room, info, err := e.roomOf(clientID)
	if err != nil {
		return
	}

	room.leave(info.participantID)
	e.dropClient(clientID)

	e.mu.Lock()
	if room.publisherCount() == 0 {
		delete(e.rooms, room.ID)
		e.logger.Info("deleted empty room", "room_id", room.ID)
	}
	e.mu.Unlock()
}

func (e *Engine) dropClient(clientID string) {
	e.mu.Lock()
	delete(e.clients, clientID)
	e.mu.Unlock()
	e.mux.Unregister(clientID)
}

// publisherDead handles a session reaching Failed or Closed: the publisher
// and its subscribers are evicted, the room survives. Sessions already torn
// down through LeaveRoom land here too via their Closed transition; those
// are not re-announced.
func (e *Engine) publisherDead(p *Publisher) {
	if _, _, err := e.roomOf(p.ClientID); err != nil {
		return
	}
	e.LeaveRoom(p.ClientID)
	e.emit(rpc.CallbackEvent{
		Type:          rpc.EventParticipantLeft,
		ClientID:      p.ClientID,
		RoomID:        p.RoomID,
		ParticipantID: p.ParticipantID,
	})
}

// withPublisher resolves the client's publisher and applies fn.
func (e *Engine) withPublisher(clientID string, fn func(*Publisher)) error {
	room, info, err := e.roomOf(clientID)
	if err != nil {
		return err
	}
	publisher, err := room.getPublisher(info.participantID)
	if err != nil {
		return err
	}
	fn(publisher)
	return nil
}

// SetVideoEnabled flips the publisher's video flag.
func (e *Engine) SetVideoEnabled(clientID string, enabled bool) error {
	return e.withPublisher(clientID, func(p *Publisher) { p.SetVideoEnabled(enabled) })
}

// SetAudioEnabled flips the publisher's audio flag.
func (e *Engine) SetAudioEnabled(clientID string, enabled bool) error {
	return e.withPublisher(clientID, func(p *Publisher) { p.SetAudioEnabled(enabled) })
}

// SetE2EEEnabled flips the publisher's e2ee flag.
func (e *Engine) SetE2EEEnabled(clientID string, enabled bool) error {
	return e.withPublisher(clientID, func(p *Publisher) { p.SetE2EEEnabled(enabled) })
}

// SetHandRaising flips the publisher's hand-raise flag.
func (e *Engine) SetHandRaising(clientID string, enabled bool) error {
	return e.withPublisher(clientID, func(p *Publisher) { p.SetHandRaising(enabled) })
}

// SetCameraType records the publisher's camera selector.
func (e *Engine) SetCameraType(clientID string, ct domain.CameraType) error {
	return e.withPublisher(clientID, func(p *Publisher) { p.SetCameraType(ct) })
}

// SetScreenSharing toggles the publisher's screen share.
func (e *Engine) SetScreenSharing(clientID string, enabled bool, screenTrackID string) error {
	return e.withPublisher(clientID, func(p *Publisher) { p.SetScreenSharing(enabled, screenTrackID) })
}

// SetSubscriberQuality applies a manual quality override for one
// subscription, bypassing the adaptation cooldown.
func (e *Engine) SetSubscriberQuality(req rpc.SetSubscriberQualityRequest) error {
	room, info, err := e.roomOf(req.ClientID)
	if err != nil {
		return err
	}
	sub, err := room.getSubscriber(req.TargetID, info.participantID)
	if err != nil {
		return err
	}

	var quality domain.TrackQuality
	switch req.Quality {
	case "low":
		quality = domain.QualityLow
	case "high":
		quality = domain.QualityHigh
	default:
		quality = domain.QualityMedium
	}
	sub.SetQuality(quality)
	return nil
}

// trackAccountingLoop diffs per-track layer summaries every tick and pushes
// deltas to the publishing client so it can stop encoding unused layers.
func (e *Engine) trackAccountingLoop(ctx context.Context) {
	ticker := time.NewTicker(trackAccountingInterval)
	defer ticker.Stop()

	previous := make(map[string]LayerSummary) // track id -> last summary

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.RLock()
			rooms := make([]*Room, 0, len(e.rooms))
			for _, r := range e.rooms {
				rooms = append(rooms, r)
			}
			e.mu.RUnlock()

			seen := make(map[string]bool)
			for _, room := range rooms {
				room.eachPublisher(func(p *Publisher) {
					for _, t := range p.Tracks() {
						summary := t.LayerSubscribersSummary()
						seen[t.ID] = true
						if prev, ok := previous[t.ID]; ok && summariesEqual(prev, summary) {
							continue
						}
						previous[t.ID] = summary
						p.PushTrackAccounting(t.ID, summary)
					}
				})
			}
			for id := range previous {
				if !seen[id] {
					delete(previous, id)
				}
			}
		}
	}
}

func summariesEqual(a, b LayerSummary) bool {
	if a.Total != b.Total || a.Highest != b.Highest || len(a.PerRID) != len(b.PerRID) {
		return false
	}
	for rid, n := range a.PerRID {
		if b.PerRID[rid] != n {
			return false
		}
	}
	return true
}

// Close tears down every room. The caller revokes the registry lease first.
func (e *Engine) Close() {
	e.cancel()

	e.mu.Lock()
	rooms := e.rooms
	e.rooms = make(map[string]*Room)
	e.clients = make(map[string]clientInfo)
	e.mu.Unlock()

	for _, room := range rooms {
		room.eachPublisher(func(p *Publisher) {
			room.leave(p.ParticipantID)
		})
	}
	// e.events stays open: session teardown callbacks may still emit while
	// connections drain, and the stream pump exits via context instead.
}

func candidateInit(c rpc.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
