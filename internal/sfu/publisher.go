package sfu

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"

	"github.com/riptide-io/riptide/internal/domain"
	"github.com/riptide-io/riptide/internal/egress"
	"github.com/riptide-io/riptide/internal/rpc"
)

const (
	// pliMinInterval rate-limits keyframe requests per track
	pliMinInterval = time.Second

	// trackEventsLabel is the data channel publishers receive layer
	// accounting on
	trackEventsLabel = "track-events"
)

// publisherState is everything subscribers snapshot at subscribe time.
// screen_track_id changes atomically with is_screen_sharing: both mutate
// under the same lock so no reader observes one without the other.
type publisherState struct {
	videoEnabled    bool
	audioEnabled    bool
	e2eeEnabled     bool
	isScreenSharing bool
	isHandRaising   bool
	cameraType      domain.CameraType
	videoCodec      string
	screenTrackID   string
	cachedSDP       string // P2P offer held for a later subscriber pull
}

// trackSubscribedMessage is pushed to the publisher on the track-events data
// channel whenever a track's layer accounting changes.
type trackSubscribedMessage struct {
	TrackID          string `json:"track_id"`
	TotalSubscribers int    `json:"total_subscribers"`
	HighestLayer     string `json:"highest_active_layer"`
}

// Publisher owns one participant's inbound session: the peer connection,
// its tracks, the egress writers, and the set of subscribers fed from it.
type Publisher struct {
	ClientID      string
	ParticipantID string
	RoomID        string

	pc *webrtc.PeerConnection

	mu       sync.RWMutex
	connType domain.ConnectionType
	state    publisherState
	tracks   map[string]*Track
	closed   bool

	subMu       sync.RWMutex
	subscribers map[string]*Subscriber

	totalTracks  int
	mediaCount   int
	joinedOnce   sync.Once
	streamingVia domain.StreamingProtocol

	hls *egress.HLSWriter
	moq *egress.MoQWriter

	dc *webrtc.DataChannel

	emit   func(rpc.CallbackEvent)
	onDead func(p *Publisher) // session Failed/Closed

	cancel context.CancelFunc
	logger *slog.Logger
}

// newPublisher wires a publisher session: callbacks for tracks, ICE
// candidates, connection state, and the track-events data channel.
func newPublisher(ctx context.Context, pc *webrtc.PeerConnection, req rpc.JoinRoomRequest,
	hls *egress.HLSWriter, moq *egress.MoQWriter,
	emit func(rpc.CallbackEvent), onDead func(*Publisher), logger *slog.Logger) *Publisher {

	ctx, cancel := context.WithCancel(ctx)

	p := &Publisher{
		ClientID:      req.ClientID,
		ParticipantID: req.ParticipantID,
		RoomID:        req.RoomID,
		pc:            pc,
		connType:      domain.ConnectionType(req.ConnectionType),
		state: publisherState{
			videoEnabled: req.IsVideoEnabled,
			audioEnabled: req.IsAudioEnabled,
			e2eeEnabled:  req.IsE2EEEnabled,
		},
		tracks:       make(map[string]*Track),
		subscribers:  make(map[string]*Subscriber),
		totalTracks:  req.TotalTracks,
		streamingVia: domain.StreamingProtocol(req.StreamingProtocol),
		hls:          hls,
		moq:          moq,
		emit:         emit,
		onDead:       onDead,
		cancel:       cancel,
		logger: logger.With("component", "publisher", "room_id", req.RoomID,
			"participant_id", req.ParticipantID),
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.handleIncomingTrack(ctx, remote)
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.emit(rpc.CallbackEvent{
			Type:          rpc.EventPublisherCandidate,
			ClientID:      p.ClientID,
			RoomID:        p.RoomID,
			ParticipantID: p.ParticipantID,
			Candidate: &rpc.ICECandidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.logger.Info("connection state changed", "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateConnected:
			// Joins with no media announce on first Connected
			if p.totalTracks == 0 {
				p.emitJoined()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			// Disconnected is transient and deliberately not handled here
			p.onDead(p)
		}
	})

	if dc, err := pc.CreateDataChannel(trackEventsLabel, nil); err == nil {
		p.dc = dc
	} else {
		p.logger.Warn("failed to create track-events channel", "error", err)
	}

	return p
}

// HandleOffer runs the offer/answer exchange for SFU joins and renegotiations.
func (p *Publisher) HandleOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", domain.ErrFailedToSetSDP
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", domain.ErrFailedToCreateAnswer
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", domain.ErrFailedToSetSDP
	}
	return answer.SDP, nil
}

// AddCandidate queues a trickled ICE candidate into the session.
func (p *Publisher) AddCandidate(init webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(init); err != nil {
		return domain.ErrInvalidICECandidate
	}
	return nil
}

// handleIncomingTrack turns a remote track (or an additional simulcast
// encoding of one) into Track state and starts its read loop.
func (p *Publisher) handleIncomingTrack(ctx context.Context, remote *webrtc.TrackRemote) {
	p.logger.Info("track added", "track_id", remote.ID(), "kind", remote.Kind().String(),
		"codec", remote.Codec().MimeType, "rid", remote.RID(), "ssrc", remote.SSRC())

	// New subscribers joining mid-stream need a keyframe promptly
	p.sendPLI(uint32(remote.SSRC()))

	p.mu.Lock()
	track, existed := p.tracks[remote.ID()]
	var layer domain.TrackQuality
	if existed {
		layer = track.AddLayer(remote)
	} else {
		track = newTrack(remote, p.RoomID, p.ParticipantID, p.sendPLI, p.logger)
		layer = track.layerQuality(remote.RID())
		p.tracks[remote.ID()] = track
	}
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		p.state.videoCodec = remote.Codec().MimeType
	}
	p.mu.Unlock()

	if !existed {
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			if p.hls != nil {
				p.hls.SetVideoCodec(remote.Codec().MimeType)
			}
			if p.moq != nil {
				p.moq.SetVideoCodec(remote.Codec().MimeType)
			}
		}

		// Announce the track to every current subscriber
		p.subMu.RLock()
		for _, sub := range p.subscribers {
			if err := sub.AddTrack(track); err != nil {
				p.logger.Warn("failed to add track to subscriber", "subscriber_id", sub.ParticipantID, "error", err)
			}
		}
		p.subMu.RUnlock()

		// Only primary encodings count toward the joined threshold;
		// extra simulcast layers of the same track do not.
		p.mu.Lock()
		p.mediaCount++
		reached := p.totalTracks > 0 && p.mediaCount == p.totalTracks
		p.mu.Unlock()
		if reached {
			p.emitJoined()
		}
	}

	go p.readLoop(ctx, remote, track, layer)
}

// readLoop pumps one remote encoding: fan-out to subscribers and the egress
// writers. One goroutine per encoding keeps per-subscriber arrival order.
func (p *Publisher) readLoop(ctx context.Context, remote *webrtc.TrackRemote, track *Track, layer domain.TrackQuality) {
	isVideo := remote.Kind() == webrtc.RTPCodecTypeVideo

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, _, err := remote.ReadRTP()
		if err != nil {
			p.logger.Debug("track read ended", "track_id", remote.ID(), "rid", remote.RID(), "error", err)
			return
		}

		track.Forward(layer, pkt)

		// Egress taps the primary video layer and audio only
		if p.hls != nil && (!isVideo || layer == domain.QualityMedium || !track.IsSimulcast()) {
			p.hls.WriteRTP(pkt, isVideo)
		}
		if p.moq != nil && (!isVideo || layer == domain.QualityMedium || !track.IsSimulcast()) {
			p.moq.WriteRTP(pkt, isVideo)
		}
	}
}

// sendPLI asks the publishing client for a keyframe.
func (p *Publisher) sendPLI(ssrc uint32) {
	if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
		p.logger.Debug("pli write failed", "ssrc", ssrc, "error", err)
	}
}

func (p *Publisher) emitJoined() {
	p.joinedOnce.Do(func() {
		p.emit(rpc.CallbackEvent{
			Type:          rpc.EventNewUserJoined,
			ClientID:      p.ClientID,
			RoomID:        p.RoomID,
			ParticipantID: p.ParticipantID,
		})
	})
}

// AddSubscriber records a subscriber fed from this publisher and feeds it
// the current track set.
func (p *Publisher) AddSubscriber(sub *Subscriber) error {
	p.subMu.Lock()
	p.subscribers[sub.ParticipantID] = sub
	p.subMu.Unlock()

	p.mu.RLock()
	tracks := make([]*Track, 0, len(p.tracks))
	for _, t := range p.tracks {
		tracks = append(tracks, t)
	}
	p.mu.RUnlock()

	for _, t := range tracks {
		if err := sub.AddTrack(t); err != nil {
			return err
		}
		// Start the new subscription on a keyframe
		t.RequestKeyframe(t.effectiveLayer(sub.PreferredQuality()))
	}
	return nil
}

// RemoveSubscriber detaches a subscriber's forwarders.
func (p *Publisher) RemoveSubscriber(subscriberID string) {
	p.subMu.Lock()
	delete(p.subscribers, subscriberID)
	p.subMu.Unlock()

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.tracks {
		t.RemoveSubscriber(subscriberID)
	}
}

// Subscribers snapshots the current subscriber set.
func (p *Publisher) Subscribers() []*Subscriber {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	subs := make([]*Subscriber, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		subs = append(subs, s)
	}
	return subs
}

// Tracks snapshots the current track set.
func (p *Publisher) Tracks() []*Track {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tracks := make([]*Track, 0, len(p.tracks))
	for _, t := range p.tracks {
		tracks = append(tracks, t)
	}
	return tracks
}

// Snapshot returns the subscribe-time view of this publisher.
func (p *Publisher) Snapshot() rpc.SubscribeResponse {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return rpc.SubscribeResponse{
		CameraType:      p.state.cameraType,
		VideoEnabled:    p.state.videoEnabled,
		AudioEnabled:    p.state.audioEnabled,
		IsScreenSharing: p.state.isScreenSharing,
		IsHandRaising:   p.state.isHandRaising,
		IsE2EEEnabled:   p.state.e2eeEnabled,
		VideoCodec:      p.state.videoCodec,
		ScreenTrackID:   p.state.screenTrackID,
	}
}

// ConnectionType returns the current forwarding mode.
func (p *Publisher) ConnectionType() domain.ConnectionType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connType
}

// SetConnectionType flips the forwarding mode during migration.
func (p *Publisher) SetConnectionType(ct domain.ConnectionType) {
	p.mu.Lock()
	p.connType = ct
	p.mu.Unlock()
}

// CacheSDP stores a P2P offer for a later subscriber pull.
func (p *Publisher) CacheSDP(sdp string) {
	p.mu.Lock()
	p.state.cachedSDP = sdp
	p.mu.Unlock()
}

// TakeCachedSDP returns and clears the cached P2P offer.
func (p *Publisher) TakeCachedSDP() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sdp := p.state.cachedSDP
	p.state.cachedSDP = ""
	return sdp, sdp != ""
}

// SetVideoEnabled flips the video flag.
func (p *Publisher) SetVideoEnabled(enabled bool) {
	p.mu.Lock()
	p.state.videoEnabled = enabled
	p.mu.Unlock()
}

// SetAudioEnabled flips the audio flag.
func (p *Publisher) SetAudioEnabled(enabled bool) {
	p.mu.Lock()
	p.state.audioEnabled = enabled
	p.mu.Unlock()
}

// SetE2EEEnabled flips the end-to-end-encryption flag.
func (p *Publisher) SetE2EEEnabled(enabled bool) {
	p.mu.Lock()
	p.state.e2eeEnabled = enabled
	p.mu.Unlock()
}

// SetHandRaising flips the hand-raise flag.
func (p *Publisher) SetHandRaising(enabled bool) {
	p.mu.Lock()
	p.state.isHandRaising = enabled
	p.mu.Unlock()
}

// SetCameraType records the camera selector.
func (p *Publisher) SetCameraType(ct domain.CameraType) {
	p.mu.Lock()
	p.state.cameraType = ct
	p.mu.Unlock()
}

// SetScreenSharing toggles screen share. Disabling removes the screen track
// and clears screen_track_id under the same lock, so no subscriber observes
// is_screen_sharing=false with a stale track id.
func (p *Publisher) SetScreenSharing(enabled bool, screenTrackID string) {
	p.mu.Lock()
	if p.state.isScreenSharing == enabled {
		p.mu.Unlock()
		return
	}
	p.state.isScreenSharing = enabled

	var removed *Track
	if enabled {
		p.state.screenTrackID = screenTrackID
	} else {
		if t, ok := p.tracks[p.state.screenTrackID]; ok {
			removed = t
			delete(p.tracks, p.state.screenTrackID)
		}
		p.state.screenTrackID = ""
	}
	p.mu.Unlock()

	if removed != nil {
		removed.Close()
		p.subMu.RLock()
		for _, sub := range p.subscribers {
			sub.RemoveTrack(removed.ID)
		}
		p.subMu.RUnlock()
		p.logger.Info("screen track removed", "track_id", removed.ID)
	}
}

// RemoveAllTracks drops every track (SFU -> P2P migration).
func (p *Publisher) RemoveAllTracks() {
	p.mu.Lock()
	tracks := p.tracks
	p.tracks = make(map[string]*Track)
	p.mediaCount = 0
	p.mu.Unlock()

	for _, t := range tracks {
		t.Close()
	}
}

// PushTrackAccounting sends a layer summary to the publishing client.
func (p *Publisher) PushTrackAccounting(trackID string, summary LayerSummary) {
	if p.dc == nil || p.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	msg := trackSubscribedMessage{
		TrackID:          trackID,
		TotalSubscribers: summary.Total,
		HighestLayer:     summary.Highest.RID(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := p.dc.SendText(string(data)); err != nil {
		p.logger.Debug("track accounting send failed", "error", err)
	}
}

// Close tears the session down and stops the egress writers.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.RemoveAllTracks()

	if p.hls != nil {
		p.hls.Stop()
	}
	if p.moq != nil {
		p.moq.Stop()
	}
	if err := p.pc.Close(); err != nil {
		p.logger.Debug("peer close failed", "error", err)
	}
}
