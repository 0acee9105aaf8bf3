package sfu

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"

	"github.com/riptide-io/riptide/internal/domain"
	"github.com/riptide-io/riptide/internal/rpc"
)

const (
	// bweSampleInterval is how often the bandwidth estimate is evaluated
	bweSampleInterval = 4 * time.Second

	// qualityUpgradeCooldown blocks upgrades shortly after any change;
	// downgrades are never delayed
	qualityUpgradeCooldown = 2 * time.Second

	// estimate thresholds, bits per second
	bweThresholdHigh   = 2_500_000.0
	bweThresholdMedium = 1_000_000.0
)

// Subscriber is one participant's outbound leg of another participant's
// media: a session with one sendonly video MID and one sendonly audio MID,
// and a preferred quality derived from REMB/Transport-CC feedback.
type Subscriber struct {
	ClientID      string
	ParticipantID string // the subscribing participant
	TargetID      string // the publisher being watched

	pc *webrtc.PeerConnection

	mu         sync.Mutex
	preferred  domain.TrackQuality
	lastChange time.Time
	tracks     map[string]*Track            // track id -> published track (room index owns lifetime)
	senders    map[string]*webrtc.RTPSender // track id -> outbound sender

	estimate   atomic.Uint64 // latest REMB bitrate, bps
	negotiated atomic.Bool

	emit   func(rpc.CallbackEvent)
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// newSubscriber wires a subscriber session and starts its quality loop.
func newSubscriber(ctx context.Context, pc *webrtc.PeerConnection, clientID, participantID, targetID string,
	emit func(rpc.CallbackEvent), logger *slog.Logger) *Subscriber {

	ctx, cancel := context.WithCancel(ctx)

	s := &Subscriber{
		ClientID:      clientID,
		ParticipantID: participantID,
		TargetID:      targetID,
		pc:            pc,
		preferred:     domain.QualityMedium,
		lastChange:    time.Now(),
		tracks:        make(map[string]*Track),
		senders:       make(map[string]*webrtc.RTPSender),
		emit:          emit,
		ctx:           ctx,
		cancel:        cancel,
		logger: logger.With("component", "subscriber", "participant_id", participantID,
			"target_id", targetID),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		s.emit(rpc.CallbackEvent{
			Type:          rpc.EventSubscriberCandidate,
			ClientID:      clientID,
			ParticipantID: participantID,
			TargetID:      targetID,
			Candidate: &rpc.ICECandidate{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			},
		})
	})

	// Renegotiations happen when the publisher adds tracks after the initial
	// exchange (typically screenshare). The first negotiation is driven by
	// Subscribe itself, so skip the callback until then.
	pc.OnNegotiationNeeded(func() {
		if !s.negotiated.Load() {
			return
		}
		offer, err := s.CreateOffer()
		if err != nil {
			s.logger.Warn("renegotiation offer failed", "error", err)
			return
		}
		s.emit(rpc.CallbackEvent{
			Type:          rpc.EventSubscriberRenegotiate,
			ClientID:      clientID,
			ParticipantID: participantID,
			TargetID:      targetID,
			SDP:           offer,
		})
	})

	go s.qualityLoop()

	return s
}

// AddTrack binds a published track into this session as a sendonly MID.
func (s *Subscriber) AddTrack(t *Track) error {
	local, err := t.AddSubscriber(s.ParticipantID, s.PreferredQuality())
	if err != nil {
		return err
	}

	transceiver, err := s.pc.AddTransceiverFromTrack(local, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		t.RemoveSubscriber(s.ParticipantID)
		return domain.ErrFailedToAddTrack
	}

	sender := transceiver.Sender()

	s.mu.Lock()
	s.tracks[t.ID] = t
	s.senders[t.ID] = sender
	s.mu.Unlock()

	go s.readRTCP(sender)
	return nil
}

// RemoveTrack unbinds a track (screen share ended on the publisher side).
func (s *Subscriber) RemoveTrack(trackID string) {
	s.mu.Lock()
	sender := s.senders[trackID]
	delete(s.senders, trackID)
	delete(s.tracks, trackID)
	s.mu.Unlock()

	if sender != nil {
		if err := s.pc.RemoveTrack(sender); err != nil {
			s.logger.Debug("remove track failed", "track_id", trackID, "error", err)
		}
	}
}

// CreateOffer produces the session's local offer.
func (s *Subscriber) CreateOffer() (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", domain.ErrFailedToCreateOffer
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", domain.ErrFailedToSetSDP
	}
	s.negotiated.Store(true)
	return offer.SDP, nil
}

// SetAnswer applies the client's answer; the session reaches stable.
func (s *Subscriber) SetAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return domain.ErrFailedToSetSDP
	}
	return nil
}

// AddCandidate queues a trickled ICE candidate into the session.
func (s *Subscriber) AddCandidate(init webrtc.ICECandidateInit) error {
	if err := s.pc.AddICECandidate(init); err != nil {
		return domain.ErrInvalidICECandidate
	}
	return nil
}

// PreferredQuality returns the layer this subscriber currently wants.
func (s *Subscriber) PreferredQuality() domain.TrackQuality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferred
}

// SetQuality is the manual override path: it applies immediately and is
// exempt from the upgrade cooldown.
func (s *Subscriber) SetQuality(q domain.TrackQuality) {
	s.applyQuality(q, true)
}

// readRTCP records the latest REMB estimate from one outbound sender.
func (s *Subscriber) readRTCP(sender *webrtc.RTPSender) {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			if remb, ok := pkt.(*rtcp.ReceiverEstimatedMaximumBitrate); ok {
				s.estimate.Store(uint64(remb.Bitrate))
			}
		}
	}
}

// qualityLoop samples the bandwidth estimate every 4 s and adapts the
// preferred layer: >=2.5 Mbps high, >=1.0 Mbps medium, else low.
func (s *Subscriber) qualityLoop() {
	ticker := time.NewTicker(bweSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			estimate := float64(s.estimate.Load())
			if estimate == 0 {
				continue // no feedback yet
			}

			target := domain.QualityLow
			switch {
			case estimate >= bweThresholdHigh:
				target = domain.QualityHigh
			case estimate >= bweThresholdMedium:
				target = domain.QualityMedium
			}
			s.applyQuality(target, false)
		}
	}
}

// applyQuality commits a quality change. Downgrades are immediate; upgrades
// wait out the cooldown unless manual is set.
func (s *Subscriber) applyQuality(target domain.TrackQuality, manual bool) {
	s.mu.Lock()
	current := s.preferred
	if target == current {
		s.mu.Unlock()
		return
	}

	upgrade := target > current
	if upgrade && !manual && time.Since(s.lastChange) < qualityUpgradeCooldown {
		s.mu.Unlock()
		return
	}

	s.preferred = target
	s.lastChange = time.Now()
	tracks := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.mu.Unlock()

	s.logger.Info("quality changed", "from", current.String(), "to", target.String(), "manual", manual)

	for _, t := range tracks {
		t.SetSubscriberQuality(s.ParticipantID, target)
	}
}

// Close detaches the subscriber from every track and closes the session.
func (s *Subscriber) Close() {
	s.cancel()

	s.mu.Lock()
	tracks := s.tracks
	s.tracks = make(map[string]*Track)
	s.senders = make(map[string]*webrtc.RTPSender)
	s.mu.Unlock()

	for _, t := range tracks {
		t.RemoveSubscriber(s.ParticipantID)
	}

	if err := s.pc.Close(); err != nil {
		s.logger.Debug("peer close failed", "error", err)
	}
}
