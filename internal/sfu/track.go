package sfu

import (
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"golang.org/x/time/rate"

	"github.com/riptide-io/riptide/internal/domain"
)

// layerState is one simulcast encoding of a track.
type layerState struct {
	rid    string
	ssrc   uint32
	active bool
}

// forwarder is a subscriber's outbound leg of one track: a local RTP track
// bound into the subscriber's session plus the quality it currently wants.
// The media library rewrites SSRC and payload type on write; the engine only
// selects the layer.
type forwarder struct {
	subscriberID string
	local        *webrtc.TrackLocalStaticRTP

	mu        sync.Mutex
	desired   domain.TrackQuality
	lastLayer domain.TrackQuality
	started   bool
}

// Track is one published media source: audio, camera video, or screen video.
// It is exclusively owned by its Publisher; subscribers reach it through
// forwarders resolved each forward tick.
type Track struct {
	ID            string
	StreamID      string
	ParticipantID string
	RoomID        string
	Kind          webrtc.RTPCodecType
	Capability    webrtc.RTPCodecCapability
	MimeType      string

	mu        sync.RWMutex
	layers    map[domain.TrackQuality]*layerState
	forwards  map[string]*forwarder
	simulcast bool

	// keyframe requests toward the publisher, at most one per second
	pliLimiter      *rate.Limiter
	requestKeyframe func(ssrc uint32)

	logger *slog.Logger
}

// newTrack wraps the first remote encoding of a published track.
func newTrack(remote *webrtc.TrackRemote, roomID, participantID string, requestKeyframe func(uint32), logger *slog.Logger) *Track {
	t := &Track{
		ID:              remote.ID(),
		StreamID:        remote.StreamID(),
		ParticipantID:   participantID,
		RoomID:          roomID,
		Kind:            remote.Kind(),
		Capability:      remote.Codec().RTPCodecCapability,
		MimeType:        remote.Codec().MimeType,
		layers:          make(map[domain.TrackQuality]*layerState),
		forwards:        make(map[string]*forwarder),
		pliLimiter:      rate.NewLimiter(rate.Every(pliMinInterval), 1),
		requestKeyframe: requestKeyframe,
		logger:          logger.With("track_id", remote.ID(), "kind", remote.Kind().String()),
	}
	t.AddLayer(remote)
	return t
}

// AddLayer registers an incoming encoding. The second layer flips the track
// into simulcast mode.
func (t *Track) AddLayer(remote *webrtc.TrackRemote) domain.TrackQuality {
	quality := t.layerQuality(remote.RID())

	t.mu.Lock()
	defer t.mu.Unlock()

	t.layers[quality] = &layerState{rid: remote.RID(), ssrc: uint32(remote.SSRC()), active: true}
	if len(t.layers) > 1 {
		t.simulcast = true
	}
	return quality
}

// IsSimulcast reports whether more than one encoding arrived.
func (t *Track) IsSimulcast() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.simulcast
}

// layerQuality maps a remote rid onto the layer key. Audio and
// non-simulcast video collapse onto the single medium layer.
func (t *Track) layerQuality(rid string) domain.TrackQuality {
	if t.Kind == webrtc.RTPCodecTypeAudio || rid == "" {
		return domain.QualityMedium
	}
	return domain.QualityFromRID(rid)
}

// AddSubscriber creates the subscriber's forwarder for this track.
// Returns the local track the subscriber binds into its session.
func (t *Track) AddSubscriber(subscriberID string, desired domain.TrackQuality) (*webrtc.TrackLocalStaticRTP, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.forwards[subscriberID]; exists {
		return nil, domain.ErrFailedToAddTrack
	}

	local, err := webrtc.NewTrackLocalStaticRTP(t.Capability, t.ID, t.StreamID)
	if err != nil {
		return nil, domain.ErrFailedToAddTrack
	}

	t.forwards[subscriberID] = &forwarder{
		subscriberID: subscriberID,
		local:        local,
		desired:      desired,
		lastLayer:    desired,
	}
	return local, nil
}

// RemoveSubscriber drops the subscriber's forwarder.
func (t *Track) RemoveSubscriber(subscriberID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.forwards, subscriberID)
}

// SetSubscriberQuality updates the quality one subscriber wants.
func (t *Track) SetSubscriberQuality(subscriberID string, desired domain.TrackQuality) {
	t.mu.RLock()
	fw := t.forwards[subscriberID]
	t.mu.RUnlock()
	if fw == nil {
		return
	}
	fw.mu.Lock()
	fw.desired = desired
	fw.mu.Unlock()
}

// SubscriberCount returns the number of attached forwarders.
func (t *Track) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.forwards)
}

// Forward routes one RTP packet received on the given layer to every
// subscriber whose effective layer matches it. A layer switch triggers a
// keyframe request toward the publisher so the new stream starts decodable.
func (t *Track) Forward(layer domain.TrackQuality, pkt *rtp.Packet) {
	t.mu.RLock()
	targets := make([]*forwarder, 0, len(t.forwards))
	for _, fw := range t.forwards {
		targets = append(targets, fw)
	}
	t.mu.RUnlock()

	for _, fw := range targets {
		fw.mu.Lock()
		effective := t.effectiveLayer(fw.desired)
		switched := fw.started && effective != fw.lastLayer
		if !fw.started || switched {
			fw.started = true
			fw.lastLayer = effective
		}
		fw.mu.Unlock()

		if switched {
			t.RequestKeyframe(effective)
		}
		if effective != layer {
			continue
		}
		if err := fw.local.WriteRTP(pkt); err != nil {
			t.logger.Debug("forward write failed", "subscriber_id", fw.subscriberID, "error", err)
		}
	}
}

// effectiveLayer resolves a desired quality against the active layers,
// falling back High -> Medium -> Low -> High to the nearest available one.
func (t *Track) effectiveLayer(desired domain.TrackQuality) domain.TrackQuality {
	if t.Kind == webrtc.RTPCodecTypeAudio {
		return domain.QualityMedium
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	candidate := desired
	for i := 0; i < 3; i++ {
		if l, ok := t.layers[candidate]; ok && l.active {
			return candidate
		}
		candidate = candidate.Fallback()
	}
	return desired
}

// RequestKeyframe asks the publisher for a keyframe on the given layer,
// rate limited per track.
func (t *Track) RequestKeyframe(layer domain.TrackQuality) {
	if t.Kind != webrtc.RTPCodecTypeVideo || t.requestKeyframe == nil {
		return
	}
	if !t.pliLimiter.Allow() {
		return
	}

	t.mu.RLock()
	l, ok := t.layers[layer]
	t.mu.RUnlock()
	if !ok {
		return
	}
	t.requestKeyframe(l.ssrc)
}

// LayerSummary reports per-layer subscriber counts and the highest layer
// any subscriber is currently served. Publishers use it to stop encoding
// unused layers.
type LayerSummary struct {
	Total   int
	PerRID  map[string]int
	Highest domain.TrackQuality
}

// LayerSubscribersSummary computes the current per-layer accounting.
// Invariant: the per-layer counts sum to the number of subscribers.
func (t *Track) LayerSubscribersSummary() LayerSummary {
	t.mu.RLock()
	forwards := make([]*forwarder, 0, len(t.forwards))
	for _, fw := range t.forwards {
		forwards = append(forwards, fw)
	}
	t.mu.RUnlock()

	summary := LayerSummary{PerRID: make(map[string]int), Highest: domain.QualityLow}
	for _, fw := range forwards {
		fw.mu.Lock()
		desired := fw.desired
		fw.mu.Unlock()

		effective := t.effectiveLayer(desired)
		summary.Total++
		summary.PerRID[effective.RID()]++
		if effective > summary.Highest {
			summary.Highest = effective
		}
	}
	return summary
}

// Close drops all forwarders.
func (t *Track) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forwards = make(map[string]*forwarder)
	for _, l := range t.layers {
		l.active = false
	}
}
