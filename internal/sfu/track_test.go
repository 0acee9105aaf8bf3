package sfu

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/riptide-io/riptide/internal/domain"
	"github.com/riptide-io/riptide/internal/rpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func videoTrack(t *testing.T, keyframes *atomic.Int32) *Track {
	t.Helper()
	return &Track{
		ID:       "track-1",
		StreamID: "stream-1",
		Kind:     webrtc.RTPCodecTypeVideo,
		Capability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		layers:     make(map[domain.TrackQuality]*layerState),
		forwards:   make(map[string]*forwarder),
		pliLimiter: rate.NewLimiter(rate.Every(pliMinInterval), 1),
		requestKeyframe: func(uint32) {
			if keyframes != nil {
				keyframes.Add(1)
			}
		},
		logger: testLogger(),
	}
}

func addLayer(tr *Track, q domain.TrackQuality, ssrc uint32) {
	tr.mu.Lock()
	tr.layers[q] = &layerState{rid: q.RID(), ssrc: ssrc, active: true}
	if len(tr.layers) > 1 {
		tr.simulcast = true
	}
	tr.mu.Unlock()
}

func TestTrack_EffectiveLayerFallback(t *testing.T) {
	tr := videoTrack(t, nil)

	// Only the low layer is active: every desire resolves to low
	addLayer(tr, domain.QualityLow, 100)
	assert.Equal(t, domain.QualityLow, tr.effectiveLayer(domain.QualityHigh))
	assert.Equal(t, domain.QualityLow, tr.effectiveLayer(domain.QualityMedium))
	assert.Equal(t, domain.QualityLow, tr.effectiveLayer(domain.QualityLow))

	// High appears: high desire is served directly, medium still falls to low
	addLayer(tr, domain.QualityHigh, 102)
	assert.Equal(t, domain.QualityHigh, tr.effectiveLayer(domain.QualityHigh))
	assert.Equal(t, domain.QualityLow, tr.effectiveLayer(domain.QualityMedium))

	// Low desire with only high active wraps Low -> High
	tr2 := videoTrack(t, nil)
	addLayer(tr2, domain.QualityHigh, 102)
	assert.Equal(t, domain.QualityHigh, tr2.effectiveLayer(domain.QualityLow))
}

func TestTrack_LayerAccountingInvariant(t *testing.T) {
	tr := videoTrack(t, nil)
	addLayer(tr, domain.QualityLow, 100)
	addLayer(tr, domain.QualityMedium, 101)
	addLayer(tr, domain.QualityHigh, 102)

	_, err := tr.AddSubscriber("sub-a", domain.QualityHigh)
	require.NoError(t, err)
	_, err = tr.AddSubscriber("sub-b", domain.QualityLow)
	require.NoError(t, err)
	_, err = tr.AddSubscriber("sub-c", domain.QualityLow)
	require.NoError(t, err)

	summary := tr.LayerSubscribersSummary()
	assert.Equal(t, 3, summary.Total)

	sum := 0
	for _, n := range summary.PerRID {
		sum += n
	}
	assert.Equal(t, tr.SubscriberCount(), sum, "per-layer counts must sum to subscriber count")
	assert.Equal(t, domain.QualityHigh, summary.Highest)

	tr.RemoveSubscriber("sub-a")
	summary = tr.LayerSubscribersSummary()
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, domain.QualityLow, summary.Highest)
}

func TestTrack_DuplicateSubscriberRejected(t *testing.T) {
	tr := videoTrack(t, nil)
	addLayer(tr, domain.QualityMedium, 101)

	_, err := tr.AddSubscriber("sub-a", domain.QualityMedium)
	require.NoError(t, err)
	_, err = tr.AddSubscriber("sub-a", domain.QualityMedium)
	assert.ErrorIs(t, err, domain.ErrFailedToAddTrack)
}

func TestTrack_KeyframeRateLimit(t *testing.T) {
	var keyframes atomic.Int32
	tr := videoTrack(t, &keyframes)
	addLayer(tr, domain.QualityMedium, 101)

	// A burst of requests collapses into one PLI per second
	for i := 0; i < 10; i++ {
		tr.RequestKeyframe(domain.QualityMedium)
	}
	assert.Equal(t, int32(1), keyframes.Load())

	// Audio tracks never request keyframes
	audio := videoTrack(t, &keyframes)
	audio.Kind = webrtc.RTPCodecTypeAudio
	addLayer(audio, domain.QualityMedium, 200)
	audio.RequestKeyframe(domain.QualityMedium)
	assert.Equal(t, int32(1), keyframes.Load())
}

func TestSubscriber_QualityCooldown(t *testing.T) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()

	s := newSubscriber(t.Context(), pc, "c1", "p2", "p1", func(rpc.CallbackEvent) {}, testLogger())
	defer s.Close()

	require.Equal(t, domain.QualityMedium, s.PreferredQuality())

	// Downgrades apply immediately
	s.applyQuality(domain.QualityLow, false)
	assert.Equal(t, domain.QualityLow, s.PreferredQuality())

	// An upgrade right after a change waits out the cooldown
	s.applyQuality(domain.QualityHigh, false)
	assert.Equal(t, domain.QualityLow, s.PreferredQuality())

	// Manual overrides bypass the cooldown
	s.SetQuality(domain.QualityHigh)
	assert.Equal(t, domain.QualityHigh, s.PreferredQuality())

	// After the cooldown the automatic upgrade lands
	s.applyQuality(domain.QualityLow, false)
	s.mu.Lock()
	s.lastChange = time.Now().Add(-2 * qualityUpgradeCooldown)
	s.mu.Unlock()
	s.applyQuality(domain.QualityMedium, false)
	assert.Equal(t, domain.QualityMedium, s.PreferredQuality())
}
