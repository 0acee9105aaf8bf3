package sfu

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riptide-io/riptide/internal/domain"
	"github.com/riptide-io/riptide/internal/rpc"
	"github.com/riptide-io/riptide/internal/sfu/udpmux"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	mux, err := udpmux.New("127.0.0.1", 0, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mux.Close() })

	engine, err := NewEngine(Configs{NodeID: "node-test"}, mux, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return engine
}

// clientOffer builds a browser-side offer with one video and one audio
// m-line, the shape room:publish carries.
func clientOffer(t *testing.T) (*webrtc.PeerConnection, string) {
	t.Helper()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo)
	require.NoError(t, err)
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))

	return pc, offer.SDP
}

func TestEngine_JoinRoomSFUReturnsAnswer(t *testing.T) {
	engine := newTestEngine(t)

	clientPC, offer := clientOffer(t)
	defer clientPC.Close()

	resp, err := engine.JoinRoom(context.Background(), rpc.JoinRoomRequest{
		ClientID:       "c1",
		RoomID:         "r1",
		ParticipantID:  "p1",
		SDP:            offer,
		TotalTracks:    2,
		ConnectionType: uint8(domain.ConnectionTypeSFU),
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.SDP)

	// The answer applies cleanly on the client side
	err = clientPC.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  resp.SDP,
	})
	require.NoError(t, err)
}

func TestEngine_JoinRoomP2PCachesSDP(t *testing.T) {
	engine := newTestEngine(t)

	_, offer := clientOffer(t)

	resp, err := engine.JoinRoom(context.Background(), rpc.JoinRoomRequest{
		ClientID:       "c1",
		RoomID:         "r1",
		ParticipantID:  "p1",
		SDP:            offer,
		ConnectionType: uint8(domain.ConnectionTypeP2P),
	})
	require.NoError(t, err)
	assert.Empty(t, resp.SDP, "P2P join answers nothing; the SDP is cached")

	// P2P joins announce immediately
	select {
	case ev := <-engine.Events():
		assert.Equal(t, rpc.EventNewUserJoined, ev.Type)
		assert.Equal(t, "p1", ev.ParticipantID)
	default:
		t.Fatal("expected a joined event")
	}

	// A subscriber pulls the cached offer, one-shot
	sub, err := engine.Subscribe(context.Background(), rpc.SubscribeRequest{
		ClientID:      "c2",
		RoomID:        "r1",
		ParticipantID: "p2",
		TargetID:      "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, offer, sub.Offer)

	_, err = engine.Subscribe(context.Background(), rpc.SubscribeRequest{
		ClientID:      "c3",
		RoomID:        "r1",
		ParticipantID: "p3",
		TargetID:      "p1",
	})
	assert.ErrorIs(t, err, domain.ErrPeerNotFound, "cache is consumed, P2P target has no SFU leg")
}

func TestEngine_SubscribeUnknownTarget(t *testing.T) {
	engine := newTestEngine(t)

	clientPC, offer := clientOffer(t)
	defer clientPC.Close()

	_, err := engine.JoinRoom(context.Background(), rpc.JoinRoomRequest{
		ClientID:       "c1",
		RoomID:         "r1",
		ParticipantID:  "p1",
		SDP:            offer,
		ConnectionType: uint8(domain.ConnectionTypeSFU),
	})
	require.NoError(t, err)

	_, err = engine.Subscribe(context.Background(), rpc.SubscribeRequest{
		ClientID:      "c2",
		RoomID:        "r1",
		ParticipantID: "p2",
		TargetID:      "nobody",
	})
	assert.ErrorIs(t, err, domain.ErrPublisherNotFound)

	_, err = engine.Subscribe(context.Background(), rpc.SubscribeRequest{
		ClientID: "c2", RoomID: "no-room", ParticipantID: "p2", TargetID: "p1",
	})
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestEngine_SubscribeReturnsOfferAndSnapshot(t *testing.T) {
	engine := newTestEngine(t)

	clientPC, offer := clientOffer(t)
	defer clientPC.Close()

	_, err := engine.JoinRoom(context.Background(), rpc.JoinRoomRequest{
		ClientID:       "c1",
		RoomID:         "r1",
		ParticipantID:  "p1",
		SDP:            offer,
		IsVideoEnabled: true,
		ConnectionType: uint8(domain.ConnectionTypeSFU),
	})
	require.NoError(t, err)

	resp, err := engine.Subscribe(context.Background(), rpc.SubscribeRequest{
		ClientID:      "c2",
		RoomID:        "r1",
		ParticipantID: "p2",
		TargetID:      "p1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Offer)
	assert.True(t, resp.VideoEnabled)
	assert.False(t, resp.IsScreenSharing)
}

func TestEngine_LeaveRoomCascades(t *testing.T) {
	engine := newTestEngine(t)

	clientPC, offer := clientOffer(t)
	defer clientPC.Close()

	_, err := engine.JoinRoom(context.Background(), rpc.JoinRoomRequest{
		ClientID:       "c1",
		RoomID:         "r1",
		ParticipantID:  "p1",
		SDP:            offer,
		ConnectionType: uint8(domain.ConnectionTypeSFU),
	})
	require.NoError(t, err)

	_, err = engine.Subscribe(context.Background(), rpc.SubscribeRequest{
		ClientID:      "c2",
		RoomID:        "r1",
		ParticipantID: "p2",
		TargetID:      "p1",
	})
	require.NoError(t, err)

	engine.mu.RLock()
	room := engine.rooms["r1"]
	engine.mu.RUnlock()
	require.NotNil(t, room)
	assert.Equal(t, 1, room.subscriberCount())

	engine.LeaveRoom("c1")

	// Removing the publisher cascades to its subscribers and the empty
	// room is deleted
	assert.Equal(t, 0, room.publisherCount())
	assert.Equal(t, 0, room.subscriberCount())

	engine.mu.RLock()
	_, exists := engine.rooms["r1"]
	engine.mu.RUnlock()
	assert.False(t, exists)
}

func TestPublisher_ScreenShareClearsTrackIDAtomically(t *testing.T) {
	engine := newTestEngine(t)

	clientPC, offer := clientOffer(t)
	defer clientPC.Close()

	_, err := engine.JoinRoom(context.Background(), rpc.JoinRoomRequest{
		ClientID:       "c1",
		RoomID:         "r1",
		ParticipantID:  "p1",
		SDP:            offer,
		ConnectionType: uint8(domain.ConnectionTypeSFU),
	})
	require.NoError(t, err)

	require.NoError(t, engine.SetScreenSharing("c1", true, "s1"))

	engine.mu.RLock()
	room := engine.rooms["r1"]
	engine.mu.RUnlock()
	pub, err := room.getPublisher("p1")
	require.NoError(t, err)

	snap := pub.Snapshot()
	assert.True(t, snap.IsScreenSharing)
	assert.Equal(t, "s1", snap.ScreenTrackID)

	require.NoError(t, engine.SetScreenSharing("c1", false, ""))

	snap = pub.Snapshot()
	assert.False(t, snap.IsScreenSharing)
	assert.Empty(t, snap.ScreenTrackID, "screen_track_id clears with the flag, never after it")
}

func TestEngine_MigrateToP2PDiscardsTracks(t *testing.T) {
	engine := newTestEngine(t)

	clientPC, offer := clientOffer(t)
	defer clientPC.Close()

	_, err := engine.JoinRoom(context.Background(), rpc.JoinRoomRequest{
		ClientID:       "c1",
		RoomID:         "r1",
		ParticipantID:  "p1",
		SDP:            offer,
		ConnectionType: uint8(domain.ConnectionTypeSFU),
	})
	require.NoError(t, err)

	resp, err := engine.MigrateConnection(rpc.MigrateRequest{
		ClientID:       "c1",
		SDP:            offer,
		ConnectionType: uint8(domain.ConnectionTypeP2P),
	})
	require.NoError(t, err)
	assert.Empty(t, resp.SDP)

	engine.mu.RLock()
	room := engine.rooms["r1"]
	engine.mu.RUnlock()
	pub, err := room.getPublisher("p1")
	require.NoError(t, err)

	assert.Equal(t, domain.ConnectionTypeP2P, pub.ConnectionType())
	assert.Empty(t, pub.Tracks())

	sdp, ok := pub.TakeCachedSDP()
	assert.True(t, ok)
	assert.Equal(t, offer, sdp)
}

func TestEngine_CandidateForUnknownClient(t *testing.T) {
	engine := newTestEngine(t)

	err := engine.AddPublisherCandidate(rpc.CandidateRequest{
		ClientID:  "ghost",
		Candidate: rpc.ICECandidate{Candidate: "candidate:1 1 UDP 123 127.0.0.1 40000 typ host"},
	})
	assert.True(t, errors.Is(err, domain.ErrClientNotFound))
}
