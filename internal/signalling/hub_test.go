package signalling

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/riptide-io/riptide/internal/dispatcher"
	"github.com/riptide-io/riptide/internal/pubsub"
	"github.com/riptide-io/riptide/internal/rpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeDispatcher satisfies the Dispatcher surface with canned responses.
type fakeDispatcher struct {
	cache    dispatcher.ClientCache
	joined   []rpc.JoinRoomRequest
	left     []string
	joinResp rpc.JoinRoomResponse
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		cache:    dispatcher.NewMemoryClientCache(),
		joinResp: rpc.JoinRoomResponse{SDP: "v=0\r\nanswer"},
	}
}

func (f *fakeDispatcher) Cache() dispatcher.ClientCache { return f.cache }

func (f *fakeDispatcher) JoinRoom(ctx context.Context, req rpc.JoinRoomRequest) (rpc.JoinRoomResponse, error) {
	f.joined = append(f.joined, req)
	_ = f.cache.Insert(ctx, req.ClientID, dispatcher.ClientBinding{
		RoomID: req.RoomID, ParticipantID: req.ParticipantID, SFUNodeID: "node-a", NodeAddr: "10.0.0.1:50051",
	})
	return f.joinResp, nil
}

func (f *fakeDispatcher) Subscribe(context.Context, rpc.SubscribeRequest) (rpc.SubscribeResponse, error) {
	return rpc.SubscribeResponse{Offer: "v=0\r\noffer", VideoCodec: "video/VP8"}, nil
}

func (f *fakeDispatcher) SetSubscriberSDP(context.Context, rpc.SetSubscriberSDPRequest) error {
	return nil
}
func (f *fakeDispatcher) AddPublisherCandidate(context.Context, rpc.CandidateRequest) error {
	return nil
}
func (f *fakeDispatcher) AddSubscriberCandidate(context.Context, rpc.CandidateRequest) error {
	return nil
}

func (f *fakeDispatcher) PublisherRenegotiation(context.Context, rpc.RenegotiationRequest) (rpc.RenegotiationResponse, error) {
	return rpc.RenegotiationResponse{SDP: "v=0\r\nanswer"}, nil
}

func (f *fakeDispatcher) MigrateConnection(context.Context, rpc.MigrateRequest) (rpc.MigrateResponse, error) {
	return rpc.MigrateResponse{}, nil
}

func (f *fakeDispatcher) LeaveRoom(ctx context.Context, req rpc.LeaveRoomRequest) (dispatcher.ClientBinding, error) {
	binding, err := f.cache.Get(ctx, req.ClientID)
	if err != nil {
		return dispatcher.ClientBinding{}, err
	}
	_ = f.cache.Remove(ctx, req.ClientID)
	f.left = append(f.left, req.ClientID)
	return binding, nil
}

func (f *fakeDispatcher) setEnabled(ctx context.Context, req rpc.SetEnabledRequest) (dispatcher.ClientBinding, error) {
	return f.cache.Get(ctx, req.ClientID)
}

func (f *fakeDispatcher) SetVideoEnabled(ctx context.Context, req rpc.SetEnabledRequest) (dispatcher.ClientBinding, error) {
	return f.setEnabled(ctx, req)
}
func (f *fakeDispatcher) SetAudioEnabled(ctx context.Context, req rpc.SetEnabledRequest) (dispatcher.ClientBinding, error) {
	return f.setEnabled(ctx, req)
}
func (f *fakeDispatcher) SetE2EEEnabled(ctx context.Context, req rpc.SetEnabledRequest) (dispatcher.ClientBinding, error) {
	return f.setEnabled(ctx, req)
}
func (f *fakeDispatcher) SetHandRaising(ctx context.Context, req rpc.SetEnabledRequest) (dispatcher.ClientBinding, error) {
	return f.setEnabled(ctx, req)
}
func (f *fakeDispatcher) SetScreenSharing(ctx context.Context, req rpc.SetScreenSharingRequest) (dispatcher.ClientBinding, error) {
	return f.cache.Get(ctx, req.ClientID)
}
func (f *fakeDispatcher) SetCameraType(ctx context.Context, req rpc.SetCameraTypeRequest) (dispatcher.ClientBinding, error) {
	return f.cache.Get(ctx, req.ClientID)
}
func (f *fakeDispatcher) SetSubscriberQuality(context.Context, rpc.SetSubscriberQualityRequest) error {
	return nil
}

// roomEvents subscribes to a room topic and returns delivered messages.
func roomEvents(t *testing.T, ps pubsub.PubSub, roomID string) <-chan *pubsub.Message {
	t.Helper()
	ch := make(chan *pubsub.Message, 16)
	_, err := ps.Subscribe(context.Background(), pubsub.Topics.Room(roomID), func(_ context.Context, msg *pubsub.Message) {
		ch <- msg
	})
	require.NoError(t, err)
	return ch
}

func waitMessage(t *testing.T, ch <-chan *pubsub.Message) *pubsub.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for room event")
		return nil
	}
}

func TestHub_NodeTerminatedEvictsClients(t *testing.T) {
	d := newFakeDispatcher()
	ps := pubsub.NewMemoryPubSub()
	defer ps.Close()

	hub := NewHub(d, ps, NewMemoryUserCounter(), nil, testLogger())
	ctx := context.Background()

	// Two clients bound to the dying node, one on a healthy node
	_, _ = d.JoinRoom(ctx, rpc.JoinRoomRequest{ClientID: "c1", RoomID: "r1", ParticipantID: "p1"})
	_, _ = d.JoinRoom(ctx, rpc.JoinRoomRequest{ClientID: "c2", RoomID: "r2", ParticipantID: "p2"})
	_ = d.cache.Insert(ctx, "c3", dispatcher.ClientBinding{
		RoomID: "r1", ParticipantID: "p3", SFUNodeID: "node-b", NodeAddr: "10.0.0.2:50051",
	})

	events1 := roomEvents(t, ps, "r1")
	events2 := roomEvents(t, ps, "r2")

	hub.routeCallback(ctx, rpc.CallbackEvent{Type: rpc.EventNodeTerminated, NodeID: "node-a"})

	msg := waitMessage(t, events1)
	assert.Equal(t, EventParticipantLeft, msg.Type)
	var left ParticipantLeftPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &left))
	assert.Equal(t, "p1", left.TargetID)

	msg = waitMessage(t, events2)
	assert.Equal(t, EventParticipantLeft, msg.Type)

	// Evicted bindings are gone; the healthy node's binding survives
	_, err := d.cache.Get(ctx, "c1")
	assert.Error(t, err)
	_, err = d.cache.Get(ctx, "c3")
	assert.NoError(t, err)
}

func TestHub_ParticipantLeftCallback(t *testing.T) {
	d := newFakeDispatcher()
	ps := pubsub.NewMemoryPubSub()
	defer ps.Close()

	hub := NewHub(d, ps, NewMemoryUserCounter(), nil, testLogger())
	ctx := context.Background()

	_, _ = d.JoinRoom(ctx, rpc.JoinRoomRequest{ClientID: "c1", RoomID: "r1", ParticipantID: "p1"})
	events := roomEvents(t, ps, "r1")

	hub.routeCallback(ctx, rpc.CallbackEvent{
		Type: rpc.EventParticipantLeft, ClientID: "c1", RoomID: "r1", ParticipantID: "p1",
	})

	msg := waitMessage(t, events)
	assert.Equal(t, EventParticipantLeft, msg.Type)

	_, err := d.cache.Get(ctx, "c1")
	assert.Error(t, err, "binding must be dropped on session failure")
}

func TestHub_NewUserJoinedBroadcast(t *testing.T) {
	d := newFakeDispatcher()
	ps := pubsub.NewMemoryPubSub()
	defer ps.Close()

	hub := NewHub(d, ps, NewMemoryUserCounter(), nil, testLogger())
	events := roomEvents(t, ps, "r1")

	hub.routeCallback(context.Background(), rpc.CallbackEvent{
		Type: rpc.EventNewUserJoined, ClientID: "c1", RoomID: "r1", ParticipantID: "p1",
	})

	msg := waitMessage(t, events)
	assert.Equal(t, EventNewParticipant, msg.Type)

	var p NewParticipantPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "p1", p.ParticipantID)
}

func TestWireMessage_JSONToMsgpack(t *testing.T) {
	payload, _ := json.Marshal(ParticipantLeftPayload{TargetID: "p1"})
	msg := &pubsub.Message{Type: EventParticipantLeft, Payload: payload}

	wire := wireMessage(msg)
	require.NotNil(t, wire)
	assert.Equal(t, EventParticipantLeft, wire.Event)

	var decoded map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(wire.Payload, &decoded))
	assert.Equal(t, "p1", decoded["target_id"])
}

func TestMessage_EnvelopeRoundTrip(t *testing.T) {
	msg, err := NewMessage(EventPublish, PublishPayload{
		SDP:            "v=0\r\noffer",
		ParticipantID:  "p1",
		RoomID:         "r1",
		IsVideoEnabled: true,
		ConnectionType: 1,
		TotalTracks:    2,
	})
	require.NoError(t, err)

	data, err := msgpack.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, msgpack.Unmarshal(data, &decoded))
	assert.Equal(t, EventPublish, decoded.Event)

	var p PublishPayload
	require.NoError(t, msgpack.Unmarshal(decoded.Payload, &p))
	assert.Equal(t, "p1", p.ParticipantID)
	assert.True(t, p.IsVideoEnabled)
	assert.Equal(t, 2, p.TotalTracks)
}
