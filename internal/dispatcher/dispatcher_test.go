package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riptide-io/riptide/internal/domain"
	"github.com/riptide-io/riptide/internal/registry"
	"github.com/riptide-io/riptide/internal/rpc"
)

// fakeSFU stands in for an SFU node's control API.
func fakeSFU(t *testing.T, calls *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls = append(*calls, r.URL.Path)
		switch r.URL.Path {
		case rpc.PathJoinRoom:
			rpc.WriteJSON(w, rpc.JoinRoomResponse{SDP: "v=0\r\nanswer"})
		case rpc.PathSubscribe:
			rpc.WriteJSON(w, rpc.SubscribeResponse{Offer: "v=0\r\noffer", VideoCodec: "video/VP8", VideoEnabled: true})
		default:
			rpc.WriteJSON(w, rpc.StatusResponse{OK: true})
		}
	}))
}

func newTestDispatcher(t *testing.T, nodes ...registry.NodeRecord) (*Dispatcher, *NodeRegistry) {
	t.Helper()
	nr := NewNodeRegistry(DefaultPickWeights, nil, testLogger())
	for _, rec := range nodes {
		nr.apply(registry.Event{Kind: registry.EventPut, NodeID: rec.NodeID, Record: rec})
	}
	return New(nr, NewMemoryClientCache(), NewSFUProxy(), testLogger()), nr
}

func TestDispatcher_JoinRoomNoNodes(t *testing.T) {
	d, _ := newTestDispatcher(t)

	_, err := d.JoinRoom(context.Background(), rpc.JoinRoomRequest{ClientID: "c1", RoomID: "r1", ParticipantID: "p1"})
	if !errors.Is(err, domain.ErrNodeUnavailable) {
		t.Errorf("got %v, want ErrNodeUnavailable", err)
	}
}

func TestDispatcher_JoinRecordsBinding(t *testing.T) {
	var calls []string
	sfu := fakeSFU(t, &calls)
	defer sfu.Close()
	addr := strings.TrimPrefix(sfu.URL, "http://")

	d, _ := newTestDispatcher(t, registry.NodeRecord{NodeID: "node-a", Addr: addr, CPUFreePct: 90, RAMFreePct: 90})

	resp, err := d.JoinRoom(context.Background(), rpc.JoinRoomRequest{
		ClientID: "c1", RoomID: "r1", ParticipantID: "p1", SDP: "v=0\r\noffer",
		ConnectionType: uint8(domain.ConnectionTypeSFU),
	})
	require.NoError(t, err)
	assert.Equal(t, "v=0\r\nanswer", resp.SDP)

	binding, err := d.Cache().Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", binding.SFUNodeID)
	assert.Equal(t, "r1", binding.RoomID)
	assert.Equal(t, "p1", binding.ParticipantID)
}

func TestDispatcher_SubscribeRoutesToTargetNode(t *testing.T) {
	var calls []string
	sfu := fakeSFU(t, &calls)
	defer sfu.Close()
	addr := strings.TrimPrefix(sfu.URL, "http://")

	d, _ := newTestDispatcher(t, registry.NodeRecord{NodeID: "node-a", Addr: addr, CPUFreePct: 50, RAMFreePct: 50})

	// Target joins first, creating its binding
	_, err := d.JoinRoom(context.Background(), rpc.JoinRoomRequest{ClientID: "c1", RoomID: "r1", ParticipantID: "p1"})
	require.NoError(t, err)

	resp, err := d.Subscribe(context.Background(), rpc.SubscribeRequest{
		ClientID: "c2", RoomID: "r1", ParticipantID: "p2", TargetID: "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, "v=0\r\noffer", resp.Offer)
	assert.Contains(t, calls, rpc.PathSubscribe)
}

func TestDispatcher_SubscribeUnknownTarget(t *testing.T) {
	d, _ := newTestDispatcher(t, registry.NodeRecord{NodeID: "node-a", Addr: "127.0.0.1:1", CPUFreePct: 50, RAMFreePct: 50})

	_, err := d.Subscribe(context.Background(), rpc.SubscribeRequest{ClientID: "c2", TargetID: "nobody"})
	if !errors.Is(err, domain.ErrClientNotFound) {
		t.Errorf("got %v, want ErrClientNotFound", err)
	}
}

func TestDispatcher_LeaveRemovesBinding(t *testing.T) {
	var calls []string
	sfu := fakeSFU(t, &calls)
	defer sfu.Close()
	addr := strings.TrimPrefix(sfu.URL, "http://")

	d, _ := newTestDispatcher(t, registry.NodeRecord{NodeID: "node-a", Addr: addr, CPUFreePct: 50, RAMFreePct: 50})

	_, err := d.JoinRoom(context.Background(), rpc.JoinRoomRequest{ClientID: "c1", RoomID: "r1", ParticipantID: "p1"})
	require.NoError(t, err)

	binding, err := d.LeaveRoom(context.Background(), rpc.LeaveRoomRequest{ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "r1", binding.RoomID)

	_, err = d.Cache().Get(context.Background(), "c1")
	assert.ErrorIs(t, err, domain.ErrClientNotFound)
}

func TestServer_ErrorTaxonomyOverHTTP(t *testing.T) {
	d, _ := newTestDispatcher(t)
	bus := NewCallbackBus(testLogger())
	srv := httptest.NewServer(NewServer(d, bus, testLogger()).HTTPServer("ignored").Handler)
	defer srv.Close()

	body := strings.NewReader(`{"client_id":"c1","room_id":"r1","participant_id":"p1"}`)
	resp, err := http.Post(srv.URL+rpc.PathJoinRoom, "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var errResp rpc.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, domain.ErrNodeUnavailable.Error(), errResp.Error)
}
