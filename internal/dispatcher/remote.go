package dispatcher

import (
	"context"

	"github.com/riptide-io/riptide/internal/rpc"
)

// RemoteClient drives a dispatcher tier running in its own process over its
// control API. It satisfies the same surface as the in-process facade, so
// signalling can embed or split the dispatcher per deployment.
type RemoteClient struct {
	addr   string
	client *rpc.Client
	cache  ClientCache // shared (Redis) binding cache, read for cleanup paths
}

// NewRemoteClient creates a client for the dispatcher at addr.
func NewRemoteClient(addr string, cache ClientCache) *RemoteClient {
	return &RemoteClient{addr: addr, client: rpc.NewClient(), cache: cache}
}

// Cache exposes the shared binding cache.
func (r *RemoteClient) Cache() ClientCache {
	return r.cache
}

func (r *RemoteClient) JoinRoom(ctx context.Context, req rpc.JoinRoomRequest) (rpc.JoinRoomResponse, error) {
	var resp rpc.JoinRoomResponse
	err := r.client.Call(ctx, r.addr, rpc.PathJoinRoom, req, &resp)
	return resp, err
}

func (r *RemoteClient) Subscribe(ctx context.Context, req rpc.SubscribeRequest) (rpc.SubscribeResponse, error) {
	var resp rpc.SubscribeResponse
	err := r.client.Call(ctx, r.addr, rpc.PathSubscribe, req, &resp)
	return resp, err
}

func (r *RemoteClient) SetSubscriberSDP(ctx context.Context, req rpc.SetSubscriberSDPRequest) error {
	return r.client.Call(ctx, r.addr, rpc.PathSetSubscriberSDP, req, nil)
}

func (r *RemoteClient) AddPublisherCandidate(ctx context.Context, req rpc.CandidateRequest) error {
	return r.client.Call(ctx, r.addr, rpc.PathAddPublisherCandidate, req, nil)
}

func (r *RemoteClient) AddSubscriberCandidate(ctx context.Context, req rpc.CandidateRequest) error {
	return r.client.Call(ctx, r.addr, rpc.PathAddSubscriberCandidate, req, nil)
}

func (r *RemoteClient) PublisherRenegotiation(ctx context.Context, req rpc.RenegotiationRequest) (rpc.RenegotiationResponse, error) {
	var resp rpc.RenegotiationResponse
	err := r.client.Call(ctx, r.addr, rpc.PathPublisherRenegotiation, req, &resp)
	return resp, err
}

func (r *RemoteClient) MigrateConnection(ctx context.Context, req rpc.MigrateRequest) (rpc.MigrateResponse, error) {
	var resp rpc.MigrateResponse
	err := r.client.Call(ctx, r.addr, rpc.PathMigrateConnection, req, &resp)
	return resp, err
}

func (r *RemoteClient) LeaveRoom(ctx context.Context, req rpc.LeaveRoomRequest) (ClientBinding, error) {
	var binding ClientBinding
	err := r.client.Call(ctx, r.addr, rpc.PathLeaveRoom, req, &binding)
	return binding, err
}

func (r *RemoteClient) SetVideoEnabled(ctx context.Context, req rpc.SetEnabledRequest) (ClientBinding, error) {
	var binding ClientBinding
	err := r.client.Call(ctx, r.addr, rpc.PathSetVideoEnabled, req, &binding)
	return binding, err
}

func (r *RemoteClient) SetAudioEnabled(ctx context.Context, req rpc.SetEnabledRequest) (ClientBinding, error) {
	var binding ClientBinding
	err := r.client.Call(ctx, r.addr, rpc.PathSetAudioEnabled, req, &binding)
	return binding, err
}

func (r *RemoteClient) SetE2EEEnabled(ctx context.Context, req rpc.SetEnabledRequest) (ClientBinding, error) {
	var binding ClientBinding
	err := r.client.Call(ctx, r.addr, rpc.PathSetE2EEEnabled, req, &binding)
	return binding, err
}

func (r *RemoteClient) SetHandRaising(ctx context.Context, req rpc.SetEnabledRequest) (ClientBinding, error) {
	var binding ClientBinding
	err := r.client.Call(ctx, r.addr, rpc.PathSetHandRaising, req, &binding)
	return binding, err
}

func (r *RemoteClient) SetScreenSharing(ctx context.Context, req rpc.SetScreenSharingRequest) (ClientBinding, error) {
	var binding ClientBinding
	err := r.client.Call(ctx, r.addr, rpc.PathSetScreenSharing, req, &binding)
	return binding, err
}

func (r *RemoteClient) SetCameraType(ctx context.Context, req rpc.SetCameraTypeRequest) (ClientBinding, error) {
	var binding ClientBinding
	err := r.client.Call(ctx, r.addr, rpc.PathSetCameraType, req, &binding)
	return binding, err
}

func (r *RemoteClient) SetSubscriberQuality(ctx context.Context, req rpc.SetSubscriberQualityRequest) error {
	return r.client.Call(ctx, r.addr, rpc.PathSetSubscriberQuality, req, nil)
}
