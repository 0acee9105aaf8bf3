package dispatcher

import (
	"context"

	"github.com/riptide-io/riptide/internal/rpc"
)

// SFUProxy forwards control calls to an SFU node's control API. It is
// stateless: every call posts to the node address and returns; connection
// reuse is the transport pool's business.
type SFUProxy struct {
	client *rpc.Client
}

// NewSFUProxy creates a shared proxy.
func NewSFUProxy() *SFUProxy {
	return &SFUProxy{client: rpc.NewClient()}
}

func (p *SFUProxy) JoinRoom(ctx context.Context, addr string, req rpc.JoinRoomRequest) (rpc.JoinRoomResponse, error) {
	var resp rpc.JoinRoomResponse
	err := p.client.Call(ctx, addr, rpc.PathJoinRoom, req, &resp)
	return resp, err
}

func (p *SFUProxy) Subscribe(ctx context.Context, addr string, req rpc.SubscribeRequest) (rpc.SubscribeResponse, error) {
	var resp rpc.SubscribeResponse
	err := p.client.Call(ctx, addr, rpc.PathSubscribe, req, &resp)
	return resp, err
}

func (p *SFUProxy) SetSubscriberSDP(ctx context.Context, addr string, req rpc.SetSubscriberSDPRequest) error {
	return p.client.Call(ctx, addr, rpc.PathSetSubscriberSDP, req, nil)
}

func (p *SFUProxy) AddPublisherCandidate(ctx context.Context, addr string, req rpc.CandidateRequest) error {
	return p.client.Call(ctx, addr, rpc.PathAddPublisherCandidate, req, nil)
}

func (p *SFUProxy) AddSubscriberCandidate(ctx context.Context, addr string, req rpc.CandidateRequest) error {
	return p.client.Call(ctx, addr, rpc.PathAddSubscriberCandidate, req, nil)
}

func (p *SFUProxy) PublisherRenegotiation(ctx context.Context, addr string, req rpc.RenegotiationRequest) (rpc.RenegotiationResponse, error) {
	var resp rpc.RenegotiationResponse
	err := p.client.Call(ctx, addr, rpc.PathPublisherRenegotiation, req, &resp)
	return resp, err
}

func (p *SFUProxy) MigrateConnection(ctx context.Context, addr string, req rpc.MigrateRequest) (rpc.MigrateResponse, error) {
	var resp rpc.MigrateResponse
	err := p.client.Call(ctx, addr, rpc.PathMigrateConnection, req, &resp)
	return resp, err
}

func (p *SFUProxy) LeaveRoom(ctx context.Context, addr string, req rpc.LeaveRoomRequest) error {
	return p.client.Call(ctx, addr, rpc.PathLeaveRoom, req, nil)
}

func (p *SFUProxy) SetEnabled(ctx context.Context, addr, path string, req rpc.SetEnabledRequest) error {
	return p.client.Call(ctx, addr, path, req, nil)
}

func (p *SFUProxy) SetScreenSharing(ctx context.Context, addr string, req rpc.SetScreenSharingRequest) error {
	return p.client.Call(ctx, addr, rpc.PathSetScreenSharing, req, nil)
}

func (p *SFUProxy) SetCameraType(ctx context.Context, addr string, req rpc.SetCameraTypeRequest) error {
	return p.client.Call(ctx, addr, rpc.PathSetCameraType, req, nil)
}

func (p *SFUProxy) SetSubscriberQuality(ctx context.Context, addr string, req rpc.SetSubscriberQualityRequest) error {
	return p.client.Call(ctx, addr, rpc.PathSetSubscriberQuality, req, nil)
}
