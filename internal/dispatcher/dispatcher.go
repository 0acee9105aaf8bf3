package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riptide-io/riptide/internal/domain"
	"github.com/riptide-io/riptide/internal/rpc"
)

// Dispatcher ties the node registry view, the binding cache and the SFU
// proxy into one facade: pick a node at join, resolve the binding for every
// later per-client call, proxy, and keep the cache consistent.
//
// Failed proxy calls are not retried here; the caller retries by re-issuing
// the client action.
type Dispatcher struct {
	nodes  *NodeRegistry
	cache  ClientCache
	proxy  *SFUProxy
	logger *slog.Logger
}

// New creates a dispatcher facade.
func New(nodes *NodeRegistry, cache ClientCache, proxy *SFUProxy, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		nodes:  nodes,
		cache:  cache,
		proxy:  proxy,
		logger: logger.With("component", "dispatcher"),
	}
}

// Cache exposes the binding cache (signalling reads it on node-gone cleanup).
func (d *Dispatcher) Cache() ClientCache {
	return d.cache
}

// JoinRoom picks the least-loaded node, creates the publisher session there
// and records the client binding.
func (d *Dispatcher) JoinRoom(ctx context.Context, req rpc.JoinRoomRequest) (rpc.JoinRoomResponse, error) {
	node, ok := d.nodes.GetNodeLeast()
	if !ok {
		return rpc.JoinRoomResponse{}, domain.ErrNodeUnavailable
	}

	resp, err := d.proxy.JoinRoom(ctx, node.Addr, req)
	if err != nil {
		return rpc.JoinRoomResponse{}, fmt.Errorf("join on node %s: %w", node.NodeID, err)
	}

	binding := ClientBinding{
		RoomID:        req.RoomID,
		ParticipantID: req.ParticipantID,
		SFUNodeID:     node.NodeID,
		NodeAddr:      node.Addr,
	}
	if err := d.cache.Insert(ctx, req.ClientID, binding); err != nil {
		d.logger.Error("failed to record client binding", "client_id", req.ClientID, "error", err)
	}

	d.logger.Info("client joined", "client_id", req.ClientID, "room_id", req.RoomID,
		"participant_id", req.ParticipantID, "node_id", node.NodeID)
	return resp, nil
}

// Subscribe locates the target publisher's owning node through the
// participant index and proxies there.
func (d *Dispatcher) Subscribe(ctx context.Context, req rpc.SubscribeRequest) (rpc.SubscribeResponse, error) {
	_, binding, err := d.cache.GetByParticipant(ctx, req.TargetID)
	if err != nil {
		return rpc.SubscribeResponse{}, err
	}
	return d.proxy.Subscribe(ctx, binding.NodeAddr, req)
}

// SetSubscriberSDP applies a subscriber's answer on the target's node.
func (d *Dispatcher) SetSubscriberSDP(ctx context.Context, req rpc.SetSubscriberSDPRequest) error {
	_, binding, err := d.cache.GetByParticipant(ctx, req.TargetID)
	if err != nil {
		return err
	}
	return d.proxy.SetSubscriberSDP(ctx, binding.NodeAddr, req)
}

// AddPublisherCandidate queues a publisher-side ICE candidate.
func (d *Dispatcher) AddPublisherCandidate(ctx context.Context, req rpc.CandidateRequest) error {
	binding, err := d.cache.Get(ctx, req.ClientID)
	if err != nil {
		return err
	}
	return d.proxy.AddPublisherCandidate(ctx, binding.NodeAddr, req)
}

// AddSubscriberCandidate queues a subscriber-side ICE candidate on the
// target's owning node.
func (d *Dispatcher) AddSubscriberCandidate(ctx context.Context, req rpc.CandidateRequest) error {
	_, binding, err := d.cache.GetByParticipant(ctx, req.TargetID)
	if err != nil {
		return err
	}
	return d.proxy.AddSubscriberCandidate(ctx, binding.NodeAddr, req)
}

// PublisherRenegotiation applies a renegotiation offer from the publisher.
func (d *Dispatcher) PublisherRenegotiation(ctx context.Context, req rpc.RenegotiationRequest) (rpc.RenegotiationResponse, error) {
	binding, err := d.cache.Get(ctx, req.ClientID)
	if err != nil {
		return rpc.RenegotiationResponse{}, err
	}
	return d.proxy.PublisherRenegotiation(ctx, binding.NodeAddr, req)
}

// MigrateConnection flips the client between SFU and P2P forwarding modes.
// The binding survives the migration.
func (d *Dispatcher) MigrateConnection(ctx context.Context, req rpc.MigrateRequest) (rpc.MigrateResponse, error) {
	binding, err := d.cache.Get(ctx, req.ClientID)
	if err != nil {
		return rpc.MigrateResponse{}, err
	}
	return d.proxy.MigrateConnection(ctx, binding.NodeAddr, req)
}

// LeaveRoom removes the binding and tears down the client's session.
// Returns the binding so the caller can broadcast the departure.
func (d *Dispatcher) LeaveRoom(ctx context.Context, req rpc.LeaveRoomRequest) (ClientBinding, error) {
	binding, err := d.cache.Get(ctx, req.ClientID)
	if err != nil {
		return ClientBinding{}, err
	}

	if err := d.cache.Remove(ctx, req.ClientID); err != nil {
		d.logger.Warn("failed to remove client binding", "client_id", req.ClientID, "error", err)
	}

	if err := d.proxy.LeaveRoom(ctx, binding.NodeAddr, req); err != nil {
		// The binding is already gone; the node cleans up via connection failure.
		d.logger.Warn("leave room proxy failed", "client_id", req.ClientID, "error", err)
	}

	d.logger.Info("client left", "client_id", req.ClientID, "room_id", binding.RoomID)
	return binding, nil
}

// setEnabled is the shared shape of the boolean flag toggles.
func (d *Dispatcher) setEnabled(ctx context.Context, path string, req rpc.SetEnabledRequest) (ClientBinding, error) {
	binding, err := d.cache.Get(ctx, req.ClientID)
	if err != nil {
		return ClientBinding{}, err
	}
	if err := d.proxy.SetEnabled(ctx, binding.NodeAddr, path, req); err != nil {
		return ClientBinding{}, err
	}
	return binding, nil
}

// SetVideoEnabled toggles the publisher's video flag.
func (d *Dispatcher) SetVideoEnabled(ctx context.Context, req rpc.SetEnabledRequest) (ClientBinding, error) {
	return d.setEnabled(ctx, rpc.PathSetVideoEnabled, req)
}

// SetAudioEnabled toggles the publisher's audio flag.
func (d *Dispatcher) SetAudioEnabled(ctx context.Context, req rpc.SetEnabledRequest) (ClientBinding, error) {
	return d.setEnabled(ctx, rpc.PathSetAudioEnabled, req)
}

// SetE2EEEnabled toggles the publisher's end-to-end-encryption flag.
func (d *Dispatcher) SetE2EEEnabled(ctx context.Context, req rpc.SetEnabledRequest) (ClientBinding, error) {
	return d.setEnabled(ctx, rpc.PathSetE2EEEnabled, req)
}

// SetHandRaising toggles the publisher's hand-raise flag.
func (d *Dispatcher) SetHandRaising(ctx context.Context, req rpc.SetEnabledRequest) (ClientBinding, error) {
	return d.setEnabled(ctx, rpc.PathSetHandRaising, req)
}

// SetScreenSharing toggles screen share and its track id.
func (d *Dispatcher) SetScreenSharing(ctx context.Context, req rpc.SetScreenSharingRequest) (ClientBinding, error) {
	binding, err := d.cache.Get(ctx, req.ClientID)
	if err != nil {
		return ClientBinding{}, err
	}
	if err := d.proxy.SetScreenSharing(ctx, binding.NodeAddr, req); err != nil {
		return ClientBinding{}, err
	}
	return binding, nil
}

// SetCameraType records the publisher's camera selector.
func (d *Dispatcher) SetCameraType(ctx context.Context, req rpc.SetCameraTypeRequest) (ClientBinding, error) {
	binding, err := d.cache.Get(ctx, req.ClientID)
	if err != nil {
		return ClientBinding{}, err
	}
	if err := d.proxy.SetCameraType(ctx, binding.NodeAddr, req); err != nil {
		return ClientBinding{}, err
	}
	return binding, nil
}

// SetSubscriberQuality forwards a manual quality override.
func (d *Dispatcher) SetSubscriberQuality(ctx context.Context, req rpc.SetSubscriberQualityRequest) error {
	_, binding, err := d.cache.GetByParticipant(ctx, req.TargetID)
	if err != nil {
		return err
	}
	return d.proxy.SetSubscriberQuality(ctx, binding.NodeAddr, req)
}
