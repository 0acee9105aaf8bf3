// Package rpc defines the control-plane contract between the three tiers:
// signalling -> dispatcher and dispatcher -> sfu. Control calls are HTTP/JSON
// request/response; asynchronous SFU-initiated events travel the other way on
// a WebSocket stream the dispatcher hosts (see EventStreamPath).
package rpc

// Control endpoint paths, one per engine operation. The dispatcher exposes
// the same paths to signalling that it proxies to the owning SFU node.
const (
	PathJoinRoom               = "/v1/room/join"
	PathSubscribe              = "/v1/room/subscribe"
	PathSetSubscriberSDP       = "/v1/room/subscriber/sdp"
	PathAddPublisherCandidate  = "/v1/room/publisher/candidate"
	PathAddSubscriberCandidate = "/v1/room/subscriber/candidate"
	PathPublisherRenegotiation = "/v1/room/publisher/renegotiate"
	PathMigrateConnection      = "/v1/room/migrate"
	PathLeaveRoom              = "/v1/room/leave"
	PathSetVideoEnabled        = "/v1/room/video"
	PathSetAudioEnabled        = "/v1/room/audio"
	PathSetE2EEEnabled         = "/v1/room/e2ee"
	PathSetScreenSharing       = "/v1/room/screen"
	PathSetHandRaising         = "/v1/room/hand"
	PathSetCameraType          = "/v1/room/camera"
	PathSetSubscriberQuality   = "/v1/room/subscriber/quality"
)

// EventStreamPath is the WebSocket endpoint the dispatcher hosts; SFU nodes
// dial it and push CallbackEvents upstream.
const EventStreamPath = "/v1/events"

// ICECandidate mirrors the browser's RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_m_line_index,omitempty"`
}

// JoinRoomRequest creates a publisher session on the owning SFU node.
type JoinRoomRequest struct {
	ClientID          string `json:"client_id"`
	RoomID            string `json:"room_id"`
	ParticipantID     string `json:"participant_id"`
	SDP               string `json:"sdp"`
	IsVideoEnabled    bool   `json:"is_video_enabled"`
	IsAudioEnabled    bool   `json:"is_audio_enabled"`
	IsE2EEEnabled     bool   `json:"is_e2ee_enabled"`
	TotalTracks       int    `json:"total_tracks"`
	ConnectionType    uint8  `json:"connection_type"`
	StreamingProtocol uint8  `json:"streaming_protocol"`
	IsIPv6Supported   bool   `json:"is_ipv6_supported"`
}

// JoinRoomResponse carries the answer SDP for SFU joins. P2P joins cache the
// offer on the node and return an empty SDP.
type JoinRoomResponse struct {
	SDP         string `json:"sdp"`
	IsRecording bool   `json:"is_recording"`
}

// SubscribeRequest subscribes the client to a target publisher's media.
type SubscribeRequest struct {
	ClientID        string `json:"client_id"`
	RoomID          string `json:"room_id"`
	ParticipantID   string `json:"participant_id"`
	TargetID        string `json:"target_id"`
	IsIPv6Supported bool   `json:"is_ipv6_supported"`
}

// SubscribeResponse is the subscriber offer plus a snapshot of the
// publisher's state at subscribe time.
type SubscribeResponse struct {
	Offer           string `json:"offer"`
	CameraType      uint8  `json:"camera_type"`
	VideoEnabled    bool   `json:"video_enabled"`
	AudioEnabled    bool   `json:"audio_enabled"`
	IsScreenSharing bool   `json:"is_screen_sharing"`
	IsHandRaising   bool   `json:"is_hand_raising"`
	IsE2EEEnabled   bool   `json:"is_e2ee_enabled"`
	VideoCodec      string `json:"video_codec"`
	ScreenTrackID   string `json:"screen_track_id"`
}

// SetSubscriberSDPRequest applies the subscriber's answer.
type SetSubscriberSDPRequest struct {
	ClientID string `json:"client_id"`
	TargetID string `json:"target_id"`
	SDP      string `json:"sdp"`
}

// CandidateRequest queues a trickled ICE candidate into a session.
// TargetID is set for subscriber-side candidates only.
type CandidateRequest struct {
	ClientID  string       `json:"client_id"`
	TargetID  string       `json:"target_id,omitempty"`
	Candidate ICECandidate `json:"candidate"`
}

// RenegotiationRequest applies a publisher's renegotiation offer.
type RenegotiationRequest struct {
	ClientID string `json:"client_id"`
	SDP      string `json:"sdp"`
}

// RenegotiationResponse is the answer to a renegotiation offer.
type RenegotiationResponse struct {
	SDP string `json:"sdp"`
}

// MigrateRequest flips a publisher between SFU and P2P forwarding.
type MigrateRequest struct {
	ClientID       string `json:"client_id"`
	SDP            string `json:"sdp"`
	ConnectionType uint8  `json:"connection_type"`
}

// MigrateResponse carries the answer for migrations into SFU mode; SDP is
// empty when migrating to P2P (the offer is cached for a later pull).
type MigrateResponse struct {
	SDP string `json:"sdp"`
}

// LeaveRoomRequest tears down the client's publisher and its subscribers.
type LeaveRoomRequest struct {
	ClientID string `json:"client_id"`
}

// SetEnabledRequest toggles a boolean publisher flag (video/audio/e2ee/hand).
type SetEnabledRequest struct {
	ClientID string `json:"client_id"`
	Enabled  bool   `json:"enabled"`
}

// SetScreenSharingRequest toggles screen share. ScreenTrackID names the
// screen track when enabling; it is cleared atomically when disabling.
type SetScreenSharingRequest struct {
	ClientID      string `json:"client_id"`
	Enabled       bool   `json:"enabled"`
	ScreenTrackID string `json:"screen_track_id,omitempty"`
}

// SetCameraTypeRequest records the publisher's camera selector.
type SetCameraTypeRequest struct {
	ClientID   string `json:"client_id"`
	CameraType uint8  `json:"camera_type"`
}

// SetSubscriberQualityRequest is a manual quality override for one
// subscription; it bypasses the adaptation cooldown.
type SetSubscriberQualityRequest struct {
	ClientID string `json:"client_id"`
	TargetID string `json:"target_id"`
	Quality  string `json:"quality"` // "low" | "medium" | "high"
}

// StatusResponse acknowledges operations with no other result.
type StatusResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is the body of any non-2xx control response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EventType discriminates callback events on the SFU -> dispatcher stream.
type EventType string

const (
	EventNodeTerminated        EventType = "node_terminated"
	EventNewUserJoined         EventType = "new_user_joined"
	EventSubscriberRenegotiate EventType = "subscriber_renegotiate"
	EventPublisherCandidate    EventType = "publisher_candidate"
	EventSubscriberCandidate   EventType = "subscriber_candidate"
	// EventParticipantLeft reports an SFU-side session failure so signalling
	// can broadcast the departure and drop the binding.
	EventParticipantLeft EventType = "participant_left"
)

// CallbackEvent is a single SFU-initiated event. Events for the same
// ClientID are delivered in send order.
type CallbackEvent struct {
	Type          EventType     `json:"type"`
	NodeID        string        `json:"node_id,omitempty"`
	ClientID      string        `json:"client_id,omitempty"`
	RoomID        string        `json:"room_id,omitempty"`
	ParticipantID string        `json:"participant_id,omitempty"`
	TargetID      string        `json:"target_id,omitempty"`
	SDP           string        `json:"sdp,omitempty"`
	Candidate     *ICECandidate `json:"candidate,omitempty"`
}
