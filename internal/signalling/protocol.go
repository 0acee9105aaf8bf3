// Package signalling terminates client WebSocket sessions, drives the
// meeting protocol against the dispatcher, and fans room events out through
// the cluster-wide pub/sub.
package signalling

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Client -> server events
const (
	EventPublish              = "room:publish"
	EventSubscribe            = "room:subscribe"
	EventAnswerSubscriber     = "room:answerSubscriber"
	EventPublisherRenegotiate = "room:publisherRenegotiation"
	EventPublisherCandidate   = "room:publisherCandidate"
	EventSubscriberCandidate  = "room:subscriberCandidate"
	EventMigrate              = "room:migrate"
	EventVideoEnabled         = "room:videoEnabled"
	EventAudioEnabled         = "room:audioEnabled"
	EventE2EEEnabled          = "room:e2eeEnabled"
	EventScreenSharing        = "room:screenSharing"
	EventHandRaising          = "room:handRaising"
	EventCameraType           = "room:cameraType"
	EventSetQuality           = "room:setQuality"
	EventLeave                = "room:leave"
	EventReconnect            = "room:reconnect"
)

// Server -> client events (direct replies and room broadcasts)
const (
	EventError                   = "error"
	EventNewParticipant          = "room:newParticipant"
	EventParticipantLeft         = "room:participantLeft"
	EventSubscriberRenegotiation = "room:subscriberRenegotiation"
)

// Message is the msgpack envelope every frame carries.
type Message struct {
	Event   string             `msgpack:"event"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// NewMessage packs a payload into an envelope.
func NewMessage(event string, payload interface{}) (*Message, error) {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Event: event, Payload: data}, nil
}

// CandidatePayload mirrors RTCIceCandidateInit.
type CandidatePayload struct {
	Candidate     string  `msgpack:"candidate" json:"candidate"`
	SDPMid        *string `msgpack:"sdp_mid,omitempty" json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `msgpack:"sdp_m_line_index,omitempty" json:"sdp_m_line_index,omitempty"`
}

// PublishPayload starts (or migrates into) publishing in a room.
type PublishPayload struct {
	SDP               string `msgpack:"sdp" json:"sdp"`
	ParticipantID     string `msgpack:"participant_id" json:"participant_id"`
	RoomID            string `msgpack:"room_id" json:"room_id"`
	IsVideoEnabled    bool   `msgpack:"is_video_enabled" json:"is_video_enabled"`
	IsAudioEnabled    bool   `msgpack:"is_audio_enabled" json:"is_audio_enabled"`
	IsE2EEEnabled     bool   `msgpack:"is_e2ee_enabled" json:"is_e2ee_enabled"`
	TotalTracks       int    `msgpack:"total_tracks" json:"total_tracks"`
	ConnectionType    uint8  `msgpack:"connection_type" json:"connection_type"`
	StreamingProtocol uint8  `msgpack:"streaming_protocol" json:"streaming_protocol"`
	IsIPv6Supported   bool   `msgpack:"is_ipv6_supported" json:"is_ipv6_supported"`
}

// PublishResponse answers a room:publish.
type PublishResponse struct {
	SDP         string `msgpack:"sdp" json:"sdp"`
	IsRecording bool   `msgpack:"is_recording" json:"is_recording"`
}

// SubscribePayload subscribes to a target publisher.
type SubscribePayload struct {
	TargetID        string `msgpack:"target_id" json:"target_id"`
	ParticipantID   string `msgpack:"participant_id" json:"participant_id"`
	RoomID          string `msgpack:"room_id" json:"room_id"`
	IsIPv6Supported bool   `msgpack:"is_ipv6_supported" json:"is_ipv6_supported"`
}

// SubscribeResponsePayload is the inner subscribe result.
type SubscribeResponsePayload struct {
	Offer           string `msgpack:"offer" json:"offer"`
	CameraType      uint8  `msgpack:"camera_type" json:"camera_type"`
	VideoEnabled    bool   `msgpack:"video_enabled" json:"video_enabled"`
	AudioEnabled    bool   `msgpack:"audio_enabled" json:"audio_enabled"`
	IsScreenSharing bool   `msgpack:"is_screen_sharing" json:"is_screen_sharing"`
	IsHandRaising   bool   `msgpack:"is_hand_raising" json:"is_hand_raising"`
	IsE2EEEnabled   bool   `msgpack:"is_e2ee_enabled" json:"is_e2ee_enabled"`
	VideoCodec      string `msgpack:"video_codec" json:"video_codec"`
	ScreenTrackID   string `msgpack:"screen_track_id" json:"screen_track_id"`
}

// AnswerSubscriberPayload carries the subscriber's SDP answer up, and the
// subscribe response down (server -> client form).
type AnswerSubscriberPayload struct {
	TargetID          string                    `msgpack:"target_id" json:"target_id"`
	SDP               string                    `msgpack:"sdp,omitempty" json:"sdp,omitempty"`
	SubscribeResponse *SubscribeResponsePayload `msgpack:"subscribe_response,omitempty" json:"subscribe_response,omitempty"`
}

// RenegotiationPayload carries a publisher's renegotiation offer/answer.
type RenegotiationPayload struct {
	SDP string `msgpack:"sdp" json:"sdp"`
}

// PublisherCandidatePayload trickles a publisher-side candidate.
type PublisherCandidatePayload struct {
	Candidate CandidatePayload `msgpack:"candidate" json:"candidate"`
}

// SubscriberCandidatePayload trickles a subscriber-side candidate.
type SubscriberCandidatePayload struct {
	TargetID  string           `msgpack:"target_id" json:"target_id"`
	Candidate CandidatePayload `msgpack:"candidate" json:"candidate"`
}

// SubscriberRenegotiationPayload pushes a new offer to a subscriber.
type SubscriberRenegotiationPayload struct {
	TargetID string `msgpack:"target_id" json:"target_id"`
	SDP      string `msgpack:"sdp" json:"sdp"`
}

// MigratePayload flips the connection type.
type MigratePayload struct {
	SDP            string `msgpack:"sdp" json:"sdp"`
	ConnectionType uint8  `msgpack:"connection_type" json:"connection_type"`
}

// EnabledPayload toggles a boolean flag; broadcast with the participant id
// filled in.
type EnabledPayload struct {
	ParticipantID string `msgpack:"participant_id,omitempty" json:"participant_id,omitempty"`
	Enabled       bool   `msgpack:"enabled" json:"enabled"`
}

// ScreenSharingPayload toggles screen share.
type ScreenSharingPayload struct {
	ParticipantID string `msgpack:"participant_id,omitempty" json:"participant_id,omitempty"`
	Enabled       bool   `msgpack:"enabled" json:"enabled"`
	ScreenTrackID string `msgpack:"screen_track_id,omitempty" json:"screen_track_id,omitempty"`
}

// CameraTypePayload records the camera selector.
type CameraTypePayload struct {
	ParticipantID string `msgpack:"participant_id,omitempty" json:"participant_id,omitempty"`
	CameraType    uint8  `msgpack:"camera_type" json:"camera_type"`
}

// SetQualityPayload is a manual quality override for one subscription.
type SetQualityPayload struct {
	TargetID string `msgpack:"target_id" json:"target_id"`
	Quality  string `msgpack:"quality" json:"quality"`
}

// NewParticipantPayload announces a join to the room.
type NewParticipantPayload struct {
	ParticipantID string `msgpack:"participant_id" json:"participant_id"`
	RoomID        string `msgpack:"room_id" json:"room_id"`
	SDP           string `msgpack:"sdp,omitempty" json:"sdp,omitempty"` // P2P relays the offer here
}

// ParticipantLeftPayload announces a departure to the room.
type ParticipantLeftPayload struct {
	TargetID string `msgpack:"target_id" json:"target_id"`
}

// ErrorPayload reports a failed request on the socket.
type ErrorPayload struct {
	Code    string `msgpack:"code" json:"code"`
	Message string `msgpack:"message" json:"message"`
}
