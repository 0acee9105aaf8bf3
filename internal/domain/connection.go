package domain

// ConnectionType selects how a participant's media reaches the others.
// P2P peers exchange SDP/ICE directly through signalling; SFU peers publish
// to the node that owns their session.
type ConnectionType uint8

const (
	ConnectionTypeP2P ConnectionType = 0
	ConnectionTypeSFU ConnectionType = 1
)

func (c ConnectionType) String() string {
	if c == ConnectionTypeP2P {
		return "p2p"
	}
	return "sfu"
}

// StreamingProtocol selects the egress pipeline attached to a publisher.
type StreamingProtocol uint8

const (
	StreamingProtocolHLS StreamingProtocol = 0
	StreamingProtocolMoQ StreamingProtocol = 1
)

// CameraType is an opaque client-defined camera selector (front/back/etc),
// stored and broadcast but never interpreted by the backend.
type CameraType = uint8
