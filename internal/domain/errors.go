package domain

import "errors"

// Domain errors - use these for consistent error handling
var (
	// Auth errors
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("invalid token")

	// Control-plane lookup misses; surfaced to the caller verbatim
	ErrPeerNotFound       = errors.New("peer not found")
	ErrRoomNotFound       = errors.New("room not found")
	ErrPublisherNotFound  = errors.New("publisher not found")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrClientNotFound     = errors.New("client not found")

	// Protocol errors; the session stays alive after these
	ErrFailedToSetSDP       = errors.New("failed to set session description")
	ErrFailedToCreateOffer  = errors.New("failed to create offer")
	ErrFailedToCreateAnswer = errors.New("failed to create answer")
	ErrFailedToGetSDP       = errors.New("failed to get local description")
	ErrInvalidICECandidate  = errors.New("invalid ice candidate")

	// Session-construction errors; abort the operation and release partial state
	ErrFailedToAddTrack   = errors.New("failed to add track")
	ErrFailedToCreatePeer = errors.New("failed to create peer connection")

	// Dispatcher errors
	ErrNodeUnavailable = errors.New("no available sfu node")
)
