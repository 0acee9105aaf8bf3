package sfu

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/riptide-io/riptide/internal/domain"
	"github.com/riptide-io/riptide/internal/sfu/udpmux"
)

// simulcast and bandwidth-estimation RTP header extensions every video
// m-line negotiates
var videoHeaderExtensions = []string{
	"urn:ietf:params:rtp-hdrext:sdes:mid",
	"urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id",
	"urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id",
	"http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time",
}

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: webrtc.TypeRTCPFBGoogREMB},
	{Type: webrtc.TypeRTCPFBTransportCC},
	{Type: webrtc.TypeRTCPFBNACK},
	{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
}

// newAPI builds the pion API every session on this node is created from:
// default codecs plus REMB/Transport-CC/NACK feedback, simulcast header
// extensions, ICE-lite, and the node's shared UDP socket.
func newAPI(mux *udpmux.UDPMux) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	for _, fb := range videoFeedback {
		m.RegisterFeedback(fb, webrtc.RTPCodecTypeVideo)
	}

	for _, uri := range videoHeaderExtensions {
		if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: uri}, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("register header extension %s: %w", uri, err)
		}
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetLite(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	se.SetICEUDPMux(mux.ICEUDPMux())
	se.SetNAT1To1IPs([]string{mux.HostIP()}, webrtc.ICECandidateTypeHost)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(se),
		webrtc.WithInterceptorRegistry(i),
	), nil
}

// newPeerConnection creates a session on the shared API.
func newPeerConnection(api *webrtc.API) (*webrtc.PeerConnection, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrFailedToCreatePeer, err)
	}
	return pc, nil
}
