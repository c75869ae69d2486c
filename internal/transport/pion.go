package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pdrop/internal/util"
)

// PionFactory creates pion PeerConnections configured with the given STUN
// servers. No TURN: peers that cannot reach each other directly fail the
// handshake and the caller falls back to link sharing.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// PionOption adjusts the pion setting engine of a factory.
type PionOption func(*webrtc.SettingEngine)

// WithLoopback gathers loopback host candidates over UDP4, so peers on the
// same host connect without any other interface.
func WithLoopback() PionOption {
	return func(se *webrtc.SettingEngine) {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}
}

// NewPionFactory returns a factory using iceServers for candidate gathering.
func NewPionFactory(iceServers []string, opts ...PionOption) *PionFactory {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	var se webrtc.SettingEngine
	for _, opt := range opts {
		opt(&se)
	}
	return &PionFactory{api: webrtc.NewAPI(webrtc.WithSettingEngine(se)), config: cfg}
}

// NewConn creates a new PeerConnection.
func (f *PionFactory) NewConn() (Conn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	return &pionConn{pc: pc}, nil
}

// Supported checks the pion stack by creating and closing a PeerConnection.
func (f *PionFactory) Supported() bool {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		util.LogWarning("WebRTC unavailable: %v", err)
		return false
	}
	_ = pc.Close()
	return true
}

// pionConn adapts *webrtc.PeerConnection to Conn.
type pionConn struct {
	pc *webrtc.PeerConnection
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sdp)
}

func (c *pionConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sdp)
}

// OnICECandidate forwards gathered candidates; the nil end-of-gathering
// marker is swallowed.
func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

// CreateChannel creates an ordered DataChannel. Ordering is required: the
// file protocol has no sequence numbers and relies on in-order delivery.
func (c *pionConn) CreateChannel(label string) (Channel, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, err
	}
	return newPionChannel(dc), nil
}

func (c *pionConn) OnChannel(fn func(Channel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(newPionChannel(dc))
	})
}

func (c *pionConn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *pionConn) Close() error {
	return c.pc.Close()
}
