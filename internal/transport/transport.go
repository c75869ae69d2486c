// Package transport abstracts the direct peer connection and its data
// channel. The pion binding is used in production; memnet provides an
// in-memory network with the same ordering and reliability guarantees.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// ErrChannelClosed is returned when sending on a closed data channel.
var ErrChannelClosed = errors.New("data channel closed")

// Factory creates peer connections.
type Factory interface {
	NewConn() (Conn, error)
	// Supported reports whether direct connections can be created at all.
	Supported() bool
}

// Conn is one peer connection: session descriptions, ICE candidates, data
// channels and state reporting. Descriptions and candidates use pion's types so
// they can be carried over signaling as-is.
type Conn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error

	// OnICECandidate is invoked for every gathered local candidate.
	OnICECandidate(func(webrtc.ICECandidateInit))
	AddICECandidate(webrtc.ICECandidateInit) error

	// CreateChannel opens an ordered, reliable data channel (offerer side).
	CreateChannel(label string) (Channel, error)
	// OnChannel is invoked for every data channel announced by the remote peer.
	OnChannel(func(Channel))

	OnStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// Channel is an ordered, reliable message channel. Text and binary messages
// are distinct; delivery order matches send order.
type Channel interface {
	Label() string

	// Ready is closed once the channel is open.
	Ready() <-chan struct{}
	// Done is closed once the channel is closed by either side.
	Done() <-chan struct{}

	// Send* block until the message is handed to the channel, the channel
	// closes, or ctx ends.
	Send(ctx context.Context, data []byte) error
	SendText(ctx context.Context, text string) error

	OnMessage(func(webrtc.DataChannelMessage))
	Close() error
}

// IsOpen reports whether ch is open and not yet closed.
func IsOpen(ch Channel) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch.Done():
		return false
	default:
	}
	select {
	case <-ch.Ready():
		return true
	default:
		return false
	}
}

// WaitOpen blocks until ch opens, closes, or ctx ends.
func WaitOpen(ctx context.Context, ch Channel) error {
	select {
	case <-ch.Ready():
		return nil
	case <-ch.Done():
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChannelLabel returns a unique label for a new file-transfer channel.
func ChannelLabel(now time.Time) string {
	return fmt.Sprintf("file-transfer-%d", now.UnixMilli())
}
