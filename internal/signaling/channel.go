package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/p2pdrop/internal/util"
)

// Channel wraps a Bus into typed operations for one local device. Outbound
// helpers address the right topic; inbound helpers drop malformed messages,
// messages addressed to someone else, and echoes of our own broadcasts.
type Channel struct {
	bus  Bus
	self string
	now  func() time.Time
}

// NewChannel creates a typed channel for the device self.
func NewChannel(bus Bus, self string) *Channel {
	return &Channel{bus: bus, self: self, now: time.Now}
}

// Self returns the local device id.
func (c *Channel) Self() string { return c.self }

func (c *Channel) publish(ctx context.Context, topic string, msg Message) error {
	if err := c.bus.Publish(ctx, topic, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	util.LogDebug("[%s] sent %s on %s", util.ShortID(c.self), msg.Type, topic)
	return nil
}

// ---------------------------------------------------------------------------
// Connection setup
// ---------------------------------------------------------------------------

// SendOffer publishes an SDP offer to target's device topic.
func (c *Channel) SendOffer(ctx context.Context, target, sdp string) error {
	return c.publish(ctx, DeviceTopic(target), Message{
		Type: MsgTypeOffer, SenderID: c.self, TargetID: target, SDP: sdp,
	})
}

// SendAnswer publishes an SDP answer to target's device topic.
func (c *Channel) SendAnswer(ctx context.Context, target, sdp string) error {
	return c.publish(ctx, DeviceTopic(target), Message{
		Type: MsgTypeAnswer, SenderID: c.self, TargetID: target, SDP: sdp,
	})
}

// SendCandidate publishes a JSON-encoded ICE candidate to target's device topic.
func (c *Channel) SendCandidate(ctx context.Context, target, candidate string) error {
	return c.publish(ctx, DeviceTopic(target), Message{
		Type: MsgTypeCandidate, SenderID: c.self, TargetID: target, Candidate: candidate,
	})
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// Announce broadcasts the presence of this device.
func (c *Channel) Announce(ctx context.Context, name string) error {
	return c.publish(ctx, DiscoveryTopic, newAnnouncement(c.self, name, c.now()))
}

// RequestDiscovery asks every listening device to identify itself.
func (c *Channel) RequestDiscovery(ctx context.Context) error {
	return c.publish(ctx, DiscoveryTopic, Message{
		Type: MsgTypeDiscoveryRequest, RequesterID: c.self,
	})
}

// RespondDiscovery answers a discovery request.
func (c *Channel) RespondDiscovery(ctx context.Context, name string) error {
	return c.publish(ctx, DiscoveryResponseTopic, Message{
		Type: MsgTypeDiscoveryResponse, DeviceID: c.self, DisplayName: name,
	})
}

// RequestCode broadcasts a connection request for the device owning code.
func (c *Channel) RequestCode(ctx context.Context, name, code string) error {
	return c.publish(ctx, CodeTopic, Message{
		Type: MsgTypeCodeRequest, RequesterID: c.self, RequesterName: name, Code: code,
	})
}

// RespondCode tells requester that this device owns the code it asked for.
func (c *Channel) RespondCode(ctx context.Context, requester, name string) error {
	return c.publish(ctx, DeviceTopic(requester), Message{
		Type:              MsgTypeCodeResponse,
		TargetRequesterID: requester,
		DeviceID:          c.self,
		DisplayName:       name,
		Success:           true,
	})
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// OnDirect subscribes to this device's own topic. Only valid messages whose
// target is this device reach h.
func (c *Channel) OnDirect(h Handler) (Subscription, error) {
	return c.bus.Subscribe(DeviceTopic(c.self), func(msg Message) {
		switch msg.Type {
		case MsgTypeOffer, MsgTypeAnswer, MsgTypeCandidate, MsgTypeCodeResponse:
		default:
			util.LogDebug("[%s] unexpected %s on device topic", util.ShortID(c.self), msg.Type)
			return
		}
		if !c.accept(msg) {
			return
		}
		if msg.Target() != c.self {
			util.LogDebug("[%s] dropping %s addressed to %s", util.ShortID(c.self), msg.Type, msg.Target())
			return
		}
		h(msg)
	})
}

// OnDiscoveryRequest delivers discovery requests from other devices.
func (c *Channel) OnDiscoveryRequest(h Handler) (Subscription, error) {
	return c.onShared(DiscoveryTopic, MsgTypeDiscoveryRequest, h)
}

// OnAnnouncement delivers device announcements from other devices.
func (c *Channel) OnAnnouncement(h Handler) (Subscription, error) {
	return c.onShared(DiscoveryTopic, MsgTypeAnnouncement, h)
}

// OnDiscoveryResponse delivers discovery responses from other devices.
func (c *Channel) OnDiscoveryResponse(h Handler) (Subscription, error) {
	return c.onShared(DiscoveryResponseTopic, MsgTypeDiscoveryResponse, h)
}

// OnCodeRequest delivers code connection requests from other devices.
func (c *Channel) OnCodeRequest(h Handler) (Subscription, error) {
	return c.onShared(CodeTopic, MsgTypeCodeRequest, h)
}

func (c *Channel) onShared(topic string, typ MessageType, h Handler) (Subscription, error) {
	return c.bus.Subscribe(topic, func(msg Message) {
		if msg.Type != typ || !c.accept(msg) {
			return
		}
		if msg.Origin() == c.self {
			return
		}
		h(msg)
	})
}

func (c *Channel) accept(msg Message) bool {
	if err := msg.Validate(); err != nil {
		util.LogWarning("[%s] dropping invalid signaling message: %v", util.ShortID(c.self), err)
		return false
	}
	return true
}
