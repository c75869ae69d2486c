// Package signaling carries connection-setup and discovery messages between
// devices before a direct data channel exists. The transport underneath is an
// abstract publish/subscribe Bus keyed by string topics.
package signaling

import (
	"errors"
	"fmt"
	"time"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeOffer             MessageType = "offer"
	MsgTypeAnswer            MessageType = "answer"
	MsgTypeCandidate         MessageType = "ice-candidate"
	MsgTypeAnnouncement      MessageType = "device-announcement"
	MsgTypeDiscoveryRequest  MessageType = "device-discovery-request"
	MsgTypeDiscoveryResponse MessageType = "device-discovery-response"
	MsgTypeCodeRequest       MessageType = "code-connection-request"
	MsgTypeCodeResponse      MessageType = "code-connection-response"
)

// Well-known shared topics. Each device additionally listens on DeviceTopic(id).
const (
	DiscoveryTopic         = "device-discovery"
	DiscoveryResponseTopic = "device-discovery-response"
	CodeTopic              = "code-connection"
)

// DeviceTopic returns the topic a device listens on for peer-directed messages.
func DeviceTopic(deviceID string) string {
	return "webrtc-signaling-" + deviceID
}

var (
	ErrUnknownType   = errors.New("unknown signaling message type")
	ErrMissingFields = errors.New("signaling message missing required fields")
)

// Message is the JSON structure exchanged over the bus. It is a flat tagged
// union: Type selects which of the remaining fields are meaningful.
type Message struct {
	Type MessageType `json:"type"`

	// offer / answer / ice-candidate
	SenderID  string `json:"senderId,omitempty"`
	TargetID  string `json:"targetId,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit

	// device-announcement / device-discovery-response / code-connection-response
	DeviceID    string `json:"deviceId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"` // RFC 3339

	// device-discovery-request / code-connection-request
	RequesterID   string `json:"requesterId,omitempty"`
	RequesterName string `json:"requesterName,omitempty"`
	Code          string `json:"code,omitempty"`

	// code-connection-response
	TargetRequesterID string `json:"targetRequesterId,omitempty"`
	Success           bool   `json:"success,omitempty"`
}

// Validate checks that the fields required by the message type are present.
func (m Message) Validate() error {
	var ok bool
	switch m.Type {
	case MsgTypeOffer, MsgTypeAnswer:
		ok = m.SenderID != "" && m.TargetID != "" && m.SDP != ""
	case MsgTypeCandidate:
		ok = m.SenderID != "" && m.TargetID != "" && m.Candidate != ""
	case MsgTypeAnnouncement, MsgTypeDiscoveryResponse:
		ok = m.DeviceID != ""
	case MsgTypeDiscoveryRequest:
		ok = m.RequesterID != ""
	case MsgTypeCodeRequest:
		ok = m.RequesterID != "" && m.Code != ""
	case MsgTypeCodeResponse:
		ok = m.TargetRequesterID != "" && m.DeviceID != ""
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingFields, m.Type)
	}
	return nil
}

// Target returns the device the message is addressed to, or "" for broadcasts.
func (m Message) Target() string {
	switch m.Type {
	case MsgTypeOffer, MsgTypeAnswer, MsgTypeCandidate:
		return m.TargetID
	case MsgTypeCodeResponse:
		return m.TargetRequesterID
	}
	return ""
}

// Origin returns the device that produced the message.
func (m Message) Origin() string {
	switch m.Type {
	case MsgTypeOffer, MsgTypeAnswer, MsgTypeCandidate:
		return m.SenderID
	case MsgTypeDiscoveryRequest, MsgTypeCodeRequest:
		return m.RequesterID
	}
	return m.DeviceID
}

func newAnnouncement(deviceID, name string, now time.Time) Message {
	return Message{
		Type:        MsgTypeAnnouncement,
		DeviceID:    deviceID,
		DisplayName: name,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
}
