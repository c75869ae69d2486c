// Package discovery enumerates reachable devices over signaling and resolves
// short rendezvous codes to device ids.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/p2pdrop/internal/signaling"
	"github.com/1ureka/p2pdrop/internal/util"
)

// CodeLength is the number of id characters that make up a rendezvous code.
const CodeLength = 6

const (
	DefaultWindow      = 5 * time.Second
	DefaultCodeTimeout = 10 * time.Second
)

var (
	ErrCodeNotFound = errors.New("no device answered the code")
	ErrInvalidCode  = errors.New("invalid rendezvous code")
)

// Peer is a discovered device.
type Peer struct {
	DeviceID    string
	DisplayName string
}

func (p Peer) String() string {
	if p.DisplayName == "" {
		return p.DeviceID
	}
	return p.DisplayName
}

// CodeFor derives the rendezvous code of a device id: its first CodeLength
// characters, uppercased. Codes are not unique; the first responder wins.
func CodeFor(deviceID string) string {
	if len(deviceID) > CodeLength {
		deviceID = deviceID[:CodeLength]
	}
	return strings.ToUpper(deviceID)
}

// NormalizeCode trims and uppercases user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Service answers discovery and code requests for the local device and runs
// discovery and code resolution on its behalf.
type Service struct {
	signal *signaling.Channel
	name   string

	mu   sync.Mutex
	subs []signaling.Subscription
}

// NewService returns a service for the device behind signal, advertised
// under name.
func NewService(signal *signaling.Channel, name string) *Service {
	return &Service{signal: signal, name: name}
}

// Code returns the local rendezvous code.
func (s *Service) Code() string {
	return CodeFor(s.signal.Self())
}

// Start subscribes the responders. ctx bounds the responses they publish.
func (s *Service) Start(ctx context.Context) error {
	onRequest, err := s.signal.OnDiscoveryRequest(func(msg signaling.Message) {
		util.LogDebug("Discovery request from %s", util.ShortID(msg.RequesterID))
		if err := s.signal.RespondDiscovery(ctx, s.name); err != nil {
			util.LogWarning("Discovery response failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe discovery: %w", err)
	}

	onCode, err := s.signal.OnCodeRequest(func(msg signaling.Message) {
		if NormalizeCode(msg.Code) != s.Code() {
			return
		}
		util.LogInfo("Code %s requested by %s", s.Code(), msg.RequesterName)
		if err := s.signal.RespondCode(ctx, msg.RequesterID, s.name); err != nil {
			util.LogWarning("Code response failed: %v", err)
		}
	})
	if err != nil {
		onRequest.Unsubscribe()
		return fmt.Errorf("subscribe code requests: %w", err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, onRequest, onCode)
	s.mu.Unlock()
	return nil
}

// Stop removes the responders.
func (s *Service) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Discover broadcasts a discovery request and collects responses for window.
// The result is de-duplicated by device id, in order of first response, and
// may omit slow peers.
func (s *Service) Discover(ctx context.Context, window time.Duration) ([]Peer, error) {
	if window <= 0 {
		window = DefaultWindow
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var peers []Peer

	sub, err := s.signal.OnDiscoveryResponse(func(msg signaling.Message) {
		mu.Lock()
		defer mu.Unlock()
		if seen[msg.DeviceID] {
			return
		}
		seen[msg.DeviceID] = true
		peers = append(peers, Peer{DeviceID: msg.DeviceID, DisplayName: msg.DisplayName})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe discovery responses: %w", err)
	}
	defer sub.Unsubscribe()

	if err := s.signal.RequestDiscovery(ctx); err != nil {
		return nil, err
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	util.LogDebug("Discovery found %d device(s)", len(peers))
	return append([]Peer(nil), peers...), nil
}

// Resolve asks the device owning code to identify itself and returns the
// first responder.
func (s *Service) Resolve(ctx context.Context, code string, timeout time.Duration) (Peer, error) {
	code = NormalizeCode(code)
	if code == "" {
		return Peer{}, ErrInvalidCode
	}
	if timeout <= 0 {
		timeout = DefaultCodeTimeout
	}

	found := make(chan Peer, 1)
	sub, err := s.signal.OnDirect(func(msg signaling.Message) {
		if msg.Type != signaling.MsgTypeCodeResponse || !msg.Success {
			return
		}
		select {
		case found <- Peer{DeviceID: msg.DeviceID, DisplayName: msg.DisplayName}:
		default:
		}
	})
	if err != nil {
		return Peer{}, fmt.Errorf("subscribe device topic: %w", err)
	}
	defer sub.Unsubscribe()

	if err := s.signal.RequestCode(ctx, s.name, code); err != nil {
		return Peer{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-found:
		util.LogDebug("Code %s resolved to %s", code, util.ShortID(p.DeviceID))
		return p, nil
	case <-timer.C:
		return Peer{}, fmt.Errorf("%w: %s", ErrCodeNotFound, code)
	case <-ctx.Done():
		return Peer{}, ctx.Err()
	}
}
