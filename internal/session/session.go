// Package session is the public entry point of p2pdrop: it composes
// signaling, handshake, discovery and chunked transfer for one local device.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/p2pdrop/internal/discovery"
	"github.com/1ureka/p2pdrop/internal/handshake"
	"github.com/1ureka/p2pdrop/internal/identity"
	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/registry"
	"github.com/1ureka/p2pdrop/internal/signaling"
	"github.com/1ureka/p2pdrop/internal/transfer"
	"github.com/1ureka/p2pdrop/internal/transport"
	"github.com/1ureka/p2pdrop/internal/util"
)

var (
	ErrUnsupported = errors.New("direct transfer not supported on this device")
	ErrClosed      = errors.New("session closed")
	ErrNotStarted  = errors.New("session not started")
)

// Options tunes a session. Zero values select the package defaults.
type Options struct {
	ChunkSize        int
	HandshakeTimeout time.Duration
	DiscoveryWindow  time.Duration
	CodeTimeout      time.Duration
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = protocol.ChunkSize
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = handshake.DefaultTimeout
	}
	if o.DiscoveryWindow <= 0 {
		o.DiscoveryWindow = discovery.DefaultWindow
	}
	if o.CodeTimeout <= 0 {
		o.CodeTimeout = discovery.DefaultCodeTimeout
	}
}

// IncomingStatusFunc receives status events of incoming transfers.
type IncomingStatusFunc func(peerID string, s transfer.Status)

// Session is one local device taking part in direct transfers.
type Session struct {
	self       identity.DeviceIdentity
	signal     *signaling.Channel
	factory    transport.Factory
	registry   *registry.Registry
	negotiator *handshake.Negotiator
	discovery  *discovery.Service
	opts       Options

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	started        bool
	closed         bool
	peerLocks      map[string]chan struct{}
	inflight       map[int]context.CancelFunc
	nextID         int
	subs           []signaling.Subscription
	onFile         func(transfer.IncomingFile)
	onStatus       IncomingStatusFunc
	onAnnouncement func(discovery.Peer)
}

// New returns a session for self over bus, creating direct connections with
// factory. Call Start before use.
func New(self identity.DeviceIdentity, bus signaling.Bus, factory transport.Factory, opts Options) *Session {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		self:      self,
		signal:    signaling.NewChannel(bus, self.ID),
		factory:   factory,
		registry:  registry.New(),
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		peerLocks: make(map[string]chan struct{}),
		inflight:  make(map[int]context.CancelFunc),
	}
	s.negotiator = handshake.NewNegotiator(s.signal, factory, s.registry, handshake.Options{
		Timeout:   opts.HandshakeTimeout,
		OnChannel: s.attach,
	})
	s.discovery = discovery.NewService(s.signal, self.DisplayName)
	return s
}

// Self returns the local device.
func (s *Session) Self() identity.DeviceIdentity { return s.self }

// Code returns the local rendezvous code.
func (s *Session) Code() string { return s.discovery.Code() }

// Supported reports whether direct transfer is available. Callers fall back
// to link sharing when it is not.
func (s *Session) Supported() bool { return s.factory != nil && s.factory.Supported() }

// Start subscribes to signaling and announces the local device.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.negotiator.Start(); err != nil {
		return err
	}
	if err := s.discovery.Start(s.ctx); err != nil {
		return err
	}
	sub, err := s.signal.OnAnnouncement(func(msg signaling.Message) {
		s.mu.Lock()
		fn := s.onAnnouncement
		s.mu.Unlock()
		if fn != nil {
			fn(discovery.Peer{DeviceID: msg.DeviceID, DisplayName: msg.DisplayName})
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe announcements: %w", err)
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	if err := s.signal.Announce(ctx, s.self.DisplayName); err != nil {
		return err
	}
	util.LogInfo("Session started as %s, code %s", s.self.DisplayName, s.Code())
	return nil
}

// OnIncomingFile sets the callback fired once per completely received file.
func (s *Session) OnIncomingFile(fn func(transfer.IncomingFile)) {
	s.mu.Lock()
	s.onFile = fn
	s.mu.Unlock()
}

// OnIncomingStatus sets the callback receiving status of incoming transfers.
func (s *Session) OnIncomingStatus(fn IncomingStatusFunc) {
	s.mu.Lock()
	s.onStatus = fn
	s.mu.Unlock()
}

// OnAnnouncement sets the callback fired for every device announcement.
func (s *Session) OnAnnouncement(fn func(discovery.Peer)) {
	s.mu.Lock()
	s.onAnnouncement = fn
	s.mu.Unlock()
}

// attach binds a receiver to every data channel, on both roles, so either
// side can send.
func (s *Session) attach(peerID string, ch transport.Channel) {
	r := transfer.NewReceiver(peerID,
		func(st transfer.Status) {
			s.mu.Lock()
			fn := s.onStatus
			s.mu.Unlock()
			if fn != nil {
				fn(peerID, st)
			}
		},
		func(f transfer.IncomingFile) {
			s.mu.Lock()
			fn := s.onFile
			s.mu.Unlock()
			if fn != nil {
				fn(f)
			}
		})
	r.Attach(ch)
}

// SendFile sends file to peerID, running the handshake first when no open
// channel exists. Transfers to the same peer are serialized: a second call
// waits for the first to finish. The terminal status is always reported
// through onStatus, including for connection failures.
func (s *Session) SendFile(ctx context.Context, file transfer.File, peerID string, onStatus transfer.StatusFunc) error {
	report := func(err error) error {
		if onStatus != nil {
			onStatus(transfer.Status{Kind: transfer.KindError, Err: err})
		}
		return err
	}

	if !s.Supported() {
		return report(ErrUnsupported)
	}
	if err := s.ready(); err != nil {
		return report(err)
	}

	release, err := s.lockPeer(ctx, peerID)
	if err != nil {
		return report(err)
	}
	defer release()

	sendCtx, done := s.track(ctx)
	defer done()

	ch, err := s.negotiator.Dial(sendCtx, peerID)
	if err != nil {
		util.Stats.AddFailed()
		return report(fmt.Errorf("connect to %s: %w", util.ShortID(peerID), err))
	}

	util.LogInfo("Sending %q to %s", file.Name, util.ShortID(peerID))
	if err := transfer.NewSender(ch, s.opts.ChunkSize).Send(sendCtx, file, onStatus); err != nil {
		// The next send to this peer starts with a fresh handshake.
		s.dropChannel(peerID, ch)
		return err
	}
	return nil
}

// ClosePeer closes the connection to peerID, if any. The peer's receiver
// discards a partially received file.
func (s *Session) ClosePeer(peerID string) error {
	pc, ok := s.registry.Get(peerID)
	if !ok {
		return nil
	}
	return s.registry.Remove(peerID, pc)
}

// dropChannel removes the entry of peerID if it still carries ch.
func (s *Session) dropChannel(peerID string, ch transport.Channel) {
	pc, ok := s.registry.Get(peerID)
	if !ok || pc.Channel() != ch {
		return
	}
	if err := s.registry.Remove(peerID, pc); err != nil {
		util.LogDebug("Closing connection to %s: %v", util.ShortID(peerID), err)
	}
}

// Connect runs the handshake with peerID without sending anything.
func (s *Session) Connect(ctx context.Context, peerID string) error {
	if !s.Supported() {
		return ErrUnsupported
	}
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.negotiator.Dial(ctx, peerID)
	return err
}

// DiscoverPeers collects the devices that answer within the discovery window.
func (s *Session) DiscoverPeers(ctx context.Context) ([]discovery.Peer, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.discovery.Discover(ctx, s.opts.DiscoveryWindow)
}

// ConnectByCode resolves code to a device and connects to it.
func (s *Session) ConnectByCode(ctx context.Context, code string) (discovery.Peer, error) {
	if err := s.ready(); err != nil {
		return discovery.Peer{}, err
	}
	peer, err := s.discovery.Resolve(ctx, code, s.opts.CodeTimeout)
	if err != nil {
		return discovery.Peer{}, err
	}
	if err := s.Connect(ctx, peer.DeviceID); err != nil {
		return peer, fmt.Errorf("connect to %s: %w", peer, err)
	}
	return peer, nil
}

// Connected reports whether an open channel to peerID exists.
func (s *Session) Connected(peerID string) bool {
	pc, ok := s.registry.Get(peerID)
	return ok && pc.Open()
}

// CloseAll cancels in-flight transfers and handshakes and closes every
// connection. The session stays usable.
func (s *Session) CloseAll() error {
	s.mu.Lock()
	inflight := s.inflight
	s.inflight = make(map[int]context.CancelFunc)
	s.mu.Unlock()

	for _, cancel := range inflight {
		cancel()
	}
	s.negotiator.Abort()
	return s.registry.CloseAll()
}

// Close tears the session down. It does not close the signaling bus.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.discovery.Stop()
	err := s.CloseAll()
	s.negotiator.Close()
	s.cancel()
	return err
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case !s.started:
		return ErrNotStarted
	}
	return nil
}

// lockPeer waits for the per-peer send slot.
func (s *Session) lockPeer(ctx context.Context, peerID string) (func(), error) {
	s.mu.Lock()
	slot, ok := s.peerLocks[peerID]
	if !ok {
		slot = make(chan struct{}, 1)
		s.peerLocks[peerID] = slot
	}
	s.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrClosed
	}
}

// track derives a context that CloseAll cancels.
func (s *Session) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.inflight[id] = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		delete(s.inflight, id)
		s.mu.Unlock()
		cancel()
	}
}
