// Package memnet is an in-memory transport.Factory. Connections created from
// the same Network are linked once the offerer applies the answer; channels
// are ordered and reliable, and Send blocks while the peer's inbox is full.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pdrop/internal/transport"
)

const (
	sdpPrefix = "memnet "
	inboxSize = 64
)

var (
	ErrConnClosed      = errors.New("memnet: connection closed")
	ErrNoRemote        = errors.New("memnet: remote description not set")
	ErrUnknownConn     = errors.New("memnet: unknown connection")
	ErrBadDescription  = errors.New("memnet: malformed session description")
	ErrUnexpectedState = errors.New("memnet: unexpected signaling state")
)

// Network holds all connections that can reach each other.
type Network struct {
	mu      sync.Mutex
	conns   map[string]*Conn
	next    int
	created atomic.Int64
	blocked bool
}

// New returns an empty network.
func New() *Network {
	return &Network{conns: make(map[string]*Conn)}
}

// NewConn creates a connection on the network.
func (n *Network) NewConn() (transport.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.next++
	c := &Conn{network: n, id: fmt.Sprintf("conn-%d", n.next)}
	n.conns[c.id] = c
	n.created.Add(1)
	return c, nil
}

// Supported always reports true.
func (n *Network) Supported() bool { return true }

// Created returns the number of connections created so far.
func (n *Network) Created() int { return int(n.created.Load()) }

// Active returns the number of connections not yet closed.
func (n *Network) Active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Block makes the network drop all links: answers are accepted but the
// connections never open. Used to simulate unreachable peers.
func (n *Network) Block() {
	n.mu.Lock()
	n.blocked = true
	n.mu.Unlock()
}

func (n *Network) lookup(id string) (*Conn, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.conns[id]
	return c, ok && !n.blocked
}

func (n *Network) remove(id string) {
	n.mu.Lock()
	delete(n.conns, id)
	n.mu.Unlock()
}

// Conn is a memnet peer connection.
type Conn struct {
	network *Network
	id      string

	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	pending    []*Channel
	channels   []*Channel
	peer       *Conn
	closed     bool

	onICE     func(webrtc.ICECandidateInit)
	onChannel func(transport.Channel)
	onState   func(webrtc.PeerConnectionState)
}

func (c *Conn) describe(typ webrtc.SDPType) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: typ, SDP: sdpPrefix + c.id}
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrConnClosed
	}
	return c.describe(webrtc.SDPTypeOffer), nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrConnClosed
	}
	if c.remote == nil || c.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, ErrUnexpectedState
	}
	return c.describe(webrtc.SDPTypeAnswer), nil
}

func (c *Conn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.local = &sdp
	fn := c.onICE
	c.mu.Unlock()

	c.setState(webrtc.PeerConnectionStateConnecting)
	if fn != nil {
		go fn(webrtc.ICECandidateInit{Candidate: "candidate:memnet " + c.id})
	}
	return nil
}

func (c *Conn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	id, ok := strings.CutPrefix(sdp.SDP, sdpPrefix)
	if !ok || id == "" {
		return ErrBadDescription
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if sdp.Type == webrtc.SDPTypeAnswer && (c.local == nil || c.local.Type != webrtc.SDPTypeOffer) {
		c.mu.Unlock()
		return ErrUnexpectedState
	}
	c.remote = &sdp
	c.mu.Unlock()

	if sdp.Type != webrtc.SDPTypeAnswer {
		return nil
	}

	other, ok := c.network.lookup(id)
	if !ok {
		// Unreachable peer: the connection stays in "connecting" forever.
		return nil
	}
	c.link(other)
	return nil
}

// link pairs c (offerer) with other (answerer) and opens every channel the
// offerer created.
func (c *Conn) link(other *Conn) {
	c.mu.Lock()
	c.peer = other
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	other.mu.Lock()
	other.peer = c
	other.mu.Unlock()

	c.setState(webrtc.PeerConnectionStateConnected)
	other.setState(webrtc.PeerConnectionStateConnected)

	for _, ch := range pending {
		c.connectChannel(other, ch)
	}
}

// connectChannel creates the remote twin of ch on other, announces it, then
// opens both ends.
func (c *Conn) connectChannel(other *Conn, ch *Channel) {
	twin := newChannel(ch.label)
	twin.peer = ch
	ch.mu.Lock()
	ch.peer = twin
	ch.mu.Unlock()

	other.mu.Lock()
	other.channels = append(other.channels, twin)
	fn := other.onChannel
	other.mu.Unlock()

	go func() {
		if fn != nil {
			fn(twin)
		}
		ch.open()
		twin.open()
	}()
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.remote == nil {
		return ErrNoRemote
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

// Candidates returns the remote candidates applied so far.
func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Conn) CreateChannel(label string) (transport.Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	ch := newChannel(label)
	c.channels = append(c.channels, ch)
	peer := c.peer
	if peer == nil {
		c.pending = append(c.pending, ch)
	}
	c.mu.Unlock()

	if peer != nil {
		c.connectChannel(peer, ch)
	}
	return ch, nil
}

func (c *Conn) OnChannel(fn func(transport.Channel)) {
	c.mu.Lock()
	c.onChannel = fn
	c.mu.Unlock()
}

func (c *Conn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) setState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// Close closes every channel of c, which also closes their remote twins.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.channels
	c.channels = nil
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	c.network.remove(c.id)
	c.setState(webrtc.PeerConnectionStateClosed)
	return nil
}

// Channel is a memnet data channel.
type Channel struct {
	label string
	peer  *Channel
	inbox chan webrtc.DataChannelMessage

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	remote    chan struct{} // closed when the peer closes
	remoteOne sync.Once

	mu         sync.Mutex
	handler    func(webrtc.DataChannelMessage)
	handlerSet chan struct{}
	handlerOne sync.Once

	textSent   atomic.Int64
	binarySent atomic.Int64
}

func newChannel(label string) *Channel {
	return &Channel{
		label:      label,
		inbox:      make(chan webrtc.DataChannelMessage, inboxSize),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		remote:     make(chan struct{}),
		handlerSet: make(chan struct{}),
	}
}

// Pipe returns two connected, already open channels.
func Pipe(label string) (*Channel, *Channel) {
	a, b := newChannel(label), newChannel(label)
	a.peer, b.peer = b, a
	a.open()
	b.open()
	return a, b
}

func (ch *Channel) open() {
	ch.readyOnce.Do(func() {
		close(ch.ready)
		go ch.deliver()
	})
}

// deliver hands inbox messages to the handler in order. Messages wait in the
// inbox until a handler is registered. When the peer closes, messages it sent
// before closing are still delivered, then the channel is done.
func (ch *Channel) deliver() {
	select {
	case <-ch.handlerSet:
	case <-ch.remote:
		if len(ch.inbox) == 0 {
			ch.markDone()
			return
		}
		select {
		case <-ch.handlerSet:
		case <-ch.done:
			return
		}
	case <-ch.done:
		return
	}
	for {
		select {
		case msg := <-ch.inbox:
			ch.handle(msg)
		case <-ch.remote:
			ch.drain()
			ch.markDone()
			return
		case <-ch.done:
			return
		}
	}
}

func (ch *Channel) drain() {
	for {
		select {
		case msg := <-ch.inbox:
			ch.handle(msg)
		default:
			return
		}
	}
}

func (ch *Channel) handle(msg webrtc.DataChannelMessage) {
	ch.mu.Lock()
	fn := ch.handler
	ch.mu.Unlock()
	fn(msg)
}

func (ch *Channel) Label() string          { return ch.label }
func (ch *Channel) Ready() <-chan struct{} { return ch.ready }
func (ch *Channel) Done() <-chan struct{}  { return ch.done }

func (ch *Channel) send(ctx context.Context, msg webrtc.DataChannelMessage) error {
	if err := transport.WaitOpen(ctx, ch); err != nil {
		return err
	}
	select {
	case <-ch.done:
		return transport.ErrChannelClosed
	case <-ch.peer.done:
		return transport.ErrChannelClosed
	default:
	}
	select {
	case ch.peer.inbox <- msg:
		return nil
	case <-ch.peer.done:
		return transport.ErrChannelClosed
	case <-ch.done:
		return transport.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ch *Channel) Send(ctx context.Context, data []byte) error {
	buf := append([]byte(nil), data...)
	if err := ch.send(ctx, webrtc.DataChannelMessage{Data: buf}); err != nil {
		return err
	}
	ch.binarySent.Add(1)
	return nil
}

func (ch *Channel) SendText(ctx context.Context, text string) error {
	if err := ch.send(ctx, webrtc.DataChannelMessage{IsString: true, Data: []byte(text)}); err != nil {
		return err
	}
	ch.textSent.Add(1)
	return nil
}

func (ch *Channel) OnMessage(fn func(webrtc.DataChannelMessage)) {
	if fn == nil {
		return
	}
	ch.mu.Lock()
	ch.handler = fn
	ch.mu.Unlock()
	ch.handlerOne.Do(func() { close(ch.handlerSet) })
}

// Sent returns the number of text and binary messages sent so far.
func (ch *Channel) Sent() (text, binary int) {
	return int(ch.textSent.Load()), int(ch.binarySent.Load())
}

// Close closes both ends. The peer receives what was sent before Close.
func (ch *Channel) Close() error {
	ch.markDone()
	ch.mu.Lock()
	peer := ch.peer
	ch.mu.Unlock()
	if peer != nil {
		peer.closeRemote()
	}
	return nil
}

func (ch *Channel) closeRemote() {
	select {
	case <-ch.ready:
		ch.remoteOne.Do(func() { close(ch.remote) })
	default:
		// Never opened: nothing to deliver.
		ch.markDone()
	}
}

func (ch *Channel) markDone() {
	ch.doneOnce.Do(func() { close(ch.done) })
}
