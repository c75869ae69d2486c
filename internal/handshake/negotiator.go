package handshake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pdrop/internal/registry"
	"github.com/1ureka/p2pdrop/internal/signaling"
	"github.com/1ureka/p2pdrop/internal/transport"
	"github.com/1ureka/p2pdrop/internal/util"
)

// DefaultTimeout bounds an attempt from offer creation to open channel.
const DefaultTimeout = 10 * time.Second

// maxEarlyCandidates bounds candidates buffered for a peer with no attempt.
const maxEarlyCandidates = 64

// ChannelFunc is invoked with every data channel of a peer before it opens.
type ChannelFunc func(peerID string, ch transport.Channel)

// Options configures a Negotiator.
type Options struct {
	Timeout   time.Duration
	OnChannel ChannelFunc
}

// Negotiator runs handshakes for one local device. Attempts are tracked per
// peer id; connections live in the registry.
type Negotiator struct {
	signal    *signaling.Channel
	factory   transport.Factory
	registry  *registry.Registry
	timeout   time.Duration
	onChannel ChannelFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	attempts map[string]*attempt
	early    map[string][]webrtc.ICECandidateInit
	accepted map[string]string // peer id -> sdp of the last offer answered
	sub      signaling.Subscription
}

// NewNegotiator returns a negotiator. Call Start to begin handling offers.
func NewNegotiator(signal *signaling.Channel, factory transport.Factory, reg *registry.Registry, opts Options) *Negotiator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Negotiator{
		signal:    signal,
		factory:   factory,
		registry:  reg,
		timeout:   opts.Timeout,
		onChannel: opts.OnChannel,
		ctx:       ctx,
		cancel:    cancel,
		attempts:  make(map[string]*attempt),
		early:     make(map[string][]webrtc.ICECandidateInit),
		accepted:  make(map[string]string),
	}
}

// Start subscribes to the local device topic.
func (n *Negotiator) Start() error {
	sub, err := n.signal.OnDirect(n.Handle)
	if err != nil {
		return fmt.Errorf("subscribe device topic: %w", err)
	}
	n.mu.Lock()
	n.sub = sub
	n.mu.Unlock()
	return nil
}

// Handle dispatches one peer-directed signaling message.
func (n *Negotiator) Handle(msg signaling.Message) {
	switch msg.Type {
	case signaling.MsgTypeOffer:
		n.HandleOffer(msg.SenderID, msg.SDP)
	case signaling.MsgTypeAnswer:
		n.HandleAnswer(msg.SenderID, msg.SDP)
	case signaling.MsgTypeCandidate:
		n.HandleCandidate(msg.SenderID, msg.Candidate)
	}
}

// Dial returns an open data channel to peerID, reusing an open entry or an
// attempt already in flight, otherwise running the offerer flow.
func (n *Negotiator) Dial(ctx context.Context, peerID string) (transport.Channel, error) {
	for {
		if pc, ok := n.registry.Get(peerID); ok && pc.Open() {
			return pc.Channel(), nil
		}

		n.mu.Lock()
		a, ok := n.attempts[peerID]
		var offerSDP string
		if !ok {
			var err error
			a, offerSDP, err = n.offer(peerID)
			if err != nil {
				n.mu.Unlock()
				return nil, err
			}
		}
		n.mu.Unlock()

		if offerSDP != "" {
			if err := n.signal.SendOffer(n.ctx, peerID, offerSDP); err != nil {
				return nil, n.abort(a, fmt.Errorf("send offer: %w", err))
			}
			util.LogDebug("Offer sent to %s", util.ShortID(peerID))
		}

		_, err := a.machine.Await(ctx)
		switch {
		case err == nil:
			return a.channel(), nil
		case err == ErrSuperseded:
			// The remote offer won; wait on the answering attempt instead.
			continue
		default:
			return nil, err
		}
	}
}

// offer starts an offerer attempt and returns the offer to publish. n.mu
// must be held.
func (n *Negotiator) offer(peerID string) (*attempt, string, error) {
	a, err := n.newAttempt(peerID, registry.RoleOfferer)
	if err != nil {
		return nil, "", err
	}

	ch, err := a.conn.CreateChannel(transport.ChannelLabel(time.Now()))
	if err != nil {
		return nil, "", n.abort(a, fmt.Errorf("create data channel: %w", err))
	}
	a.bindChannel(ch)

	offer, err := a.conn.CreateOffer()
	if err != nil {
		return nil, "", n.abort(a, fmt.Errorf("create offer: %w", err))
	}
	if err := a.conn.SetLocalDescription(offer); err != nil {
		return nil, "", n.abort(a, fmt.Errorf("set local description: %w", err))
	}
	if _, err := a.machine.Transition(EventOfferSent); err != nil {
		return nil, "", n.abort(a, err)
	}
	return a, offer.SDP, nil
}

// HandleOffer runs the answerer flow for an offer from peerID.
func (n *Negotiator) HandleOffer(peerID, sdp string) {
	n.mu.Lock()
	a, answer := n.answer(peerID, sdp)
	n.mu.Unlock()
	if a == nil {
		return
	}

	if a.machine.State().Terminal() {
		return
	}
	if err := n.signal.SendAnswer(n.ctx, peerID, answer); err != nil {
		_ = n.abort(a, fmt.Errorf("send answer: %w", err))
		return
	}
	a.answerExchanged()
	util.LogDebug("Answer sent to %s", util.ShortID(peerID))
}

// answer starts an answerer attempt for sdp and returns the answer to
// publish, or a nil attempt when the offer is ignored. n.mu must be held.
func (n *Negotiator) answer(peerID, sdp string) (*attempt, string) {
	if n.accepted[peerID] == sdp {
		util.LogDebug("Ignoring duplicate offer from %s", util.ShortID(peerID))
		return nil, ""
	}

	var carried []webrtc.ICECandidateInit
	if a, ok := n.attempts[peerID]; ok {
		if a.role == registry.RoleAnswerer {
			if a.offerSDP == sdp {
				util.LogDebug("Ignoring duplicate offer from %s", util.ShortID(peerID))
				return nil, ""
			}
		} else if n.signal.Self() < peerID {
			util.LogDebug("Glare with %s: keeping local offer", util.ShortID(peerID))
			return nil, ""
		} else {
			util.LogDebug("Glare with %s: answering remote offer", util.ShortID(peerID))
		}
		carried = a.takePending()
		delete(n.attempts, peerID)
		a.machine.Fail(ErrSuperseded)
		_ = a.conn.Close()
	}

	a, err := n.newAttempt(peerID, registry.RoleAnswerer)
	if err != nil {
		util.LogWarning("Cannot answer %s: %v", util.ShortID(peerID), err)
		return nil, ""
	}
	a.offerSDP = sdp
	a.pending = append(carried, a.pending...)
	n.accepted[peerID] = sdp

	a.conn.OnChannel(func(ch transport.Channel) {
		a.bindChannel(ch)
	})

	if _, err := a.machine.Transition(EventOfferReceived); err != nil {
		_ = n.abort(a, err)
		return nil, ""
	}
	if err := a.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		_ = n.abort(a, fmt.Errorf("set remote description: %w", err))
		return nil, ""
	}

	answer, err := a.conn.CreateAnswer()
	if err != nil {
		_ = n.abort(a, fmt.Errorf("create answer: %w", err))
		return nil, ""
	}
	if err := a.conn.SetLocalDescription(answer); err != nil {
		_ = n.abort(a, fmt.Errorf("set local description: %w", err))
		return nil, ""
	}
	return a, answer.SDP
}

// HandleAnswer completes the offerer flow for peerID.
func (n *Negotiator) HandleAnswer(peerID, sdp string) {
	n.mu.Lock()
	a, ok := n.attempts[peerID]
	n.mu.Unlock()

	if !ok || a.role != registry.RoleOfferer {
		util.LogDebug("Ignoring answer from %s with no pending offer", util.ShortID(peerID))
		return
	}
	if a.remoteSet() {
		util.LogDebug("Ignoring duplicate answer from %s", util.ShortID(peerID))
		return
	}

	if err := a.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		n.mu.Lock()
		_ = n.abort(a, fmt.Errorf("set remote description: %w", err))
		n.mu.Unlock()
		return
	}
	a.answerExchanged()
	util.LogDebug("Answer from %s applied", util.ShortID(peerID))
}

// HandleCandidate applies a remote candidate, queueing it until a remote
// description exists.
func (n *Negotiator) HandleCandidate(peerID, raw string) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &cand); err != nil {
		util.LogWarning("Dropping malformed candidate from %s: %v", util.ShortID(peerID), err)
		return
	}

	n.mu.Lock()
	a, ok := n.attempts[peerID]
	if !ok {
		// Only an open connection takes late candidates. A stale entry means
		// the candidate belongs to an offer that has not arrived yet.
		if pc, exists := n.registry.Get(peerID); exists && pc.Open() {
			if conn := pc.Conn(); conn != nil {
				n.mu.Unlock()
				if err := conn.AddICECandidate(cand); err != nil {
					util.LogDebug("Late candidate from %s rejected: %v", util.ShortID(peerID), err)
				}
				return
			}
		}
		if len(n.early[peerID]) < maxEarlyCandidates {
			n.early[peerID] = append(n.early[peerID], cand)
		}
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	a.addCandidate(cand)
}

// Attempts returns the number of handshakes in flight.
func (n *Negotiator) Attempts() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.attempts)
}

// Abort closes every attempt in flight. Pending Dial calls return ErrClosed;
// registry entries are left to the registry owner.
func (n *Negotiator) Abort() {
	n.mu.Lock()
	attempts := n.attempts
	n.attempts = make(map[string]*attempt)
	n.mu.Unlock()

	for _, a := range attempts {
		a.machine.Transition(EventClose)
	}
}

// Close aborts every attempt and stops handling offers.
func (n *Negotiator) Close() {
	n.mu.Lock()
	sub := n.sub
	n.sub = nil
	n.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	n.Abort()
	n.cancel()
}

// newAttempt creates a connection for peerID in role, binds it to the
// registry entry and starts supervising it. n.mu must be held.
func (n *Negotiator) newAttempt(peerID string, role registry.Role) (*attempt, error) {
	conn, err := n.factory.NewConn()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	entry, _ := n.registry.GetOrCreate(peerID, role)
	if err := entry.Reset(role, conn); err != nil {
		util.LogDebug("Closing previous connection to %s: %v", util.ShortID(peerID), err)
	}

	a := &attempt{
		peerID:    peerID,
		role:      role,
		machine:   NewMachine(),
		entry:     entry,
		conn:      conn,
		seen:      make(map[string]struct{}),
		onChannel: n.onChannel,
	}
	for _, c := range n.early[peerID] {
		a.queue(c)
	}
	delete(n.early, peerID)

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		b, err := json.Marshal(c)
		if err != nil {
			return
		}
		if err := n.signal.SendCandidate(n.ctx, peerID, string(b)); err != nil {
			util.LogDebug("Send candidate to %s: %v", util.ShortID(peerID), err)
		}
	})
	conn.OnStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed:
			a.machine.Fail(ErrConnectionFailed)
			entry.SetState(registry.StateFailed)
		case webrtc.PeerConnectionStateClosed:
			a.machine.Transition(EventClose)
		}
	})

	n.attempts[peerID] = a
	go n.supervise(a)
	return a, nil
}

// abort fails a and returns err.
func (n *Negotiator) abort(a *attempt, err error) error {
	a.machine.Fail(err)
	util.LogWarning("Handshake with %s failed: %v", util.ShortID(a.peerID), err)
	return err
}

// supervise bounds a by the handshake timeout and settles its registry entry.
func (n *Negotiator) supervise(a *attempt) {
	ctx, cancel := context.WithTimeout(n.ctx, n.timeout)
	defer cancel()

	_, err := a.machine.Await(ctx)
	if err == context.DeadlineExceeded {
		a.machine.Fail(ErrTimeout)
		err = ErrTimeout
	} else if err == context.Canceled {
		a.machine.Transition(EventClose)
		err = ErrClosed
	}

	n.mu.Lock()
	current := n.attempts[a.peerID] == a
	if current {
		delete(n.attempts, a.peerID)
	}
	n.mu.Unlock()

	switch {
	case err == nil:
		a.entry.SetState(registry.StateConnected)
		util.LogInfo("Channel open with %s (%s)", util.ShortID(a.peerID), a.role)
	case err == ErrSuperseded:
	default:
		if current {
			a.entry.SetState(registry.StateFailed)
			util.LogWarning("Handshake with %s ended: %v", util.ShortID(a.peerID), err)
			_ = n.registry.Remove(a.peerID, a.entry)
		}
	}
}

// attempt is one handshake with one peer.
type attempt struct {
	peerID    string
	role      registry.Role
	machine   *Machine
	entry     *registry.PeerConnection
	conn      transport.Conn
	onChannel ChannelFunc

	mu       sync.Mutex
	offerSDP string
	remote   bool
	ready    bool
	ch       transport.Channel
	pending  []webrtc.ICECandidateInit
	seen     map[string]struct{}
}

func (a *attempt) channel() transport.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch
}

func (a *attempt) remoteSet() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remote
}

// bindChannel adopts the first data channel of the attempt and watches for
// it to open.
func (a *attempt) bindChannel(ch transport.Channel) {
	a.mu.Lock()
	if a.ch != nil {
		a.mu.Unlock()
		util.LogDebug("Ignoring extra data channel %q from %s", ch.Label(), util.ShortID(a.peerID))
		return
	}
	a.ch = ch
	a.mu.Unlock()

	a.entry.SetChannel(ch)
	if a.onChannel != nil {
		a.onChannel(a.peerID, ch)
	}

	go func() {
		select {
		case <-ch.Ready():
			a.channelOpened()
		case <-ch.Done():
			a.machine.Fail(transport.ErrChannelClosed)
		}
	}()
}

func (a *attempt) channelOpened() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ready = true
	if a.machine.State() == StateAnswerExchanged {
		a.machine.Transition(EventChannelOpen)
	}
}

func (a *attempt) answerExchanged() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.machine.Transition(EventAnswerExchanged); err != nil {
		return
	}
	if a.ready {
		a.machine.Transition(EventChannelOpen)
	}
}

// setRemote applies the remote description and flushes queued candidates.
func (a *attempt) setRemote(sdp webrtc.SessionDescription) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.conn.SetRemoteDescription(sdp); err != nil {
		return err
	}
	a.remote = true
	for _, c := range a.pending {
		if err := a.conn.AddICECandidate(c); err != nil {
			util.LogDebug("Queued candidate from %s rejected: %v", util.ShortID(a.peerID), err)
		}
	}
	a.pending = nil
	return nil
}

func (a *attempt) addCandidate(c webrtc.ICECandidateInit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.queue(c) || !a.remote {
		return
	}
	a.pending = a.pending[:len(a.pending)-1]
	if err := a.conn.AddICECandidate(c); err != nil {
		util.LogDebug("Candidate from %s rejected: %v", util.ShortID(a.peerID), err)
	}
}

// queue appends c to pending unless it was seen before. It reports whether c
// is new.
func (a *attempt) queue(c webrtc.ICECandidateInit) bool {
	if _, dup := a.seen[c.Candidate]; dup {
		return false
	}
	a.seen[c.Candidate] = struct{}{}
	a.pending = append(a.pending, c)
	return true
}

func (a *attempt) takePending() []webrtc.ICECandidateInit {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pending
	a.pending = nil
	return p
}
