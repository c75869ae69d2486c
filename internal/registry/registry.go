// Package registry owns every live peer connection of a session, keyed by
// peer device id.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/p2pdrop/internal/transport"
	"github.com/1ureka/p2pdrop/internal/util"
)

// Role is the handshake role of the local side.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleAnswerer {
		return "answerer"
	}
	return "offerer"
}

// State is the connection state of an entry.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// PeerConnection is the registry entry for one peer.
type PeerConnection struct {
	PeerID string

	mu      sync.Mutex
	role    Role
	state   State
	conn    transport.Conn
	channel transport.Channel
}

func (p *PeerConnection) Role() Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

func (p *PeerConnection) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerConnection) SetState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *PeerConnection) Conn() transport.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *PeerConnection) Channel() transport.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel
}

// SetChannel stores ch unless a channel is already set. It reports whether
// ch was stored.
func (p *PeerConnection) SetChannel(ch transport.Channel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		return false
	}
	p.channel = ch
	return true
}

// Open reports whether the entry has an open data channel.
func (p *PeerConnection) Open() bool {
	return transport.IsOpen(p.Channel())
}

// Reset closes the current connection, if any, and starts over with conn in
// the given role. The entry itself is reused.
func (p *PeerConnection) Reset(role Role, conn transport.Conn) error {
	p.mu.Lock()
	oldConn, oldChannel := p.conn, p.channel
	p.role = role
	p.state = StateConnecting
	p.conn = conn
	p.channel = nil
	p.mu.Unlock()

	return closeBoth(oldChannel, oldConn)
}

// Close closes the data channel, then the connection.
func (p *PeerConnection) Close() error {
	p.mu.Lock()
	conn, channel := p.conn, p.channel
	p.conn, p.channel = nil, nil
	p.state = StateClosed
	p.mu.Unlock()

	return closeBoth(channel, conn)
}

func closeBoth(channel transport.Channel, conn transport.Conn) error {
	var errs []error
	if channel != nil {
		if err := channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close data channel: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Registry maps peer ids to their connection. At most one entry exists per
// peer.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*PeerConnection
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{peers: make(map[string]*PeerConnection)}
}

// GetOrCreate returns the entry for peerID, creating it in the given role if
// absent. created reports whether a new entry was made.
func (r *Registry) GetOrCreate(peerID string, role Role) (pc *PeerConnection, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pc, ok := r.peers[peerID]; ok {
		return pc, false
	}
	pc = &PeerConnection{PeerID: peerID, role: role}
	r.peers[peerID] = pc
	util.LogDebug("Registry: new %s entry for %s", role, util.ShortID(peerID))
	return pc, true
}

// Get returns the entry for peerID.
func (r *Registry) Get(peerID string) (*PeerConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.peers[peerID]
	return pc, ok
}

// Remove closes and removes the entry for peerID if it is still pc.
func (r *Registry) Remove(peerID string, pc *PeerConnection) error {
	r.mu.Lock()
	cur, ok := r.peers[peerID]
	if !ok || cur != pc {
		r.mu.Unlock()
		return nil
	}
	delete(r.peers, peerID)
	r.mu.Unlock()

	util.LogDebug("Registry: removed %s", util.ShortID(peerID))
	return pc.Close()
}

// Peers returns the ids of all entries.
func (r *Registry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// CloseAll closes every entry, each data channel before its connection, and
// empties the registry.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[string]*PeerConnection)
	r.mu.Unlock()

	var errs []error
	for id, pc := range peers {
		if err := pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", util.ShortID(id), err))
		}
	}
	return errors.Join(errs...)
}
