// Package handshake turns two devices that can reach each other over
// signaling into two devices with an open data channel.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInvalidTransition = errors.New("invalid handshake transition")
	ErrTimeout           = errors.New("handshake timed out")
	ErrClosed            = errors.New("handshake closed")
	ErrSuperseded        = errors.New("handshake superseded by remote offer")
	ErrConnectionFailed  = errors.New("peer connection failed")
)

// State is a handshake state.
type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateChannelOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerExchanged:
		return "answer-exchanged"
	case StateChannelOpen:
		return "channel-open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition other than Close (from
// ChannelOpen) is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Event drives a transition.
type Event int

const (
	EventOfferSent Event = iota
	EventOfferReceived
	EventAnswerExchanged
	EventChannelOpen
	EventClose
	EventFail
)

func (e Event) String() string {
	switch e {
	case EventOfferSent:
		return "offer-sent"
	case EventOfferReceived:
		return "offer-received"
	case EventAnswerExchanged:
		return "answer-exchanged"
	case EventChannelOpen:
		return "channel-open"
	case EventClose:
		return "close"
	case EventFail:
		return "fail"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// next is the transition function. ok is false for transitions the handshake
// does not allow.
func next(s State, e Event) (State, bool) {
	if s.Terminal() {
		return s, false
	}
	switch e {
	case EventClose:
		return StateClosed, true
	case EventFail:
		if s == StateChannelOpen {
			return s, false
		}
		return StateFailed, true
	}

	switch s {
	case StateIdle:
		switch e {
		case EventOfferSent:
			return StateOfferSent, true
		case EventOfferReceived:
			return StateOfferReceived, true
		}
	case StateOfferSent, StateOfferReceived:
		if e == EventAnswerExchanged {
			return StateAnswerExchanged, true
		}
	case StateAnswerExchanged:
		if e == EventChannelOpen {
			return StateChannelOpen, true
		}
	}
	return s, false
}

// Machine is the handshake state of one attempt with one peer. It is safe
// for concurrent use.
type Machine struct {
	mu      sync.Mutex
	state   State
	err     error
	changed chan struct{}
}

// NewMachine returns a machine in StateIdle.
func NewMachine() *Machine {
	return &Machine{changed: make(chan struct{})}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the failure cause once the machine is in StateFailed.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Transition applies e and returns the new state.
func (m *Machine) Transition(e Event) (State, error) {
	return m.transition(e, nil)
}

// Fail moves the machine to StateFailed with cause err.
func (m *Machine) Fail(err error) (State, error) {
	return m.transition(EventFail, err)
}

func (m *Machine) transition(e Event, cause error) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	to, ok := next(m.state, e)
	if !ok {
		return m.state, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, m.state)
	}
	m.state = to
	if to == StateFailed {
		if cause == nil {
			cause = ErrConnectionFailed
		}
		m.err = cause
	}
	close(m.changed)
	m.changed = make(chan struct{})
	return to, nil
}

// Await blocks until the machine reaches ChannelOpen, Closed or Failed, or
// ctx ends. It returns nil only for ChannelOpen.
func (m *Machine) Await(ctx context.Context) (State, error) {
	for {
		m.mu.Lock()
		state, err, changed := m.state, m.err, m.changed
		m.mu.Unlock()

		switch {
		case state == StateChannelOpen:
			return state, nil
		case state == StateFailed:
			return state, err
		case state == StateClosed:
			return state, ErrClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}
