// Package handshake implements the SYN/SYNACK/ACK liveness handshake as a
// per-peer state machine advanced by network events.
package handshake

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/p2plookup/synack/pkg/events"
	"github.com/p2plookup/synack/pkg/synack"
	"github.com/p2plookup/synack/types"
)

// Role is the side of the handshake a session plays.
type Role int

const (
	Initiator Role = iota + 1
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// State is the position of a session in the handshake.
type State int

const (
	AwaitingSyn State = iota
	AwaitingSynAck
	AwaitingAck
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingSyn:
		return "awaiting SYN"
	case AwaitingSynAck:
		return "awaiting SYNACK"
	case AwaitingAck:
		return "awaiting ACK"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Key identifies a session. A node may run an initiator and a responder
// session for the same peer at the same time.
type Key struct {
	Role Role
	Peer peer.ID
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Role, k.Peer)
}

// Sender delivers outbound handshake requests.
type Sender interface {
	SendRequest(id peer.ID, msg synack.Message) events.RequestID
}

// Payloads are the opaque application bytes carried by each message.
type Payloads struct {
	Syn    []byte
	SynAck []byte
	Ack    []byte
}

// DefaultPayloads returns the payloads used when none are configured.
func DefaultPayloads() Payloads {
	return Payloads{
		Syn:    []byte("SYN"),
		SynAck: []byte("SYNACK"),
		Ack:    []byte("ACK"),
	}
}

// Session drives one handshake. It is not safe for concurrent use; all
// events for a session must be handled from the same goroutine.
type Session struct {
	key      Key
	state    State
	payloads Payloads
	sender   Sender
	logger   logging.EventLogger
	err      error

	// syn tags the outcome events of the SYN this session sent.
	syn events.RequestID
}

// NewInitiator creates a session that will send a SYN to id when started.
func NewInitiator(id peer.ID, payloads Payloads, sender Sender, logger logging.EventLogger) *Session {
	return &Session{
		key:      Key{Role: Initiator, Peer: id},
		state:    AwaitingSyn,
		payloads: payloads,
		sender:   sender,
		logger:   logger,
	}
}

// NewResponder creates a session waiting for a SYN from id.
func NewResponder(id peer.ID, payloads Payloads, logger logging.EventLogger) *Session {
	return &Session{
		key:      Key{Role: Responder, Peer: id},
		state:    AwaitingSyn,
		payloads: payloads,
		logger:   logger,
	}
}

func (s *Session) Key() Key { return s.key }
func (s *Session) Peer() peer.ID { return s.key.Peer }
func (s *Session) State() State { return s.state }
func (s *Session) Err() error { return s.err }
func (s *Session) Done() bool { return s.state == Completed || s.state == Failed }

// Start sends the SYN of an initiator session.
func (s *Session) Start() error {
	if s.key.Role != Initiator || s.state != AwaitingSyn {
		return fmt.Errorf("cannot start %s session in state %s", s.key.Role, s.state)
	}
	s.syn = s.sender.SendRequest(s.key.Peer, synack.Syn(s.payloads.Syn))
	s.state = AwaitingSynAck
	return nil
}

// Handle advances the session with ev. It returns done when the session
// reached Completed or Failed; err is set only for Failed.
func (s *Session) Handle(ev events.Event) (bool, error) {
	if s.Done() {
		return true, s.err
	}
	switch s.key.Role {
	case Initiator:
		s.handleInitiator(ev)
	case Responder:
		s.handleResponder(ev)
	}
	return s.Done(), s.err
}

func (s *Session) handleInitiator(ev events.Event) {
	switch e := ev.(type) {
	case events.ResponseReceived:
		if e.Peer != s.key.Peer {
			return
		}
		if s.state == AwaitingSynAck && e.Request != s.syn {
			s.logger.Debugf("ignoring %s from %s for request %d, awaiting %d", e.Message, e.Peer, e.Request, s.syn)
			return
		}
		if s.state != AwaitingSynAck || e.Message.Kind != synack.KindSynAck {
			s.fail(&types.ErrUnexpected{Kind: e.Message.Kind.String(), State: s.state.String()})
			return
		}
		s.logger.Debugf("SYNACK from %s: %s", e.Peer, e.Message)
		s.sender.SendRequest(s.key.Peer, synack.Ack(s.payloads.Ack))
		s.complete()

	case events.OutboundFailure:
		if e.Peer != s.key.Peer {
			return
		}
		// failures of requests sent by earlier sessions with the same peer
		if e.Kind != synack.KindSyn || e.Request != s.syn {
			s.logger.Debugf("ignoring %s failure for request %d to %s: %s", e.Kind, e.Request, e.Peer, e.Err)
			return
		}
		s.fail(fmt.Errorf("sending %s to %s: %w", e.Kind, e.Peer, e.Err))
	}
}

func (s *Session) handleResponder(ev events.Event) {
	switch e := ev.(type) {
	case events.RequestReceived:
		if e.Peer != s.key.Peer {
			return
		}
		switch {
		case e.Message.Kind == synack.KindSyn && s.state == AwaitingSyn:
			s.logger.Debugf("SYN from %s: %s", e.Peer, e.Message)
			if e.Channel == nil {
				s.fail(fmt.Errorf("%w: SYN from %s without response channel", types.ErrProtocolInvariant, e.Peer))
				return
			}
			if err := e.Channel.Respond(synack.SynAck(s.payloads.SynAck)); err != nil {
				s.fail(fmt.Errorf("answering SYN from %s: %w", e.Peer, err))
				return
			}
			s.state = AwaitingAck
		case e.Message.Kind == synack.KindAck && s.state == AwaitingAck:
			s.complete()
		default:
			// duplicates and application payloads riding the same channel
			s.logger.Debugf("ignoring %s from %s while %s", e.Message, e.Peer, s.state)
			if e.Channel != nil {
				e.Channel.Drop()
			}
		}

	case events.InboundFailure:
		if e.Peer != s.key.Peer {
			return
		}
		s.fail(fmt.Errorf("inbound request from %s: %w", e.Peer, e.Err))
	}
}

func (s *Session) complete() {
	s.state = Completed
	s.logger.Infof("handshake with %s succeeded (%s)", s.key.Peer, s.key.Role)
}

func (s *Session) fail(err error) {
	s.state = Failed
	s.err = err
	s.logger.Warnf("handshake with %s failed (%s): %s", s.key.Peer, s.key.Role, err)
}
