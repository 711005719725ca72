package resolver

import (
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	kb "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/p2plookup/synack/pkg/events"
	"github.com/p2plookup/synack/types"
)

// Router is the part of the network a query drives.
type Router interface {
	FindClosestPeers(target peer.ID)
	AddAddress(id peer.ID, addr multiaddr.Multiaddr)
	IsConnected(id peer.ID) bool
}

// AddressBook absorbs addresses learned while resolving.
type AddressBook interface {
	Add(id peer.ID, addr multiaddr.Multiaddr) bool
}

// Query is a single closest-peer query for a target. It is advanced one event
// at a time by Handle and must only be used from one goroutine.
type Query struct {
	target peer.ID
	strict bool

	router Router
	book   AddressBook
	logger logging.EventLogger

	connected bool
}

// Target returns the peer being resolved.
func (q *Query) Target() peer.ID {
	return q.target
}

// Start issues the closest-peer query. Progress is reported only through events.
func (q *Query) Start() {
	q.connected = false
	q.router.FindClosestPeers(q.target)
}

// Handle consumes ev. It returns done once the query reached an outcome.
// A non-nil error is always a protocol invariant violation and ends the query.
func (q *Query) Handle(ev events.Event) (types.QueryOutcome, bool, error) {
	switch e := ev.(type) {
	case events.ConnectionEstablished:
		if e.Count == 0 {
			return types.QueryOutcome{}, true, fmt.Errorf("%w: connection to %s established with zero connections", types.ErrProtocolInvariant, e.Peer)
		}
		if e.Peer == q.target {
			q.logger.Debugf("connection established with target %s", e.Peer)
			q.connected = true
		}

	case events.IdentifyReceived:
		if e.Peer == q.target {
			return types.Found(q.absorb(e)), true, nil
		}
		q.cacheNeighbour(e)

	case events.RoutingUpdated:
		q.logger.Debugf("%s added to the routing table", e.Peer)

	case events.QueryCompleted:
		return q.completed(e)
	}
	return types.QueryOutcome{}, false, nil
}

func (q *Query) completed(e events.QueryCompleted) (types.QueryOutcome, bool, error) {
	if e.Kind == events.QueryBootstrap {
		return types.QueryOutcome{}, true, fmt.Errorf("%w: bootstrap query completed while resolving %s", types.ErrProtocolInvariant, q.target)
	}
	if e.Kind != events.QueryGetClosestPeers || e.Target != q.target {
		return types.QueryOutcome{}, false, nil
	}

	if e.Err != nil {
		if errors.Is(e.Err, kb.ErrLookupFailure) {
			return types.QueryOutcome{Outcome: types.OutcomeNoPeers}, true, nil
		}
		q.logger.Debugf("closest peers query for %s failed: %s", q.target, e.Err)
		return types.QueryOutcome{Outcome: types.OutcomeTimeout}, true, nil
	}

	if len(e.Peers) == 0 {
		return types.QueryOutcome{Outcome: types.OutcomeNoPeers}, true, nil
	}

	for _, p := range e.Peers {
		if p == q.target {
			// present in the closest set, but no identify yet to confirm an address
			q.logger.Infof("%s is among the %d closest peers, address not confirmed", q.target, len(e.Peers))
			return types.QueryOutcome{Outcome: types.OutcomeTimeout}, true, nil
		}
	}
	if q.strict {
		return types.QueryOutcome{Outcome: types.OutcomeNotFound}, true, nil
	}
	return types.QueryOutcome{Outcome: types.OutcomeTimeout}, true, nil
}

func (q *Query) absorb(e events.IdentifyReceived) *types.PeerRecord {
	rec := &types.PeerRecord{
		ID:              e.Peer,
		ProtocolVersion: e.ProtocolVersion,
		AgentVersion:    e.AgentVersion,
		ListenAddrs:     append([]multiaddr.Multiaddr(nil), e.ListenAddrs...),
		Protocols:       append([]string(nil), e.Protocols...),
		ObservedAddr:    e.ObservedAddr,
	}
	for _, a := range rec.ListenAddrs {
		q.book.Add(rec.ID, a)
	}
	return rec
}

// cacheNeighbour keeps the first listen address of an identified non-target peer.
func (q *Query) cacheNeighbour(e events.IdentifyReceived) {
	if len(e.ListenAddrs) == 0 {
		q.logger.Debugf("identified %s without listen addresses", e.Peer)
		return
	}
	addr := e.ListenAddrs[0]
	if q.book.Add(e.Peer, addr) {
		q.logger.Debugf("adding %s at %s to the address cache", e.Peer, addr)
	}
	q.router.AddAddress(e.Peer, addr)
}
