// Package events defines the discovery and transport event stream consumed by
// the resolver and the handshake sessions, and the Network that produces it.
package events

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/p2plookup/synack/pkg/synack"
)

// Event is a single item of the network event stream.
type Event interface {
	isEvent()
}

// NewListenAddress reports a new local listen address.
type NewListenAddress struct {
	Address multiaddr.Multiaddr
}

// ConnectionEstablished reports a new connection. Count is the number of
// connections now open to Peer and is never zero.
type ConnectionEstablished struct {
	Peer  peer.ID
	Count int
}

// IdentifyReceived carries the identify information reported by Peer.
type IdentifyReceived struct {
	Peer            peer.ID
	ProtocolVersion string
	AgentVersion    string
	ListenAddrs     []multiaddr.Multiaddr
	Protocols       []string
	ObservedAddr    multiaddr.Multiaddr
}

// RoutingUpdated reports that Peer entered the DHT routing table.
type RoutingUpdated struct {
	Peer peer.ID
}

// QueryKind is the kind of DHT query that completed.
type QueryKind int

const (
	QueryBootstrap QueryKind = iota + 1
	QueryGetClosestPeers
)

func (k QueryKind) String() string {
	switch k {
	case QueryBootstrap:
		return "bootstrap"
	case QueryGetClosestPeers:
		return "get_closest_peers"
	default:
		return fmt.Sprintf("QueryKind(%d)", int(k))
	}
}

// QueryCompleted reports the end of a DHT query. Target is set for
// closest-peer queries. Peers is meaningful only when Err is nil.
type QueryCompleted struct {
	Kind   QueryKind
	Target peer.ID
	Peers  []peer.ID
	Err    error
}

// ResponseChannel answers an inbound request.
type ResponseChannel interface {
	// Respond sends msg back on the request stream. It fails if the channel
	// was already used or the stream is gone.
	Respond(msg synack.Message) error
	// Drop closes the request stream without answering.
	Drop()
}

// RequestReceived carries an inbound handshake request. Channel is nil for
// requests that take no response.
type RequestReceived struct {
	Peer    peer.ID
	Message synack.Message
	Channel ResponseChannel
}

// RequestID identifies one outbound request. IDs are never zero and never
// reused by a Network.
type RequestID uint64

// ResponseReceived carries the response to an outbound request.
type ResponseReceived struct {
	Peer    peer.ID
	Request RequestID
	Message synack.Message
}

// ResponseSent reports that a response was written to Peer.
type ResponseSent struct {
	Peer peer.ID
}

// OutboundFailure reports that an outbound request to Peer failed.
type OutboundFailure struct {
	Peer    peer.ID
	Request RequestID
	Kind    synack.Kind
	Err     error
}

// InboundFailure reports that reading or answering a request from Peer failed.
type InboundFailure struct {
	Peer peer.ID
	Err  error
}

func (NewListenAddress) isEvent() {}
func (ConnectionEstablished) isEvent() {}
func (IdentifyReceived) isEvent() {}
func (RoutingUpdated) isEvent() {}
func (QueryCompleted) isEvent() {}
func (RequestReceived) isEvent() {}
func (ResponseReceived) isEvent() {}
func (ResponseSent) isEvent() {}
func (OutboundFailure) isEvent() {}
func (InboundFailure) isEvent() {}

// Network is the DHT and transport subsystem. Query and request results are
// delivered only through Events.
type Network interface {
	// Events returns the shared event stream. It is never closed; readers stop
	// on their own context once the network is closed.
	Events() <-chan Event
	// FindClosestPeers starts a closest-peer query for target.
	FindClosestPeers(target peer.ID)
	// Bootstrap starts a routing table refresh.
	Bootstrap()
	// Dial connects to id at addr.
	Dial(ctx context.Context, id peer.ID, addr multiaddr.Multiaddr) error
	// IsConnected reports whether a connection to id is open.
	IsConnected(id peer.ID) bool
	// AddAddress seeds the DHT address cache with addr for id.
	AddAddress(id peer.ID, addr multiaddr.Multiaddr)
	// Listen starts listening on addrs and returns the listen addresses.
	Listen(addrs ...multiaddr.Multiaddr) ([]multiaddr.Multiaddr, error)
	// SendRequest sends a handshake request to id. The returned ID tags the
	// ResponseReceived or OutboundFailure that reports its outcome.
	SendRequest(id peer.ID, msg synack.Message) RequestID
	// ID returns the local peer ID.
	ID() peer.ID
	Close() error
}
