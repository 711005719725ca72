package types

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// PeerRecord is the identify information reported by a resolved peer.
// It is immutable once constructed.
type PeerRecord struct {
	ID              peer.ID
	ProtocolVersion string
	AgentVersion    string
	ListenAddrs     []multiaddr.Multiaddr
	Protocols       []string
	ObservedAddr    multiaddr.Multiaddr
}

// AddrInfo returns the record as a libp2p peer.AddrInfo.
func (r *PeerRecord) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: r.ID, Addrs: r.ListenAddrs}
}

// SupportsProtocol reports whether the peer advertised proto.
func (r *PeerRecord) SupportsProtocol(proto string) bool {
	for _, p := range r.Protocols {
		if p == proto {
			return true
		}
	}
	return false
}

func (r *PeerRecord) String() string {
	return fmt.Sprintf("%s %v %v", r.ID, r.ListenAddrs, r.Protocols)
}

// Outcome classifies the result of a single closest-peer query.
type Outcome int

const (
	OutcomeFound Outcome = iota
	OutcomeTimeout
	OutcomeNoPeers
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNoPeers:
		return "no_peers"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Err returns the error kind matching a non-Found outcome, or nil.
func (o Outcome) Err() error {
	switch o {
	case OutcomeTimeout:
		return ErrTimeout
	case OutcomeNoPeers:
		return ErrNoPeers
	case OutcomeNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// QueryOutcome is the result of a closest-peer query. Record is set only for OutcomeFound.
type QueryOutcome struct {
	Outcome Outcome
	Record  *PeerRecord
}

// Found builds a successful outcome.
func Found(rec *PeerRecord) QueryOutcome {
	return QueryOutcome{Outcome: OutcomeFound, Record: rec}
}
