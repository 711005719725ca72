// Package resolver turns a peer ID into a validated peer record by driving a
// DHT closest-peer query and interpreting the discovery event stream.
package resolver

import (
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/p2plookup/synack/pkg/events"
	"github.com/p2plookup/synack/types"
)

// MaxAttempts is the number of times a lookup issues its query.
const MaxAttempts = 2

// Resolver creates lookups sharing one router and address book.
type Resolver struct {
	router Router
	book   AddressBook
	strict bool
	logger logging.EventLogger
}

// New creates a Resolver. With strict set, a completed query whose closest set
// does not contain the target yields NotFound instead of Timeout.
func New(router Router, book AddressBook, strict bool, logger logging.EventLogger) *Resolver {
	return &Resolver{
		router: router,
		book:   book,
		strict: strict,
		logger: logger,
	}
}

// NewQuery returns a single-attempt query for target.
func (r *Resolver) NewQuery(target peer.ID) *Query {
	return &Query{
		target: target,
		strict: r.strict,
		router: r.router,
		book:   r.book,
		logger: r.logger,
	}
}

// NewLookup returns a lookup for target that retries once on any non-Found outcome.
func (r *Resolver) NewLookup(target peer.ID) *Lookup {
	return &Lookup{query: r.NewQuery(target), router: r.router, logger: r.logger}
}

// Lookup runs up to MaxAttempts queries for one target.
type Lookup struct {
	query    *Query
	router   Router
	logger   logging.EventLogger
	attempts int
}

// Target returns the peer being resolved.
func (l *Lookup) Target() peer.ID {
	return l.query.target
}

// Attempts returns how many queries were issued so far.
func (l *Lookup) Attempts() int {
	return l.attempts
}

// Start issues the first query.
func (l *Lookup) Start() {
	l.attempts = 1
	l.query.Start()
}

// Handle consumes ev and returns done once the lookup finished. On success the
// record is returned; otherwise err carries the outcome of the last attempt.
func (l *Lookup) Handle(ev events.Event) (*types.PeerRecord, bool, error) {
	out, done, err := l.query.Handle(ev)
	if err != nil {
		return nil, true, err
	}
	if !done {
		return nil, false, nil
	}

	if out.Outcome == types.OutcomeFound {
		if l.router.IsConnected(out.Record.ID) {
			l.logger.Infof("%s seems connected", out.Record.ID)
		} else {
			l.logger.Infof("%s not connected", out.Record.ID)
		}
		return out.Record, true, nil
	}

	if l.attempts < MaxAttempts {
		l.logger.Infof("resolving %s: %s, repeating query", l.query.target, out.Outcome)
		l.attempts++
		l.query.Start()
		return nil, false, nil
	}
	return nil, true, out.Outcome.Err()
}
