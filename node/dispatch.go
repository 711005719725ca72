package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/p2plookup/synack/pkg/events"
	"github.com/p2plookup/synack/pkg/handshake"
	"github.com/p2plookup/synack/pkg/resolver"
	"github.com/p2plookup/synack/pkg/synack"
	"github.com/p2plookup/synack/types"
)

var sessionLogger = logging.Logger("handshake")

type lookupResult struct {
	rec *types.PeerRecord
	err error
}

type handshakeResult struct {
	peer peer.ID
	err  error
}

type lookupState struct {
	lookup  *resolver.Lookup
	waiters []chan lookupResult
	started time.Time
}

type session struct {
	*handshake.Session
	// waiter receives the result of an initiator session.
	waiter chan handshakeResult
	// timer expires a responder session.
	timer *time.Timer
}

// state is owned by the dispatch loop. It must not be touched from any other
// goroutine; use Node.exec or Node.post instead.
type state struct {
	n      *Node
	logger logging.EventLogger

	lookups  map[peer.ID]*lookupState
	sessions map[handshake.Key]*session

	accepted      []handshakeResult
	acceptWaiters []chan handshakeResult

	pendingBootstraps int
	bootstraps        []chan error

	localAddrs []multiaddr.Multiaddr
}

func newState(n *Node) *state {
	return &state{
		n:        n,
		logger:   n.Logger,
		lookups:  make(map[peer.ID]*lookupState),
		sessions: make(map[handshake.Key]*session),
	}
}

// Run consumes the network event stream and the commands posted by the
// public methods until ctx is done. Pending callers then fail with
// types.ErrNodeStopped.
func (n *Node) Run(ctx context.Context) error {
	s := newState(n)
	defer func() {
		s.stop()
		close(n.stopped)
	}()

	evCh := n.net.Events()
	for {
		select {
		case ev := <-evCh:
			s.handle(ev)
		case fn := <-n.cmds:
			fn(s)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LocalAddrs returns the local listen addresses reported by the network.
func (n *Node) LocalAddrs(ctx context.Context) ([]multiaddr.Multiaddr, error) {
	res := make(chan []multiaddr.Multiaddr, 1)
	if err := n.exec(ctx, func(s *state) {
		res <- append([]multiaddr.Multiaddr(nil), s.localAddrs...)
	}); err != nil {
		return nil, err
	}
	return <-res, nil
}

func (s *state) handle(ev events.Event) {
	switch e := ev.(type) {
	case events.RequestReceived, events.ResponseReceived, events.ResponseSent,
		events.OutboundFailure, events.InboundFailure:
		s.handleTransport(ev)
		return
	case events.NewListenAddress:
		s.logger.Infof("listening on %s", e.Address)
		s.localAddrs = append(s.localAddrs, e.Address)
	case events.QueryCompleted:
		if e.Kind == events.QueryBootstrap {
			if s.pendingBootstraps > 0 {
				s.bootstrapped(e.Err)
				return
			}
			if len(s.lookups) == 0 {
				s.logger.Warnf("unexpected bootstrap completion")
				return
			}
		}
	}

	for target, l := range s.lookups {
		rec, done, err := l.lookup.Handle(ev)
		if done {
			s.finishLookup(target, l, rec, err)
		}
	}
	s.n.metrics.KnownPeers.Set(float64(s.n.book.Len()))
}

func (s *state) resolve(target peer.ID, res chan lookupResult) {
	if l, ok := s.lookups[target]; ok {
		s.logger.Debugf("joining lookup of %s", target)
		l.waiters = append(l.waiters, res)
		return
	}
	l := &lookupState{
		lookup:  s.n.resolver.NewLookup(target),
		waiters: []chan lookupResult{res},
		started: time.Now(),
	}
	s.lookups[target] = l
	s.logger.Infof("resolving %s", target)
	l.lookup.Start()
}

func (s *state) finishLookup(target peer.ID, l *lookupState, rec *types.PeerRecord, err error) {
	delete(s.lookups, target)
	s.n.metrics.ResolveAttempts.Add(float64(l.lookup.Attempts()))
	s.n.metrics.ResolveOutcomes.With("outcome", outcomeLabel(err)).Add(1)
	s.n.metrics.ResolveDuration.Observe(time.Since(l.started).Seconds())

	if err != nil {
		s.logger.Warnf("resolving %s failed after %d attempts: %s", target, l.lookup.Attempts(), err)
	} else {
		s.logger.Infof("resolved %s", rec)
	}
	for _, w := range l.waiters {
		w <- lookupResult{rec: rec, err: err}
	}
}

func (s *state) withdrawLookup(target peer.ID, res chan lookupResult) bool {
	l, ok := s.lookups[target]
	if !ok {
		return false
	}
	var found bool
	l.waiters, found = remove(l.waiters, res)
	if found && len(l.waiters) == 0 {
		s.logger.Infof("abandoning lookup of %s after %d attempts", target, l.lookup.Attempts())
		delete(s.lookups, target)
		s.n.metrics.ResolveAttempts.Add(float64(l.lookup.Attempts()))
		s.n.metrics.ResolveOutcomes.With("outcome", "abandoned").Add(1)
	}
	return found
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return types.OutcomeFound.String()
	case errors.Is(err, types.ErrTimeout):
		return types.OutcomeTimeout.String()
	case errors.Is(err, types.ErrNoPeers):
		return types.OutcomeNoPeers.String()
	case errors.Is(err, types.ErrNotFound):
		return types.OutcomeNotFound.String()
	case errors.Is(err, types.ErrProtocolInvariant):
		return "invariant"
	default:
		return "error"
	}
}

func (s *state) bootstrap(res chan error) {
	s.pendingBootstraps++
	s.bootstraps = append(s.bootstraps, res)
	s.n.net.Bootstrap()
}

func (s *state) bootstrapped(err error) {
	s.pendingBootstraps--
	if err != nil {
		s.logger.Warnf("bootstrap failed: %s", err)
	} else {
		s.logger.Info("bootstrap completed")
	}
	if len(s.bootstraps) > 0 {
		s.bootstraps[0] <- err
		s.bootstraps = s.bootstraps[1:]
	}
}

func (s *state) withdrawBootstrap(res chan error) bool {
	var found bool
	s.bootstraps, found = remove(s.bootstraps, res)
	return found
}

func (s *state) initiate(target peer.ID, payload []byte, res chan handshakeResult) {
	key := handshake.Key{Role: handshake.Initiator, Peer: target}
	if _, ok := s.sessions[key]; ok {
		res <- handshakeResult{err: fmt.Errorf("%w: %s", types.ErrSessionExists, key)}
		return
	}
	for _, addr := range s.n.book.AddrsOf(target) {
		s.n.net.AddAddress(target, addr)
	}

	payloads := s.n.payloads
	if payload != nil {
		payloads.Syn = payload
	}
	sess := &session{
		Session: handshake.NewInitiator(target, payloads, s.n.net, sessionLogger),
		waiter:  res,
	}
	if err := sess.Start(); err != nil {
		res <- handshakeResult{err: err}
		return
	}
	s.sessions[key] = sess
	s.updateSessions()
}

func (s *state) withdrawInitiator(target peer.ID, res chan handshakeResult) bool {
	key := handshake.Key{Role: handshake.Initiator, Peer: target}
	sess, ok := s.sessions[key]
	if !ok || sess.waiter != res {
		return false
	}
	s.logger.Infof("abandoning handshake with %s while %s", target, sess.State())
	delete(s.sessions, key)
	s.n.metrics.Handshakes.With("role", key.Role.String(), "result", "abandoned").Add(1)
	s.updateSessions()
	return true
}

func (s *state) handleTransport(ev events.Event) {
	switch e := ev.(type) {
	case events.ResponseReceived:
		s.dispatchSession(handshake.Key{Role: handshake.Initiator, Peer: e.Peer}, ev)
	case events.OutboundFailure:
		s.dispatchSession(handshake.Key{Role: handshake.Initiator, Peer: e.Peer}, ev)
	case events.RequestReceived:
		key := handshake.Key{Role: handshake.Responder, Peer: e.Peer}
		if _, ok := s.sessions[key]; !ok {
			if e.Message.Kind != synack.KindSyn {
				s.logger.Debugf("dropping %s from %s without session", e.Message, e.Peer)
				if e.Channel != nil {
					e.Channel.Drop()
				}
				return
			}
			s.openResponder(e.Peer)
		}
		s.dispatchSession(key, ev)
	case events.InboundFailure:
		s.dispatchSession(handshake.Key{Role: handshake.Responder, Peer: e.Peer}, ev)
	case events.ResponseSent:
		s.logger.Debugf("response sent to %s", e.Peer)
	}
}

func (s *state) openResponder(id peer.ID) {
	key := handshake.Key{Role: handshake.Responder, Peer: id}
	sess := &session{Session: handshake.NewResponder(id, s.n.payloads, sessionLogger)}
	if d := s.n.conf.Handshake.Timeout.Duration; d > 0 {
		sess.timer = time.AfterFunc(d, func() {
			s.n.post(func(s *state) { s.expire(key, sess) })
		})
	}
	s.sessions[key] = sess
	s.updateSessions()
}

func (s *state) expire(key handshake.Key, sess *session) {
	if cur, ok := s.sessions[key]; !ok || cur != sess {
		return
	}
	s.finishSession(key, sess, fmt.Errorf("handshake with %s while %s: %w", key.Peer, sess.State(), types.ErrTimeout))
}

func (s *state) dispatchSession(key handshake.Key, ev events.Event) {
	sess, ok := s.sessions[key]
	if !ok {
		s.logger.Debugf("no %s session, ignoring %T", key, ev)
		return
	}
	if done, err := sess.Handle(ev); done {
		s.finishSession(key, sess, err)
	}
}

func (s *state) finishSession(key handshake.Key, sess *session, err error) {
	delete(s.sessions, key)
	if sess.timer != nil {
		sess.timer.Stop()
	}
	result := "completed"
	if err != nil {
		result = "failed"
	}
	s.n.metrics.Handshakes.With("role", key.Role.String(), "result", result).Add(1)
	s.updateSessions()

	r := handshakeResult{err: err}
	if err == nil {
		r.peer = key.Peer
	}
	switch key.Role {
	case handshake.Initiator:
		if sess.waiter != nil {
			sess.waiter <- r
		}
	case handshake.Responder:
		s.deliverAccepted(r)
	}
}

func (s *state) deliverAccepted(r handshakeResult) {
	if len(s.acceptWaiters) > 0 {
		s.acceptWaiters[0] <- r
		s.acceptWaiters = s.acceptWaiters[1:]
		return
	}
	if r.err != nil {
		return
	}
	limit := s.n.conf.Handshake.AcceptQueue
	if limit <= 0 {
		s.logger.Infof("handshake with %s completed, nobody accepting", r.peer)
		return
	}
	if len(s.accepted) >= limit {
		s.logger.Warnf("accept queue full, dropping handshake with %s", s.accepted[0].peer)
		s.accepted = s.accepted[1:]
	}
	s.accepted = append(s.accepted, r)
}

func (s *state) accept(res chan handshakeResult) {
	if len(s.accepted) > 0 {
		res <- s.accepted[0]
		s.accepted = s.accepted[1:]
		return
	}
	s.acceptWaiters = append(s.acceptWaiters, res)
}

func (s *state) withdrawAccept(res chan handshakeResult) bool {
	var found bool
	s.acceptWaiters, found = remove(s.acceptWaiters, res)
	return found
}

func (s *state) updateSessions() {
	s.n.metrics.ActiveSessions.Set(float64(len(s.sessions)))
}

// stop fails every pending caller.
func (s *state) stop() {
	for _, l := range s.lookups {
		for _, w := range l.waiters {
			w <- lookupResult{err: types.ErrNodeStopped}
		}
	}
	for _, sess := range s.sessions {
		if sess.timer != nil {
			sess.timer.Stop()
		}
		if sess.waiter != nil {
			sess.waiter <- handshakeResult{err: types.ErrNodeStopped}
		}
	}
	for _, w := range s.acceptWaiters {
		w <- handshakeResult{err: types.ErrNodeStopped}
	}
	for _, w := range s.bootstraps {
		w <- types.ErrNodeStopped
	}
	s.lookups = nil
	s.sessions = nil
	s.acceptWaiters = nil
	s.bootstraps = nil
}

func remove[T comparable](list []T, v T) ([]T, bool) {
	for i, x := range list {
		if x == v {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, false
}
