package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/p2plookup/synack/pkg/addrbook"
	"github.com/p2plookup/synack/pkg/config"
	"github.com/p2plookup/synack/pkg/events"
	"github.com/p2plookup/synack/pkg/handshake"
	"github.com/p2plookup/synack/pkg/resolver"
	"github.com/p2plookup/synack/pkg/service"
	"github.com/p2plookup/synack/types"
)

// Node composes the resolver, the address book and the handshake sessions on
// top of a Network. All protocol state is owned by a single dispatch loop that
// consumes the network event stream; the public methods post commands to it.
type Node struct {
	*service.BaseService

	conf     config.Config
	net      events.Network
	book     *addrbook.Book
	resolver *resolver.Resolver
	payloads handshake.Payloads
	metrics  *Metrics

	cmds    chan func(*state)
	stopped chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// starter is implemented by networks that need to be started before use.
type starter interface {
	Start(ctx context.Context) error
}

// New creates a Node on top of net. A nil metrics falls back to NopMetrics.
func New(conf config.Config, net events.Network, logger logging.EventLogger, metrics *Metrics) *Node {
	if metrics == nil {
		metrics = NopMetrics()
	}
	book := addrbook.New()
	node := &Node{
		conf:     conf,
		net:      net,
		book:     book,
		resolver: resolver.New(net, book, conf.Resolver.Strict, logging.Logger("resolver")),
		payloads: handshake.DefaultPayloads(),
		metrics:  metrics,
		cmds:     make(chan func(*state)),
		stopped:  make(chan struct{}),
	}
	node.BaseService = service.NewBaseService(logger, "Node", node)
	return node
}

// Start starts the network, if needed, and the dispatch loop.
func (n *Node) Start(ctx context.Context) error {
	if s, ok := n.net.(starter); ok {
		n.Logger.Info("starting P2P client")
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("error while starting P2P client: %w", err)
		}
	}

	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.BaseService.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.Logger.Errorf("node stopped: %s", err)
		}
	}()
	return nil
}

// Close stops the dispatch loop and closes the network.
func (n *Node) Close() error {
	var err error
	n.once.Do(func() {
		n.Logger.Info("halting node...")
		if n.cancel != nil {
			n.cancel()
		}
		n.wg.Wait()
		err = multierr.Append(err, n.net.Close())
	})
	return err
}

// ID returns the local peer ID.
func (n *Node) ID() peer.ID {
	return n.net.ID()
}

// AddressBook returns the addresses learned so far.
func (n *Node) AddressBook() *addrbook.Book {
	return n.book
}

// SetPayloads replaces the payloads carried by future handshakes.
func (n *Node) SetPayloads(ctx context.Context, p handshake.Payloads) error {
	return n.exec(ctx, func(*state) { n.payloads = p })
}

// Listen starts listening on addrs, or on the configured listen address when
// none are given.
func (n *Node) Listen(addrs ...multiaddr.Multiaddr) ([]multiaddr.Multiaddr, error) {
	if len(addrs) == 0 {
		addr, err := multiaddr.NewMultiaddr(n.conf.P2P.ListenAddress)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address: %w", err)
		}
		addrs = []multiaddr.Multiaddr{addr}
	}
	return n.net.Listen(addrs...)
}

// Dial connects to the first listen address of rec. Addresses from the
// address book are used when the record carries none.
func (n *Node) Dial(ctx context.Context, rec *types.PeerRecord) error {
	addrs := rec.ListenAddrs
	if len(addrs) == 0 {
		addrs = n.book.AddrsOf(rec.ID)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: no address known for %s", types.ErrDial, rec.ID)
	}
	n.Logger.Infof("dialing %s at %s", rec.ID, addrs[0])
	return n.net.Dial(ctx, rec.ID, addrs[0])
}

// AddAddress records addr for id in the address book and in the DHT.
func (n *Node) AddAddress(id peer.ID, addr multiaddr.Multiaddr) {
	if n.book.Add(id, addr) {
		n.metrics.KnownPeers.Set(float64(n.book.Len()))
	}
	n.net.AddAddress(id, addr)
}

// Bootstrap refreshes the DHT routing table and waits for it to finish.
// Without a deadline on ctx, the configured bootstrap timeout applies.
func (n *Node) Bootstrap(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx, n.conf.BootstrapTimeout.Duration)
	defer cancel()

	res := make(chan error, 1)
	if err := n.exec(ctx, func(s *state) { s.bootstrap(res) }); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	err, waitErr := awaitResult(ctx, n, res, func(s *state) bool {
		return s.withdrawBootstrap(res)
	})
	if waitErr != nil {
		return fmt.Errorf("bootstrap: %w", waitErr)
	}
	return err
}

// Resolve looks target up in the DHT and returns its identify record. The
// query is repeated once when the first attempt does not find the target.
// Without a deadline on ctx, the configured resolver timeout applies.
func (n *Node) Resolve(ctx context.Context, target peer.ID) (*types.PeerRecord, error) {
	ctx, cancel := withDefaultTimeout(ctx, n.conf.Resolver.Timeout.Duration)
	defer cancel()

	res := make(chan lookupResult, 1)
	if err := n.exec(ctx, func(s *state) { s.resolve(target, res) }); err != nil {
		return nil, fmt.Errorf("resolving %s: %w", target, err)
	}
	r, err := awaitResult(ctx, n, res, func(s *state) bool {
		return s.withdrawLookup(target, res)
	})
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", target, err)
	}
	return r.rec, r.err
}

// HandshakeAsInitiator sends a SYN carrying payload to target and waits for
// the handshake to complete. A nil payload sends the default SYN payload.
// Without a deadline on ctx, the configured handshake timeout applies.
func (n *Node) HandshakeAsInitiator(ctx context.Context, target peer.ID, payload []byte) (peer.ID, error) {
	ctx, cancel := withDefaultTimeout(ctx, n.conf.Handshake.Timeout.Duration)
	defer cancel()

	res := make(chan handshakeResult, 1)
	if err := n.exec(ctx, func(s *state) { s.initiate(target, payload, res) }); err != nil {
		return "", fmt.Errorf("handshake with %s: %w", target, err)
	}
	r, err := awaitResult(ctx, n, res, func(s *state) bool {
		return s.withdrawInitiator(target, res)
	})
	if err != nil {
		return "", fmt.Errorf("handshake with %s: %w", target, err)
	}
	return r.peer, r.err
}

// HandshakeAsResponder returns the next peer that completed a handshake
// initiated by it. Handshakes completed while no caller was waiting are
// queued. It waits until ctx is done.
func (n *Node) HandshakeAsResponder(ctx context.Context) (peer.ID, error) {
	res := make(chan handshakeResult, 1)
	if err := n.exec(ctx, func(s *state) { s.accept(res) }); err != nil {
		return "", fmt.Errorf("accepting handshake: %w", err)
	}
	r, err := awaitResult(ctx, n, res, func(s *state) bool {
		return s.withdrawAccept(res)
	})
	if err != nil {
		return "", fmt.Errorf("accepting handshake: %w", err)
	}
	return r.peer, r.err
}

// exec hands fn to the dispatch loop.
func (n *Node) exec(ctx context.Context, fn func(*state)) error {
	select {
	case n.cmds <- fn:
		return nil
	case <-n.stopped:
		return types.ErrNodeStopped
	case <-ctx.Done():
		return contextErr(ctx)
	}
}

// post hands fn to the dispatch loop, regardless of any caller deadline.
func (n *Node) post(fn func(*state)) bool {
	select {
	case n.cmds <- fn:
		return true
	case <-n.stopped:
		return false
	}
}

// awaitResult waits for a result on ch. When ctx ends first, withdraw runs on
// the dispatch loop and reports whether the waiter was still registered; if
// it was not, a result is already buffered in ch and is returned instead.
func awaitResult[T any](ctx context.Context, n *Node, ch <-chan T, withdraw func(*state) bool) (T, error) {
	var zero T
	select {
	case r := <-ch:
		return r, nil
	case <-n.stopped:
		return zero, types.ErrNodeStopped
	case <-ctx.Done():
	}

	withdrawn := make(chan bool, 1)
	if !n.post(func(s *state) { withdrawn <- withdraw(s) }) {
		return zero, types.ErrNodeStopped
	}
	if <-withdrawn {
		return zero, contextErr(ctx)
	}
	return <-ch, nil
}

func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func contextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", types.ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}
