package node

import (
	"context"
	"sync"
	"testing"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/p2plookup/synack/pkg/config"
	"github.com/p2plookup/synack/pkg/events"
	"github.com/p2plookup/synack/pkg/synack"
	"github.com/p2plookup/synack/types"
)

type sentRequest struct {
	peer peer.ID
	req  events.RequestID
	msg  synack.Message
}

type dialed struct {
	peer peer.ID
	addr multiaddr.Multiaddr
}

// fakeNetwork is a deterministic events.Network. The on* hooks run on the
// caller's goroutine, which for queries and requests is the dispatch loop, so
// they must only push events and never block.
type fakeNetwork struct {
	id     peer.ID
	events chan events.Event

	mu        sync.Mutex
	finds     []peer.ID
	sent      []sentRequest
	added     map[peer.ID][]multiaddr.Multiaddr
	dials     []dialed
	listens   []multiaddr.Multiaddr
	connected map[peer.ID]bool
	closed    bool

	onFind      func(target peer.ID, attempt int)
	onSend      func(id peer.ID, req events.RequestID, msg synack.Message)
	onBootstrap func()
	dialErr     error
}

var _ events.Network = (*fakeNetwork)(nil)

func newFakeNetwork(t *testing.T) *fakeNetwork {
	return &fakeNetwork{
		id:        test.RandPeerIDFatal(t),
		events:    make(chan events.Event, 64),
		added:     make(map[peer.ID][]multiaddr.Multiaddr),
		connected: make(map[peer.ID]bool),
	}
}

func (f *fakeNetwork) push(ev events.Event) {
	f.events <- ev
}

func (f *fakeNetwork) Events() <-chan events.Event { return f.events }

func (f *fakeNetwork) FindClosestPeers(target peer.ID) {
	f.mu.Lock()
	f.finds = append(f.finds, target)
	attempt := 0
	for _, p := range f.finds {
		if p == target {
			attempt++
		}
	}
	hook := f.onFind
	f.mu.Unlock()
	if hook != nil {
		hook(target, attempt)
	}
}

func (f *fakeNetwork) Bootstrap() {
	if f.onBootstrap != nil {
		f.onBootstrap()
	}
}

func (f *fakeNetwork) Dial(_ context.Context, id peer.ID, addr multiaddr.Multiaddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, dialed{peer: id, addr: addr})
	return f.dialErr
}

func (f *fakeNetwork) IsConnected(id peer.ID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[id]
}

func (f *fakeNetwork) AddAddress(id peer.ID, addr multiaddr.Multiaddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[id] = append(f.added[id], addr)
}

func (f *fakeNetwork) Listen(addrs ...multiaddr.Multiaddr) ([]multiaddr.Multiaddr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listens = append(f.listens, addrs...)
	return addrs, nil
}

func (f *fakeNetwork) SendRequest(id peer.ID, msg synack.Message) events.RequestID {
	f.mu.Lock()
	req := events.RequestID(len(f.sent) + 1)
	f.sent = append(f.sent, sentRequest{peer: id, req: req, msg: msg})
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(id, req, msg)
	}
	return req
}

func (f *fakeNetwork) ID() peer.ID { return f.id }

func (f *fakeNetwork) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeNetwork) findCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finds)
}

func (f *fakeNetwork) sentRequests() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentRequest(nil), f.sent...)
}

// fakeChannel records how an inbound request was answered.
type fakeChannel struct {
	mu        sync.Mutex
	responses []synack.Message
	dropped   bool
}

func (c *fakeChannel) Respond(msg synack.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, msg)
	return nil
}

func (c *fakeChannel) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = true
}

func (c *fakeChannel) answered() []synack.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]synack.Message(nil), c.responses...)
}

func (c *fakeChannel) wasDropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func testConfig() config.Config {
	conf := config.DefaultConfig
	conf.Network = config.NetworkCustom
	conf.P2P.ListenAddress = "/ip4/127.0.0.1/tcp/0"
	conf.Resolver.Timeout = config.DurationWrapper{Duration: 5 * time.Second}
	conf.Handshake.Timeout = config.DurationWrapper{Duration: 5 * time.Second}
	conf.BootstrapTimeout = config.DurationWrapper{Duration: 5 * time.Second}
	return conf
}

// startTestNode starts a Node on a fake network and closes it with the test.
func startTestNode(t *testing.T, conf config.Config) (*Node, *fakeNetwork) {
	t.Helper()
	net := newFakeNetwork(t)
	n := New(conf, net, logging.Logger("node-test"), NopMetrics())
	require.NoError(t, n.Start(t.Context()))
	t.Cleanup(func() { _ = n.Close() })
	return n, net
}

// inspect evaluates cond on the dispatch loop.
func inspect(t *testing.T, n *Node, cond func(s *state) bool) bool {
	t.Helper()
	res := make(chan bool, 1)
	require.NoError(t, n.exec(t.Context(), func(s *state) { res <- cond(s) }))
	return <-res
}

func waitFor(t *testing.T, n *Node, cond func(s *state) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return inspect(t, n, cond) }, 5*time.Second, 10*time.Millisecond)
}

func identify(id peer.ID, addrs ...string) events.IdentifyReceived {
	ev := events.IdentifyReceived{
		Peer:            id,
		ProtocolVersion: "/ipfs/id/1.0.0",
		AgentVersion:    "synack/test",
		Protocols:       []string{string(synack.SynProtocol)},
		ObservedAddr:    multiaddr.StringCast("/ip4/192.0.2.1/tcp/4001"),
	}
	for _, a := range addrs {
		ev.ListenAddrs = append(ev.ListenAddrs, multiaddr.StringCast(a))
	}
	return ev
}

type resolveResult struct {
	rec *types.PeerRecord
	err error
}

func resolveAsync(ctx context.Context, n *Node, target peer.ID) <-chan resolveResult {
	out := make(chan resolveResult, 1)
	go func() {
		rec, err := n.Resolve(ctx, target)
		out <- resolveResult{rec: rec, err: err}
	}()
	return out
}

type peerResult struct {
	peer peer.ID
	err  error
}

func acceptAsync(ctx context.Context, n *Node) <-chan peerResult {
	out := make(chan peerResult, 1)
	go func() {
		id, err := n.HandshakeAsResponder(ctx)
		out <- peerResult{peer: id, err: err}
	}()
	return out
}

func initiateAsync(ctx context.Context, n *Node, target peer.ID) <-chan peerResult {
	out := make(chan peerResult, 1)
	go func() {
		id, err := n.HandshakeAsInitiator(ctx, target, nil)
		out <- peerResult{peer: id, err: err}
	}()
	return out
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}
