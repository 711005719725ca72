package p2p

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	routedhost "github.com/libp2p/go-libp2p/p2p/host/routed"
	"github.com/libp2p/go-libp2p/p2p/net/conngater"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/p2plookup/synack/pkg/config"
	"github.com/p2plookup/synack/pkg/events"
	"github.com/p2plookup/synack/pkg/p2p/key"
	"github.com/p2plookup/synack/pkg/synack"
	"github.com/p2plookup/synack/types"
)

// eventBufferSize is the capacity of the shared event stream.
const eventBufferSize = 1024

// Client is a P2P client, implemented with libp2p.
//
// The client joins the Kademlia DHT through the configured bootnodes and
// serves the SYN/SYNACK/ACK handshake protocols. Everything it observes is
// reported on a single event stream, see events.Network.
type Client struct {
	logger logging.EventLogger

	conf            config.P2PConfig
	bootnodes       []string
	kadProtocol     protocol.ID
	responseTimeout time.Duration
	privKey         crypto.PrivKey

	host  host.Host
	dht   *dht.IpfsDHT
	gater *conngater.BasicConnectionGater
	sub   event.Subscription

	events      chan events.Event
	queue       *eventQueue
	nextRequest atomic.Uint64
	ctx         context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics *Metrics
}

var _ events.Network = (*Client)(nil)

// NewClient creates new Client object.
//
// Basic checks on parameters are done, and default parameters are provided for unset-configuration
func NewClient(
	conf config.Config,
	nodeKey *key.NodeKey,
	ds datastore.Datastore,
	logger logging.EventLogger,
	metrics *Metrics,
) (*Client, error) {
	if nodeKey == nil {
		return nil, fmt.Errorf("node key is required")
	}

	gater, err := conngater.NewBasicConnectionGater(ds)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection gater: %w", err)
	}

	if metrics == nil {
		metrics = NopMetrics()
	}

	return &Client{
		conf:            conf.P2P,
		bootnodes:       conf.Bootnodes(),
		kadProtocol:     protocol.ID(conf.KadProtocol()),
		responseTimeout: conf.Handshake.ResponseTimeout.Duration,
		gater:           gater,
		privKey:         nodeKey.PrivKey,
		logger:          logger,
		metrics:         metrics,
		events:          make(chan events.Event, eventBufferSize),
		queue:           newEventQueue(),
	}, nil
}

// NewClientWithHost creates a Client that runs on an existing host, such as a mocknet peer.
func NewClientWithHost(
	conf config.Config,
	nodeKey *key.NodeKey,
	ds datastore.Datastore,
	logger logging.EventLogger,
	metrics *Metrics,
	h host.Host, // injected host (mocknet or custom)
) (*Client, error) {
	c, err := NewClient(conf, nodeKey, ds, logger, metrics)
	if err != nil {
		return nil, err
	}

	// Reject hosts whose identity does not match the supplied node key
	expectedID, _ := peer.IDFromPrivateKey(nodeKey.PrivKey)
	if h.ID() != expectedID {
		return nil, fmt.Errorf(
			"injected host ID %s does not match node key ID %s",
			h.ID(),
			expectedID,
		)
	}

	c.host = h
	return c, nil
}

// Start sets up the libp2p host, the DHT and the handshake protocols.
//
// Following steps are taken:
// 1. Setup libp2p host without listen addresses, see Listen.
// 2. Apply the blocked and allowed peer lists.
// 3. Subscribe to identify and address events.
// 4. Setup DHT with the bootnodes and register the handshake handlers.
func (c *Client) Start(ctx context.Context) error {
	c.logger.Debug("starting P2P client")

	if c.host != nil {
		return c.startWithHost(ctx, c.host)
	}

	h, err := c.newHost()
	if err != nil {
		return err
	}
	return c.startWithHost(ctx, h)
}

func (c *Client) startWithHost(ctx context.Context, h host.Host) error {
	c.host = h
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Infof("local peer ID %s", c.host.ID())

	c.wg.Add(1)
	go c.forwardEvents()

	c.logger.Debug("blocking blacklisted peers blacklist ", c.conf.BlockedPeers)
	if err := c.setupBlockedPeers(c.parseAddrInfoList(splitList(c.conf.BlockedPeers))); err != nil {
		return err
	}

	c.logger.Debug("allowing whitelisted peers whitelist ", c.conf.AllowedPeers)
	if err := c.setupAllowedPeers(c.parseAddrInfoList(splitList(c.conf.AllowedPeers))); err != nil {
		return err
	}

	c.logger.Debug("subscribing to host events")
	if err := c.setupSubscriptions(); err != nil {
		return err
	}

	c.logger.Debug("setting up DHT")
	if err := c.setupDHT(c.ctx); err != nil {
		return err
	}

	c.host.SetStreamHandler(synack.SynProtocol, c.handleSyn)
	c.host.SetStreamHandler(synack.AckProtocol, c.handleAck)

	return nil
}

// Close gently stops Client. The event stream stays open but no further
// events are delivered.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	var err error
	if c.sub != nil {
		err = multierr.Append(err, c.sub.Close())
	}
	if c.dht != nil {
		err = multierr.Append(err, c.dht.Close())
	}
	if c.host != nil {
		c.host.RemoveStreamHandler(synack.SynProtocol)
		c.host.RemoveStreamHandler(synack.AckProtocol)
		err = multierr.Append(err, c.host.Close())
	}
	c.wg.Wait()
	return err
}

// ID returns the local peer ID.
func (c *Client) ID() peer.ID {
	return c.host.ID()
}

// Host returns the libp2p node in a peer-to-peer network
func (c *Client) Host() host.Host {
	return c.host
}

// ConnectionGater returns the client's connection gater
func (c *Client) ConnectionGater() *conngater.BasicConnectionGater {
	return c.gater
}

// Events returns the event stream.
func (c *Client) Events() <-chan events.Event {
	return c.events
}

// Listen starts listening on addrs and returns the resulting listen addresses.
func (c *Client) Listen(addrs ...multiaddr.Multiaddr) ([]multiaddr.Multiaddr, error) {
	if err := c.host.Network().Listen(addrs...); err != nil {
		return nil, fmt.Errorf("failed to listen on %v: %w", addrs, err)
	}
	listening := c.host.Network().ListenAddresses()
	for _, a := range listening {
		c.logger.Info("listening on address ", fmt.Sprintf("%s/p2p/%s", a, c.host.ID()))
	}
	return listening, nil
}

// Dial connects to id at addr.
func (c *Client) Dial(ctx context.Context, id peer.ID, addr multiaddr.Multiaddr) error {
	info := peer.AddrInfo{ID: id}
	if addr != nil {
		info.Addrs = []multiaddr.Multiaddr{addr}
	}
	if err := c.host.Connect(ctx, info); err != nil {
		return fmt.Errorf("%w: %s: %w", types.ErrDial, id, err)
	}
	return nil
}

// IsConnected reports whether a connection to id is open.
func (c *Client) IsConnected(id peer.ID) bool {
	return c.host.Network().Connectedness(id) == network.Connected
}

// AddAddress records addr for id in the peerstore and offers id to the DHT
// routing table.
func (c *Client) AddAddress(id peer.ID, addr multiaddr.Multiaddr) {
	if id == c.host.ID() || addr == nil {
		return
	}
	c.host.Peerstore().AddAddr(id, addr, peerstore.AddressTTL)
	if c.dht == nil {
		return
	}
	if _, err := c.dht.RoutingTable().TryAddPeer(id, false, true); err != nil {
		c.logger.Debugf("routing table rejected %s: %s", id, err)
	}
}

// FindClosestPeers starts a closest-peer query for target. The result is
// reported as a QueryCompleted event.
func (c *Client) FindClosestPeers(target peer.ID) {
	c.metrics.Queries.With("kind", events.QueryGetClosestPeers.String()).Add(1)
	c.goEmit(func() events.Event {
		peers, err := c.dht.GetClosestPeers(c.ctx, string(target))
		return events.QueryCompleted{Kind: events.QueryGetClosestPeers, Target: target, Peers: peers, Err: err}
	})
}

// Bootstrap refreshes the routing table. The result is reported as a
// QueryCompleted event.
func (c *Client) Bootstrap() {
	c.metrics.Queries.With("kind", events.QueryBootstrap.String()).Add(1)
	c.goEmit(func() events.Event {
		var err error
		select {
		case err = <-c.dht.RefreshRoutingTable():
		case <-c.ctx.Done():
			err = c.ctx.Err()
		}
		return events.QueryCompleted{Kind: events.QueryBootstrap, Err: err}
	})
}

// SendRequest sends a SYN or ACK to id. A SYNACK answering a SYN is reported
// as ResponseReceived, any failure as OutboundFailure, both tagged with the
// returned request ID.
func (c *Client) SendRequest(id peer.ID, msg synack.Message) events.RequestID {
	req := events.RequestID(c.nextRequest.Add(1))
	c.goEmit(func() events.Event {
		resp, err := c.sendRequest(id, msg)
		if err != nil {
			c.metrics.StreamFailures.With("direction", "outbound").Add(1)
			return events.OutboundFailure{Peer: id, Request: req, Kind: msg.Kind, Err: err}
		}
		if resp == nil {
			return nil
		}
		return events.ResponseReceived{Peer: id, Request: req, Message: *resp}
	})
	return req
}

func (c *Client) sendRequest(id peer.ID, msg synack.Message) (*synack.Message, error) {
	ch, err := synack.ChannelOf(msg.Kind)
	if err != nil {
		return nil, err
	}
	if ch.Response {
		return nil, fmt.Errorf("%w: %s is not a request", types.ErrProtocolInvariant, msg.Kind)
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.responseTimeout)
	defer cancel()

	s, err := c.host.NewStream(ctx, id, ch.Protocol)
	if err != nil {
		if ctx.Err() != nil && c.ctx.Err() == nil {
			return nil, fmt.Errorf("%w: opening stream to %s: %w", types.ErrTimeout, id, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", types.ErrDial, id, err)
	}
	_ = s.SetDeadline(time.Now().Add(c.responseTimeout))

	if err := synack.Write(s, msg); err != nil {
		_ = s.Reset()
		return nil, err
	}
	c.metrics.Frames.With("direction", "outbound", "kind", msg.Kind.String()).Add(1)

	if msg.Kind != synack.KindSyn {
		return nil, s.Close()
	}

	resp, err := synack.Read(s, synack.SynResponse)
	if err != nil {
		_ = s.Reset()
		return nil, err
	}
	c.metrics.Frames.With("direction", "inbound", "kind", resp.Kind.String()).Add(1)
	_ = s.Close()
	return &resp, nil
}

func (c *Client) handleSyn(s network.Stream) {
	id := s.Conn().RemotePeer()
	// covers the SYNACK write as well, Respond runs on the consumer's goroutine
	_ = s.SetDeadline(time.Now().Add(c.responseTimeout))
	msg, err := synack.Read(s, synack.SynRequest)
	if err != nil {
		c.inboundFailure(s, id, err)
		return
	}
	c.metrics.Frames.With("direction", "inbound", "kind", msg.Kind.String()).Add(1)

	rc := newResponseChannel(s)
	if !c.emit(events.RequestReceived{Peer: id, Message: msg, Channel: rc}) {
		_ = s.Reset()
		return
	}

	timer := time.NewTimer(c.responseTimeout)
	defer timer.Stop()
	select {
	case <-rc.done:
		if rc.sent {
			c.metrics.Frames.With("direction", "outbound", "kind", synack.KindSynAck.String()).Add(1)
			c.emit(events.ResponseSent{Peer: id})
		}
	case <-timer.C:
		rc.Drop()
		c.inboundFailure(nil, id, fmt.Errorf("%w: no response to %s within %s", types.ErrTimeout, msg.Kind, c.responseTimeout))
	case <-c.ctx.Done():
		rc.Drop()
	}
}

func (c *Client) handleAck(s network.Stream) {
	id := s.Conn().RemotePeer()
	_ = s.SetReadDeadline(time.Now().Add(c.responseTimeout))
	msg, err := synack.Read(s, synack.AckRequest)
	if err != nil {
		c.inboundFailure(s, id, err)
		return
	}
	_ = s.Close()
	c.metrics.Frames.With("direction", "inbound", "kind", msg.Kind.String()).Add(1)
	c.emit(events.RequestReceived{Peer: id, Message: msg})
}

func (c *Client) inboundFailure(s network.Stream, id peer.ID, err error) {
	if s != nil {
		_ = s.Reset()
	}
	c.metrics.StreamFailures.With("direction", "inbound").Add(1)
	c.emit(events.InboundFailure{Peer: id, Err: err})
}

// emit queues ev for delivery unless the client is closing. It never blocks,
// so it is safe to call from libp2p notification callbacks. Events are
// delivered in the order they were emitted.
func (c *Client) emit(ev events.Event) bool {
	if c.ctx.Err() != nil {
		return false
	}
	c.queue.Add(ev)
	return true
}

// forwardEvents moves queued events to the event stream, one at a time.
func (c *Client) forwardEvents() {
	defer c.wg.Done()
	for {
		select {
		case <-c.queue.NotifyCh():
		case <-c.ctx.Done():
			return
		}
		for _, ev := range c.queue.Drain() {
			select {
			case c.events <- ev:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// goEmit runs fn in the background and emits its result, if any.
func (c *Client) goEmit(fn func() events.Event) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if ev := fn(); ev != nil {
			c.emit(ev)
		}
	}()
}

func (c *Client) newHost() (host.Host, error) {
	return libp2p.New(
		libp2p.NoListenAddrs,
		libp2p.Identity(c.privKey),
		libp2p.ConnectionGater(c.gater),
		libp2p.UserAgent(c.conf.AgentVersion),
	)
}

func (c *Client) setupSubscriptions() error {
	sub, err := c.host.EventBus().Subscribe([]interface{}{
		new(event.EvtPeerIdentificationCompleted),
		new(event.EvtLocalAddressesUpdated),
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to host events: %w", err)
	}
	c.sub = sub

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case e, ok := <-sub.Out():
				if !ok {
					return
				}
				c.handleHostEvent(e)
			case <-c.ctx.Done():
				return
			}
		}
	}()

	c.host.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(n network.Network, conn network.Conn) {
			id := conn.RemotePeer()
			// The notified connection is open even if it closed again before counting.
			count := max(len(n.ConnsToPeer(id)), 1)
			c.metrics.Peers.Set(float64(len(n.Peers())))
			c.emit(events.ConnectionEstablished{Peer: id, Count: count})
		},
		DisconnectedF: func(n network.Network, _ network.Conn) {
			c.metrics.Peers.Set(float64(len(n.Peers())))
		},
	})
	return nil
}

func (c *Client) handleHostEvent(e interface{}) {
	switch ev := e.(type) {
	case event.EvtPeerIdentificationCompleted:
		protocols := make([]string, 0, len(ev.Protocols))
		for _, p := range ev.Protocols {
			protocols = append(protocols, string(p))
		}
		c.emit(events.IdentifyReceived{
			Peer:            ev.Peer,
			ProtocolVersion: ev.ProtocolVersion,
			AgentVersion:    ev.AgentVersion,
			ListenAddrs:     ev.ListenAddrs,
			Protocols:       protocols,
			ObservedAddr:    ev.ObservedAddr,
		})
	case event.EvtLocalAddressesUpdated:
		for _, a := range ev.Current {
			if a.Action == event.Added {
				c.emit(events.NewListenAddress{Address: a.Address})
			}
		}
	}
}

func (c *Client) setupDHT(ctx context.Context) error {
	peers := c.parseAddrInfoList(c.bootnodes)
	if len(peers) == 0 {
		c.logger.Info("no bootnodes - only listening for connections")
	}

	for _, sa := range peers {
		c.logger.Debug("bootnode ", sa)
		c.host.Peerstore().AddAddrs(sa.ID, sa.Addrs, peerstore.PermanentAddrTTL)
	}

	opts := []dht.Option{dht.Mode(dht.ModeServer), dht.BootstrapPeers(peers...)}
	if c.kadProtocol != "" && c.kadProtocol != config.DefaultKadProtocol {
		opts = append(opts, dht.V1ProtocolOverride(c.kadProtocol))
	}

	var err error
	c.dht, err = dht.New(ctx, c.host, opts...)
	if err != nil {
		return fmt.Errorf("failed to create DHT: %w", err)
	}

	rt := c.dht.RoutingTable()
	peerAdded := rt.PeerAdded
	rt.PeerAdded = func(p peer.ID) {
		if peerAdded != nil {
			peerAdded(p)
		}
		c.emit(events.RoutingUpdated{Peer: p})
	}

	err = c.dht.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("failed to bootstrap DHT: %w", err)
	}

	c.host = routedhost.Wrap(c.host, c.dht)

	return nil
}

func (c *Client) setupBlockedPeers(peers []peer.AddrInfo) error {
	for _, p := range peers {
		if err := c.gater.BlockPeer(p.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) setupAllowedPeers(peers []peer.AddrInfo) error {
	for _, p := range peers {
		if err := c.gater.UnblockPeer(p.ID); err != nil {
			return err
		}
	}
	return nil
}

// parseAddrInfoList parses multiaddrs ending in /p2p/<id> into a list of peer.AddrInfo structs.
// Addresses of the same peer are merged.
func (c *Client) parseAddrInfoList(addrs []string) []peer.AddrInfo {
	maddrs := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, p := range addrs {
		maddr, err := multiaddr.NewMultiaddr(p)
		if err != nil {
			c.logger.Error("failed to parse peer, address: ", p, "error: ", err)
			continue
		}
		maddrs = append(maddrs, maddr)
	}
	infos, err := peer.AddrInfosFromP2pAddrs(maddrs...)
	if err != nil {
		c.logger.Error("failed to create addr info for peers: ", err)
		return c.parseEach(maddrs)
	}
	return infos
}

func (c *Client) parseEach(maddrs []multiaddr.Multiaddr) []peer.AddrInfo {
	infos := make([]peer.AddrInfo, 0, len(maddrs))
	for _, maddr := range maddrs {
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			c.logger.Error("failed to create addr info for peer, address: ", maddr, "error: ", err)
			continue
		}
		infos = append(infos, *info)
	}
	return infos
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// responseChannel answers one inbound SYN stream.
type responseChannel struct {
	s    network.Stream
	once sync.Once
	done chan struct{}
	sent bool
}

var errChannelUsed = errors.New("response channel already used")

func newResponseChannel(s network.Stream) *responseChannel {
	return &responseChannel{s: s, done: make(chan struct{})}
}

func (rc *responseChannel) Respond(msg synack.Message) error {
	err := errChannelUsed
	rc.once.Do(func() {
		defer close(rc.done)
		if err = synack.Write(rc.s, msg); err != nil {
			_ = rc.s.Reset()
			return
		}
		rc.sent = true
		_ = rc.s.Close()
	})
	return err
}

func (rc *responseChannel) Drop() {
	rc.once.Do(func() {
		_ = rc.s.Reset()
		close(rc.done)
	})
}
