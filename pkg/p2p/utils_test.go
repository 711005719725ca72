package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/sync"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/p2plookup/synack/pkg/config"
	"github.com/p2plookup/synack/pkg/events"
	"github.com/p2plookup/synack/pkg/p2p/key"
)

type testNet []*Client

func (tn testNet) Close() (err error) {
	for i := range tn {
		err = errors.Join(err, tn[i].Close())
	}
	return
}

func (tn testNet) WaitForDHT() {
	for i := range tn {
		<-tn[i].dht.RefreshRoutingTable()
	}
}

type hostDescr struct {
	conns []int
}

// copied from libp2p net/mock
var unicastAddr = net.ParseIP("2000::")

// copied from libp2p net/mock
func getAddr(sk crypto.PrivKey) (multiaddr.Multiaddr, error) {
	id, err := peer.IDFromPrivateKey(sk)
	if err != nil {
		return nil, err
	}
	suffix := id
	if len(id) > 8 {
		suffix = id[len(id)-8:]
	}
	ip := append(net.IP{}, unicastAddr...)
	copy(ip[net.IPv6len-len(suffix):], suffix)
	a, err := multiaddr.NewMultiaddr(fmt.Sprintf("/ip6/%s/tcp/4242", ip))
	if err != nil {
		return nil, fmt.Errorf("failed to create test multiaddr: %w", err)
	}
	return a, nil
}

func testConfig() config.Config {
	conf := config.DefaultConfig
	conf.Network = config.NetworkCustom
	conf.Handshake.ResponseTimeout = config.DurationWrapper{Duration: 2 * time.Second}
	return conf
}

func testLogger() logging.EventLogger {
	return logging.Logger("p2p-test")
}

// startTestNetwork creates n clients on a mocknet. conf[i].conns lists the
// clients that client i uses as bootnodes. When connect is set every pair of
// clients is connected before the clients start.
func startTestNetwork(ctx context.Context, t *testing.T, n int, conf map[int]hostDescr, connect bool) testNet {
	t.Helper()
	require := require.New(t)

	mnet := mocknet.New()
	t.Cleanup(func() { _ = mnet.Close() })

	keys := make([]*key.NodeKey, n)
	for i := 0; i < n; i++ {
		nodeKey, err := key.GenerateNodeKey()
		require.NoError(err)
		addr, err := getAddr(nodeKey.PrivKey)
		require.NoError(err)
		host, err := mnet.AddPeer(nodeKey.PrivKey, addr)
		require.NoError(err)
		require.NotNil(host)
		keys[i] = nodeKey
	}

	require.NoError(mnet.LinkAll())
	if connect {
		require.NoError(mnet.ConnectAllButSelf())
	}

	// prepare seed node lists
	seeds := make([]string, n)
	for src, descr := range conf {
		require.Less(src, n)
		for _, dst := range descr.conns {
			require.Less(dst, n)
			seeds[src] += mnet.Hosts()[dst].Addrs()[0].String() + "/p2p/" + mnet.Hosts()[dst].ID().String() + ","
		}
		seeds[src] = strings.TrimSuffix(seeds[src], ",")
	}

	clients := make(testNet, n)
	for i := 0; i < n; i++ {
		cfg := testConfig()
		cfg.RootDir = t.TempDir()
		cfg.P2P.Bootnodes = seeds[i]

		client, err := NewClientWithHost(
			cfg,
			keys[i],
			sync.MutexWrap(datastore.NewMapDatastore()),
			testLogger(),
			NopMetrics(),
			mnet.Hosts()[i],
		)
		require.NoError(err)
		require.NotNil(client)

		clients[i] = client
	}

	for _, c := range clients {
		require.NoError(c.Start(ctx))
	}
	t.Cleanup(func() { _ = clients.Close() })

	return clients
}

// waitForEvent reads c's event stream until an event of type T satisfying
// match arrives. Other events are discarded.
func waitForEvent[T events.Event](t *testing.T, c *Client, match func(T) bool) T {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if e, ok := ev.(T); ok && (match == nil || match(e)) {
				return e
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func waitForCondition(timeout time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return errors.New("condition not met within timeout")
}
