package addrbook

import (
	"fmt"
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	peerA = "12D3KooWM1NFkZozoatQi3JvFE57eBaX56mNgBA68Lk5MTPxBE4U"
	peerB = "12D3KooWAPRFbmWF5dAXvxLnEDxiHWhUuApVDpNNZwShiFAiJqrj"
)

func mustID(t *testing.T, s string) peer.ID {
	t.Helper()
	id, err := peer.Decode(s)
	require.NoError(t, err)
	return id
}

func TestAddIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	b := New()
	id := mustID(t, peerA)
	addr := multiaddr.StringCast("/ip4/127.0.0.1/tcp/7676")

	assert.True(b.Add(id, addr))
	assert.False(b.Add(id, multiaddr.StringCast("/ip4/127.0.0.1/tcp/7676")))
	assert.Equal([]multiaddr.Multiaddr{addr}, b.AddrsOf(id))
	assert.Equal(1, b.Len())
}

func TestUnknownPeer(t *testing.T) {
	b := New()
	id := mustID(t, peerB)
	assert.False(t, b.IsKnown(id))
	assert.NotNil(t, b.AddrsOf(id))
	assert.Empty(t, b.AddrsOf(id))
	assert.False(t, b.Add(id, nil))
	assert.False(t, b.IsKnown(id))
}

func TestMultipleAddresses(t *testing.T) {
	b := New()
	a, bb := mustID(t, peerA), mustID(t, peerB)
	b.Add(a, multiaddr.StringCast("/ip4/10.0.0.1/tcp/1"))
	b.Add(a, multiaddr.StringCast("/ip4/10.0.0.2/tcp/1"))
	b.Add(bb, multiaddr.StringCast("/dns/p2p.example.org/tcp/30333"))

	assert.Len(t, b.AddrsOf(a), 2)
	assert.Len(t, b.AddrsOf(bb), 1)
	assert.ElementsMatch(t, []peer.ID{a, bb}, b.Peers())

	// returned slices are copies
	addrs := b.AddrsOf(a)
	addrs[0] = nil
	assert.NotNil(t, b.AddrsOf(a)[0])
}

func TestConcurrentAccess(t *testing.T) {
	b := New()
	id := mustID(t, peerA)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			b.Add(id, multiaddr.StringCast(fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", 1000+i%4)))
		}(i)
		go func() {
			defer wg.Done()
			_ = b.AddrsOf(id)
			_ = b.IsKnown(id)
		}()
	}
	wg.Wait()
	assert.Len(t, b.AddrsOf(id), 4)
}
