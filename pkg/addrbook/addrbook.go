// Package addrbook caches the network addresses learned for remote peers.
package addrbook

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Book maps peer IDs to the set of addresses known for them.
// Entries are never evicted. It is safe for concurrent use.
type Book struct {
	mu    sync.RWMutex
	addrs map[peer.ID][]multiaddr.Multiaddr
}

// New returns an empty Book.
func New() *Book {
	return &Book{addrs: make(map[peer.ID][]multiaddr.Multiaddr)}
}

// Add records addr for id. It reports whether the address was new.
func (b *Book) Add(id peer.ID, addr multiaddr.Multiaddr) bool {
	if addr == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.addrs[id] {
		if a.Equal(addr) {
			return false
		}
	}
	b.addrs[id] = append(b.addrs[id], addr)
	return true
}

// AddrsOf returns all addresses known for id, or an empty slice.
func (b *Book) AddrsOf(id peer.ID) []multiaddr.Multiaddr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]multiaddr.Multiaddr, len(b.addrs[id]))
	copy(out, b.addrs[id])
	return out
}

// IsKnown reports whether any address is known for id.
func (b *Book) IsKnown(id peer.ID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.addrs[id]) > 0
}

// Len returns the number of peers in the book.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.addrs)
}

// Peers returns the IDs of all known peers.
func (b *Book) Peers() []peer.ID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]peer.ID, 0, len(b.addrs))
	for id := range b.addrs {
		ids = append(ids, id)
	}
	return ids
}
