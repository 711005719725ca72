package config

import (
	"fmt"
	"strings"
)

const (
	// NetworkKusama connects to the Kusama relay chain DHT.
	NetworkKusama = "kusama"
	// NetworkCustom uses only the configured bootnodes and DHT protocol.
	NetworkCustom = "custom"

	// DefaultKadProtocol is the DHT protocol used by custom networks when none is configured.
	DefaultKadProtocol = "/ipfs/kad/1.0.0"
)

// NetworkPreset bundles the bootnodes and DHT protocol of a known network.
type NetworkPreset struct {
	Name        string
	KadProtocol string
	Bootnodes   []string
}

var presets = map[string]NetworkPreset{
	NetworkKusama: {
		Name:        NetworkKusama,
		KadProtocol: "/ksmcc3/kad",
		Bootnodes: []string{
			"/dns/p2p.cc3-0.kusama.network/tcp/30100/p2p/12D3KooWDgtynm4S9M3m6ZZhXYu2RrWKdvkCSScc25xKDVSg1Sjd",
			"/dns/p2p.cc3-1.kusama.network/tcp/30100/p2p/12D3KooWNpGriWPmf621Lza9UWU9eLLBdCFaErf6d4HSK7Bcqnv4",
			"/dns/p2p.cc3-2.kusama.network/tcp/30100/p2p/12D3KooWLmLiB4AenmN2g2mHbhNXbUcNiGi99sAkSk1kAQedp8uE",
			"/dns/p2p.cc3-3.kusama.network/tcp/30100/p2p/12D3KooWEGHw84b4hfvXEfyq4XWEmWCbRGuHMHQMpby4BAtZ4xJf",
			"/dns/p2p.cc3-4.kusama.network/tcp/30100/p2p/12D3KooWF9KDPRMN8WpeyXhEeURZGP8Dmo7go1tDqi7hTYpxV9uW",
			"/dns/p2p.cc3-5.kusama.network/tcp/30100/p2p/12D3KooWDiwMeqzvgWNreS9sV1HW3pZv1PA7QGA7HUCo7FzN5gcA",
			"/dns/kusama-bootnode-0.paritytech.net/tcp/30333/p2p/12D3KooWSueCPH3puP2PcvqPJdNaDNF3jMZjtJtDiSy35pWrbt5h",
			"/dns/kusama-bootnode-1.paritytech.net/tcp/30333/p2p/12D3KooWQKqane1SqWJNWMQkbia9qiMWXkcHtAdfW5eVF8hbwEDw",
		},
	},
	NetworkCustom: {
		Name:        NetworkCustom,
		KadProtocol: DefaultKadProtocol,
	},
}

// NetworkPreset returns the preset named by the Network field.
func (c Config) NetworkPreset() (NetworkPreset, error) {
	p, ok := presets[strings.ToLower(c.Network)]
	if !ok {
		return NetworkPreset{}, fmt.Errorf("unknown network %q", c.Network)
	}
	return p, nil
}

// Bootnodes returns the bootnode multiaddrs in effect. Explicitly configured
// bootnodes replace the preset list.
func (c Config) Bootnodes() []string {
	if c.P2P.Bootnodes != "" {
		return splitList(c.P2P.Bootnodes)
	}
	p, err := c.NetworkPreset()
	if err != nil {
		return nil
	}
	return append([]string(nil), p.Bootnodes...)
}

// KadProtocol returns the DHT protocol ID in effect.
func (c Config) KadProtocol() string {
	if c.P2P.KadProtocol != "" {
		return c.P2P.KadProtocol
	}
	p, err := c.NetworkPreset()
	if err != nil {
		return DefaultKadProtocol
	}
	return p.KadProtocol
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
