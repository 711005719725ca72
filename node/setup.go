package node

import (
	"fmt"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	logging "github.com/ipfs/go-log/v2"

	"github.com/p2plookup/synack/pkg/config"
	"github.com/p2plookup/synack/pkg/p2p"
	"github.com/p2plookup/synack/pkg/p2p/key"
)

// MetricsProvider returns the node and p2p Metrics.
type MetricsProvider func(network string) (*Metrics, *p2p.Metrics)

// DefaultMetricsProvider returns Metrics build using Prometheus client library
// if Prometheus is enabled. Otherwise, it returns no-op Metrics.
func DefaultMetricsProvider(config config.InstrumentationConfig) MetricsProvider {
	return func(network string) (*Metrics, *p2p.Metrics) {
		if config.Prometheus {
			return PrometheusMetrics(config.Namespace, "network", network),
				p2p.PrometheusMetrics(config.Namespace, "network", network)
		}
		return NopMetrics(), p2p.NopMetrics()
	}
}

// NewNode creates a Node backed by a libp2p client. The connection gater
// state is kept in memory.
func NewNode(
	conf config.Config,
	nodeKey *key.NodeKey,
	logger logging.EventLogger,
	metricsProvider MetricsProvider,
) (*Node, error) {
	if metricsProvider == nil {
		metricsProvider = DefaultMetricsProvider(conf.Instrumentation)
	}
	nodeMetrics, p2pMetrics := metricsProvider(conf.Network)

	ds := dssync.MutexWrap(datastore.NewMapDatastore())
	client, err := p2p.NewClient(conf, nodeKey, ds, logging.Logger("p2p"), p2pMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2P client: %w", err)
	}
	return New(conf, client, logger, nodeMetrics), nil
}
