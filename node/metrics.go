package node

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "node"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of closest-peer queries issued on behalf of resolve calls.
	ResolveAttempts metrics.Counter
	// Number of finished resolve calls, by outcome.
	ResolveOutcomes metrics.Counter
	// Time from the first query to the end of a lookup.
	ResolveDuration metrics.Histogram `metrics_buckettype:"exp" metrics_bucketsizes:"0.1, 2, 10"`
	// Number of finished handshakes, by role and result.
	Handshakes metrics.Counter
	// Number of peers in the address book.
	KnownPeers metrics.Gauge
	// Number of handshake sessions in progress.
	ActiveSessions metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		ResolveAttempts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "resolve_attempts",
			Help:      "Number of closest-peer queries issued on behalf of resolve calls.",
		}, labels).With(labelsAndValues...),
		ResolveOutcomes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "resolve_outcomes",
			Help:      "Number of finished resolve calls, by outcome.",
		}, withLabels(labels, "outcome")).With(labelsAndValues...),
		ResolveDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "resolve_duration_seconds",
			Help:      "Time from the first query to the end of a lookup.",

			Buckets: stdprometheus.ExponentialBuckets(0.1, 2, 10),
		}, labels).With(labelsAndValues...),
		Handshakes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "handshakes",
			Help:      "Number of finished handshakes, by role and result.",
		}, withLabels(labels, "role", "result")).With(labelsAndValues...),
		KnownPeers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "known_peers",
			Help:      "Number of peers in the address book.",
		}, labels).With(labelsAndValues...),
		ActiveSessions: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "active_sessions",
			Help:      "Number of handshake sessions in progress.",
		}, labels).With(labelsAndValues...),
	}
}

func withLabels(labels []string, extra ...string) []string {
	return append(append(make([]string, 0, len(labels)+len(extra)), labels...), extra...)
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		ResolveAttempts: discard.NewCounter(),
		ResolveOutcomes: discard.NewCounter(),
		ResolveDuration: discard.NewHistogram(),
		Handshakes:      discard.NewCounter(),
		KnownPeers:      discard.NewGauge(),
		ActiveSessions:  discard.NewGauge(),
	}
}
