package consensus

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"

	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "consensus"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Height of the chain.
	Height metrics.Gauge

	// Number of tip changes that disconnected blocks.
	Reorgs metrics.Counter
	// Number of blocks disconnected by a reorg.
	ReorgDepth metrics.Histogram

	// Number of headers added to the header tree.
	HeadersConnected metrics.Counter
	// Number of header batches rejected.
	HeadersRejected metrics.Counter
	// Number of headers held by the header tree.
	TreeSize metrics.Gauge

	// Number of blocks that failed partial or full validation.
	InvalidBlocks metrics.Counter
	// Time spent moving the chain state to a new tip.
	FullValidationDuration metrics.Histogram

	// Number of locally produced blocks that lost the race to another block.
	StaleBlocks metrics.Counter
	// Number of peer errors dropped because nobody was reading them.
	DroppedPeerErrors metrics.Counter
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
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "height",
			Help:      "Height of the chain.",
		}, labels).With(labelsAndValues...),
		Reorgs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reorgs",
			Help:      "Number of tip changes that disconnected blocks.",
		}, labels).With(labelsAndValues...),
		ReorgDepth: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reorg_depth",
			Help:      "Number of blocks disconnected by a reorg.",
			Buckets:   stdprometheus.ExponentialBuckets(1, 2, 10),
		}, labels).With(labelsAndValues...),
		HeadersConnected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "headers_connected",
			Help:      "Number of headers added to the header tree.",
		}, labels).With(labelsAndValues...),
		HeadersRejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "headers_rejected",
			Help:      "Number of header batches rejected.",
		}, labels).With(labelsAndValues...),
		TreeSize: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tree_size",
			Help:      "Number of headers held by the header tree.",
		}, labels).With(labelsAndValues...),
		InvalidBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "invalid_blocks",
			Help:      "Number of blocks that failed validation.",
		}, append(labels, "stage")).With(labelsAndValues...),
		FullValidationDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "full_validation_duration",
			Help:      "Time spent moving the chain state to a new tip in seconds.",
			Buckets:   stdprometheus.ExponentialBuckets(0.001, 4, 10),
		}, labels).With(labelsAndValues...),
		StaleBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "stale_blocks",
			Help:      "Number of locally produced blocks whose parent was no longer the tip.",
		}, labels).With(labelsAndValues...),
		DroppedPeerErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dropped_peer_errors",
			Help:      "Number of peer errors dropped because the channel was full.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Height:                 discard.NewGauge(),
		Reorgs:                 discard.NewCounter(),
		ReorgDepth:             discard.NewHistogram(),
		HeadersConnected:       discard.NewCounter(),
		HeadersRejected:        discard.NewCounter(),
		TreeSize:               discard.NewGauge(),
		InvalidBlocks:          discard.NewCounter(),
		FullValidationDuration: discard.NewHistogram(),
		StaleBlocks:            discard.NewCounter(),
		DroppedPeerErrors:      discard.NewCounter(),
	}
}
