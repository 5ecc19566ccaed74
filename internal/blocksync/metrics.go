package blocksync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "blocksync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of block requests sent to peers.
	RequestsSent metrics.Counter
	// Number of block requests that failed (timeout, error, corrupt bytes).
	RequestFailures metrics.Counter
	// Number of blocks delivered to the callback.
	BlocksDelivered metrics.Counter
	// Number of blocks whose download was abandoned.
	BlocksAbandoned metrics.Counter
	// Number of blocks served from the recent block cache.
	CacheHits metrics.Counter
	// Number of requests waiting for, or being served by, a peer.
	PendingRequests metrics.Gauge
	// Time between sending a request and receiving a valid block.
	RequestDuration metrics.Histogram
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
		RequestsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_sent",
			Help:      "Number of block requests sent to peers.",
		}, labels).With(labelsAndValues...),
		RequestFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_failures",
			Help:      "Number of block requests that failed.",
		}, labels).With(labelsAndValues...),
		BlocksDelivered: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_delivered",
			Help:      "Number of downloaded blocks handed to consensus.",
		}, labels).With(labelsAndValues...),
		BlocksAbandoned: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_abandoned",
			Help:      "Number of blocks no peer could deliver.",
		}, labels).With(labelsAndValues...),
		CacheHits: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "cache_hits",
			Help:      "Number of blocks served from the recent block cache.",
		}, labels).With(labelsAndValues...),
		PendingRequests: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_requests",
			Help:      "Number of block requests not completed yet.",
		}, labels).With(labelsAndValues...),
		RequestDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_duration",
			Help:      "Time between a block request and its delivery in seconds.",
			Buckets:   stdprometheus.ExponentialBuckets(0.01, 2, 12),
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		RequestsSent:    discard.NewCounter(),
		RequestFailures: discard.NewCounter(),
		BlocksDelivered: discard.NewCounter(),
		BlocksAbandoned: discard.NewCounter(),
		CacheHits:       discard.NewCounter(),
		PendingRequests: discard.NewGauge(),
		RequestDuration: discard.NewHistogram(),
	}
}
