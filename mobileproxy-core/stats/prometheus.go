package stats

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// PrometheusCollector records engine statistics into a private Prometheus
// registry.
type PrometheusCollector struct {
	namespace string
	registry  *prometheus.Registry
	counters  *AtomicCounters

	resolutionsTotal   *prometheus.CounterVec
	resolutionDuration prometheus.Histogram
	routeState         *prometheus.GaugeVec
	streamsTotal       *prometheus.CounterVec
	streamsActive      prometheus.Gauge
	streamDuration     *prometheus.HistogramVec
	streamErrors       *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec

	customMu sync.Mutex
	custom   map[string]*customMetric

	sinkMu sync.RWMutex
	sink   func(string)

	closed AtomicBool
}

var routeStates = []string{"pending", "active", "disabled"}

// NewPrometheusCollector creates a collector registering into registry.
// A nil registry gets a fresh one.
func NewPrometheusCollector(namespace string, registry *prometheus.Registry) *PrometheusCollector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "mobileproxy"
	}

	c := &PrometheusCollector{
		namespace: namespace,
		registry:  registry,
		counters:  NewAtomicCounters(),
		custom:    make(map[string]*customMetric),

		resolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Total number of proxy host resolutions by outcome",
			},
			[]string{"outcome"},
		),
		resolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolution_duration_seconds",
				Help:      "Duration of proxy host resolutions in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		routeState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "route_state",
				Help:      "Current state of each installed route (1 for the current state)",
			},
			[]string{"listener", "state"},
		),
		streamsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "streams_total",
				Help:      "Total number of started streams by scheme",
			},
			[]string{"scheme"},
		),
		streamsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "streams_active",
				Help:      "Number of streams without a terminal callback",
			},
		),
		streamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stream_duration_seconds",
				Help:      "Duration of streams in seconds by outcome",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		streamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_errors_total",
				Help:      "Total number of stream errors by kind and code",
			},
			[]string{"kind", "code"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total number of body bytes transferred by direction",
			},
			[]string{"direction"},
		),
	}

	registry.MustRegister(
		c.resolutionsTotal,
		c.resolutionDuration,
		c.routeState,
		c.streamsTotal,
		c.streamsActive,
		c.streamDuration,
		c.streamErrors,
		c.bytesTotal,
	)

	return c
}

// NewCollector returns a Prometheus collector when stats are enabled and a
// DummyCollector otherwise.
func NewCollector(cfg config.StatsConfig) Collector {
	if !cfg.Enabled {
		return NewDummyCollector()
	}
	return NewPrometheusCollector(cfg.Namespace, nil)
}

// Registry returns the registry backing the collector.
func (c *PrometheusCollector) Registry() *prometheus.Registry {
	return c.registry
}

// SetFlushSink sets where FlushStats delivers the stats dump.
func (c *PrometheusCollector) SetFlushSink(sink func(string)) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()
	c.sink = sink
}

func (c *PrometheusCollector) RecordResolution(host, outcome string, elapsed time.Duration) {
	if c.closed.Load() {
		return
	}
	c.counters.Resolutions.Add(1)
	if outcome != "resolved" {
		c.counters.ResolutionFailures.Add(1)
	}
	c.resolutionsTotal.WithLabelValues(outcome).Inc()
	c.resolutionDuration.Observe(elapsed.Seconds())
}

func (c *PrometheusCollector) RecordRouteState(listener, state string) {
	if c.closed.Load() {
		return
	}
	for _, s := range routeStates {
		value := 0.0
		if s == state {
			value = 1
		}
		c.routeState.WithLabelValues(listener, s).Set(value)
	}
}

func (c *PrometheusCollector) StartStream(scheme string) {
	if c.closed.Load() {
		return
	}
	c.counters.TotalStreams.Add(1)
	c.counters.ActiveStreams.Add(1)
	c.streamsTotal.WithLabelValues(scheme).Inc()
	c.streamsActive.Inc()
}

func (c *PrometheusCollector) EndStream(outcome Outcome, duration time.Duration) {
	if c.closed.Load() {
		return
	}
	c.counters.ActiveStreams.Add(-1)
	switch outcome {
	case OutcomeComplete:
		c.counters.CompletedStreams.Add(1)
	case OutcomeError:
		c.counters.FailedStreams.Add(1)
	case OutcomeCancelled:
		c.counters.CancelledStreams.Add(1)
	}
	c.streamsActive.Dec()
	c.streamDuration.WithLabelValues(string(outcome)).Observe(duration.Seconds())
}

func (c *PrometheusCollector) RecordStreamError(err *errs.Error) {
	if err == nil || c.closed.Load() {
		return
	}
	kind := err.Kind()
	switch kind {
	case errs.KindRouting:
		c.counters.RoutingErrors.Add(1)
	case errs.KindTransport:
		c.counters.TransportErrors.Add(1)
	}
	c.streamErrors.WithLabelValues(kind.String(), err.Code).Inc()
}

func (c *PrometheusCollector) RecordDataTransfer(bytesSent, bytesReceived int64) {
	if c.closed.Load() {
		return
	}
	if bytesSent > 0 {
		c.counters.BytesSent.Add(bytesSent)
		c.bytesTotal.WithLabelValues("sent").Add(float64(bytesSent))
	}
	if bytesReceived > 0 {
		c.counters.BytesReceived.Add(bytesReceived)
		c.bytesTotal.WithLabelValues("received").Add(float64(bytesReceived))
	}
}

// Snapshot returns the engine counters.
func (c *PrometheusCollector) Snapshot() CounterSnapshot {
	return c.counters.Snapshot()
}

// DumpStats gathers the registry and renders it in the Prometheus text
// exposition format.
func (c *PrometheusCollector) DumpStats() (string, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return "", errs.New(errs.ErrCodeStatsFailed, err)
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", errs.New(errs.ErrCodeStatsFailed, fmt.Errorf("failed to encode %s: %w", mf.GetName(), err))
		}
	}
	return buf.String(), nil
}

// FlushStats delivers the current dump to the flush sink, or to the debug
// log when no sink is set.
func (c *PrometheusCollector) FlushStats() {
	dump, err := c.DumpStats()
	if err != nil {
		logger.Error("Failed to flush stats: %v", err)
		return
	}

	c.sinkMu.RLock()
	sink := c.sink
	c.sinkMu.RUnlock()

	if sink != nil {
		sink(dump)
		return
	}
	logger.Debug("Stats flush:\n%s", dump)
}

// Close stops recording. Recorded values stay readable through DumpStats.
func (c *PrometheusCollector) Close() error {
	c.closed.Set(true)
	return nil
}
