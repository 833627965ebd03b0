package stats

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type metricKind string

const (
	kindCounter   metricKind = "counter"
	kindGauge     metricKind = "gauge"
	kindTimer     metricKind = "timer"
	kindHistogram metricKind = "histogram"
)

// customMetric is an application metric registered on first use. Later
// uses must keep the kind and the set of tag names.
type customMetric struct {
	kind      metricKind
	labels    []string
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

func (c *PrometheusCollector) RecordCounterInc(elements string, tags Tags, count uint64) error {
	m, values, err := c.customMetric(elements, kindCounter, tags)
	if err != nil {
		return err
	}
	m.counter.WithLabelValues(values...).Add(float64(count))
	return nil
}

func (c *PrometheusCollector) RecordGaugeSet(elements string, tags Tags, value uint64) error {
	m, values, err := c.customMetric(elements, kindGauge, tags)
	if err != nil {
		return err
	}
	m.gauge.WithLabelValues(values...).Set(float64(value))
	return nil
}

func (c *PrometheusCollector) RecordGaugeAdd(elements string, tags Tags, amount uint64) error {
	m, values, err := c.customMetric(elements, kindGauge, tags)
	if err != nil {
		return err
	}
	m.gauge.WithLabelValues(values...).Add(float64(amount))
	return nil
}

func (c *PrometheusCollector) RecordGaugeSub(elements string, tags Tags, amount uint64) error {
	m, values, err := c.customMetric(elements, kindGauge, tags)
	if err != nil {
		return err
	}
	m.gauge.WithLabelValues(values...).Sub(float64(amount))
	return nil
}

// RecordHistogramDuration observes duration in milliseconds.
func (c *PrometheusCollector) RecordHistogramDuration(elements string, tags Tags, duration time.Duration) error {
	m, values, err := c.customMetric(elements, kindTimer, tags)
	if err != nil {
		return err
	}
	m.histogram.WithLabelValues(values...).Observe(float64(duration.Milliseconds()))
	return nil
}

func (c *PrometheusCollector) RecordHistogramValue(elements string, tags Tags, value uint64) error {
	m, values, err := c.customMetric(elements, kindHistogram, tags)
	if err != nil {
		return err
	}
	m.histogram.WithLabelValues(values...).Observe(float64(value))
	return nil
}

// customMetric returns the metric for elements, registering it on first
// use, and the label values of tags in label order.
func (c *PrometheusCollector) customMetric(elements string, kind metricKind, tags Tags) (*customMetric, []string, error) {
	if c.closed.Load() {
		return nil, nil, errs.Newf(errs.ErrCodeStatsFailed, "stats collector is closed")
	}

	name, err := metricName(elements)
	if err != nil {
		return nil, nil, err
	}

	labels := make([]string, 0, len(tags))
	for k := range tags {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	values := make([]string, len(labels))
	for i, k := range labels {
		values[i] = tags[k]
	}

	c.customMu.Lock()
	defer c.customMu.Unlock()

	if m, ok := c.custom[name]; ok {
		if m.kind != kind {
			return nil, nil, errs.Newf(errs.ErrCodeStatsFailed, "stat %s is a %s, not a %s", elements, m.kind, kind)
		}
		if !slices.Equal(m.labels, labels) {
			return nil, nil, errs.Newf(errs.ErrCodeStatsFailed, "stat %s uses tags [%s], got [%s]",
				elements, strings.Join(m.labels, ","), strings.Join(labels, ","))
		}
		return m, values, nil
	}

	m := &customMetric{kind: kind, labels: labels}
	var collector prometheus.Collector
	switch kind {
	case kindCounter:
		m.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Name:      name,
			Help:      "Custom counter " + elements,
		}, labels)
		collector = m.counter
	case kindGauge:
		m.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      name,
			Help:      "Custom gauge " + elements,
		}, labels)
		collector = m.gauge
	case kindTimer:
		m.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Name:      name,
			Help:      "Custom timer " + elements + " in milliseconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}, labels)
		collector = m.histogram
	case kindHistogram:
		m.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Name:      name,
			Help:      "Custom histogram " + elements,
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12),
		}, labels)
		collector = m.histogram
	}

	if err := c.registry.Register(collector); err != nil {
		return nil, nil, errs.New(errs.ErrCodeStatsFailed, fmt.Errorf("failed to register stat %s: %w", elements, err))
	}
	c.custom[name] = m
	return m, values, nil
}

// Value reads a custom counter or gauge from the registry. It reports false
// for unknown stats, histograms and tag sets that were never recorded.
func (c *PrometheusCollector) Value(elements string, tags Tags) (float64, bool) {
	name, err := metricName(elements)
	if err != nil {
		return 0, false
	}
	families, err := c.registry.Gather()
	if err != nil {
		return 0, false
	}
	fullName := prometheus.BuildFQName(c.namespace, "", name)
	for _, mf := range families {
		if mf.GetName() != fullName {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m.GetLabel(), tags) {
				continue
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				return m.GetCounter().GetValue(), true
			case dto.MetricType_GAUGE:
				return m.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}

func labelsMatch(pairs []*dto.LabelPair, tags Tags) bool {
	if len(pairs) != len(tags) {
		return false
	}
	for _, pair := range pairs {
		if v, ok := tags[pair.GetName()]; !ok || v != pair.GetValue() {
			return false
		}
	}
	return true
}

// metricName turns "app.login.attempts" into "app_login_attempts".
func metricName(elements string) (string, error) {
	if elements == "" {
		return "", errs.Newf(errs.ErrCodeStatsFailed, "stat name must not be empty")
	}
	parts := strings.Split(elements, ".")
	for _, part := range parts {
		if part == "" {
			return "", errs.Newf(errs.ErrCodeStatsFailed, "stat name %q has an empty element", elements)
		}
	}
	return strings.Join(parts, "_"), nil
}
