package stats

import (
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
)

// DummyCollector is a no-op implementation of Collector
// It does nothing and is used when statistics collection is disabled
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

// RecordResolution records a resolution outcome (no-op)
func (d *DummyCollector) RecordResolution(host, outcome string, elapsed time.Duration) {}

// RecordRouteState records a route transition (no-op)
func (d *DummyCollector) RecordRouteState(listener, state string) {}

// StartStream records a started stream (no-op)
func (d *DummyCollector) StartStream(scheme string) {}

// EndStream records a finished stream (no-op)
func (d *DummyCollector) EndStream(outcome Outcome, duration time.Duration) {}

// RecordStreamError records a stream error (no-op)
func (d *DummyCollector) RecordStreamError(err *errs.Error) {}

// RecordDataTransfer records data transfer (no-op)
func (d *DummyCollector) RecordDataTransfer(bytesSent, bytesReceived int64) {}

// RecordCounterInc is a no-op
func (d *DummyCollector) RecordCounterInc(elements string, tags Tags, count uint64) error {
	return nil
}

// RecordGaugeSet is a no-op
func (d *DummyCollector) RecordGaugeSet(elements string, tags Tags, value uint64) error {
	return nil
}

// RecordGaugeAdd is a no-op
func (d *DummyCollector) RecordGaugeAdd(elements string, tags Tags, amount uint64) error {
	return nil
}

// RecordGaugeSub is a no-op
func (d *DummyCollector) RecordGaugeSub(elements string, tags Tags, amount uint64) error {
	return nil
}

// RecordHistogramDuration is a no-op
func (d *DummyCollector) RecordHistogramDuration(elements string, tags Tags, duration time.Duration) error {
	return nil
}

// RecordHistogramValue is a no-op
func (d *DummyCollector) RecordHistogramValue(elements string, tags Tags, value uint64) error {
	return nil
}

// Snapshot returns empty counters for dummy collector
func (d *DummyCollector) Snapshot() CounterSnapshot {
	return CounterSnapshot{}
}

// Value reports no stats for dummy collector
func (d *DummyCollector) Value(string, Tags) (float64, bool) {
	return 0, false
}

// DumpStats returns an empty dump for dummy collector
func (d *DummyCollector) DumpStats() (string, error) {
	return "", nil
}

// FlushStats does nothing for dummy collector
func (d *DummyCollector) FlushStats() {}

// Close does nothing for dummy collector
func (d *DummyCollector) Close() error {
	return nil
}
