// Package stats collects engine statistics and custom application metrics.
package stats

import (
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
)

// Outcome is how a stream ended
type Outcome string

// Stream outcomes
const (
	OutcomeComplete  Outcome = "complete"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Tags are the labels attached to a custom metric
type Tags map[string]string

// Collector defines the interface for collecting engine statistics
type Collector interface {
	// Resolution tracking
	RecordResolution(host, outcome string, elapsed time.Duration)

	// Route tracking
	RecordRouteState(listener, state string)

	// Stream tracking
	StartStream(scheme string)
	EndStream(outcome Outcome, duration time.Duration)
	RecordStreamError(err *errs.Error)

	// Bandwidth tracking
	RecordDataTransfer(bytesSent, bytesReceived int64)

	// Custom application metrics. elements is a dot separated name such as
	// "app.login.attempts".
	RecordCounterInc(elements string, tags Tags, count uint64) error
	RecordGaugeSet(elements string, tags Tags, value uint64) error
	RecordGaugeAdd(elements string, tags Tags, amount uint64) error
	RecordGaugeSub(elements string, tags Tags, amount uint64) error
	RecordHistogramDuration(elements string, tags Tags, duration time.Duration) error
	RecordHistogramValue(elements string, tags Tags, value uint64) error

	// Snapshot returns the engine counters
	Snapshot() CounterSnapshot

	// DumpStats returns every active stat in Prometheus text format
	DumpStats() (string, error)

	// Value returns the current value of a custom counter or gauge
	Value(elements string, tags Tags) (float64, bool)

	// FlushStats pushes the current stats to the flush sink
	FlushStats()

	// Close cleans up resources
	Close() error
}
