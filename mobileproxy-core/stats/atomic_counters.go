package stats

import (
	"sync/atomic"
)

// AtomicInt64Counter is a lock-free 64-bit integer counter
type AtomicInt64Counter int64

// Add atomically adds delta to the counter and returns the new value
func (c *AtomicInt64Counter) Add(delta int64) int64 {
	return atomic.AddInt64((*int64)(c), delta)
}

// Load atomically loads the current value
func (c *AtomicInt64Counter) Load() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Reset atomically resets the counter to 0 and returns the previous value
func (c *AtomicInt64Counter) Reset() int64 {
	return atomic.SwapInt64((*int64)(c), 0)
}

// AtomicCounters holds the engine counters
type AtomicCounters struct {
	Resolutions        AtomicInt64Counter
	ResolutionFailures AtomicInt64Counter
	TotalStreams       AtomicInt64Counter
	ActiveStreams      AtomicInt64Counter
	CompletedStreams   AtomicInt64Counter
	FailedStreams      AtomicInt64Counter
	CancelledStreams   AtomicInt64Counter
	RoutingErrors      AtomicInt64Counter
	TransportErrors    AtomicInt64Counter
	BytesSent          AtomicInt64Counter
	BytesReceived      AtomicInt64Counter
}

// NewAtomicCounters creates a new set of atomic counters
func NewAtomicCounters() *AtomicCounters {
	return &AtomicCounters{}
}

// Snapshot returns a copy of all counter values
func (a *AtomicCounters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Resolutions:        a.Resolutions.Load(),
		ResolutionFailures: a.ResolutionFailures.Load(),
		TotalStreams:       a.TotalStreams.Load(),
		ActiveStreams:      a.ActiveStreams.Load(),
		CompletedStreams:   a.CompletedStreams.Load(),
		FailedStreams:      a.FailedStreams.Load(),
		CancelledStreams:   a.CancelledStreams.Load(),
		RoutingErrors:      a.RoutingErrors.Load(),
		TransportErrors:    a.TransportErrors.Load(),
		BytesSent:          a.BytesSent.Load(),
		BytesReceived:      a.BytesReceived.Load(),
	}
}

// ResetAll resets all counters except ActiveStreams and returns the previous values
func (a *AtomicCounters) ResetAll() CounterSnapshot {
	return CounterSnapshot{
		Resolutions:        a.Resolutions.Reset(),
		ResolutionFailures: a.ResolutionFailures.Reset(),
		TotalStreams:       a.TotalStreams.Reset(),
		ActiveStreams:      a.ActiveStreams.Load(),
		CompletedStreams:   a.CompletedStreams.Reset(),
		FailedStreams:      a.FailedStreams.Reset(),
		CancelledStreams:   a.CancelledStreams.Reset(),
		RoutingErrors:      a.RoutingErrors.Reset(),
		TransportErrors:    a.TransportErrors.Reset(),
		BytesSent:          a.BytesSent.Reset(),
		BytesReceived:      a.BytesReceived.Reset(),
	}
}

// CounterSnapshot represents a snapshot of counter values
type CounterSnapshot struct {
	Resolutions        int64 `json:"resolutions"`
	ResolutionFailures int64 `json:"resolution_failures"`
	TotalStreams       int64 `json:"total_streams"`
	ActiveStreams      int64 `json:"active_streams"`
	CompletedStreams   int64 `json:"completed_streams"`
	FailedStreams      int64 `json:"failed_streams"`
	CancelledStreams   int64 `json:"cancelled_streams"`
	RoutingErrors      int64 `json:"routing_errors"`
	TransportErrors    int64 `json:"transport_errors"`
	BytesSent          int64 `json:"bytes_sent"`
	BytesReceived      int64 `json:"bytes_received"`
}

// AtomicBool is a lock-free boolean flag
type AtomicBool int32

// Set atomically sets the boolean value
func (b *AtomicBool) Set(value bool) {
	var i int32 = 0
	if value {
		i = 1
	}
	atomic.StoreInt32((*int32)(b), i)
}

// Load atomically loads the boolean value
func (b *AtomicBool) Load() bool {
	return atomic.LoadInt32((*int32)(b)) != 0
}
