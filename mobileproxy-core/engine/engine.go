// Package engine is the handle callers hold: it owns the proxy routing
// chain, the stream client and the transport, and drives their lifecycle
// from Build to Terminate.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/executor"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"github.com/codefionn/mobileproxy/mobileproxy-core/resolver"
	"github.com/codefionn/mobileproxy/mobileproxy-core/routes"
	"github.com/codefionn/mobileproxy/mobileproxy-core/stats"
	"github.com/codefionn/mobileproxy/mobileproxy-core/stream"
	"github.com/codefionn/mobileproxy/mobileproxy-core/transport"
	"github.com/google/uuid"
)

// State is the engine lifecycle state.
type State int

const (
	StateBuilding State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Engine routes streams through the configured proxy.
type Engine struct {
	id        string
	proxy     *proxyEngine
	transport *transport.Transport
	client    *stream.Client
	collector stats.Collector
	store     resolver.KeyValueStore // owned, closed on Terminate
	lifecycle *executor.Queue
	tracker   EventTracker
	closeWait time.Duration

	mu    sync.Mutex
	state State
	done  chan struct{}
}

// Build validates the options and starts the engine. Configuration errors
// are returned without starting anything. The proxy host is resolved in the
// background; onEngineRunning does not wait for it.
func (b *Builder) Build() (*Engine, error) {
	cfg, err := b.settings()
	if err != nil {
		return nil, err
	}

	if b.logSink != nil {
		logger.SetSink(b.logSink)
	}
	logger.SetLevel(cfg.LogLevel.LoggerLevel())

	collector := b.collector
	if collector == nil {
		collector = stats.NewCollector(cfg.Stats)
	}

	var resolverOpts []resolver.Option
	var store resolver.KeyValueStore
	if cfg.Cache.Enabled {
		if cfg.Cache.StorePath != "" {
			sqliteStore, err := resolver.OpenSQLiteStore(cfg.Cache.StorePath, cfg.Cache.Name)
			if err != nil {
				return nil, err
			}
			store = sqliteStore
		}
		manager := b.cacheManager
		if manager == nil {
			manager = resolver.NewCacheManager()
		}
		cache, err := manager.GetCache(resolver.CacheOptions{
			Name:         cfg.Cache.Name,
			MaxEntries:   cfg.Cache.MaxEntries,
			TTL:          cfg.Cache.GetTTLDuration(),
			Store:        store,
			Prepopulated: cfg.Cache.Prepopulated,
		})
		if err != nil {
			closeStore(store)
			return nil, err
		}
		resolverOpts = append(resolverOpts, resolver.WithCache(cache))
	}

	lookup := b.lookup
	if lookup == nil {
		lookup = resolver.NewLookup(cfg.DNS)
	}

	tr := transport.New(transport.Options{
		ConnectTimeout: cfg.GetConnectTimeout(),
		TLSConfig:      b.tlsConfig,
		Collector:      collector,
	})

	e := &Engine{
		id:        uuid.NewString(),
		proxy:     newProxyEngine(cfg.Proxy, resolver.New(lookup, resolverOpts...), collector),
		transport: tr,
		collector: collector,
		store:     store,
		lifecycle: executor.NewQueue(b.callbackExec),
		tracker:   b.eventTracker,
		closeWait: b.closeWait,
		state:     StateBuilding,
		done:      make(chan struct{}),
	}
	e.client = stream.NewClient(stream.Options{
		Routes:    e.proxy.table,
		Transport: tr,
		Collector: collector,
	})
	e.proxy.onResolve = e.resolutionEvent

	e.mu.Lock()
	e.state = StateRunning
	e.mu.Unlock()

	if err := e.proxy.install(); err != nil {
		e.Terminate()
		return nil, err
	}

	logger.Info("Engine %s running", e.id)
	onRunning := b.onEngineRunning
	e.lifecycle.Push(func() {
		if onRunning != nil {
			onRunning()
		}
	})
	e.trackEvent(map[string]string{"name": "engine_running"})

	e.proxy.resolve()
	return e, nil
}

// ID returns the engine identifier.
func (e *Engine) ID() string {
	return e.id
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StreamClient returns the client used to start streams.
func (e *Engine) StreamClient() *stream.Client {
	return e.client
}

// ProxyState returns the proxy host resolution state, and false when no
// proxy is configured.
func (e *Engine) ProxyState() (resolver.State, bool) {
	return e.proxy.state()
}

// AwaitProxy blocks until the proxy host resolution finishes or ctx ends.
func (e *Engine) AwaitProxy(ctx context.Context) (resolver.State, error) {
	return e.proxy.wait(ctx)
}

// Routes returns a snapshot of the route table.
func (e *Engine) Routes() []routes.Route {
	return e.proxy.table.Routes()
}

// Done is closed when Terminate has finished.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Terminate stops the engine. It cancels the resolution, disables the
// routes and cancels every stream still in flight. Callbacks that were
// already scheduled, such as onEngineRunning or a stream's terminal
// callback, are delivered first, waiting up to the close wait; calling
// Terminate from inside an engine callback therefore delays it by that
// much. No callback starts after Terminate returns. Calling it again does
// nothing.
func (e *Engine) Terminate() {
	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return
	}
	e.state = StateTerminated
	e.mu.Unlock()

	logger.Info("Terminating engine %s", e.id)

	if !e.lifecycle.Shutdown(e.closeWait) {
		logger.Warn("Engine callbacks still pending after %s, dropping them", e.closeWait)
	}
	e.proxy.stop()
	e.client.Close(e.closeWait)
	e.transport.Close()
	closeStore(e.store)

	e.collector.FlushStats()
	if err := e.collector.Close(); err != nil {
		logger.Error("Failed to close stats collector: %v", err)
	}

	close(e.done)
	logger.Info("Engine %s terminated", e.id)
}

func (e *Engine) running() error {
	if e.State() != StateRunning {
		return errs.New(errs.ErrCodeEngineTerminated, nil)
	}
	return nil
}

// ResetConnectivityState drops pooled connections, for example after a
// network change.
func (e *Engine) ResetConnectivityState() {
	if e.running() != nil {
		return
	}
	logger.Debug("Resetting connectivity state")
	e.transport.Reset()
}

func (e *Engine) RecordCounterInc(elements string, tags stats.Tags, count uint64) error {
	if err := e.running(); err != nil {
		return err
	}
	return e.collector.RecordCounterInc(elements, tags, count)
}

func (e *Engine) RecordGaugeSet(elements string, tags stats.Tags, value uint64) error {
	if err := e.running(); err != nil {
		return err
	}
	return e.collector.RecordGaugeSet(elements, tags, value)
}

func (e *Engine) RecordGaugeAdd(elements string, tags stats.Tags, amount uint64) error {
	if err := e.running(); err != nil {
		return err
	}
	return e.collector.RecordGaugeAdd(elements, tags, amount)
}

func (e *Engine) RecordGaugeSub(elements string, tags stats.Tags, amount uint64) error {
	if err := e.running(); err != nil {
		return err
	}
	return e.collector.RecordGaugeSub(elements, tags, amount)
}

func (e *Engine) RecordHistogramDuration(elements string, tags stats.Tags, duration time.Duration) error {
	if err := e.running(); err != nil {
		return err
	}
	return e.collector.RecordHistogramDuration(elements, tags, duration)
}

func (e *Engine) RecordHistogramValue(elements string, tags stats.Tags, value uint64) error {
	if err := e.running(); err != nil {
		return err
	}
	return e.collector.RecordHistogramValue(elements, tags, value)
}

// StatValue returns the current value of a custom counter or gauge.
func (e *Engine) StatValue(elements string, tags stats.Tags) (float64, bool) {
	return e.collector.Value(elements, tags)
}

// DumpStats renders the current statistics in Prometheus text format. It
// keeps working after Terminate.
func (e *Engine) DumpStats() (string, error) {
	return e.collector.DumpStats()
}

// FlushStats pushes the current statistics to the collector's sink.
func (e *Engine) FlushStats() {
	if e.running() != nil {
		return
	}
	e.collector.FlushStats()
}

// Snapshot returns the engine's counters.
func (e *Engine) Snapshot() stats.CounterSnapshot {
	return e.collector.Snapshot()
}

func (e *Engine) resolutionEvent(state resolver.State) {
	event := map[string]string{
		"name":    "proxy_resolution",
		"outcome": state.Kind.String(),
	}
	if state.Kind == resolver.Resolved {
		event["address"] = state.Addr.String()
	}
	if state.Err != nil {
		event["error_code"] = state.Err.Code
	}
	e.trackEvent(event)
}

// trackEvent delivers an event on the lifecycle queue, so events stop with
// Terminate.
func (e *Engine) trackEvent(event map[string]string) {
	if e.tracker == nil {
		return
	}
	event["engine_id"] = e.id
	tracker := e.tracker
	e.lifecycle.Push(func() {
		tracker(event)
	})
}

func closeStore(store resolver.KeyValueStore) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logger.Error("Failed to close cache store: %v", err)
	}
}
