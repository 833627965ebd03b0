package engine

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"github.com/codefionn/mobileproxy/mobileproxy-core/resolver"
	"github.com/codefionn/mobileproxy/mobileproxy-core/routes"
	"github.com/codefionn/mobileproxy/mobileproxy-core/stats"
)

// Cluster names used in the route table.
const (
	ClusterProxy  = "cluster_proxy"
	ClusterDirect = "cluster_direct"
)

// proxyEngine owns the routing chain: it installs the listener routes and
// applies the proxy host resolution to them.
type proxyEngine struct {
	settings  *config.ProxyConfig // nil when traffic goes direct only
	table     *routes.Table
	resolver  *resolver.Resolver
	collector stats.Collector
	onResolve func(resolver.State)

	mu         sync.Mutex
	resolution *resolver.Resolution
	settled    chan struct{} // closed once the resolution reached the route table
	started    time.Time
	stopped    bool
}

func newProxyEngine(settings *config.ProxyConfig, res *resolver.Resolver, collector stats.Collector) *proxyEngine {
	return &proxyEngine{
		settings:  settings,
		table:     routes.NewTable(),
		resolver:  res,
		collector: collector,
	}
}

// install adds the listener routes. The proxy route starts pending.
func (p *proxyEngine) install() error {
	if p.settings != nil {
		cluster := routes.Cluster{
			Name:     ClusterProxy,
			Port:     p.settings.Port,
			Protocol: p.settings.Protocol,
		}
		matcher := routes.MatchScheme{Scheme: string(p.settings.Scheme)}
		if err := p.table.InstallRoute(routes.ListenerProxy, matcher, cluster); err != nil {
			return err
		}
		p.recordRoute(routes.ListenerProxy)
	}

	if err := p.table.InstallRoute(routes.ListenerDirect, routes.MatchAll{}, routes.Cluster{Name: ClusterDirect, Direct: true}); err != nil {
		return err
	}
	p.recordRoute(routes.ListenerDirect)
	return nil
}

// resolve starts resolving the proxy host without waiting for it.
func (p *proxyEngine) resolve() {
	if p.settings == nil {
		logger.Info("No proxy configured, all traffic goes direct")
		return
	}

	logger.Info("Resolving proxy host %s (timeout %s)", p.settings.Host, p.settings.DNSQueryTimeout)
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = time.Now()
	p.settled = make(chan struct{})
	p.resolution = p.resolver.Resolve(p.settings.Host, p.settings.DNSQueryTimeout, p.apply)
	p.mu.Unlock()
}

func (p *proxyEngine) apply(state resolver.State) {
	p.mu.Lock()
	settled := p.settled
	defer close(settled)
	if p.stopped {
		p.mu.Unlock()
		logger.Debug("Discarding resolution of %s after terminate: %s", p.settings.Host, state)
		return
	}
	elapsed := time.Since(p.started)
	err := p.table.ApplyResolution(routes.ListenerProxy, state)
	p.mu.Unlock()

	if err != nil {
		logger.Error("Failed to apply resolution of %s: %v", p.settings.Host, err)
		return
	}

	p.collector.RecordResolution(p.settings.Host, state.Kind.String(), elapsed)
	p.recordRoute(routes.ListenerProxy)

	if state.Kind == resolver.Resolved {
		logger.Info("Proxy host %s resolved to %s in %s", p.settings.Host, state.Addr, elapsed)
	} else {
		logger.Warn("Proxy host %s could not be resolved (%s), %s traffic will fail", p.settings.Host, state, p.settings.Scheme)
	}

	if p.onResolve != nil {
		p.onResolve(state)
	}
}

// stop cancels the resolution and disables every route. Resolution results
// arriving afterwards are discarded.
func (p *proxyEngine) stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	resolution := p.resolution
	p.mu.Unlock()

	if resolution != nil {
		select {
		case <-resolution.Done():
		default:
			if resolution.Cancel() {
				logger.Debug("Cancelled in-flight resolution of %s", resolution.Host())
			}
		}
	}

	p.table.DisableAll(errs.New(errs.ErrCodeEngineTerminated, nil))
	for _, route := range p.table.Routes() {
		p.collector.RecordRouteState(string(route.ListenerID), route.State.String())
	}
}

// state returns the resolution state, and false when no proxy is
// configured.
func (p *proxyEngine) state() (resolver.State, bool) {
	p.mu.Lock()
	resolution := p.resolution
	p.mu.Unlock()
	if resolution == nil {
		return resolver.PendingState(), false
	}
	return resolution.State(), true
}

// wait blocks until the resolution was applied to the route table.
func (p *proxyEngine) wait(ctx context.Context) (resolver.State, error) {
	p.mu.Lock()
	resolution := p.resolution
	settled := p.settled
	p.mu.Unlock()
	if resolution == nil {
		return resolver.PendingState(), errs.Newf(errs.ErrCodeNoRoute, "no proxy is configured")
	}
	select {
	case <-settled:
		return resolution.State(), nil
	case <-ctx.Done():
		return resolution.State(), ctx.Err()
	}
}

func (p *proxyEngine) recordRoute(id routes.ListenerID) {
	if route, ok := p.table.Get(id); ok {
		p.collector.RecordRouteState(string(id), route.State.String())
	}
}
