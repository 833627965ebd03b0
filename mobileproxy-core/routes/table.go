// Package routes holds the listener to cluster routing chain that decides
// where an outbound request is sent.
package routes

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"github.com/codefionn/mobileproxy/mobileproxy-core/resolver"
)

// ListenerID names a route inside a table.
type ListenerID string

const (
	ListenerProxy  ListenerID = "listener_proxy"
	ListenerDirect ListenerID = "listener_direct"
)

// RouteState is the forwarding state of a route.
type RouteState int

const (
	// RoutePending waits for the cluster address
	RoutePending RouteState = iota
	// RouteActive forwards matched traffic
	RouteActive
	// RouteDisabled fails matched traffic fast
	RouteDisabled
)

func (s RouteState) String() string {
	switch s {
	case RoutePending:
		return "pending"
	case RouteActive:
		return "active"
	case RouteDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Cluster is a named forwarding target. A direct cluster connects to the
// request's own destination; otherwise traffic goes to the resolved address
// on Port using Protocol.
type Cluster struct {
	Name     string
	Direct   bool
	Port     uint16
	Protocol config.ProxyProtocol
}

// Route is a snapshot of one listener and its cluster.
type Route struct {
	ListenerID ListenerID
	Matcher    Matcher
	Cluster    Cluster
	State      RouteState
	Target     netip.AddrPort // valid only when State is RouteActive and the cluster is not direct
	Reason     *errs.Error    // why the route is disabled
	applied    bool
}

func (r Route) String() string {
	switch {
	case r.State == RouteActive && !r.Cluster.Direct:
		return fmt.Sprintf("%s -> %s (%s, %s)", r.ListenerID, r.Cluster.Name, r.State, r.Target)
	case r.State == RouteDisabled && r.Reason != nil:
		return fmt.Sprintf("%s -> %s (%s, %s)", r.ListenerID, r.Cluster.Name, r.State, r.Reason.Code)
	default:
		return fmt.Sprintf("%s -> %s (%s)", r.ListenerID, r.Cluster.Name, r.State)
	}
}

// Err returns the routing error a stream sees when it matches this route
// and the route cannot forward, or nil.
func (r Route) Err() *errs.Error {
	switch r.State {
	case RoutePending:
		return errs.Newf(errs.ErrCodeRoutePending, "route %s is waiting for %s to resolve", r.ListenerID, r.Cluster.Name)
	case RouteDisabled:
		if r.Reason == nil {
			return errs.Newf(errs.ErrCodeRouteDisabled, "route %s is disabled", r.ListenerID)
		}
		return errs.New(errs.ErrCodeRouteDisabled, r.Reason)
	}
	return nil
}

// Table maps matchers to clusters. Lookups see routes in install order and
// always observe a whole transition.
type Table struct {
	mu     sync.RWMutex
	routes []*Route
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{}
}

// InstallRoute adds a route. Direct clusters are active immediately, proxy
// clusters stay pending until ApplyResolution.
func (t *Table) InstallRoute(id ListenerID, matcher Matcher, cluster Cluster) error {
	if matcher == nil {
		matcher = MatchAll{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.findLocked(id) != nil {
		return errs.Newf(errs.ErrCodeDuplicateListener, "listener %s is already installed", id)
	}

	route := &Route{ListenerID: id, Matcher: matcher, Cluster: cluster, State: RoutePending}
	if cluster.Direct {
		route.State = RouteActive
		route.applied = true
	}
	t.routes = append(t.routes, route)
	logger.Debug("Installed route %s matching %s", route, matcher)
	return nil
}

// ApplyResolution moves a pending route to its final state: Resolved
// activates forwarding to the address on the cluster port, any other
// terminal state disables the route. A route accepts one resolution.
func (t *Table) ApplyResolution(id ListenerID, state resolver.State) error {
	if !state.IsTerminal() {
		return errs.Newf(errs.ErrCodeInternalError, "cannot apply non-terminal resolution %s to %s", state, id)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	route := t.findLocked(id)
	if route == nil {
		return errs.Newf(errs.ErrCodeUnknownListener, "listener %s is not installed", id)
	}
	if route.applied {
		return errs.Newf(errs.ErrCodeRouteAlreadyApplied, "listener %s already has a resolution", id)
	}
	route.applied = true

	if state.Kind == resolver.Resolved {
		route.State = RouteActive
		route.Target = netip.AddrPortFrom(state.Addr, route.Cluster.Port)
		logger.Info("Route %s now forwards to %s", id, route.Target)
		return nil
	}

	route.State = RouteDisabled
	route.Reason = state.Err
	logger.Warn("Route %s disabled: %s", id, state)
	return nil
}

// Disable stops a route from forwarding. Disabling a disabled route keeps
// the first reason.
func (t *Table) Disable(id ListenerID, reason *errs.Error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	route := t.findLocked(id)
	if route == nil {
		return errs.Newf(errs.ErrCodeUnknownListener, "listener %s is not installed", id)
	}
	if route.State == RouteDisabled {
		return nil
	}
	route.State = RouteDisabled
	route.applied = true
	route.Target = netip.AddrPort{}
	route.Reason = reason
	logger.Debug("Route %s disabled", id)
	return nil
}

// DisableAll disables every route with reason.
func (t *Table) DisableAll(reason *errs.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, route := range t.routes {
		if route.State != RouteDisabled {
			route.State = RouteDisabled
			route.applied = true
			route.Target = netip.AddrPort{}
			route.Reason = reason
		}
	}
}

// Remove deletes a route. It reports whether the route existed.
func (t *Table) Remove(id ListenerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, route := range t.routes {
		if route.ListenerID == id {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return true
		}
	}
	return false
}

// Lookup returns a copy of the first route matching input. Callers must
// treat a non-active route as a routing failure.
func (t *Table) Lookup(input Input) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, route := range t.routes {
		if route.Matcher.Match(input) {
			return *route, true
		}
	}
	return Route{}, false
}

// Get returns a copy of the route installed under id.
func (t *Table) Get(id ListenerID) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if route := t.findLocked(id); route != nil {
		return *route, true
	}
	return Route{}, false
}

// Routes returns copies of all routes in install order.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, len(t.routes))
	for i, route := range t.routes {
		out[i] = *route
	}
	return out
}

func (t *Table) findLocked(id ListenerID) *Route {
	for _, route := range t.routes {
		if route.ListenerID == id {
			return route
		}
	}
	return nil
}
