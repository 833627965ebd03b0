package routes

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var proxyCluster = Cluster{Name: "cluster_proxy", Port: 3128, Protocol: config.ProxyProtocolHTTP}

func TestMatchers(t *testing.T) {
	httpsInput := Input{Scheme: "https", Host: "api.example.com", Port: 443}
	httpInput := Input{Scheme: "http", Host: "example.org", Port: 80}

	tests := []struct {
		name     string
		matcher  Matcher
		input    Input
		expected bool
	}{
		{"all", MatchAll{}, httpInput, true},
		{"scheme match", MatchScheme{Scheme: "https"}, httpsInput, true},
		{"scheme case insensitive", MatchScheme{Scheme: "HTTPS"}, httpsInput, true},
		{"scheme mismatch", MatchScheme{Scheme: "https"}, httpInput, false},
		{"port match", MatchPort{Port: 80}, httpInput, true},
		{"port mismatch", MatchPort{Port: 8080}, httpInput, false},
		{"domain exact", NewMatchDomains([]string{"example.org"}, false), httpInput, true},
		{"domain subdomain excluded", NewMatchDomains([]string{"example.com"}, false), httpsInput, false},
		{"domain subdomain included", NewMatchDomains([]string{"example.com"}, true), httpsInput, true},
		{"domain suffix is not a subdomain", NewMatchDomains([]string{"ample.com"}, true), httpsInput, false},
		{"domain trailing dot", NewMatchDomains([]string{"Example.org."}, false), Input{Host: "example.org."}, true},
		{"domain empty list", NewMatchDomains(nil, true), httpInput, false},
		{"and", MatchAnd{Matchers: []Matcher{MatchScheme{Scheme: "https"}, MatchPort{Port: 443}}}, httpsInput, true},
		{"and one false", MatchAnd{Matchers: []Matcher{MatchScheme{Scheme: "https"}, MatchPort{Port: 80}}}, httpsInput, false},
		{"or", MatchOr{Matchers: []Matcher{MatchScheme{Scheme: "ftp"}, MatchPort{Port: 80}}}, httpInput, true},
		{"or none", MatchOr{Matchers: []Matcher{MatchScheme{Scheme: "ftp"}}}, httpInput, false},
		{"not", MatchNot{Matcher: MatchScheme{Scheme: "https"}}, httpInput, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.matcher.Match(tt.input))
		})
	}
}

func TestMatcherString(t *testing.T) {
	m := MatchOr{Matchers: []Matcher{
		MatchScheme{Scheme: "https"},
		MatchNot{Matcher: MatchPort{Port: 80}},
		NewMatchDomains([]string{"a.test", "b.test"}, true),
	}}
	assert.Equal(t, "or(scheme=https,not(port=80),domains(2))", m.String())
}

func TestInstallRoute(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.InstallRoute(ListenerProxy, MatchScheme{Scheme: "https"}, proxyCluster))
	require.NoError(t, table.InstallRoute(ListenerDirect, nil, Cluster{Name: "cluster_direct", Direct: true}))

	err := table.InstallRoute(ListenerProxy, MatchAll{}, proxyCluster)
	require.Error(t, err)
	assert.Equal(t, errs.ErrCodeDuplicateListener, errs.CodeOf(err))

	routes := table.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, ListenerProxy, routes[0].ListenerID)
	assert.Equal(t, RoutePending, routes[0].State)
	assert.False(t, routes[0].Target.IsValid())
	assert.Equal(t, RouteActive, routes[1].State)
	assert.Equal(t, "all", routes[1].Matcher.String())
}

func TestLookupPendingRoute(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.InstallRoute(ListenerProxy, MatchScheme{Scheme: "https"}, proxyCluster))

	route, ok := table.Lookup(Input{Scheme: "https", Host: "example.test", Port: 443})
	require.True(t, ok)
	assert.Equal(t, RoutePending, route.State)
	err := route.Err()
	require.NotNil(t, err)
	assert.Equal(t, errs.ErrCodeRoutePending, err.Code)
	assert.True(t, errs.IsRoutingError(err))

	_, ok = table.Lookup(Input{Scheme: "http", Host: "example.test", Port: 80})
	assert.False(t, ok, "http traffic has no route")
}

func TestApplyResolutionResolved(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.InstallRoute(ListenerProxy, MatchAll{}, proxyCluster))

	addr := netip.MustParseAddr("10.0.0.7")
	require.NoError(t, table.ApplyResolution(ListenerProxy, resolver.ResolvedState(addr)))

	route, ok := table.Lookup(Input{Scheme: "https", Host: "example.test", Port: 443})
	require.True(t, ok)
	assert.Equal(t, RouteActive, route.State)
	assert.Equal(t, netip.AddrPortFrom(addr, 3128), route.Target)
	assert.Nil(t, route.Err())
	assert.Equal(t, "listener_proxy -> cluster_proxy (active, 10.0.0.7:3128)", route.String())
}

func TestApplyResolutionFailures(t *testing.T) {
	tests := []struct {
		name  string
		state resolver.State
		code  string
	}{
		{"failed", resolver.FailedState(errs.New(errs.ErrCodeHostUnreachable, nil)), errs.ErrCodeHostUnreachable},
		{"timed out", resolver.TimedOutState("proxy.test", 2*time.Second), errs.ErrCodeResolutionTimedOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewTable()
			require.NoError(t, table.InstallRoute(ListenerProxy, MatchAll{}, proxyCluster))
			require.NoError(t, table.ApplyResolution(ListenerProxy, tt.state))

			route, ok := table.Get(ListenerProxy)
			require.True(t, ok)
			assert.Equal(t, RouteDisabled, route.State)
			require.NotNil(t, route.Reason)
			assert.Equal(t, tt.code, route.Reason.Code)

			err := route.Err()
			require.NotNil(t, err)
			assert.Equal(t, errs.ErrCodeRouteDisabled, err.Code)
			assert.ErrorIs(t, err, errs.New(tt.code, nil))
		})
	}
}

func TestApplyResolutionOnlyOnce(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.InstallRoute(ListenerProxy, MatchAll{}, proxyCluster))
	require.NoError(t, table.ApplyResolution(ListenerProxy, resolver.ResolvedState(netip.MustParseAddr("10.0.0.1"))))

	err := table.ApplyResolution(ListenerProxy, resolver.FailedState(errs.New(errs.ErrCodeHostUnreachable, nil)))
	assert.Equal(t, errs.ErrCodeRouteAlreadyApplied, errs.CodeOf(err))

	route, _ := table.Get(ListenerProxy)
	assert.Equal(t, RouteActive, route.State)
}

func TestApplyResolutionErrors(t *testing.T) {
	table := NewTable()
	err := table.ApplyResolution("missing", resolver.ResolvedState(netip.MustParseAddr("10.0.0.1")))
	assert.Equal(t, errs.ErrCodeUnknownListener, errs.CodeOf(err))

	require.NoError(t, table.InstallRoute(ListenerProxy, MatchAll{}, proxyCluster))
	err = table.ApplyResolution(ListenerProxy, resolver.PendingState())
	assert.Equal(t, errs.ErrCodeInternalError, errs.CodeOf(err))
}

func TestDisableAndRemove(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.InstallRoute(ListenerProxy, MatchAll{}, proxyCluster))
	require.NoError(t, table.InstallRoute(ListenerDirect, MatchAll{}, Cluster{Name: "cluster_direct", Direct: true}))

	reason := errs.New(errs.ErrCodeEngineTerminated, nil)
	require.NoError(t, table.Disable(ListenerProxy, reason))
	require.NoError(t, table.Disable(ListenerProxy, errs.New(errs.ErrCodeInternalError, nil)))
	route, _ := table.Get(ListenerProxy)
	assert.Equal(t, errs.ErrCodeEngineTerminated, route.Reason.Code, "first reason wins")

	err := table.ApplyResolution(ListenerProxy, resolver.ResolvedState(netip.MustParseAddr("10.0.0.1")))
	assert.Equal(t, errs.ErrCodeRouteAlreadyApplied, errs.CodeOf(err), "a disabled route cannot be revived")

	table.DisableAll(reason)
	for _, r := range table.Routes() {
		assert.Equal(t, RouteDisabled, r.State)
	}

	assert.True(t, table.Remove(ListenerProxy))
	assert.False(t, table.Remove(ListenerProxy))
	assert.Len(t, table.Routes(), 1)

	assert.Equal(t, errs.ErrCodeUnknownListener, errs.CodeOf(table.Disable(ListenerProxy, reason)))
}

func TestLookupFirstMatchWins(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.InstallRoute(ListenerProxy, MatchScheme{Scheme: "https"}, proxyCluster))
	require.NoError(t, table.InstallRoute(ListenerDirect, MatchAll{}, Cluster{Name: "cluster_direct", Direct: true}))

	route, ok := table.Lookup(Input{Scheme: "https", Host: "a.test", Port: 443})
	require.True(t, ok)
	assert.Equal(t, ListenerProxy, route.ListenerID)

	route, ok = table.Lookup(Input{Scheme: "http", Host: "a.test", Port: 80})
	require.True(t, ok)
	assert.Equal(t, ListenerDirect, route.ListenerID)
}

func TestLookupSnapshotIsConsistent(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.InstallRoute(ListenerProxy, MatchAll{}, proxyCluster))

	addr := netip.MustParseAddr("192.0.2.10")
	input := Input{Scheme: "https", Host: "example.test", Port: 443}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 500; j++ {
				route, ok := table.Lookup(input)
				if !ok {
					t.Error("route disappeared")
					return
				}
				switch route.State {
				case RoutePending:
					if route.Target.IsValid() {
						t.Error("pending route carries a target")
						return
					}
				case RouteActive:
					if route.Target != netip.AddrPortFrom(addr, 3128) {
						t.Errorf("active route has target %s", route.Target)
						return
					}
				default:
					t.Errorf("unexpected state %s", route.State)
					return
				}
			}
		}()
	}

	close(start)
	require.NoError(t, table.ApplyResolution(ListenerProxy, resolver.ResolvedState(addr)))
	wg.Wait()

	route, _ := table.Lookup(input)
	assert.Equal(t, RouteActive, route.State)
}

func TestRouteStateString(t *testing.T) {
	assert.Equal(t, "pending", RoutePending.String())
	assert.Equal(t, "active", RouteActive.String())
	assert.Equal(t, "disabled", RouteDisabled.String())
	assert.Equal(t, "unknown", RouteState(42).String())
}
