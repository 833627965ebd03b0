package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDNSServer runs a UDP DNS server on loopback and returns its address.
func startDNSServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pc,
		Handler:           handler,
		NotifyStartedFunc: func() { close(started) },
	}
	go func() {
		_ = server.ActivateAndServe()
	}()
	<-started
	t.Cleanup(func() {
		_ = server.Shutdown()
	})
	return pc.LocalAddr().String()
}

// recordsHandler answers A queries from records and NXDOMAIN for unknown names.
func recordsHandler(records map[string]string) dns.HandlerFunc {
	return func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		q := req.Question[0]
		ip, ok := records[strings.ToLower(q.Name)]
		if !ok {
			m.SetRcode(req, dns.RcodeNameError)
			_ = w.WriteMsg(m)
			return
		}
		m.SetReply(req)
		if q.Qtype == dns.TypeA {
			rr, err := dns.NewRR(fmt.Sprintf("%s 60 IN A %s", q.Name, ip))
			if err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	}
}

// silentHandler never answers.
func silentHandler(dns.ResponseWriter, *dns.Msg) {}

func dnsConfigFor(addr string, backend config.DNSBackend) config.DNSConfig {
	return config.DNSConfig{
		Enabled: true,
		Backend: backend,
		Servers: []config.DNSServerConfig{
			{Address: addr, Type: config.DNSTypeUDP, TimeoutSeconds: 5},
		},
	}
}

func waitState(t *testing.T, res *Resolution) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := res.Wait(ctx)
	require.NoError(t, err, "resolution never finished")
	return state
}

func TestResolveIPLiteral(t *testing.T) {
	r := New(LookupFunc(func(context.Context, string) ([]netip.Addr, error) {
		t.Error("lookup must not run for IP literals")
		return nil, nil
	}))

	for _, host := range []string{"127.0.0.1", "::1", "[::1]"} {
		state := waitState(t, r.Resolve(host, time.Second, nil))
		require.Equal(t, Resolved, state.Kind, host)
		assert.True(t, state.Addr.IsLoopback())
	}
}

func TestResolveMalformedHost(t *testing.T) {
	r := New(LookupFunc(func(context.Context, string) ([]netip.Addr, error) {
		t.Error("lookup must not run for malformed hosts")
		return nil, nil
	}))

	for _, host := range []string{"", "bad host", "a..b", "x/y"} {
		state := waitState(t, r.Resolve(host, time.Second, nil))
		require.Equal(t, Failed, state.Kind, host)
		assert.Equal(t, errs.ErrCodeMalformedHost, state.Err.Code)
	}
}

func TestResolveReturnsImmediately(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := New(LookupFunc(func(ctx context.Context, host string) ([]netip.Addr, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}))

	start := time.Now()
	res := r.Resolve("slow.example", time.Hour, nil)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, Pending, res.State().Kind)
	assert.Zero(t, res.Elapsed())
	res.Cancel()
}

func TestResolveTimeoutDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	lookupReturned := make(chan struct{})
	r := New(LookupFunc(func(ctx context.Context, host string) ([]netip.Addr, error) {
		defer close(lookupReturned)
		// Ignores ctx on purpose to produce a result after the deadline.
		<-release
		return []netip.Addr{netip.MustParseAddr("192.0.2.1")}, nil
	}))

	var calls atomic.Int32
	var delivered atomic.Value
	res := r.Resolve("late.example", 50*time.Millisecond, func(s State) {
		calls.Add(1)
		delivered.Store(s)
	})

	state := waitState(t, res)
	require.Equal(t, TimedOut, state.Kind)
	assert.Equal(t, errs.ErrCodeResolutionTimedOut, state.Err.Code)
	assert.GreaterOrEqual(t, res.Elapsed(), 50*time.Millisecond)

	close(release)
	<-lookupReturned
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, TimedOut, res.State().Kind)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, TimedOut, delivered.Load().(State).Kind)
}

func TestResolveTimeoutWithinBound(t *testing.T) {
	r := New(LookupFunc(func(ctx context.Context, host string) ([]netip.Addr, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	start := time.Now()
	state := waitState(t, r.Resolve("hang.example", 200*time.Millisecond, nil))
	elapsed := time.Since(start)

	assert.Equal(t, TimedOut, state.Kind)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestResolveCancel(t *testing.T) {
	lookupCtxDone := make(chan struct{})
	r := New(LookupFunc(func(ctx context.Context, host string) ([]netip.Addr, error) {
		<-ctx.Done()
		close(lookupCtxDone)
		return nil, ctx.Err()
	}))

	var calls atomic.Int32
	res := r.Resolve("cancel.example", time.Hour, func(State) { calls.Add(1) })
	require.True(t, res.Cancel())
	assert.False(t, res.Cancel())

	state := waitState(t, res)
	assert.Equal(t, Failed, state.Kind)
	assert.Equal(t, errs.ErrCodeResolutionCancelled, state.Err.Code)

	select {
	case <-lookupCtxDone:
	case <-time.After(5 * time.Second):
		t.Fatal("lookup context was not cancelled")
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolveCancelFromOnDone(t *testing.T) {
	r := New(LookupFunc(func(context.Context, string) ([]netip.Addr, error) {
		return nil, &net.DNSError{Err: "no such host", Name: "gone.example", IsNotFound: true}
	}))

	resCh := make(chan *Resolution, 1)
	cancelled := make(chan bool, 1)
	res := r.Resolve("gone.example", time.Second, func(State) {
		cancelled <- (<-resCh).Cancel()
	})
	resCh <- res

	select {
	case ok := <-cancelled:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel inside onDone never returned")
	}
	state := waitState(t, res)
	assert.Equal(t, errs.ErrCodeHostUnreachable, state.Err.Code)
}

func TestResolvePrefersIPv4(t *testing.T) {
	r := New(LookupFunc(func(context.Context, string) ([]netip.Addr, error) {
		return []netip.Addr{
			netip.MustParseAddr("2001:db8::1"),
			netip.MustParseAddr("192.0.2.10"),
		}, nil
	}))

	state := waitState(t, r.Resolve("dual.example", time.Second, nil))
	require.Equal(t, Resolved, state.Kind)
	assert.Equal(t, netip.MustParseAddr("192.0.2.10"), state.Addr)

	_, ok := preferredAddr(nil)
	assert.False(t, ok)
	addr, ok := preferredAddr([]netip.Addr{netip.MustParseAddr("2001:db8::2")})
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("2001:db8::2"), addr)
}

func TestResolveLookupError(t *testing.T) {
	r := New(LookupFunc(func(context.Context, string) ([]netip.Addr, error) {
		return nil, &net.DNSError{Err: "no such host", Name: "missing.example", IsNotFound: true}
	}))

	state := waitState(t, r.Resolve("missing.example", time.Second, nil))
	require.Equal(t, Failed, state.Kind)
	assert.Equal(t, errs.ErrCodeHostUnreachable, state.Err.Code)
	assert.True(t, errs.IsResolutionError(state.Err))
}

func TestWireLookup(t *testing.T) {
	addr := startDNSServer(t, recordsHandler(map[string]string{
		"proxy.test.": "10.1.2.3",
	}))
	r := New(NewLookup(dnsConfigFor(addr, config.DNSBackendWire)))

	t.Run("resolved", func(t *testing.T) {
		state := waitState(t, r.Resolve("proxy.test", 5*time.Second, nil))
		require.Equal(t, Resolved, state.Kind, state.String())
		assert.Equal(t, netip.MustParseAddr("10.1.2.3"), state.Addr)
	})

	t.Run("nxdomain", func(t *testing.T) {
		state := waitState(t, r.Resolve("missing.test", 5*time.Second, nil))
		require.Equal(t, Failed, state.Kind)
		assert.Equal(t, errs.ErrCodeHostUnreachable, state.Err.Code)
	})
}

func TestWireLookupServerNeverAnswers(t *testing.T) {
	addr := startDNSServer(t, silentHandler)
	r := New(NewLookup(dnsConfigFor(addr, config.DNSBackendWire)))

	state := waitState(t, r.Resolve("proxy.test", 200*time.Millisecond, nil))
	assert.Equal(t, TimedOut, state.Kind)
}

func TestNetLookupWithConfiguredServer(t *testing.T) {
	addr := startDNSServer(t, recordsHandler(map[string]string{
		"proxy.test.": "10.9.8.7",
	}))
	lookup := NewLookup(dnsConfigFor(addr, config.DNSBackendGo))
	require.IsType(t, &NetLookup{}, lookup)
	r := New(lookup)

	state := waitState(t, r.Resolve("proxy.test", 5*time.Second, nil))
	require.Equal(t, Resolved, state.Kind, state.String())
	assert.Equal(t, netip.MustParseAddr("10.9.8.7"), state.Addr)

	state = waitState(t, r.Resolve("missing.test", 5*time.Second, nil))
	require.Equal(t, Failed, state.Kind)
	assert.Equal(t, errs.ErrCodeHostUnreachable, state.Err.Code)
}

func TestResolveUsesCache(t *testing.T) {
	var lookups atomic.Int32
	lookup := LookupFunc(func(context.Context, string) ([]netip.Addr, error) {
		lookups.Add(1)
		return []netip.Addr{netip.MustParseAddr("198.51.100.4")}, nil
	})

	cache, err := NewCacheManager().GetCache(CacheOptions{Name: "test", MaxEntries: 10, TTL: time.Minute})
	require.NoError(t, err)
	r := New(lookup, WithCache(cache))

	first := waitState(t, r.Resolve("Cached.Example.", time.Second, nil))
	require.Equal(t, Resolved, first.Kind)

	second := waitState(t, r.Resolve("cached.example", time.Second, nil))
	require.Equal(t, Resolved, second.Kind)
	assert.Equal(t, first.Addr, second.Addr)
	assert.Equal(t, int32(1), lookups.Load())
}

func TestCacheManagerOptions(t *testing.T) {
	m := NewCacheManager()

	a, err := m.GetCache(CacheOptions{Name: "proxy", MaxEntries: 5, TTL: time.Minute})
	require.NoError(t, err)

	b, err := m.GetCache(CacheOptions{
		Name:       "proxy",
		MaxEntries: 5,
		TTL:        time.Minute,
		Prepopulated: []config.CacheEntry{
			{Hostname: "pre.example", Address: "10.0.0.9"},
		},
	})
	require.NoError(t, err)
	assert.Same(t, a, b)

	addr, ok := a.Get("pre.example")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.9", addr.String())

	_, err = m.GetCache(CacheOptions{Name: "proxy", MaxEntries: 6, TTL: time.Minute})
	require.Error(t, err)
	assert.Equal(t, errs.ErrCodeCacheOptionsConflict, errs.CodeOf(err))

	_, err = m.GetCache(CacheOptions{})
	assert.Equal(t, errs.ErrCodeInvalidCacheOptions, errs.CodeOf(err))

	assert.ElementsMatch(t, []string{"proxy"}, m.Names())
}

func TestCachePrepopulatedDoesNotOverride(t *testing.T) {
	m := NewCacheManager()
	c, err := m.GetCache(CacheOptions{Name: "p"})
	require.NoError(t, err)
	c.Set("host.example", netip.MustParseAddr("10.0.0.1"))

	_, err = m.GetCache(CacheOptions{Name: "p", Prepopulated: []config.CacheEntry{
		{Hostname: "host.example", Address: "10.0.0.2"},
		{Hostname: "bad.example", Address: "not-an-ip"},
	}})
	require.NoError(t, err)

	addr, ok := c.Get("host.example")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", addr.String())
	_, ok = c.Get("bad.example")
	assert.False(t, ok)
}

func TestCacheMaxEntries(t *testing.T) {
	c, err := NewCacheManager().GetCache(CacheOptions{Name: "small", MaxEntries: 2, TTL: time.Minute})
	require.NoError(t, err)

	c.Set("a.example", netip.MustParseAddr("10.0.0.1"))
	c.Set("b.example", netip.MustParseAddr("10.0.0.2"))
	c.Set("c.example", netip.MustParseAddr("10.0.0.3"))
	assert.Equal(t, 2, c.Len())

	_, ok := c.Get("c.example")
	assert.True(t, ok)

	// Overwriting an existing key does not evict
	c.Set("c.example", netip.MustParseAddr("10.0.0.4"))
	assert.Equal(t, 2, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestCacheTTL(t *testing.T) {
	c, err := NewCacheManager().GetCache(CacheOptions{Name: "ttl", TTL: 50 * time.Millisecond})
	require.NoError(t, err)

	c.Set("short.example", netip.MustParseAddr("10.0.0.1"))
	_, ok := c.Get("short.example")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := c.Get("short.example")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCacheWithMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set("persisted.example", "10.0.0.5"))
	require.NoError(t, store.Set("broken.example", "nope"))

	c, err := NewCacheManager().GetCache(CacheOptions{Name: "mem", Store: store})
	require.NoError(t, err)

	addr, ok := c.Get("persisted.example")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", addr.String())

	c.Set("new.example", netip.MustParseAddr("10.0.0.6"))
	v, ok, err := store.Get("new.example")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.6", v)
}

func TestSQLiteStorePersistsAcrossManagers(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	store, err := OpenSQLiteStore(dbPath, "proxy-hosts")
	require.NoError(t, err)
	c, err := NewCacheManager().GetCache(CacheOptions{Name: "proxy-hosts", Store: store})
	require.NoError(t, err)
	c.Set("proxy.example", netip.MustParseAddr("203.0.113.7"))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLiteStore(dbPath, "proxy-hosts")
	require.NoError(t, err)
	defer func() { assert.NoError(t, reopened.Close()) }()

	c2, err := NewCacheManager().GetCache(CacheOptions{Name: "proxy-hosts", Store: reopened})
	require.NoError(t, err)
	addr, ok := c2.Get("proxy.example")
	require.True(t, ok)
	assert.Equal(t, "203.0.113.7", addr.String())

	// Namespaces are isolated
	other, err := OpenSQLiteStore(dbPath, "other")
	require.NoError(t, err)
	defer func() { assert.NoError(t, other.Close()) }()
	_, ok, err = other.Get("proxy.example")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStoreOperations(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "kv.db"), "ns")
	require.NoError(t, err)
	defer func() { assert.NoError(t, store.Close()) }()

	require.NoError(t, store.Set("b", "2"))
	require.NoError(t, store.Set("a", "1"))
	require.NoError(t, store.Set("a", "3"))

	v, ok, err := store.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "3", v)

	var keys []string
	require.NoError(t, store.Iterate(func(key, value string) bool {
		keys = append(keys, key)
		return true
	}))
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, store.Remove("a"))
	_, ok, err = store.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "pending", PendingState().String())
	assert.Equal(t, "resolved(10.0.0.1)", ResolvedState(netip.MustParseAddr("10.0.0.1")).String())
	assert.Equal(t, "failed(E2001)", FailedState(errs.New(errs.ErrCodeHostUnreachable, nil)).String())
	assert.Equal(t, "timed_out(E2002)", TimedOutState("h", time.Second).String())
	assert.False(t, PendingState().IsTerminal())
	assert.True(t, TimedOutState("h", time.Second).IsTerminal())
}
