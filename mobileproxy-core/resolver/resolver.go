// Package resolver resolves the proxy hostname asynchronously with a hard
// deadline. Every resolution produces exactly one terminal State.
package resolver

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
)

// Resolver starts asynchronous lookups.
type Resolver struct {
	lookup Lookuper
	cache  *Cache
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache makes the resolver consult and fill cache.
func WithCache(cache *Cache) Option {
	return func(r *Resolver) {
		r.cache = cache
	}
}

// New creates a resolver backed by lookup.
func New(lookup Lookuper, opts ...Option) *Resolver {
	r := &Resolver{lookup: lookup}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolution is a single in-flight or finished lookup.
type Resolution struct {
	host    string
	timeout time.Duration
	started time.Time
	onDone  func(State)
	cache   *Cache

	once sync.Once
	done chan struct{}

	mu      sync.Mutex
	state   State
	elapsed time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
}

// Resolve starts resolving host and returns immediately. onDone, if not
// nil, is called exactly once with the terminal state, on a goroutine owned
// by the resolver or, after Cancel, on the cancelling goroutine.
// A non-positive timeout uses config.DefaultDNSQueryTimeout.
func (r *Resolver) Resolve(host string, timeout time.Duration, onDone func(State)) *Resolution {
	if timeout <= 0 {
		timeout = config.DefaultDNSQueryTimeout
	}
	host = normalizeHost(host)

	ctx, cancel := context.WithCancel(context.Background())
	res := &Resolution{
		host:    host,
		timeout: timeout,
		started: time.Now(),
		onDone:  onDone,
		done:    make(chan struct{}),
		state:   PendingState(),
		cancel:  cancel,
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		go res.finish(ResolvedState(addr.Unmap()))
		return res
	}

	if !config.IsValidHost(host) {
		go res.finish(FailedState(errs.Newf(errs.ErrCodeMalformedHost, "hostname %q is malformed", host)))
		return res
	}

	if r.cache != nil {
		if addr, ok := r.cache.Get(host); ok {
			logger.Debug("Resolved %s from cache %s: %s", host, r.cache.Name(), addr)
			go res.finish(ResolvedState(addr))
			return res
		}
	}

	res.cache = r.cache
	res.mu.Lock()
	res.timer = time.AfterFunc(timeout, func() {
		if res.finish(TimedOutState(host, timeout)) {
			logger.Debug("Resolution of %s timed out after %s", host, timeout)
		}
	})
	res.mu.Unlock()

	go r.run(ctx, res)
	return res
}

func (r *Resolver) run(ctx context.Context, res *Resolution) {
	addrs, err := r.lookup.LookupAddrs(ctx, res.host)

	var state State
	if err != nil {
		state = FailedState(classifyLookupError(ctx, err))
	} else if addr, ok := preferredAddr(addrs); ok {
		state = ResolvedState(addr)
	} else {
		state = FailedState(errs.New(errs.ErrCodeNoAddresses, nil))
	}

	if !res.finish(state) {
		logger.Trace("Discarding late resolution result for %s: %s", res.host, state)
	}
}

// finish records the terminal state. Only the first call has an effect; it
// reports whether this call won. onDone runs outside the once, so it may
// cancel its own resolution.
func (res *Resolution) finish(state State) bool {
	won := false
	res.once.Do(func() {
		won = true

		res.mu.Lock()
		res.state = state
		res.elapsed = time.Since(res.started)
		timer := res.timer
		res.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		res.cancel()
		if state.Kind == Resolved && res.cache != nil {
			res.cache.Set(res.host, state.Addr)
		}
		close(res.done)
	})
	if won && res.onDone != nil {
		res.onDone(state)
	}
	return won
}

// Host returns the normalized hostname being resolved.
func (res *Resolution) Host() string {
	return res.host
}

// Timeout returns the deadline applied to this resolution.
func (res *Resolution) Timeout() time.Duration {
	return res.timeout
}

// Done is closed once the resolution reached a terminal state.
func (res *Resolution) Done() <-chan struct{} {
	return res.done
}

// State returns the current state; Pending until Done is closed.
func (res *Resolution) State() State {
	res.mu.Lock()
	defer res.mu.Unlock()
	return res.state
}

// Elapsed returns how long the resolution took, or zero while pending.
func (res *Resolution) Elapsed() time.Duration {
	res.mu.Lock()
	defer res.mu.Unlock()
	return res.elapsed
}

// Wait blocks until the resolution finishes or ctx is done.
func (res *Resolution) Wait(ctx context.Context) (State, error) {
	select {
	case <-res.done:
		return res.State(), nil
	case <-ctx.Done():
		return res.State(), ctx.Err()
	}
}

// Cancel aborts a pending resolution, which then fails with
// ErrCodeResolutionCancelled. It reports whether the resolution was still
// pending.
func (res *Resolution) Cancel() bool {
	return res.finish(FailedState(errs.New(errs.ErrCodeResolutionCancelled, nil)))
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}
