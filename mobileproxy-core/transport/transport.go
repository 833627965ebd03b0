// Package transport performs the network side of a stream: it connects to
// the destination directly or through the proxy cluster and runs one HTTP
// exchange.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"github.com/codefionn/mobileproxy/mobileproxy-core/stats"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// DefaultConnectTimeout bounds dialing the proxy or destination.
const DefaultConnectTimeout = 10 * time.Second

// Target is where a request is sent: straight to its destination, or to a
// resolved proxy endpoint speaking Protocol.
type Target struct {
	Direct   bool
	Proxy    netip.AddrPort
	Protocol config.ProxyProtocol
}

// DirectTarget connects to the request's own destination.
func DirectTarget() Target {
	return Target{Direct: true}
}

func (t Target) String() string {
	if t.Direct {
		return "direct"
	}
	return fmt.Sprintf("%s://%s", t.Protocol, t.Proxy)
}

// Request is one outbound HTTP exchange.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Header    http.Header
	Body      io.Reader // nil for no body
}

// URL returns the absolute URL of the request.
func (r *Request) URL() string {
	path := r.Path
	if path == "" {
		path = "/"
	}
	return r.Scheme + "://" + r.Authority + path
}

// RoundTripper runs requests against a target.
type RoundTripper interface {
	RoundTrip(ctx context.Context, target Target, req *Request) (*http.Response, error)
}

// Options configures a Transport.
type Options struct {
	ConnectTimeout time.Duration
	TLSConfig      *tls.Config
	Collector      stats.Collector
}

// Transport keeps one connection pool per target.
type Transport struct {
	opts Options

	mu     sync.Mutex
	pools  map[Target]*http.Transport
	closed bool
}

// New creates a Transport.
func New(opts Options) *Transport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Collector == nil {
		opts.Collector = stats.NewDummyCollector()
	}
	return &Transport{opts: opts, pools: make(map[Target]*http.Transport)}
}

// RoundTrip sends req through target. Errors are *errs.Error values of the
// transport family, or ErrCodeInvalidRequest for requests that cannot be
// built.
func (t *Transport) RoundTrip(ctx context.Context, target Target, req *Request) (*http.Response, error) {
	if req.Scheme != "http" && req.Scheme != "https" {
		return nil, errs.Newf(errs.ErrCodeInvalidRequest, "unsupported scheme %q", req.Scheme)
	}
	if req.Authority == "" {
		return nil, errs.Newf(errs.ErrCodeInvalidRequest, "request has no authority")
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL(), body)
	if err != nil {
		return nil, errs.New(errs.ErrCodeInvalidRequest, err)
	}
	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Host = req.Authority

	pool, err := t.pool(target)
	if err != nil {
		return nil, err
	}

	logger.Debug("Sending %s %s via %s", method, req.URL(), target)
	resp, err := pool.RoundTrip(httpReq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return resp, nil
}

// CloseIdleConnections closes idle connections of every pool.
func (t *Transport) CloseIdleConnections() {
	t.mu.Lock()
	pools := make([]*http.Transport, 0, len(t.pools))
	for _, p := range t.pools {
		pools = append(pools, p)
	}
	t.mu.Unlock()

	for _, p := range pools {
		p.CloseIdleConnections()
	}
}

// Reset drops every pool, so new requests open fresh connections.
func (t *Transport) Reset() {
	t.mu.Lock()
	pools := t.pools
	t.pools = make(map[Target]*http.Transport)
	t.mu.Unlock()

	for _, p := range pools {
		p.CloseIdleConnections()
	}
}

// Close releases idle connections and rejects further requests.
func (t *Transport) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.Reset()
}

func (t *Transport) pool(target Target) (*http.Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, errs.New(errs.ErrCodeEngineTerminated, nil)
	}
	if p, ok := t.pools[target]; ok {
		return p, nil
	}

	p, err := t.newPool(target)
	if err != nil {
		return nil, err
	}
	t.pools[target] = p
	return p, nil
}

func (t *Transport) newPool(target Target) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: t.opts.ConnectTimeout, KeepAlive: 30 * time.Second}

	p := &http.Transport{
		TLSHandshakeTimeout:   t.opts.ConnectTimeout,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if t.opts.TLSConfig != nil {
		p.TLSClientConfig = t.opts.TLSConfig.Clone()
	}

	track := func(conn net.Conn) net.Conn {
		return newTrackedConn(conn, t.opts.Collector)
	}

	switch {
	case target.Direct:
		p.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, fmt.Errorf("direct dial to %s: %w", addr, err)
			}
			return track(conn), nil
		}

	case target.Protocol == config.ProxyProtocolSOCKS5:
		socks, err := proxy.SOCKS5("tcp", target.Proxy.String(), nil, dialer)
		if err != nil {
			return nil, errs.New(errs.ErrCodeSOCKS5Failed, fmt.Errorf("proxy %s: %w", target.Proxy, err))
		}
		p.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialSOCKS5(ctx, socks, network, addr)
			if err != nil {
				return nil, err
			}
			return track(conn), nil
		}

	default:
		proxyAddr := target.Proxy.String()
		proxyURL := &url.URL{Scheme: "http", Host: proxyAddr}
		// Plain http goes to the proxy in absolute form; https is tunnelled
		// by dialHTTPProxy.
		p.Proxy = func(r *http.Request) (*url.URL, error) {
			if r.URL.Scheme == "http" {
				return proxyURL, nil
			}
			return nil, nil
		}
		p.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if addr == proxyAddr {
				conn, err := dialer.DialContext(ctx, network, proxyAddr)
				if err != nil {
					return nil, fmt.Errorf("proxy server %s: %w", proxyAddr, err)
				}
				return track(conn), nil
			}
			conn, err := dialHTTPProxy(ctx, dialer, proxyAddr, addr)
			if err != nil {
				return nil, err
			}
			return track(conn), nil
		}
	}

	if err := http2.ConfigureTransport(p); err != nil {
		logger.Warn("HTTP/2 unavailable for %s: %v", target, err)
	}
	return p, nil
}
