// Package proxyserver is a local HTTP forward proxy. It tunnels CONNECT
// requests and forwards absolute-URI requests, and is what the engine talks
// to when pointed at a loopback proxy.
package proxyserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"github.com/codefionn/mobileproxy/mobileproxy-core/routes"
)

// Server is a forward proxy listening on one address.
type Server struct {
	cfg     config.ListenerConfig
	blocked routes.Matcher
	dialer  *net.Dialer
	client  *http.Client

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	connects atomic.Int64
	forwards atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithBlockedDomains rejects requests for the listed domains and their
// subdomains with 403.
func WithBlockedDomains(domains []string) Option {
	return func(s *Server) {
		if len(domains) > 0 {
			s.blocked = routes.NewMatchDomains(domains, true)
		}
	}
}

// New creates a server for cfg.
func New(cfg config.ListenerConfig, opts ...Option) *Server {
	timeout := cfg.GetTimeoutDuration()
	s := &Server{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second},
	}
	s.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           s.dialer.DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves on listener until Stop. It returns nil after a
// regular Stop.
func (s *Server) StartWithListener(listener net.Listener) error {
	timeout := s.cfg.GetTimeoutDuration()
	server := &http.Server{
		Handler:           http.HandlerFunc(s.handleRequest),
		ReadHeaderTimeout: timeout,
	}

	s.mu.Lock()
	s.server = server
	s.listener = listener
	s.mu.Unlock()

	logger.Info("Starting proxy server on %s", listener.Addr().String())
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connects returns how many CONNECT tunnels were established.
func (s *Server) Connects() int64 {
	return s.connects.Load()
}

// Forwards returns how many absolute-URI requests were forwarded.
func (s *Server) Forwards() int64 {
	return s.forwards.Load()
}

// Stop shuts the server down, waiting up to five seconds for open requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if r.Method == http.MethodConnect {
		host = r.URL.Host
	}
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}

	if s.blocked != nil && s.blocked.Match(routes.Input{Host: hostname}) {
		logger.Warn("Host not allowed: %s", host)
		http.Error(w, "Host not allowed", http.StatusForbidden)
		return
	}

	if r.Method == http.MethodConnect {
		s.handleConnect(w, r, host)
		return
	}

	if !r.URL.IsAbs() {
		http.Error(w, "This is a forward proxy; requests must use absolute URIs", http.StatusBadRequest)
		return
	}
	s.forwardRequest(w, r)
}

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeaders(dst, src http.Header) {
	var connectionTokens []string
	for _, v := range src.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			connectionTokens = append(connectionTokens, http.CanonicalHeaderKey(strings.TrimSpace(token)))
		}
	}

	for name, values := range src {
		if _, hop := hopByHopHeaders[name]; hop {
			continue
		}
		skip := false
		for _, token := range connectionTokens {
			if token == name {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func (s *Server) forwardRequest(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.ContentLength = r.ContentLength
	copyHeaders(req.Header, r.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		logger.Error("Failed to forward request to %s: %v", r.URL.Host, err)
		writeProxyErrorResponse(w, upstreamError(err))
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	s.forwards.Add(1)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Error("Failed to copy response body: %v", err)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, targetAddr string) {
	logger.Debug("CONNECT request for %s", targetAddr)

	targetConn, err := s.dialer.DialContext(r.Context(), "tcp", targetAddr)
	if err != nil {
		logger.Error("Failed to establish connection to target %s (via %s): %v", targetAddr, r.RemoteAddr, err)
		writeProxyErrorResponse(w, upstreamError(err))
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = targetConn.Close()
		logger.Error("HTTP server does not support hijacking")
		writeProxyErrorResponse(w, errs.Newf(errs.ErrCodeInternalError, "hijacking not supported"))
		return
	}

	w.WriteHeader(http.StatusOK)
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		_ = targetConn.Close()
		logger.Error("Failed to hijack connection: %v", err)
		return
	}
	s.connects.Add(1)

	tunnel(clientConn, clientBuf.Reader, targetConn)
}

// tunnel copies bytes both ways until either side is done.
func tunnel(clientConn net.Conn, clientBuf *bufio.Reader, targetConn net.Conn) {
	defer clientConn.Close()
	defer targetConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		defer wg.Done()
		defer cancel()
		if clientBuf != nil && clientBuf.Buffered() > 0 {
			if _, err := io.CopyN(targetConn, clientBuf, int64(clientBuf.Buffered())); err != nil {
				if !isClosedConnError(err) {
					logger.Error("Failed to write buffered data to target: %v", err)
				}
				return
			}
		}
		if _, err := io.Copy(targetConn, clientConn); err != nil && !isClosedConnError(err) {
			logger.Warn("TCP tunnel copy error (client to target): %v", err)
		}
		if tcpConn, ok := targetConn.(*net.TCPConn); ok {
			_ = tcpConn.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		if _, err := io.Copy(clientConn, targetConn); err != nil && !isClosedConnError(err) {
			logger.Warn("TCP tunnel copy error (target to client): %v", err)
		}
		if tcpConn, ok := clientConn.(*net.TCPConn); ok {
			_ = tcpConn.CloseWrite()
		}
	}()

	go func() {
		<-ctx.Done()
		clientConn.Close()
		targetConn.Close()
	}()

	wg.Wait()
	logger.Debug("TCP tunnel closed")
}
