package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"golang.org/x/net/proxy"
)

const userAgent = "mobileproxy/1.0"

// dialHTTPProxy opens a CONNECT tunnel to targetHostPort through the HTTP
// proxy at proxyAddr.
func dialHTTPProxy(ctx context.Context, dialer *net.Dialer, proxyAddr, targetHostPort string) (net.Conn, error) {
	logger.Debug("Dialing HTTP proxy %s to reach %s", proxyAddr, targetHostPort)

	proxyConn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("proxy server %s: %w", proxyAddr, err))
	}

	// Unblock the handshake when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		closeConn(proxyConn)
	})
	defer stop()

	connectReq, err := http.NewRequest(http.MethodConnect, "http://"+targetHostPort, http.NoBody)
	if err != nil {
		closeConn(proxyConn)
		return nil, errs.New(errs.ErrCodeInvalidRequest, fmt.Errorf("creating CONNECT for %s: %w", targetHostPort, err))
	}
	connectReq.Host = targetHostPort
	connectReq.Header.Set("User-Agent", userAgent)
	connectReq.Header.Set("Proxy-Connection", "keep-alive")

	if err := connectReq.Write(proxyConn); err != nil {
		closeConn(proxyConn)
		return nil, classifyTunnelError(ctx, proxyAddr, err)
	}

	proxyReader := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(proxyReader, connectReq)
	if err != nil {
		closeConn(proxyConn)
		return nil, classifyTunnelError(ctx, proxyAddr, err)
	}
	defer func() {
		if closeErr := connectResp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	if connectResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		closeConn(proxyConn)
		logger.Warn("Proxy %s denied CONNECT to %s with status %s", proxyAddr, targetHostPort, connectResp.Status)
		return nil, errs.New(errs.ErrCodeProxyDenied, fmt.Errorf("proxy %s answered CONNECT %s with %s: %s",
			proxyAddr, targetHostPort, connectResp.Status, string(bodyBytes)))
	}

	if ctx.Err() != nil {
		closeConn(proxyConn)
		return nil, errs.New(errs.ErrCodeRequestCancelled, ctx.Err())
	}

	logger.Debug("CONNECT tunnel established via proxy %s to %s", proxyAddr, targetHostPort)
	if proxyReader.Buffered() > 0 {
		return &bufferedConn{Conn: proxyConn, r: proxyReader}, nil
	}
	return proxyConn, nil
}

func classifyTunnelError(ctx context.Context, proxyAddr string, err error) *errs.Error {
	classified := classify(ctx, err)
	if classified.Code == errs.ErrCodeConnectFailed {
		return errs.New(errs.ErrCodeProtocolError, fmt.Errorf("CONNECT through %s: %w", proxyAddr, err))
	}
	return classified
}

// dialSOCKS5 connects to addr through a SOCKS5 dialer, honouring ctx.
func dialSOCKS5(ctx context.Context, socks proxy.Dialer, network, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		var conn net.Conn
		var err error
		if ctxDialer, ok := socks.(proxy.ContextDialer); ok {
			conn, err = ctxDialer.DialContext(ctx, network, addr)
		} else {
			conn, err = socks.Dial(network, addr)
		}
		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			if c := classify(ctx, res.err); c.Code != errs.ErrCodeConnectFailed {
				return nil, c
			}
			return nil, errs.New(errs.ErrCodeSOCKS5Failed, fmt.Errorf("target %s: %w", addr, res.err))
		}
		return res.conn, nil
	case <-ctx.Done():
		go func() {
			if res := <-resultChan; res.conn != nil {
				closeConn(res.conn)
			}
		}()
		return nil, errs.New(errs.ErrCodeRequestCancelled, ctx.Err())
	}
}

// bufferedConn hands out bytes the proxy sent right after its CONNECT
// response before reading from the connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (bc *bufferedConn) Read(b []byte) (int, error) {
	return bc.r.Read(b)
}

func closeConn(conn net.Conn) {
	if err := conn.Close(); err != nil && !isClosedConnError(err) {
		logger.Debug("Error closing connection: %v", err)
	}
}
