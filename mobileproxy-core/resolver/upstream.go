package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
)

// upstreamDialer dials the configured DNS servers in round-robin order,
// speaking UDP, TCP or DNS over TLS.
type upstreamDialer struct {
	dnsConfig  config.DNSConfig
	currentIdx int
	mutex      sync.Mutex
	tlsConfig  *tls.Config
}

func newUpstreamDialer(cfg config.DNSConfig) *upstreamDialer {
	return &upstreamDialer{
		dnsConfig: cfg,
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"dot"},
		},
	}
}

// NewNetResolver returns a net.Resolver. If custom DNS is configured and
// enabled, it queries the configured servers; otherwise it uses the
// system's DNS configuration.
func NewNetResolver(dnsConfig config.DNSConfig) *net.Resolver {
	if dnsConfig.Enabled && len(dnsConfig.Servers) > 0 {
		logger.Debug("Custom DNS resolver initialized with %d server(s)", len(dnsConfig.Servers))
		for i, server := range dnsConfig.Servers {
			logger.Debug("  DNS Server %d: %s (%s)", i, server.Address, server.Type)
		}
		return &net.Resolver{
			PreferGo: true,
			Dial:     newUpstreamDialer(dnsConfig).Dial,
		}
	}

	return &net.Resolver{
		PreferGo: true,
	}
}

func (d *upstreamDialer) next() (int, config.DNSServerConfig) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	serverIdx := d.currentIdx
	d.currentIdx = (d.currentIdx + 1) % len(d.dnsConfig.Servers)
	return serverIdx, d.dnsConfig.Servers[serverIdx]
}

// Dial is the custom dial function for net.Resolver. The address chosen by
// the Go resolver is ignored in favour of the configured servers.
func (d *upstreamDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	serverIdx, dnsServer := d.next()
	logger.Trace("Using DNS server %d: %s (%s)", serverIdx, dnsServer.Address, dnsServer.Type)

	dialer := &net.Dialer{
		Timeout: dnsServer.GetTimeoutDuration(),
	}

	switch dnsServer.Type {
	case config.DNSTypeUDP, config.DNSTypeTCP:
		return dialer.DialContext(ctx, string(dnsServer.Type), dnsServer.Address)

	case config.DNSTypeDoT:
		tcpConn, err := dialer.DialContext(ctx, "tcp", dnsServer.Address)
		if err != nil {
			logger.Error("Failed to establish TCP connection to DoT server %s: %v", dnsServer.Address, err)
			return nil, fmt.Errorf("DoT TCP connection failed: %w", err)
		}

		tlsConfig := d.tlsConfig.Clone()
		if dnsServer.TLSHost != "" {
			tlsConfig.ServerName = dnsServer.TLSHost
		} else if host, _, err := net.SplitHostPort(dnsServer.Address); err == nil {
			tlsConfig.ServerName = host
		}

		tlsConn := tls.Client(tcpConn, tlsConfig)
		handshakeCtx := ctx
		if timeout := dnsServer.GetTimeoutDuration(); timeout > 0 {
			var cancel context.CancelFunc
			handshakeCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			if closeErr := tcpConn.Close(); closeErr != nil {
				logger.Debug("Error closing DoT connection: %v", closeErr)
			}
			logger.Error("TLS handshake failed with DoT server %s: %v", dnsServer.Address, err)
			return nil, fmt.Errorf("DoT TLS handshake failed: %w", err)
		}

		logger.Trace("Established DoT connection to %s", dnsServer.Address)
		return tlsConn, nil

	default:
		return nil, fmt.Errorf("unsupported DNS server type: %s", dnsServer.Type)
	}
}
