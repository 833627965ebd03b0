package resolver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/miekg/dns"
)

// Lookuper turns a hostname into addresses. Implementations must honour
// ctx cancellation.
type Lookuper interface {
	LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error)
}

// LookupFunc adapts a function to the Lookuper interface.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// LookupAddrs implements Lookuper.
func (f LookupFunc) LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error) {
	return f(ctx, host)
}

// NewLookup picks the lookup backend described by cfg.
func NewLookup(cfg config.DNSConfig) Lookuper {
	if cfg.Enabled && cfg.Backend == config.DNSBackendWire && len(cfg.Servers) > 0 {
		return NewWireLookup(cfg)
	}
	return &NetLookup{Resolver: NewNetResolver(cfg)}
}

// NetLookup resolves through a net.Resolver.
type NetLookup struct {
	Resolver *net.Resolver
}

// LookupAddrs implements Lookuper.
func (l *NetLookup) LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error) {
	r := l.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, classifyLookupError(ctx, err)
	}
	if len(addrs) == 0 {
		return nil, errs.New(errs.ErrCodeNoAddresses, nil)
	}
	return addrs, nil
}

func classifyLookupError(ctx context.Context, err error) *errs.Error {
	if e, ok := errs.As(err); ok {
		return e
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return errs.New(errs.ErrCodeResolutionCancelled, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return errs.New(errs.ErrCodeHostUnreachable, err)
		case dnsErr.IsTimeout:
			return errs.New(errs.ErrCodeResolutionTimedOut, err)
		}
	}
	return errs.New(errs.ErrCodeLookupFailed, err)
}

// WireLookup queries the configured servers directly with DNS messages,
// asking for A records and then AAAA records.
type WireLookup struct {
	servers []config.DNSServerConfig
	next    atomic.Uint32
}

// NewWireLookup creates a wire-protocol lookup for the configured servers.
func NewWireLookup(cfg config.DNSConfig) *WireLookup {
	return &WireLookup{servers: cfg.Servers}
}

// LookupAddrs implements Lookuper.
func (w *WireLookup) LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error) {
	if len(w.servers) == 0 {
		return nil, errs.Newf(errs.ErrCodeLookupFailed, "no DNS servers configured")
	}
	idx := int(w.next.Add(1)-1) % len(w.servers)
	server := w.servers[idx]
	client := wireClient(server)

	fqdn := dns.Fqdn(host)
	var addrs []netip.Addr
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		resp, _, err := client.ExchangeContext(ctx, msg, server.Address)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errs.New(errs.ErrCodeResolutionCancelled, ctx.Err())
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, errs.New(errs.ErrCodeResolutionTimedOut, err)
			}
			return nil, errs.New(errs.ErrCodeLookupFailed, err)
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, errs.New(errs.ErrCodeHostUnreachable, fmt.Errorf("%s: NXDOMAIN from %s", host, server.Address))
		default:
			return nil, errs.New(errs.ErrCodeLookupFailed, fmt.Errorf("%s: %s from %s", host, dns.RcodeToString[resp.Rcode], server.Address))
		}

		for _, rr := range resp.Answer {
			switch record := rr.(type) {
			case *dns.A:
				if addr, ok := netip.AddrFromSlice(record.A); ok {
					addrs = append(addrs, addr.Unmap())
				}
			case *dns.AAAA:
				if addr, ok := netip.AddrFromSlice(record.AAAA); ok {
					addrs = append(addrs, addr)
				}
			}
		}
	}

	if len(addrs) == 0 {
		return nil, errs.New(errs.ErrCodeHostUnreachable, fmt.Errorf("%s: no A or AAAA records", host))
	}
	return addrs, nil
}

func wireClient(server config.DNSServerConfig) *dns.Client {
	client := &dns.Client{
		Net:     "udp",
		Timeout: server.GetTimeoutDuration(),
	}
	switch server.Type {
	case config.DNSTypeTCP:
		client.Net = "tcp"
	case config.DNSTypeDoT:
		client.Net = "tcp-tls"
		serverName := server.TLSHost
		if serverName == "" {
			if host, _, err := net.SplitHostPort(server.Address); err == nil {
				serverName = host
			}
		}
		client.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: serverName,
		}
	}
	return client
}
