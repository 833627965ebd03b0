package config

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"github.com/miekg/dns"
)

// Scheme is the traffic scheme a proxy listener handles
type Scheme string

// Available schemes
const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// ParseScheme parses a scheme case-insensitively.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(s)) {
	case SchemeHTTP:
		return SchemeHTTP, nil
	case SchemeHTTPS:
		return SchemeHTTPS, nil
	}
	return "", errs.Newf(errs.ErrCodeInvalidScheme, "scheme must be http or https, got %q", s)
}

// ProxyProtocol is the protocol spoken to the proxy endpoint
type ProxyProtocol string

// Available proxy protocols
const (
	ProxyProtocolHTTP   ProxyProtocol = "http"   // HTTP proxy (CONNECT for https traffic)
	ProxyProtocolSOCKS5 ProxyProtocol = "socks5" // SOCKS5 proxy
)

// ParseProxyProtocol parses a proxy protocol case-insensitively.
func ParseProxyProtocol(s string) (ProxyProtocol, error) {
	switch ProxyProtocol(strings.ToLower(s)) {
	case ProxyProtocolHTTP, "":
		return ProxyProtocolHTTP, nil
	case ProxyProtocolSOCKS5:
		return ProxyProtocolSOCKS5, nil
	}
	return "", errs.Newf(errs.ErrCodeInvalidProxyProtocol, "proxy protocol must be http or socks5, got %q", s)
}

// LogLevel is the textual log level accepted in configuration
type LogLevel string

// Available log levels
const (
	LogLevelTrace    LogLevel = "trace"
	LogLevelDebug    LogLevel = "debug"
	LogLevelInfo     LogLevel = "info"
	LogLevelWarn     LogLevel = "warn"
	LogLevelError    LogLevel = "error"
	LogLevelCritical LogLevel = "critical"
	LogLevelOff      LogLevel = "off"
)

// ParseLogLevel validates and normalizes a log level.
func ParseLogLevel(s string) (LogLevel, error) {
	if !logger.IsValidLevelString(s) {
		return "", errs.Newf(errs.ErrCodeInvalidLogLevel, "unknown log level %q", s)
	}
	return LogLevel(strings.ToLower(logger.GetLevelFromString(s).String())), nil
}

// LoggerLevel converts to the logger's level type.
func (l LogLevel) LoggerLevel() logger.LogLevel {
	return logger.GetLevelFromString(string(l))
}

// DefaultDNSQueryTimeout is used when no timeout is configured
const DefaultDNSQueryTimeout = 25 * time.Second

// ProxyConfig describes the forward proxy endpoint.
// Values are only produced through validation and are never mutated afterwards.
type ProxyConfig struct {
	Scheme          Scheme        // traffic scheme routed through the proxy
	Host            string        // hostname or IP literal of the proxy
	Port            uint16        // proxy port
	Protocol        ProxyProtocol // protocol spoken to the proxy
	DNSQueryTimeout time.Duration // hard deadline for resolving Host
	LogLevel        LogLevel      // engine log verbosity
}

// Address returns host:port of the proxy endpoint.
func (p ProxyConfig) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
}

// Validate checks every field and returns the first ConfigError found.
func (p ProxyConfig) Validate() error {
	if _, err := ParseScheme(string(p.Scheme)); err != nil {
		return err
	}
	if err := ValidatePort(int(p.Port)); err != nil {
		return err
	}
	if err := ValidateHost(p.Host); err != nil {
		return err
	}
	if _, err := ParseProxyProtocol(string(p.Protocol)); err != nil {
		return err
	}
	if p.DNSQueryTimeout <= 0 {
		return errs.Newf(errs.ErrCodeInvalidDNSTimeout, "dns query timeout must be positive, got %s", p.DNSQueryTimeout)
	}
	if _, err := ParseLogLevel(string(p.LogLevel)); err != nil {
		return err
	}
	return nil
}

// ValidatePort checks that port is in [1, 65535].
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return errs.Newf(errs.ErrCodeInvalidPort, "port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateHost checks that host is non-empty and is either an IP literal
// or a syntactically valid DNS name.
func ValidateHost(host string) error {
	if strings.TrimSpace(host) == "" {
		return errs.New(errs.ErrCodeEmptyHost, nil)
	}
	if !IsValidHost(host) {
		return errs.Newf(errs.ErrCodeInvalidHost, "invalid proxy host %q", host)
	}
	return nil
}

// IsValidHost reports whether host is an IP literal or a valid DNS name.
func IsValidHost(host string) bool {
	if _, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return true
	}
	if strings.ContainsAny(host, " \t\r\n/\\:@") {
		return false
	}
	labels, ok := dns.IsDomainName(host)
	return ok && labels > 0
}
