package config

import (
	"net"
	"net/url"
	"strconv"

	"golang.org/x/net/http/httpproxy"
)

// SystemProxy is the proxy endpoint reported by the platform
type SystemProxy struct {
	Host string
	Port uint16
}

// SystemProxyProvider reports the platform's current default proxy.
type SystemProxyProvider interface {
	// DefaultProxy returns the proxy for traffic of the given scheme and
	// false when the platform has none.
	DefaultProxy(scheme Scheme) (SystemProxy, bool)
}

// StaticSystemProxy always reports the same proxy. A nil Proxy reports none.
type StaticSystemProxy struct {
	Proxy *SystemProxy
}

// DefaultProxy implements SystemProxyProvider.
func (s StaticSystemProxy) DefaultProxy(Scheme) (SystemProxy, bool) {
	if s.Proxy == nil {
		return SystemProxy{}, false
	}
	return *s.Proxy, true
}

// EnvSystemProxy reads HTTP_PROXY / HTTPS_PROXY / NO_PROXY style settings.
type EnvSystemProxy struct {
	// Config overrides the environment when set.
	Config *httpproxy.Config
	// ProbeHost is the destination used to evaluate NO_PROXY rules.
	ProbeHost string
}

// DefaultProxy implements SystemProxyProvider.
func (e EnvSystemProxy) DefaultProxy(scheme Scheme) (SystemProxy, bool) {
	cfg := e.Config
	if cfg == nil {
		cfg = httpproxy.FromEnvironment()
	}
	probe := e.ProbeHost
	if probe == "" {
		probe = "mobileproxy.invalid"
	}

	proxyURL, err := cfg.ProxyFunc()(&url.URL{Scheme: string(scheme), Host: probe})
	if err != nil || proxyURL == nil {
		return SystemProxy{}, false
	}

	host := proxyURL.Hostname()
	portStr := proxyURL.Port()
	if portStr == "" {
		switch proxyURL.Scheme {
		case "https":
			portStr = "443"
		case "socks5":
			portStr = "1080"
		default:
			portStr = "80"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || ValidatePort(port) != nil || host == "" {
		return SystemProxy{}, false
	}
	return SystemProxy{Host: host, Port: uint16(port)}, true
}

// Address returns host:port.
func (s SystemProxy) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}
