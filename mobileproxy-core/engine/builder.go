package engine

import (
	"crypto/tls"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/executor"
	"github.com/codefionn/mobileproxy/mobileproxy-core/resolver"
	"github.com/codefionn/mobileproxy/mobileproxy-core/stats"
)

// DefaultCloseWait bounds how long Terminate waits for callbacks that are
// already running.
const DefaultCloseWait = 5 * time.Second

// EventTracker receives engine events such as "engine_running" and
// "proxy_resolution" as flat string maps.
type EventTracker func(event map[string]string)

// Builder collects engine options. Nothing is validated or started until
// Build.
type Builder struct {
	scheme      config.Scheme
	host        string
	port        int
	portSet     bool
	protocol    config.ProxyProtocol
	logLevel    config.LogLevel
	dnsTimeout  int
	dnsSet      bool
	connTimeout int

	enableProxying bool
	systemProxy    config.SystemProxyProvider

	onEngineRunning func()
	callbackExec    executor.Executor
	logSink         func(string)
	eventTracker    EventTracker
	tlsConfig       *tls.Config
	closeWait       time.Duration

	lookup       resolver.Lookuper
	dns          config.DNSConfig
	cache        config.CacheConfig
	cacheManager *resolver.CacheManager
	statsConfig  config.StatsConfig
	collector    stats.Collector
}

// NewBuilder returns a builder for plain http proxying with default
// settings.
func NewBuilder() *Builder {
	defaults := config.Default()
	return &Builder{
		scheme:      config.SchemeHTTP,
		protocol:    config.ProxyProtocolHTTP,
		logLevel:    defaults.LogLevel,
		connTimeout: defaults.ConnectTimeoutSeconds,
		dns:         defaults.DNS,
		cache:       defaults.Cache,
		statsConfig: defaults.Stats,
		closeWait:   DefaultCloseWait,
	}
}

// FromConfig starts a builder from a loaded configuration.
func FromConfig(cfg *config.Config) *Builder {
	b := NewBuilder()
	b.logLevel = cfg.LogLevel
	b.enableProxying = cfg.EnableProxying
	b.connTimeout = cfg.ConnectTimeoutSeconds
	b.dns = cfg.DNS
	b.cache = cfg.Cache
	b.statsConfig = cfg.Stats
	if p := cfg.Proxy; p != nil {
		b.scheme = p.Scheme
		b.host = p.Host
		b.SetPort(int(p.Port))
		b.protocol = p.Protocol
		if p.DNSQueryTimeout > 0 {
			b.AddDNSQueryTimeoutSeconds(int(p.DNSQueryTimeout / time.Second))
		}
	}
	return b
}

// HTTP routes plain http traffic through the proxy.
func (b *Builder) HTTP() *Builder {
	b.scheme = config.SchemeHTTP
	return b
}

// HTTPS routes https traffic through the proxy.
func (b *Builder) HTTPS() *Builder {
	b.scheme = config.SchemeHTTPS
	return b
}

func (b *Builder) SetScheme(scheme config.Scheme) *Builder {
	b.scheme = scheme
	return b
}

// SetHost sets the proxy host, a hostname or IP literal.
func (b *Builder) SetHost(host string) *Builder {
	b.host = host
	return b
}

// SetPort sets the proxy port. Values outside [1, 65535] fail Build.
func (b *Builder) SetPort(port int) *Builder {
	b.port = port
	b.portSet = true
	return b
}

func (b *Builder) SetProxyProtocol(protocol config.ProxyProtocol) *Builder {
	b.protocol = protocol
	return b
}

func (b *Builder) AddLogLevel(level config.LogLevel) *Builder {
	b.logLevel = level
	return b
}

// AddDNSQueryTimeoutSeconds sets the hard deadline for resolving the proxy
// host. It must be positive.
func (b *Builder) AddDNSQueryTimeoutSeconds(seconds int) *Builder {
	b.dnsTimeout = seconds
	b.dnsSet = true
	return b
}

func (b *Builder) AddConnectTimeoutSeconds(seconds int) *Builder {
	b.connTimeout = seconds
	return b
}

// EnableProxying makes the engine ask the system proxy provider for a proxy
// when no host is set explicitly.
func (b *Builder) EnableProxying(enabled bool) *Builder {
	b.enableProxying = enabled
	return b
}

// SetSystemProxyProvider replaces the default provider, which reads the
// HTTP_PROXY family of environment variables.
func (b *Builder) SetSystemProxyProvider(provider config.SystemProxyProvider) *Builder {
	b.systemProxy = provider
	return b
}

// SetOnEngineRunning registers fn to be called once the engine accepts
// streams.
func (b *Builder) SetOnEngineRunning(fn func()) *Builder {
	b.onEngineRunning = fn
	return b
}

// SetCallbackExecutor sets where engine callbacks and events run.
func (b *Builder) SetCallbackExecutor(exec executor.Executor) *Builder {
	b.callbackExec = exec
	return b
}

// SetLogger sends every log line to sink. The logger is process-wide.
func (b *Builder) SetLogger(sink func(string)) *Builder {
	b.logSink = sink
	return b
}

func (b *Builder) SetEventTracker(tracker EventTracker) *Builder {
	b.eventTracker = tracker
	return b
}

// SetTLSConfig sets the client TLS configuration used for https streams.
func (b *Builder) SetTLSConfig(cfg *tls.Config) *Builder {
	b.tlsConfig = cfg
	return b
}

// SetCloseWait bounds how long Terminate waits for running callbacks.
func (b *Builder) SetCloseWait(wait time.Duration) *Builder {
	b.closeWait = wait
	return b
}

// SetLookup replaces the lookup backend chosen from the DNS configuration.
func (b *Builder) SetLookup(lookup resolver.Lookuper) *Builder {
	b.lookup = lookup
	return b
}

func (b *Builder) SetDNS(dns config.DNSConfig) *Builder {
	b.dns = dns
	return b
}

func (b *Builder) SetCache(cache config.CacheConfig) *Builder {
	b.cache = cache
	return b
}

// SetCacheManager shares named resolution caches between engines.
func (b *Builder) SetCacheManager(manager *resolver.CacheManager) *Builder {
	b.cacheManager = manager
	return b
}

func (b *Builder) SetStats(cfg config.StatsConfig) *Builder {
	b.statsConfig = cfg
	return b
}

// SetCollector replaces the collector built from the stats configuration.
func (b *Builder) SetCollector(collector stats.Collector) *Builder {
	b.collector = collector
	return b
}

// settings turns the builder state into a validated configuration.
func (b *Builder) settings() (*config.Config, error) {
	cfg := &config.Config{
		LogLevel:              b.logLevel,
		EnableProxying:        b.enableProxying,
		ConnectTimeoutSeconds: b.connTimeout,
		DNS:                   b.dns,
		Cache:                 b.cache,
		Stats:                 b.statsConfig,
		Listener:              config.DefaultListenerConfig(),
	}

	dnsTimeout := config.DefaultDNSQueryTimeout
	if b.dnsSet {
		if b.dnsTimeout <= 0 {
			return nil, errs.Newf(errs.ErrCodeInvalidDNSTimeout, "dns query timeout must be positive, got %d seconds", b.dnsTimeout)
		}
		dnsTimeout = time.Duration(b.dnsTimeout) * time.Second
	}

	switch {
	case b.host != "" || b.portSet:
		if err := config.ValidatePort(b.port); err != nil {
			return nil, err
		}
		cfg.Proxy = &config.ProxyConfig{
			Scheme:          b.scheme,
			Host:            b.host,
			Port:            uint16(b.port),
			Protocol:        b.protocol,
			DNSQueryTimeout: dnsTimeout,
			LogLevel:        b.logLevel,
		}
	case b.enableProxying:
		provider := b.systemProxy
		if provider == nil {
			provider = config.EnvSystemProxy{}
		}
		if sp, ok := provider.DefaultProxy(b.scheme); ok {
			cfg.Proxy = &config.ProxyConfig{
				Scheme:          b.scheme,
				Host:            sp.Host,
				Port:            sp.Port,
				Protocol:        b.protocol,
				DNSQueryTimeout: dnsTimeout,
				LogLevel:        b.logLevel,
			}
		}
	}

	if cfg.Proxy == nil {
		// Checked even without a proxy.
		if _, err := config.ParseScheme(string(b.scheme)); err != nil {
			return nil, err
		}
		if _, err := config.ParseProxyProtocol(string(b.protocol)); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
