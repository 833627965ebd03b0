package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http/httpproxy"
)

func createTempConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, LogLevelInfo, cfg.LogLevel)
	assert.False(t, cfg.EnableProxying)
	assert.Nil(t, cfg.Proxy)
	assert.Equal(t, 10*time.Second, cfg.GetConnectTimeout())
	assert.Equal(t, DNSBackendGo, cfg.DNS.Backend)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listener.ListenAddress)
}

func TestLoadConfigJSON(t *testing.T) {
	content := `{
  "log-level": "debug",
  "enable-proxying": true,
  "connect-timeout-seconds": 5,
  "proxy": {
    "scheme": "https",
    "host": "proxy.example.com",
    "port": 3128,
    "dns-query-timeout-seconds": 2
  },
  "dns": {
    "enabled": true,
    "backend": "wire",
    "servers": [
      {"address": "127.0.0.1:5353", "type": "udp", "timeout-seconds": 1},
      {"address": "9.9.9.9:853", "type": "dot", "tls-host": "dns.quad9.net"}
    ]
  },
  "cache": {
    "name": "proxy-hosts",
    "max-entries": 10,
    "ttl-seconds": 60,
    "prepopulated": [{"hostname": "proxy.example.com", "address": "10.0.0.1"}]
  },
  "stats": {"enabled": false, "namespace": "client"},
  "listener": {"listen-address": "127.0.0.1:9090", "timeout-seconds": 15}
}`
	path := createTempConfigFile(t, t.TempDir(), "config.json", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, LogLevelDebug, cfg.LogLevel)
	assert.True(t, cfg.EnableProxying)
	assert.Equal(t, 5, cfg.ConnectTimeoutSeconds)

	require.NotNil(t, cfg.Proxy)
	assert.Equal(t, SchemeHTTPS, cfg.Proxy.Scheme)
	assert.Equal(t, "proxy.example.com", cfg.Proxy.Host)
	assert.Equal(t, uint16(3128), cfg.Proxy.Port)
	assert.Equal(t, ProxyProtocolHTTP, cfg.Proxy.Protocol)
	assert.Equal(t, 2*time.Second, cfg.Proxy.DNSQueryTimeout)
	assert.Equal(t, LogLevelDebug, cfg.Proxy.LogLevel)
	assert.Equal(t, "proxy.example.com:3128", cfg.Proxy.Address())

	assert.True(t, cfg.DNS.Enabled)
	assert.Equal(t, DNSBackendWire, cfg.DNS.Backend)
	require.Len(t, cfg.DNS.Servers, 2)
	assert.Equal(t, DNSTypeDoT, cfg.DNS.Servers[1].Type)
	assert.Equal(t, "dns.quad9.net", cfg.DNS.Servers[1].TLSHost)
	assert.Equal(t, time.Second, cfg.DNS.Servers[0].GetTimeoutDuration())

	assert.Equal(t, "proxy-hosts", cfg.Cache.Name)
	assert.Equal(t, time.Minute, cfg.Cache.GetTTLDuration())
	assert.Equal(t, []CacheEntry{{Hostname: "proxy.example.com", Address: "10.0.0.1"}}, cfg.Cache.Prepopulated)

	assert.False(t, cfg.Stats.Enabled)
	assert.Equal(t, "client", cfg.Stats.Namespace)
	assert.Equal(t, "127.0.0.1:9090", cfg.Listener.ListenAddress)
	assert.Equal(t, 15*time.Second, cfg.Listener.GetTimeoutDuration())
}

func TestLoadConfigHCL(t *testing.T) {
	t.Setenv("TEST_PROXY_HOST", "hcl-proxy.example.com")

	content := `
log-level = "trace"
proxy = {
  scheme = "http"
  host = env.TEST_PROXY_HOST
  port = 8888
  protocol = "socks5"
}
dns = {
  enabled = true
  servers = [
    {
      address = "127.0.0.1:53"
      type = "tcp"
      timeout-seconds = 3
    }
  ]
}
`
	path := createTempConfigFile(t, t.TempDir(), "config.hcl", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, LogLevelTrace, cfg.LogLevel)
	require.NotNil(t, cfg.Proxy)
	assert.Equal(t, "hcl-proxy.example.com", cfg.Proxy.Host)
	assert.Equal(t, uint16(8888), cfg.Proxy.Port)
	assert.Equal(t, ProxyProtocolSOCKS5, cfg.Proxy.Protocol)
	assert.Equal(t, DefaultDNSQueryTimeout, cfg.Proxy.DNSQueryTimeout)
	require.Len(t, cfg.DNS.Servers, 1)
	assert.Equal(t, DNSTypeTCP, cfg.DNS.Servers[0].Type)
	assert.Equal(t, 3, cfg.DNS.Servers[0].TimeoutSeconds)
}

func TestLoadConfigHCLSyntaxError(t *testing.T) {
	path := createTempConfigFile(t, t.TempDir(), "broken.hcl", `proxy = {`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Equal(t, errs.ErrCodeConfigParseFailed, errs.CodeOf(err))
}

func TestLoadConfigYAML(t *testing.T) {
	content := `
log-level: warn
enable-proxying: true
proxy:
  scheme: https
  host: 10.0.0.7
  port: 8443
  dns-query-timeout-seconds: 4
cache:
  enabled: false
`
	path := createTempConfigFile(t, t.TempDir(), "config.yaml", content)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, LogLevelWarn, cfg.LogLevel)
	assert.True(t, cfg.EnableProxying)
	require.NotNil(t, cfg.Proxy)
	assert.Equal(t, "10.0.0.7", cfg.Proxy.Host)
	assert.Equal(t, uint16(8443), cfg.Proxy.Port)
	assert.Equal(t, 4*time.Second, cfg.Proxy.DNSQueryTimeout)
	assert.False(t, cfg.Cache.Enabled)
}

func TestLoadConfigSecret(t *testing.T) {
	dir := t.TempDir()
	content := `{"proxy": {"host": {"_secret": "TEST_SECRET_PROXY_HOST"}, "port": 8080}}`
	path := createTempConfigFile(t, dir, "secret.json", content)

	t.Run("secret set", func(t *testing.T) {
		t.Setenv("TEST_SECRET_PROXY_HOST", "secret-proxy.example.com")
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		require.NotNil(t, cfg.Proxy)
		assert.Equal(t, "secret-proxy.example.com", cfg.Proxy.Host)
	})

	t.Run("secret missing", func(t *testing.T) {
		t.Setenv("TEST_SECRET_PROXY_HOST", "")
		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secret TEST_SECRET_PROXY_HOST not set")
	})
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name     string
		file     string
		content  string
		wantCode string
	}{
		{"unsupported extension", "config.toml", `a = 1`, errs.ErrCodeUnsupportedFormat},
		{"invalid json", "bad.json", `{`, errs.ErrCodeConfigParseFailed},
		{"port out of range", "port.json", `{"proxy": {"host": "p.example", "port": 70000}}`, errs.ErrCodeInvalidPort},
		{"port zero", "zero.json", `{"proxy": {"host": "p.example", "port": 0}}`, errs.ErrCodeInvalidPort},
		{"empty host", "host.json", `{"proxy": {"host": "", "port": 80}}`, errs.ErrCodeEmptyHost},
		{"malformed host", "malformed.json", `{"proxy": {"host": "bad host", "port": 80}}`, errs.ErrCodeInvalidHost},
		{"bad scheme", "scheme.json", `{"proxy": {"scheme": "ftp", "host": "p.example", "port": 80}}`, errs.ErrCodeInvalidScheme},
		{"bad protocol", "protocol.json", `{"proxy": {"protocol": "quic", "host": "p.example", "port": 80}}`, errs.ErrCodeInvalidProxyProtocol},
		{"bad timeout", "timeout.json", `{"proxy": {"host": "p.example", "port": 80, "dns-query-timeout-seconds": 0}}`, errs.ErrCodeInvalidDNSTimeout},
		{"bad log level", "level.json", `{"log-level": "verbose"}`, errs.ErrCodeInvalidLogLevel},
		{"servers not array", "servers.json", `{"dns": {"servers": "8.8.8.8"}}`, errs.ErrCodeConfigParseFailed},
		{"dns without servers", "dns.json", `{"dns": {"enabled": true, "servers": []}}`, errs.ErrCodeInvalidDNSServer},
		{"connect timeout", "connect.json", `{"connect-timeout-seconds": -1}`, errs.ErrCodeInvalidTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := createTempConfigFile(t, dir, tt.file, tt.content)
			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errs.CodeOf(err), err.Error())
			assert.True(t, errs.IsConfigError(err))
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("MOBILEPROXY_LOGLEVEL", "error")
	t.Setenv("MOBILEPROXY_ENABLEPROXYING", "true")
	t.Setenv("MOBILEPROXY_PROXY_HOST", "env-proxy.example.com")
	t.Setenv("MOBILEPROXY_PROXY_PORT", "3129")
	t.Setenv("MOBILEPROXY_PROXY_SCHEME", "https")
	t.Setenv("MOBILEPROXY_PROXY_DNSTIMEOUTSECONDS", "7")
	t.Setenv("MOBILEPROXY_LISTENADDRESS", "127.0.0.1:18080")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, LogLevelError, cfg.LogLevel)
	assert.True(t, cfg.EnableProxying)
	require.NotNil(t, cfg.Proxy)
	assert.Equal(t, "env-proxy.example.com", cfg.Proxy.Host)
	assert.Equal(t, uint16(3129), cfg.Proxy.Port)
	assert.Equal(t, SchemeHTTPS, cfg.Proxy.Scheme)
	assert.Equal(t, 7*time.Second, cfg.Proxy.DNSQueryTimeout)
	assert.Equal(t, "127.0.0.1:18080", cfg.Listener.ListenAddress)

	// File values win over the environment
	path := createTempConfigFile(t, t.TempDir(), "override.json", `{"proxy": {"port": 4000}}`)
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "env-proxy.example.com", cfg.Proxy.Host)
	assert.Equal(t, uint16(4000), cfg.Proxy.Port)
}

func TestProxyConfigValidate(t *testing.T) {
	valid := ProxyConfig{
		Scheme:          SchemeHTTPS,
		Host:            "loopback",
		Port:            8080,
		Protocol:        ProxyProtocolHTTP,
		DNSQueryTimeout: 2 * time.Second,
		LogLevel:        LogLevelDebug,
	}
	require.NoError(t, valid.Validate())

	ipv6 := valid
	ipv6.Host = "::1"
	require.NoError(t, ipv6.Validate())
	assert.Equal(t, "[::1]:8080", ipv6.Address())

	noPort := valid
	noPort.Port = 0
	assert.Equal(t, errs.ErrCodeInvalidPort, errs.CodeOf(noPort.Validate()))

	badLevel := valid
	badLevel.LogLevel = "loud"
	assert.Equal(t, errs.ErrCodeInvalidLogLevel, errs.CodeOf(badLevel.Validate()))
}

func TestIsValidHost(t *testing.T) {
	for _, host := range []string{"localhost", "proxy.example.com", "127.0.0.1", "::1", "[::1]", "a-b.c"} {
		assert.True(t, IsValidHost(host), host)
	}
	for _, host := range []string{"bad host", "a..b", "http://x", "user@host", "host:80"} {
		assert.False(t, IsValidHost(host), host)
	}
}

func TestParseLogLevel(t *testing.T) {
	level, err := ParseLogLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, LogLevelWarn, level)

	level, err = ParseLogLevel("Off")
	require.NoError(t, err)
	assert.Equal(t, LogLevelOff, level)

	_, err = ParseLogLevel("")
	assert.Error(t, err)
}

func TestSystemProxyProviders(t *testing.T) {
	t.Run("static", func(t *testing.T) {
		_, ok := StaticSystemProxy{}.DefaultProxy(SchemeHTTPS)
		assert.False(t, ok)

		proxy, ok := StaticSystemProxy{Proxy: &SystemProxy{Host: "loopback", Port: 3128}}.DefaultProxy(SchemeHTTPS)
		require.True(t, ok)
		assert.Equal(t, "loopback:3128", proxy.Address())
	})

	t.Run("environment config", func(t *testing.T) {
		provider := EnvSystemProxy{Config: &httpproxy.Config{
			HTTPProxy:  "http://10.1.1.1:3128",
			HTTPSProxy: "http://10.1.1.2",
		}}

		proxy, ok := provider.DefaultProxy(SchemeHTTP)
		require.True(t, ok)
		assert.Equal(t, SystemProxy{Host: "10.1.1.1", Port: 3128}, proxy)

		proxy, ok = provider.DefaultProxy(SchemeHTTPS)
		require.True(t, ok)
		assert.Equal(t, SystemProxy{Host: "10.1.1.2", Port: 80}, proxy)
	})

	t.Run("no proxy excludes probe host", func(t *testing.T) {
		provider := EnvSystemProxy{
			Config:    &httpproxy.Config{HTTPSProxy: "http://10.1.1.2:8080", NoProxy: "internal.example"},
			ProbeHost: "api.internal.example",
		}
		_, ok := provider.DefaultProxy(SchemeHTTPS)
		assert.False(t, ok)
	})

	t.Run("empty environment", func(t *testing.T) {
		_, ok := EnvSystemProxy{Config: &httpproxy.Config{}}.DefaultProxy(SchemeHTTPS)
		assert.False(t, ok)
	})
}

func TestHasChanged(t *testing.T) {
	a := Default()
	b := Default()
	assert.False(t, HasChanged(a, b))
	assert.True(t, HasChanged(a, nil))
	assert.False(t, HasChanged(nil, nil))

	b.Proxy = &ProxyConfig{Host: "p.example", Port: 80}
	assert.True(t, HasChanged(a, b))

	a.Proxy = &ProxyConfig{Host: "p.example", Port: 80}
	assert.False(t, HasChanged(a, b))

	b.DNS.Servers = append(b.DNS.Servers, DNSServerConfig{Address: "9.9.9.9:53", Type: DNSTypeUDP})
	assert.True(t, HasChanged(a, b))

	c := Default()
	c.Cache.Prepopulated = []CacheEntry{{Hostname: "a", Address: "10.0.0.1"}}
	assert.True(t, HasChanged(Default(), c))

	d := Default()
	d.Listener.ListenAddress = "127.0.0.1:1"
	assert.True(t, HasChanged(Default(), d))
}

func TestWatchReloadsConfig(t *testing.T) {
	dir := t.TempDir()
	path := createTempConfigFile(t, dir, "watched.json", `{"log-level": "info"}`)

	var reloads atomic.Int32
	var lastLevel atomic.Value
	w, err := Watch(path, 20*time.Millisecond, func(cfg *Config) {
		lastLevel.Store(cfg.LogLevel)
		reloads.Add(1)
	})
	require.NoError(t, err)
	defer func() { assert.NoError(t, w.Stop()) }()

	require.NoError(t, os.WriteFile(path, []byte(`{"log-level": "debug"}`), 0o600))

	require.Eventually(t, func() bool {
		level, _ := lastLevel.Load().(LogLevel)
		return reloads.Load() >= 1 && level == LogLevelDebug
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, w.Stop())
}
