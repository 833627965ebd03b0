package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration as loaded from a file.
type Config struct {
	LogLevel              LogLevel       // engine log verbosity
	EnableProxying        bool           // consult the system proxy when no proxy is set explicitly
	ConnectTimeoutSeconds int            // upstream connect timeout
	Proxy                 *ProxyConfig   // explicit proxy endpoint, nil for none
	DNS                   DNSConfig      // proxy host resolution
	Cache                 CacheConfig    // resolution cache
	Stats                 StatsConfig    // metrics
	Listener              ListenerConfig // local forward proxy server
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		LogLevel:              LogLevelInfo,
		ConnectTimeoutSeconds: 10,
		DNS:                   DefaultDNSConfig(),
		Cache:                 DefaultCacheConfig(),
		Stats:                 DefaultStatsConfig(),
		Listener:              DefaultListenerConfig(),
	}
}

// GetConnectTimeout returns the connect timeout as a time.Duration
func (c *Config) GetConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// Validate checks the whole configuration and returns the first ConfigError.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(string(c.LogLevel)); err != nil {
		return err
	}
	if c.ConnectTimeoutSeconds <= 0 {
		return errs.Newf(errs.ErrCodeInvalidTimeout, "connect-timeout-seconds must be positive, got %d", c.ConnectTimeoutSeconds)
	}
	if c.Proxy != nil {
		if err := c.Proxy.Validate(); err != nil {
			return err
		}
	}
	if c.DNS.Enabled {
		if len(c.DNS.Servers) == 0 {
			return errs.Newf(errs.ErrCodeInvalidDNSServer, "dns is enabled but no servers are configured")
		}
		for i, server := range c.DNS.Servers {
			if server.Address == "" {
				return errs.Newf(errs.ErrCodeInvalidDNSServer, "dns server at index %d has no address", i)
			}
			switch server.Type {
			case DNSTypeUDP, DNSTypeTCP, DNSTypeDoT:
			default:
				return errs.Newf(errs.ErrCodeInvalidDNSServer, "dns server at index %d has invalid type %q", i, server.Type)
			}
		}
	}
	switch c.DNS.Backend {
	case DNSBackendGo, DNSBackendWire, "":
	default:
		return errs.Newf(errs.ErrCodeInvalidDNSServer, "invalid dns backend %q", c.DNS.Backend)
	}
	if c.Cache.Enabled {
		if c.Cache.Name == "" || c.Cache.MaxEntries < 0 || c.Cache.TTLSeconds < 0 {
			return errs.Newf(errs.ErrCodeInvalidCacheOptions, "cache needs a name and non-negative limits")
		}
	}
	return nil
}

// LoadConfig loads configuration from the specified file path.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	// Apply environment variables
	loadConfigFromEnv(cfg)

	// If config file exists, load it
	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		case ".yaml", ".yml":
			err = loadYAMLConfig(configPath, cfg)
		default:
			return nil, errs.Newf(errs.ErrCodeUnsupportedFormat, "unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(configPath string) ([]byte, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	raw, err := readConfigFile(configPath)
	if err != nil {
		return errs.New(errs.ErrCodeConfigParseFailed, err)
	}

	// First, decode into a map to handle the hyphenated keys
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return errs.New(errs.ErrCodeConfigParseFailed, fmt.Errorf("failed to decode JSON config: %w", err))
	}

	return applyConfigData(data, cfg)
}

func loadYAMLConfig(configPath string, cfg *Config) error {
	raw, err := readConfigFile(configPath)
	if err != nil {
		return errs.New(errs.ErrCodeConfigParseFailed, err)
	}

	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return errs.New(errs.ErrCodeConfigParseFailed, fmt.Errorf("failed to decode YAML config: %w", err))
	}

	return applyConfigData(data, cfg)
}

// applyConfigData maps the decoded key/value tree onto cfg. JSON, HCL and
// YAML files all end up here.
func applyConfigData(data map[string]any, cfg *Config) error {
	if val, exists := data["log-level"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return configFieldError("log-level", "a string", err)
		}
		level, err := ParseLogLevel(*ptr)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}

	if val, exists := data["enable-proxying"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return configFieldError("enable-proxying", "a boolean", err)
		}
		cfg.EnableProxying = *ptr
	}

	if val, exists := data["connect-timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return configFieldError("connect-timeout-seconds", "a number", err)
		}
		cfg.ConnectTimeoutSeconds = *ptr
	}

	if val, exists := data["proxy"]; exists && val != nil {
		proxyMap, ok := val.(map[string]any)
		if !ok {
			return errs.Newf(errs.ErrCodeConfigParseFailed, "proxy must be an object")
		}
		proxy, err := parseProxy(proxyMap, cfg.Proxy)
		if err != nil {
			return err
		}
		cfg.Proxy = proxy
	}

	if val, exists := data["dns"]; exists {
		dnsMap, ok := val.(map[string]any)
		if !ok {
			return errs.Newf(errs.ErrCodeConfigParseFailed, "dns must be an object")
		}
		if err := parseDNS(dnsMap, &cfg.DNS); err != nil {
			return err
		}
	}

	if val, exists := data["cache"]; exists {
		cacheMap, ok := val.(map[string]any)
		if !ok {
			return errs.Newf(errs.ErrCodeConfigParseFailed, "cache must be an object")
		}
		if err := parseCache(cacheMap, &cfg.Cache); err != nil {
			return err
		}
	}

	if val, exists := data["stats"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return errs.Newf(errs.ErrCodeConfigParseFailed, "stats must be an object")
		}
		if v, exists := statsMap["enabled"]; exists {
			ptr, err := parseValue[bool](v)
			if err != nil {
				return configFieldError("stats.enabled", "a boolean", err)
			}
			cfg.Stats.Enabled = *ptr
		}
		if v, exists := statsMap["namespace"]; exists {
			ptr, err := parseValue[string](v)
			if err != nil {
				return configFieldError("stats.namespace", "a string", err)
			}
			cfg.Stats.Namespace = *ptr
		}
	}

	if val, exists := data["listener"]; exists {
		listenerMap, ok := val.(map[string]any)
		if !ok {
			return errs.Newf(errs.ErrCodeConfigParseFailed, "listener must be an object")
		}
		if v, exists := listenerMap["listen-address"]; exists {
			ptr, err := parseValue[string](v)
			if err != nil {
				return configFieldError("listener.listen-address", "a string", err)
			}
			cfg.Listener.ListenAddress = *ptr
		}
		if v, exists := listenerMap["timeout-seconds"]; exists {
			ptr, err := parseValue[int](v)
			if err != nil {
				return configFieldError("listener.timeout-seconds", "a number", err)
			}
			cfg.Listener.TimeoutSeconds = *ptr
		}
	}

	if cfg.Proxy != nil {
		cfg.Proxy.LogLevel = cfg.LogLevel
	}

	return nil
}

func parseProxy(proxyMap map[string]any, base *ProxyConfig) (*ProxyConfig, error) {
	proxy := ProxyConfig{
		Scheme:          SchemeHTTP,
		Protocol:        ProxyProtocolHTTP,
		DNSQueryTimeout: DefaultDNSQueryTimeout,
	}
	if base != nil {
		proxy = *base
	}

	if v, exists := proxyMap["scheme"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return nil, configFieldError("proxy.scheme", "a string", err)
		}
		scheme, err := ParseScheme(*ptr)
		if err != nil {
			return nil, err
		}
		proxy.Scheme = scheme
	}

	if v, exists := proxyMap["host"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return nil, configFieldError("proxy.host", "a string", err)
		}
		proxy.Host = *ptr
	}

	if v, exists := proxyMap["port"]; exists {
		ptr, err := parseValue[int](v)
		if err != nil {
			return nil, configFieldError("proxy.port", "a number", err)
		}
		if err := ValidatePort(*ptr); err != nil {
			return nil, err
		}
		proxy.Port = uint16(*ptr)
	}

	if v, exists := proxyMap["protocol"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return nil, configFieldError("proxy.protocol", "a string", err)
		}
		protocol, err := ParseProxyProtocol(*ptr)
		if err != nil {
			return nil, err
		}
		proxy.Protocol = protocol
	}

	if v, exists := proxyMap["dns-query-timeout-seconds"]; exists {
		ptr, err := parseValue[int](v)
		if err != nil {
			return nil, configFieldError("proxy.dns-query-timeout-seconds", "a number", err)
		}
		proxy.DNSQueryTimeout = time.Duration(*ptr) * time.Second
	}

	return &proxy, nil
}

func parseDNS(dnsMap map[string]any, dnsCfg *DNSConfig) error {
	if v, exists := dnsMap["enabled"]; exists {
		ptr, err := parseValue[bool](v)
		if err != nil {
			return configFieldError("dns.enabled", "a boolean", err)
		}
		dnsCfg.Enabled = *ptr
	}

	if v, exists := dnsMap["backend"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return configFieldError("dns.backend", "a string", err)
		}
		dnsCfg.Backend = DNSBackend(strings.ToLower(*ptr))
	}

	if v, exists := dnsMap["servers"]; exists {
		serverList, ok := v.([]any)
		if !ok {
			return errs.Newf(errs.ErrCodeConfigParseFailed, "dns.servers must be an array")
		}

		dnsCfg.Servers = []DNSServerConfig{}
		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return errs.Newf(errs.ErrCodeConfigParseFailed, "dns server at index %d must be an object", i)
			}

			server := DNSServerConfig{Type: DNSTypeUDP, TimeoutSeconds: 10}
			if val, exists := serverMap["address"]; exists {
				ptr, err := parseValue[string](val)
				if err != nil {
					return configFieldError(fmt.Sprintf("dns.servers[%d].address", i), "a string", err)
				}
				server.Address = *ptr
			}
			if val, exists := serverMap["type"]; exists {
				ptr, err := parseValue[string](val)
				if err != nil {
					return configFieldError(fmt.Sprintf("dns.servers[%d].type", i), "a string", err)
				}
				server.Type = DNSType(strings.ToLower(*ptr))
			}
			if val, exists := serverMap["timeout-seconds"]; exists {
				ptr, err := parseValue[int](val)
				if err != nil {
					return configFieldError(fmt.Sprintf("dns.servers[%d].timeout-seconds", i), "a number", err)
				}
				server.TimeoutSeconds = *ptr
			}
			if val, exists := serverMap["tls-host"]; exists {
				ptr, err := parseValue[string](val)
				if err != nil {
					return configFieldError(fmt.Sprintf("dns.servers[%d].tls-host", i), "a string", err)
				}
				server.TLSHost = *ptr
			}
			dnsCfg.Servers = append(dnsCfg.Servers, server)
		}
	}

	return nil
}

func parseCache(cacheMap map[string]any, cacheCfg *CacheConfig) error {
	if v, exists := cacheMap["enabled"]; exists {
		ptr, err := parseValue[bool](v)
		if err != nil {
			return configFieldError("cache.enabled", "a boolean", err)
		}
		cacheCfg.Enabled = *ptr
	}
	if v, exists := cacheMap["name"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return configFieldError("cache.name", "a string", err)
		}
		cacheCfg.Name = *ptr
	}
	if v, exists := cacheMap["max-entries"]; exists {
		ptr, err := parseValue[int](v)
		if err != nil {
			return configFieldError("cache.max-entries", "a number", err)
		}
		cacheCfg.MaxEntries = *ptr
	}
	if v, exists := cacheMap["ttl-seconds"]; exists {
		ptr, err := parseValue[int](v)
		if err != nil {
			return configFieldError("cache.ttl-seconds", "a number", err)
		}
		cacheCfg.TTLSeconds = *ptr
	}
	if v, exists := cacheMap["store-path"]; exists {
		ptr, err := parseValue[string](v)
		if err != nil {
			return configFieldError("cache.store-path", "a string", err)
		}
		cacheCfg.StorePath = *ptr
	}
	if v, exists := cacheMap["prepopulated"]; exists {
		entries, ok := v.([]any)
		if !ok {
			return errs.Newf(errs.ErrCodeConfigParseFailed, "cache.prepopulated must be an array")
		}
		cacheCfg.Prepopulated = nil
		for i, entryData := range entries {
			entryMap, ok := entryData.(map[string]any)
			if !ok {
				return errs.Newf(errs.ErrCodeConfigParseFailed, "cache entry at index %d must be an object", i)
			}
			hostname, err := parseValue[string](entryMap["hostname"])
			if err != nil {
				return configFieldError(fmt.Sprintf("cache.prepopulated[%d].hostname", i), "a string", err)
			}
			address, err := parseValue[string](entryMap["address"])
			if err != nil {
				return configFieldError(fmt.Sprintf("cache.prepopulated[%d].address", i), "a string", err)
			}
			cacheCfg.Prepopulated = append(cacheCfg.Prepopulated, CacheEntry{Hostname: *hostname, Address: *address})
		}
	}
	return nil
}

func configFieldError(field, expected string, cause error) error {
	if cause != nil && strings.Contains(cause.Error(), "secret") {
		return errs.New(errs.ErrCodeConfigParseFailed, cause)
	}
	return errs.New(errs.ErrCodeConfigParseFailed, fmt.Errorf("%s must be %s: %w", field, expected, cause))
}

func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		if key, ok := m["_secret"].(string); ok {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case int:
		// YAML integer
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(float64(v))
		default:
			return nil, fmt.Errorf("expected %T, got integer", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

// loadConfigFromEnv applies MOBILEPROXY_* environment variables.
func loadConfigFromEnv(cfg *Config) {
	if level := os.Getenv("MOBILEPROXY_LOGLEVEL"); level != "" {
		if parsed, err := ParseLogLevel(level); err == nil {
			cfg.LogLevel = parsed
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for MOBILEPROXY_LOGLEVEL: %s\n", level)
		}
	}

	if enabled := os.Getenv("MOBILEPROXY_ENABLEPROXYING"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			cfg.EnableProxying = b
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for MOBILEPROXY_ENABLEPROXYING: %s\n", enabled)
		}
	}

	if timeout := os.Getenv("MOBILEPROXY_CONNECTTIMEOUTSECONDS"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			cfg.ConnectTimeoutSeconds = t
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for MOBILEPROXY_CONNECTTIMEOUTSECONDS: %s\n", timeout)
		}
	}

	if enabled := os.Getenv("MOBILEPROXY_DNS_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			cfg.DNS.Enabled = b
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for MOBILEPROXY_DNS_ENABLED: %s\n", enabled)
		}
	}

	if addr := os.Getenv("MOBILEPROXY_LISTENADDRESS"); addr != "" {
		cfg.Listener.ListenAddress = addr
	}

	// Example format: MOBILEPROXY_PROXY_HOST=proxy.example MOBILEPROXY_PROXY_PORT=3128
	host := os.Getenv("MOBILEPROXY_PROXY_HOST")
	if host == "" {
		return
	}
	proxy := ProxyConfig{
		Scheme:          SchemeHTTP,
		Host:            host,
		Protocol:        ProxyProtocolHTTP,
		DNSQueryTimeout: DefaultDNSQueryTimeout,
		LogLevel:        cfg.LogLevel,
	}
	if portStr := os.Getenv("MOBILEPROXY_PROXY_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && ValidatePort(port) == nil {
			proxy.Port = uint16(port)
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for MOBILEPROXY_PROXY_PORT: %s\n", portStr)
		}
	}
	if schemeStr := os.Getenv("MOBILEPROXY_PROXY_SCHEME"); schemeStr != "" {
		if scheme, err := ParseScheme(schemeStr); err == nil {
			proxy.Scheme = scheme
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for MOBILEPROXY_PROXY_SCHEME: %s\n", schemeStr)
		}
	}
	if protocolStr := os.Getenv("MOBILEPROXY_PROXY_PROTOCOL"); protocolStr != "" {
		if protocol, err := ParseProxyProtocol(protocolStr); err == nil {
			proxy.Protocol = protocol
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for MOBILEPROXY_PROXY_PROTOCOL: %s\n", protocolStr)
		}
	}
	if timeoutStr := os.Getenv("MOBILEPROXY_PROXY_DNSTIMEOUTSECONDS"); timeoutStr != "" {
		if t, err := strconv.Atoi(timeoutStr); err == nil {
			proxy.DNSQueryTimeout = time.Duration(t) * time.Second
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for MOBILEPROXY_PROXY_DNSTIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}
	cfg.Proxy = &proxy
}
