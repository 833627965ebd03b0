package config

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.LogLevel != b.LogLevel ||
		a.EnableProxying != b.EnableProxying ||
		a.ConnectTimeoutSeconds != b.ConnectTimeoutSeconds {
		return true
	}
	if !proxyEqual(a.Proxy, b.Proxy) {
		return true
	}
	if !dnsEqual(a.DNS, b.DNS) {
		return true
	}
	if !cacheEqual(a.Cache, b.Cache) {
		return true
	}
	if a.Stats != b.Stats {
		return true
	}
	if a.Listener != b.Listener {
		return true
	}
	return false
}

func proxyEqual(a, b *ProxyConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func dnsEqual(a, b DNSConfig) bool {
	if a.Enabled != b.Enabled || a.Backend != b.Backend {
		return false
	}
	if len(a.Servers) != len(b.Servers) {
		return false
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return false
		}
	}
	return true
}

func cacheEqual(a, b CacheConfig) bool {
	if a.Enabled != b.Enabled ||
		a.Name != b.Name ||
		a.MaxEntries != b.MaxEntries ||
		a.TTLSeconds != b.TTLSeconds ||
		a.StorePath != b.StorePath {
		return false
	}
	if len(a.Prepopulated) != len(b.Prepopulated) {
		return false
	}
	for i := range a.Prepopulated {
		if a.Prepopulated[i] != b.Prepopulated[i] {
			return false
		}
	}
	return true
}
