package config

import "time"

// CacheEntry is a hostname with a known address, inserted before any lookup
type CacheEntry struct {
	Hostname string `json:"hostname" hcl:"hostname"`
	Address  string `json:"address" hcl:"address"`
}

// CacheConfig holds configuration for the resolution cache
type CacheConfig struct {
	Enabled      bool         `json:"enabled" hcl:"enabled"`
	Name         string       `json:"name" hcl:"name"`
	MaxEntries   int          `json:"max-entries" hcl:"max-entries"`
	TTLSeconds   int          `json:"ttl-seconds" hcl:"ttl-seconds"`
	StorePath    string       `json:"store-path" hcl:"store-path,optional"` // SQLite file backing the cache, empty for memory only
	Prepopulated []CacheEntry `json:"prepopulated" hcl:"prepopulated,optional"`
}

// DefaultCacheConfig returns default cache configuration
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:    true,
		Name:       "default",
		MaxEntries: 100,
		TTLSeconds: 300, // 5 minutes
	}
}

// GetTTLDuration returns the TTL as a time.Duration
func (c CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// StatsConfig holds configuration for metrics collection
type StatsConfig struct {
	Enabled   bool   `json:"enabled" hcl:"enabled"`
	Namespace string `json:"namespace" hcl:"namespace"`
}

// DefaultStatsConfig returns default stats configuration
func DefaultStatsConfig() StatsConfig {
	return StatsConfig{
		Enabled:   true,
		Namespace: "mobileproxy",
	}
}

// ListenerConfig configures the local forward proxy server
type ListenerConfig struct {
	ListenAddress  string `json:"listen-address" hcl:"listen-address"`
	TimeoutSeconds int    `json:"timeout-seconds" hcl:"timeout-seconds"`
}

// DefaultListenerConfig returns default listener configuration
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		ListenAddress:  "127.0.0.1:8080",
		TimeoutSeconds: 30,
	}
}

// GetTimeoutDuration returns the timeout as a time.Duration
func (l ListenerConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(l.TimeoutSeconds) * time.Second
}
