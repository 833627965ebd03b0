package resolver

import (
	"net/netip"
	"sync"
	"time"

	"github.com/codefionn/mobileproxy/mobileproxy-core/config"
	"github.com/codefionn/mobileproxy/mobileproxy-core/errs"
	"github.com/codefionn/mobileproxy/mobileproxy-core/logger"
	gocache "github.com/patrickmn/go-cache"
)

// CacheOptions identifies and sizes a resolution cache.
type CacheOptions struct {
	Name         string
	MaxEntries   int           // zero means unbounded
	TTL          time.Duration // zero means entries never expire
	Store        KeyValueStore // optional persistence
	Prepopulated []config.CacheEntry
}

func (o CacheOptions) sameIdentity(other CacheOptions) bool {
	return o.Name == other.Name &&
		o.MaxEntries == other.MaxEntries &&
		o.TTL == other.TTL &&
		o.Store == other.Store
}

// Cache maps hostnames to resolved addresses.
type Cache struct {
	opts    CacheOptions
	mu      sync.Mutex
	entries *gocache.Cache
}

func newCache(opts CacheOptions) *Cache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	cleanup := ttl
	if cleanup == gocache.NoExpiration || cleanup > time.Minute {
		cleanup = time.Minute
	}

	c := &Cache{
		opts:    opts,
		entries: gocache.New(ttl, cleanup),
	}

	if opts.Store != nil {
		err := opts.Store.Iterate(func(key, value string) bool {
			addr, err := netip.ParseAddr(value)
			if err != nil {
				logger.Warn("Ignoring stored cache entry %s=%q: %v", key, value, err)
				return true
			}
			c.put(key, addr, false)
			return true
		})
		if err != nil {
			logger.Error("Failed to load cache %s from store: %v", opts.Name, err)
		}
	}

	c.prepopulate(opts.Prepopulated)
	return c
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.opts.Name
}

// Get returns the cached address for host.
func (c *Cache) Get(host string) (netip.Addr, bool) {
	v, ok := c.entries.Get(normalizeHost(host))
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := v.(netip.Addr)
	return addr, ok
}

// Set stores addr for host and writes it through to the store.
func (c *Cache) Set(host string, addr netip.Addr) {
	c.put(normalizeHost(host), addr, true)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.entries.ItemCount()
}

// Clear drops every entry, including persisted ones.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries.Items() {
		c.removeLocked(key)
	}
}

func (c *Cache) prepopulate(entries []config.CacheEntry) {
	for _, entry := range entries {
		host := normalizeHost(entry.Hostname)
		if _, exists := c.Get(host); exists {
			continue
		}
		addr, err := netip.ParseAddr(entry.Address)
		if err != nil {
			logger.Warn("Ignoring prepopulated cache entry %s=%q: %v", entry.Hostname, entry.Address, err)
			continue
		}
		c.put(host, addr, true)
	}
}

func (c *Cache) put(host string, addr netip.Addr, persist bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries.Get(host); !exists && c.opts.MaxEntries > 0 {
		for c.entries.ItemCount() >= c.opts.MaxEntries {
			if !c.evictOldestLocked() {
				break
			}
		}
	}

	c.entries.SetDefault(host, addr)
	if persist && c.opts.Store != nil {
		if err := c.opts.Store.Set(host, addr.String()); err != nil {
			logger.Error("Failed to persist cache entry %s: %v", host, err)
		}
	}
}

// evictOldestLocked removes the entry closest to expiry.
func (c *Cache) evictOldestLocked() bool {
	var oldestKey string
	var oldest int64
	found := false
	for key, item := range c.entries.Items() {
		if !found || item.Expiration < oldest {
			oldestKey, oldest, found = key, item.Expiration, true
		}
	}
	if found {
		c.removeLocked(oldestKey)
	}
	return found
}

func (c *Cache) removeLocked(key string) {
	c.entries.Delete(key)
	if c.opts.Store != nil {
		if err := c.opts.Store.Remove(key); err != nil {
			logger.Error("Failed to remove cache entry %s from store: %v", key, err)
		}
	}
}

// CacheManager hands out named caches. Asking twice for the same name
// returns the same cache; the options must then match.
type CacheManager struct {
	mu     sync.Mutex
	caches map[string]*Cache
}

// NewCacheManager creates an empty manager.
func NewCacheManager() *CacheManager {
	return &CacheManager{caches: make(map[string]*Cache)}
}

// GetCache returns the cache named opts.Name, creating it if needed.
// Prepopulated entries are added to an existing cache when absent.
func (m *CacheManager) GetCache(opts CacheOptions) (*Cache, error) {
	if opts.Name == "" {
		return nil, errs.Newf(errs.ErrCodeInvalidCacheOptions, "cache name must not be empty")
	}
	if opts.MaxEntries < 0 || opts.TTL < 0 {
		return nil, errs.Newf(errs.ErrCodeInvalidCacheOptions, "cache %s has negative limits", opts.Name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.caches[opts.Name]; ok {
		if !existing.opts.sameIdentity(opts) {
			return nil, errs.Newf(errs.ErrCodeCacheOptionsConflict, "cache %s already exists with different options", opts.Name)
		}
		existing.prepopulate(opts.Prepopulated)
		return existing, nil
	}

	cache := newCache(opts)
	m.caches[opts.Name] = cache
	logger.Debug("Created resolution cache %s (max %d entries, ttl %s)", opts.Name, opts.MaxEntries, opts.TTL)
	return cache, nil
}

// Names returns the names of all managed caches.
func (m *CacheManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	return names
}
