package autoreply

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultCacheTTL       = 30 * time.Minute
	defaultEvictThreshold = 500
)

type cacheEntry struct {
	reply     string
	expiresAt time.Time
}

// ResponseCache stores generated replies keyed by normalized inbound
// text. Eviction is TTL-based: once the entry count passes the
// threshold, a scan deletes everything expired.
type ResponseCache struct {
	mu        sync.Mutex
	entries   map[string]cacheEntry
	ttl       time.Duration
	threshold int
}

// NewResponseCache creates a cache with the default TTL and threshold.
func NewResponseCache() *ResponseCache {
	return &ResponseCache{
		entries:   make(map[string]cacheEntry),
		ttl:       defaultCacheTTL,
		threshold: defaultEvictThreshold,
	}
}

// Key normalizes inbound text into a cache key.
func Key(body string) string {
	return strings.ToLower(strings.Join(strings.Fields(body), " "))
}

// Get returns the cached reply for a key, expiring stale entries.
func (c *ResponseCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return entry.reply, true
}

// Put stores a reply and runs the threshold eviction scan.
func (c *ResponseCache) Put(key, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{reply: reply, expiresAt: time.Now().Add(c.ttl)}

	if len(c.entries) > c.threshold {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
}

// Len returns the current entry count.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
