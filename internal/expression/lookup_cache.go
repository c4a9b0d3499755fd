package expression

import (
	"context"
	"sync"
	"time"
)

// lookupCacheTTL bounds how stale a resolved shortcut may be. Shortcut
// mutations also invalidate explicitly through Invalidate.
const lookupCacheTTL = 5 * time.Minute

type lookupEntry struct {
	values    []string
	expiresAt time.Time
}

// lookupCache is a process-wide TTL cache over the lookups index.
type lookupCache struct {
	src     LookupSource
	mu      sync.RWMutex
	entries map[string]*lookupEntry
}

func newLookupCache(src LookupSource) *lookupCache {
	return &lookupCache{
		src:     src,
		entries: make(map[string]*lookupEntry),
	}
}

func (c *lookupCache) values(ctx context.Context, name string) ([]string, error) {
	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.values, nil
	}

	values, err := c.src.LookupValues(ctx, name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[name] = &lookupEntry{
		values:    values,
		expiresAt: time.Now().Add(lookupCacheTTL),
	}
	c.mu.Unlock()
	return values, nil
}

// Invalidate drops a cached shortcut after a mutation.
func (c *Compiler) Invalidate(name string) {
	c.lookups.mu.Lock()
	delete(c.lookups.entries, name)
	c.lookups.mu.Unlock()
}
