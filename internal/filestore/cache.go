package filestore

import (
	"sync"
	"time"
)

// cacheTTL bounds how long a resolved handle is trusted without refetching.
const cacheTTL = time.Hour

// entry is a cached handle plus the time it was stored.
// An entry older than cacheTTL is treated as absent.
type entry struct {
	store    *Store
	cachedAt time.Time
}

// cache memoizes agent → store handle lookups to avoid redundant database
// round trips. Safe for concurrent use.
type cache struct {
	mu      sync.Mutex
	entries map[string]entry
}

func newCache() *cache {
	return &cache{entries: make(map[string]entry)}
}

// get returns the cached handle for agentID, or nil when absent or expired.
// Expired entries are removed on access.
func (c *cache) get(agentID string) *Store {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[agentID]
	if !ok {
		return nil
	}
	if time.Since(e.cachedAt) > cacheTTL {
		delete(c.entries, agentID)
		return nil
	}
	return e.store
}

func (c *cache) set(store *Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[store.AgentID] = entry{store: store, cachedAt: time.Now()}
}

func (c *cache) remove(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, agentID)
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
