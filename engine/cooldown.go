package engine

import (
	"sync"
	"time"
)

// Clock abstracts time so tests can drive cooldowns, backoffs, lock expiry,
// and destroy staleness deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// expiryCache is a bounded map of key -> suppression deadline. When the cap
// is exceeded the oldest inserted entry is evicted, so abandoned requests
// cannot grow the cache without bound.
type expiryCache struct {
	mu    sync.Mutex
	cap   int
	until map[string]time.Time
	order []string
}

func newExpiryCache(capacity int) *expiryCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &expiryCache{
		cap:   capacity,
		until: make(map[string]time.Time),
	}
}

// Set records a suppression window for key, refreshing its eviction position.
func (c *expiryCache) Set(key string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.until[key]; exists {
		c.removeFromOrder(key)
	}
	c.until[key] = until
	c.order = append(c.order, key)

	for len(c.order) > c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.until, oldest)
	}
}

// Remaining returns how long the window for key still has to run; zero when
// absent or elapsed. Elapsed entries are dropped.
func (c *expiryCache) Remaining(key string, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.until[key]
	if !ok {
		return 0
	}
	if !now.Before(until) {
		delete(c.until, key)
		c.removeFromOrder(key)
		return 0
	}
	return until.Sub(now)
}

// Active reports whether key is inside its suppression window.
func (c *expiryCache) Active(key string, now time.Time) bool {
	return c.Remaining(key, now) > 0
}

func (c *expiryCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// globalBackoffScope is the backoff key used when the rate-limited repo is
// unknown.
const globalBackoffScope = "global"

func repoBackoffScope(owner, repo string) string {
	if owner == "" || repo == "" {
		return globalBackoffScope
	}
	return owner + "/" + repo
}
