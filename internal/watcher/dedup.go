package watcher

import "time"

// DefaultDebounceWindow is how long a seen name suppresses re-dispatch.
const DefaultDebounceWindow = 60 * time.Second

// DedupCache is a time-windowed set of recently dispatched artifact names.
// The whole set is cleared once the window elapses; entries do not expire
// individually, so an event just before the boundary can be dispatched again
// shortly after it.
//
// A DedupCache is owned by one watch loop and is not safe for concurrent use.
type DedupCache struct {
	seen        map[string]struct{}
	windowStart time.Time
	window      time.Duration
}

// NewDedupCache creates a cache whose window starts at now.
func NewDedupCache(window time.Duration, now time.Time) *DedupCache {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &DedupCache{
		seen:        make(map[string]struct{}),
		windowStart: now,
		window:      window,
	}
}

// Contains reports whether name was added during the current window.
func (c *DedupCache) Contains(name string) bool {
	_, ok := c.seen[name]
	return ok
}

// Add inserts name into the current window.
func (c *DedupCache) Add(name string) {
	c.seen[name] = struct{}{}
}

// Observe adds name and reports whether it was new in this window.
func (c *DedupCache) Observe(name string) bool {
	if c.Contains(name) {
		return false
	}
	c.Add(name)
	return true
}

// Expire clears the cache if the window has elapsed at now and reports
// whether it did.
func (c *DedupCache) Expire(now time.Time) bool {
	if now.Sub(c.windowStart) < c.window {
		return false
	}
	c.Reset(now)
	return true
}

// Reset clears every name and restarts the window at now.
func (c *DedupCache) Reset(now time.Time) {
	clear(c.seen)
	c.windowStart = now
}

// Len returns the number of names in the current window.
func (c *DedupCache) Len() int {
	return len(c.seen)
}

// Window returns the configured window length.
func (c *DedupCache) Window() time.Duration {
	return c.window
}
