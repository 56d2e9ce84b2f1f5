package mpass

import (
	"sync"
	"time"
)

// RequestIDCache stores pending SAML request IDs for replay protection.
// Request IDs are single-use and expire after a configured duration. Expired
// entries are purged opportunistically on every Store and Pending call, so
// abandoned logins cannot accumulate in a long-running process.
type RequestIDCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// NewRequestIDCache creates a new in-memory request ID cache.
func NewRequestIDCache() *RequestIDCache {
	return &RequestIDCache{
		entries: make(map[string]time.Time),
	}
}

// Store adds a request ID with the given expiry time.
func (c *RequestIDCache) Store(requestID string, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpiredLocked(time.Now())
	c.entries[requestID] = expiry
}

// Consume checks if a request ID exists and is not expired. A valid ID is
// removed (single-use) and reported as true. Unknown or expired IDs report
// false.
func (c *RequestIDCache) Consume(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.entries[requestID]
	if !exists {
		return false
	}

	if time.Now().After(expiry) {
		delete(c.entries, requestID)
		return false
	}

	delete(c.entries, requestID)
	return true
}

// Pending returns all non-expired request IDs. Response validation needs the
// full set of outstanding IDs.
func (c *RequestIDCache) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpiredLocked(time.Now())
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

// purgeExpiredLocked drops every entry whose expiry has passed. Callers must
// hold c.mu.
func (c *RequestIDCache) purgeExpiredLocked(now time.Time) {
	for id, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, id)
		}
	}
}
