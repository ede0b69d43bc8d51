package sip

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Registration is the cached record of one successful gateway registration.
type Registration struct {
	Username     string
	Host         string
	IP           string // resolved address of Host at registration time
	Expires      int    // effective lifetime in seconds, not the server-granted value
	RegisteredOn int64  // unix milliseconds at insertion
	RegisteredAgo string // human-friendly relative age, refreshed on Snapshot
}

// expired reports whether the record's age has reached its effective lifetime.
func (r Registration) expired(now time.Time) bool {
	return (now.UnixMilli()-r.RegisteredOn)/1000 >= int64(r.Expires)
}

// cacheEntry pairs a record with its last-write time for write-expiry.
type cacheEntry struct {
	rec       Registration
	writtenAt time.Time
}

// RegistrationCache maps gateway URI strings to registration records. Two
// independent timers govern each entry: a hard write-expiry evicts it a fixed
// interval after the last Put, while the record's own Expires field drives
// IsExpired and the registration control loop. An absent entry and a
// logically expired entry are equivalent for scheduling.
type RegistrationCache struct {
	writeExpiry time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewRegistrationCache creates a cache whose entries auto-evict writeExpiry
// after their last write.
func NewRegistrationCache(writeExpiry time.Duration) *RegistrationCache {
	return &RegistrationCache{
		writeExpiry: writeExpiry,
		entries:     make(map[string]cacheEntry),
	}
}

// Put inserts or replaces the record for a URI and resets its write-expiry.
func (c *RegistrationCache) Put(uri string, rec Registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[uri] = cacheEntry{rec: rec, writtenAt: time.Now()}
}

// GetIfPresent returns the current record for a URI, or nil if never written
// or already evicted by write-expiry.
func (c *RegistrationCache) GetIfPresent(uri string) *Registration {
	c.mu.RLock()
	entry, ok := c.entries[uri]
	c.mu.RUnlock()

	if !ok || time.Since(entry.writtenAt) >= c.writeExpiry {
		return nil
	}
	rec := entry.rec
	return &rec
}

// Invalidate removes the entry for a URI immediately.
func (c *RegistrationCache) Invalidate(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, uri)
}

// IsExpired reports whether a URI needs re-registration: true when no entry
// is present or the record's logical lifetime has elapsed.
func (c *RegistrationCache) IsExpired(uri string) bool {
	rec := c.GetIfPresent(uri)
	return rec == nil || rec.expired(time.Now())
}

// Snapshot returns a copy of all live records. Order is unspecified.
func (c *RegistrationCache) Snapshot() []Registration {
	now := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Registration, 0, len(c.entries))
	for _, entry := range c.entries {
		if now.Sub(entry.writtenAt) >= c.writeExpiry {
			continue
		}
		rec := entry.rec
		rec.RegisteredAgo = formatAge(now.UnixMilli() - rec.RegisteredOn)
		out = append(out, rec)
	}
	return out
}

// RunEviction reaps write-expired entries until the context is cancelled.
// Eviction is also enforced lazily on reads, so this only bounds memory for
// gateways that are never looked up again.
func (c *RegistrationCache) RunEviction(ctx context.Context) {
	ticker := time.NewTicker(c.writeExpiry / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

// evictExpired removes all entries past their write-expiry.
func (c *RegistrationCache) evictExpired() {
	cutoff := time.Now().Add(-c.writeExpiry)

	c.mu.Lock()
	defer c.mu.Unlock()
	for uri, entry := range c.entries {
		if entry.writtenAt.Before(cutoff) || entry.writtenAt.Equal(cutoff) {
			delete(c.entries, uri)
		}
	}
}

// formatAge renders an age in milliseconds as a short relative string.
func formatAge(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%s ago", d.Round(time.Second))
}
