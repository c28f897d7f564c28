// Package ttlcache holds short lived order prices that bridge the gap between
// snapshot and chat views of the same order.
package ttlcache

import (
	"sync"
	"time"

	"github.com/recomma/flipledger/bazaar"
)

const (
	// VanishingOrderTTL bounds how long a buy order that disappeared from a
	// snapshot keeps its price around for a late chat event.
	VanishingOrderTTL = 2 * time.Minute
	// RecentFillTTL bounds how long a claimed buy keeps its price around for
	// a following flip event.
	RecentFillTTL = 60 * time.Second
	// DefaultSweepThreshold is the entry count above which a Set sweeps
	// stale entries.
	DefaultSweepThreshold = 1000
)

// Key identifies an order by owner, item display name and amount.
type Key struct {
	OwnerID  string
	ItemName string
	Amount   int64
}

// NewKey normalizes the item name so snapshot and chat spellings agree.
func NewKey(ownerID, itemName string, amount int64) Key {
	return Key{OwnerID: ownerID, ItemName: bazaar.StripMarkup(itemName), Amount: amount}
}

// Entry is a cached total price and the time it was stored.
type Entry struct {
	Price bazaar.Tenths
	At    time.Time
}

// Cache is a concurrency safe map with a soft TTL. Reads never return
// entries older than the TTL; memory is reclaimed lazily once the entry count
// exceeds the sweep threshold.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]Entry

	ttl            time.Duration
	sweepThreshold int
	now            func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSweepThreshold overrides DefaultSweepThreshold.
func WithSweepThreshold(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.sweepThreshold = n
		}
	}
}

// New creates a cache whose entries expire after ttl.
func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		entries:        make(map[Key]Entry),
		ttl:            ttl,
		sweepThreshold: DefaultSweepThreshold,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Set stores price for key, replacing any previous entry.
func (c *Cache) Set(key Key, price bazaar.Tenths) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = Entry{Price: price, At: now}
	if len(c.entries) > c.sweepThreshold {
		c.sweepLocked(now)
	}
}

// Get returns the entry for key if it is younger than the TTL.
func (c *Cache) Get(key Key) (Entry, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || !c.freshLocked(entry, now) {
		return Entry{}, false
	}
	return entry, true
}

// Take returns and removes a fresh entry in one step.
func (c *Cache) Take(key Key) (Entry, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	delete(c.entries, key)
	if !c.freshLocked(entry, now) {
		return Entry{}, false
	}
	return entry, true
}

// Delete drops key.
func (c *Cache) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len counts stored entries, stale ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes every entry older than the TTL and returns how many went.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

func (c *Cache) sweepLocked(now time.Time) int {
	var removed int
	for key, entry := range c.entries {
		if !c.freshLocked(entry, now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *Cache) freshLocked(entry Entry, now time.Time) bool {
	return now.Sub(entry.At) < c.ttl
}
