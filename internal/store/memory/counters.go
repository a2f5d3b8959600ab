package memory

import (
	"context"
	"sync"
	"time"
)

// sweepInterval bounds how often expired keys are purged.
const sweepInterval = time.Minute

type counter struct {
	value     int64
	expiresAt time.Time
}

// Counters is an expiring counter/flag store guarded by a single mutex.
// Expired keys are purged on access and by a periodic sweep piggybacked on
// writes, so memory stays bounded by the keys live within one TTL.
type Counters struct {
	mu        sync.Mutex
	items     map[string]counter
	now       func() time.Time
	nextSweep time.Time
}

func NewCounters() *Counters {
	return &Counters{items: make(map[string]counter), now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (c *Counters) WithClock(now func() time.Time) *Counters {
	c.now = now
	return c
}

func (c *Counters) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.maybeSweep(now)

	item, ok := c.items[key]
	if !ok || c.expired(item, now) {
		item = counter{}
	}
	item.value++
	if item.value == 1 {
		item.expiresAt = now.Add(ttl)
	}
	c.items[key] = item
	return item.value, nil
}

func (c *Counters) SetIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.maybeSweep(now)

	if item, ok := c.items[key]; ok && !c.expired(item, now) {
		return false, nil
	}
	c.items[key] = counter{value: 1, expiresAt: now.Add(ttl)}
	return true, nil
}

func (c *Counters) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

// Len returns the number of stored keys, expired or not.
func (c *Counters) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// maybeSweep drops every expired key at most once per sweepInterval.
// Callers must hold c.mu.
func (c *Counters) maybeSweep(now time.Time) {
	if now.Before(c.nextSweep) {
		return
	}
	for key, item := range c.items {
		if c.expired(item, now) {
			delete(c.items, key)
		}
	}
	c.nextSweep = now.Add(sweepInterval)
}

func (c *Counters) expired(item counter, now time.Time) bool {
	return !item.expiresAt.IsZero() && !now.Before(item.expiresAt)
}
