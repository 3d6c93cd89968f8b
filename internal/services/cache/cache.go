package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"switchyard/internal/domain/execution"
	"switchyard/pkg/clock"
)

// DefaultTTL bounds how long a successful result is reused
const DefaultTTL = 5 * time.Minute

// Entry is a cached successful outcome
type Entry struct {
	Data        any       `json:"data"`
	ExecutionID uuid.UUID `json:"execution_id"`
	StoredAt    time.Time `json:"stored_at"`
}

// Cache maps request fingerprints to successful results. Implementations
// never return expired entries.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (Entry, bool, error)
	Put(ctx context.Context, fingerprint string, entry Entry, ttl time.Duration) error
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryCache is the in-process backend. Expired entries are invisible to
// Get immediately and physically removed by Sweep. Data is copied on the
// way in and out so callers never share a cached value.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   clock.Clock
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		clock:   clk,
	}
}

func (c *MemoryCache) Get(_ context.Context, fingerprint string) (Entry, bool, error) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok || !now.Before(e.expiresAt) {
		return Entry{}, false, nil
	}
	out := e.entry
	out.Data = execution.CloneData(out.Data)
	return out, true, nil
}

// Put stores entry, replacing any live entry for the same fingerprint
func (c *MemoryCache) Put(_ context.Context, fingerprint string, entry Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := c.clock.Now()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = now
	}
	entry.Data = execution.CloneData(entry.Data)

	c.mu.Lock()
	c.entries[fingerprint] = memoryEntry{entry: entry, expiresAt: now.Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Sweep removes expired entries and returns how many were dropped
func (c *MemoryCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for fp, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, fp)
			removed++
		}
	}
	return removed
}

// Len counts stored entries, expired or not
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
