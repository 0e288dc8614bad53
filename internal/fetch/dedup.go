package fetch

import (
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"taskpilot/internal/clock"
)

const DefaultDedupCapacity = 10000

// DedupCache remembers fingerprints of results already handed out.
//
// It sits on an LRU but only ever adds absent keys and never reads with Get,
// so recency equals insertion order and eviction is oldest-first.
type DedupCache struct {
	entries *lru.Cache[string, time.Time]
	clock   clock.Clock
}

func NewDedupCache(capacity int, clk clock.Clock) (*DedupCache, error) {
	if capacity <= 0 {
		return nil, errors.New("dedup capacity must be positive")
	}
	if clk == nil {
		clk = clock.System{}
	}
	entries, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, err
	}
	return &DedupCache{entries: entries, clock: clk}, nil
}

func (c *DedupCache) Contains(fp string) bool { return c.entries.Contains(fp) }

// Insert adds fp if absent and reports whether it was new. Check and insert
// happen under one lock.
func (c *DedupCache) Insert(fp string) bool {
	found, _ := c.entries.ContainsOrAdd(fp, c.clock.Now())
	return !found
}

// FirstSeen returns when fp was inserted.
func (c *DedupCache) FirstSeen(fp string) (time.Time, bool) {
	return c.entries.Peek(fp)
}

func (c *DedupCache) Len() int { return c.entries.Len() }

// Snapshot returns the fingerprints oldest first.
func (c *DedupCache) Snapshot() []string { return c.entries.Keys() }

// Restore re-inserts a snapshot taken with Snapshot.
func (c *DedupCache) Restore(fps []string) {
	for _, fp := range fps {
		c.Insert(fp)
	}
}
