// Package cache implements the bounded, in-memory result cache of
// spec.md §4.6: a ring buffer of the K most recent JobResults per
// (provider, task), plus the latest_update_by_provider_task index that
// generators consult to enforce the emission cooldown. This cache, not
// the database, is what feeds the judgment engine (spec.md §2 dataflow).
package cache

import (
	"sync"
	"time"

	"github.com/cuemby/beacon/pkg/types"
)

// Key identifies one (provider, task) cache entry.
type Key struct {
	ProviderID string
	TaskType   types.TaskType
	TaskName   string
}

// entry is a bounded FIFO of recent results plus cache bookkeeping.
type entry struct {
	mu             sync.Mutex
	results        []*types.JobResult // oldest first, len <= capacity
	createTime     time.Time
	latestJudgment *types.Judgment
}

// Cache is the scheduler's per-(provider,task) result cache.
type Cache struct {
	capacity int

	mu      sync.RWMutex
	entries map[Key]*entry
}

// New creates a Cache holding up to capacity (K) results per key.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 3
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[Key]*entry),
	}
}

func (c *Cache) entryFor(key Key) *entry {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e
	}
	e = &entry{createTime: time.Now()}
	c.entries[key] = e
	return e
}

// Append adds a result to the (provider, task) entry's FIFO, evicting the
// oldest entry once capacity is exceeded (spec.md §8 invariant 3: the
// cache holds <= K entries, ordered by receive_timestamp non-decreasing).
// Appending preserves order by receive_timestamp even if results arrive
// out of order, matching the "ordered by receive_timestamp" invariant.
func (c *Cache) Append(r *types.JobResult) {
	key := Key{ProviderID: r.ProviderID, TaskType: r.TaskType, TaskName: r.TaskName}
	e := c.entryFor(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	i := len(e.results)
	for i > 0 && e.results[i-1].ReceiveTimestamp.After(r.ReceiveTimestamp) {
		i--
	}
	e.results = append(e.results, nil)
	copy(e.results[i+1:], e.results[i:])
	e.results[i] = r

	if len(e.results) > c.capacity {
		e.results = e.results[len(e.results)-c.capacity:]
	}
}

// Recent returns up to the N most recent results for key, oldest first.
func (c *Cache) Recent(key Key) []*types.JobResult {
	e := c.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.JobResult, len(e.results))
	copy(out, e.results)
	return out
}

// CreateTime returns the first-insert timestamp for key, used to compute
// staleness.
func (c *Cache) CreateTime(key Key) time.Time {
	e := c.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createTime
}

// SetJudgment fills the latest_judgment slot for key (written by the
// judgment engine; read by generators enforcing dependency gating,
// spec.md §4.2 condition 2 and §8 invariant 4).
func (c *Cache) SetJudgment(key Key, j *types.Judgment) {
	e := c.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latestJudgment = j
}

// Judgment returns the latest judgment for key, or nil if none has been
// computed yet.
func (c *Cache) Judgment(key Key) *types.Judgment {
	e := c.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latestJudgment
}

// LatestUpdate returns the max receive_timestamp recorded for key, the
// secondary index of spec.md §4.6 ("latest_update_by_provider_task").
// Returns the zero Time if no result has ever been appended.
func (c *Cache) LatestUpdate(key Key) time.Time {
	e := c.entryFor(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	var max time.Time
	for _, r := range e.results {
		if r.ReceiveTimestamp.After(max) {
			max = r.ReceiveTimestamp
		}
	}
	return max
}

// Keys returns every (provider, task) key currently tracked, used by the
// judgment engine's fleet-wide block scan (FleetMaxBlock).
func (c *Cache) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

// LatestUpdateForWorker scans every cached result for workerID and
// returns the maximum receive_timestamp observed, or the zero Time if the
// worker has never reported.
func (c *Cache) LatestUpdateForWorker(workerID string) time.Time {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	var max time.Time
	for _, e := range entries {
		e.mu.Lock()
		for _, r := range e.results {
			if r.WorkerID == workerID && r.ReceiveTimestamp.After(max) {
				max = r.ReceiveTimestamp
			}
		}
		e.mu.Unlock()
	}
	return max
}
