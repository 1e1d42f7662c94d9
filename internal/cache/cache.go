// Package cache memoizes the phone → customer id mapping.
//
// Entries are never evicted: a customer id, once known, stays valid for the
// life of the process (or of the redis hash). Hits and misses are counted so
// the admin API can report cache effectiveness.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
)

// Cache maps caller identities to persisted customer ids.
type Cache interface {
	Lookup(ctx context.Context, key string) (string, bool)
	Store(ctx context.Context, key, value string)
	Stats() Stats
}

// Stats reports lookup accounting.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// HitRatio returns hits / lookups, or 0 before the first lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) record(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
	counters
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

func (m *Memory) Lookup(_ context.Context, key string) (string, bool) {
	m.mu.RLock()
	v, ok := m.entries[key]
	m.mu.RUnlock()
	m.record(ok)
	return v, ok
}

func (m *Memory) Store(_ context.Context, key, value string) {
	m.mu.Lock()
	m.entries[key] = value
	m.mu.Unlock()
}

func (m *Memory) Stats() Stats { return m.snapshot() }

// Len returns the number of cached entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
