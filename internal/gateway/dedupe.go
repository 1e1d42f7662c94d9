package gateway

import (
	"container/list"
	"sync"
	"time"
)

// dedupe remembers recently seen message ids so that webhook retries and
// websocket replays are processed once. Entries expire lazily after ttl and
// the oldest entry is evicted once maxSize is reached.
type dedupe struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type dedupeEntry struct {
	key  string
	seen time.Time
}

func newDedupe(ttl time.Duration, maxSize int) *dedupe {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &dedupe{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// checkAndMark reports whether key was already seen within ttl and marks it
// otherwise. Empty keys are never treated as duplicates.
func (d *dedupe) checkAndMark(key string) bool {
	if key == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.expireLocked(now)

	if _, ok := d.seen[key]; ok {
		return true
	}
	if len(d.seen) >= d.maxSize {
		front := d.order.Front()
		d.order.Remove(front)
		delete(d.seen, front.Value.(*dedupeEntry).key)
	}
	d.seen[key] = d.order.PushBack(&dedupeEntry{key: key, seen: now})
	return false
}

// expireLocked drops entries older than ttl. Must be called with mu held.
func (d *dedupe) expireLocked(now time.Time) {
	for front := d.order.Front(); front != nil; front = d.order.Front() {
		entry := front.Value.(*dedupeEntry)
		if now.Sub(entry.seen) < d.ttl {
			return
		}
		d.order.Remove(front)
		delete(d.seen, entry.key)
	}
}

func (d *dedupe) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
