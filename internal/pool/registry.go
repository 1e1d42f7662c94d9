package pool

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentfi/chatpool/internal/agent"
)

// PoolPrefix starts every pool key. Caller keys may not use it.
const PoolPrefix = "pool-"

// Errors returned by the registry and scheduler.
var (
	ErrPoolExhausted = errors.New("pool: no pool agent available")
	ErrInvalidKey    = errors.New("pool: invalid caller key")
	ErrNotAssigned   = errors.New("pool: caller has no agent")
	ErrClosed        = errors.New("pool: registry closed")
)

// Kind classifies a slot.
type Kind int

const (
	KindPool Kind = iota
	KindAssigned
	KindPaused
)

func (k Kind) String() string {
	switch k {
	case KindPool:
		return "pool"
	case KindAssigned:
		return "assigned"
	case KindPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// PoolKey returns the registry key of pool index i.
func PoolKey(i int) string { return PoolPrefix + strconv.Itoa(i) }

// IsPoolKey reports whether key lives in the pool namespace.
func IsPoolKey(key string) bool { return strings.HasPrefix(key, PoolPrefix) }

// Slot binds an agent to a key. Values handed out by the registry are
// copies; mutate through the registry.
type Slot struct {
	Key          string
	Index        int // pool index, 0 for caller slots
	LastActivity time.Time
	Agent        agent.Agent
	Active       bool

	leases int // routed messages in flight; the monitor skips leased slots
}

// Kind derives the slot classification from its key and active flag.
func (s Slot) Kind() Kind {
	switch {
	case IsPoolKey(s.Key):
		return KindPool
	case s.Active:
		return KindAssigned
	default:
		return KindPaused
	}
}

// Registry holds every slot under a single mutex. Pool indices grow
// monotonically and are never reused.
type Registry struct {
	mu        sync.Mutex
	slots     map[string]*Slot
	lastIndex int
	pending   int // pool indices reserved but not yet filled
	closed    bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*Slot)}
}

// Counts reports the current population.
type Counts struct {
	Pool     int `json:"pool"`
	Assigned int `json:"assigned"`
	Paused   int `json:"paused"`
	Pending  int `json:"pending"`
}

// Callers is the number of caller slots, active or paused.
func (c Counts) Callers() int { return c.Assigned + c.Paused }

func (r *Registry) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countsLocked()
}

func (r *Registry) countsLocked() Counts {
	c := Counts{Pending: r.pending}
	for _, s := range r.slots {
		switch s.Kind() {
		case KindPool:
			c.Pool++
		case KindAssigned:
			c.Assigned++
		case KindPaused:
			c.Paused++
		}
	}
	return c
}

// Get returns a copy of the slot stored under key.
func (r *Registry) Get(key string) (Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[key]
	if !ok {
		return Slot{}, false
	}
	return *s, true
}

// Snapshot returns copies of all slots, pool slots first by index, then
// caller slots by key.
func (r *Registry) Snapshot() []Slot {
	r.mu.Lock()
	out := make([]Slot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, *s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		pi, pj := IsPoolKey(out[i].Key), IsPoolKey(out[j].Key)
		if pi != pj {
			return pi
		}
		if pi {
			return out[i].Index < out[j].Index
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// reserve claims fresh pool indices until pool plus pending reaches floor.
func (r *Registry) reserve(floor int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	var out []int
	for r.countsLocked().Pool+r.pending < floor {
		out = append(out, r.reserveLocked())
	}
	return out
}

func (r *Registry) reserveLocked() int {
	r.lastIndex++
	r.pending++
	return r.lastIndex
}

// fill places a under the reserved index idx. It returns false when the
// registry was closed in the meantime; the caller then owns a.
func (r *Registry) fill(idx int, a agent.Agent, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
	if r.closed {
		return false
	}
	key := PoolKey(idx)
	r.slots[key] = &Slot{Key: key, Index: idx, LastActivity: now, Agent: a, Active: true}
	return true
}

// abandon releases a reservation whose agent could not be created.
func (r *Registry) abandon() {
	r.mu.Lock()
	r.pending--
	r.mu.Unlock()
}

// assign returns the caller's slot, drawing the lowest-index pool slot when
// the caller has none. The move from pool key to caller key happens in one
// critical section. from is the pool key drawn, empty for an existing slot.
//
// With lease set the slot is also leased in that same critical section, and
// an active slot gets its last activity refreshed. A leased slot is never
// reclaimed, so its agent cannot move to another caller until release.
func (r *Registry) assign(caller string, now time.Time, lease bool) (slot Slot, from string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Slot{}, "", ErrClosed
	}
	if s, ok := r.slots[caller]; ok {
		if lease {
			s.leases++
			if s.Active {
				s.LastActivity = now
			}
		}
		return *s, "", nil
	}

	var src *Slot
	for _, s := range r.slots {
		if IsPoolKey(s.Key) && (src == nil || s.Index < src.Index) {
			src = s
		}
	}
	if src == nil {
		return Slot{}, "", ErrPoolExhausted
	}

	delete(r.slots, src.Key)
	moved := &Slot{Key: caller, LastActivity: now, Agent: src.Agent, Active: true}
	if lease {
		moved.leases = 1
	}
	r.slots[caller] = moved
	return *moved, src.Key, nil
}

// release drops one lease taken by assign.
func (r *Registry) release(caller string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[caller]; ok && s.leases > 0 {
		s.leases--
	}
}

// touch refreshes the last activity of a caller slot.
func (r *Registry) touch(caller string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[caller]
	if !ok || IsPoolKey(caller) {
		return false
	}
	s.LastActivity = now
	return true
}

// setActive flips the active flag of a caller slot.
func (r *Registry) setActive(caller string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[caller]
	if !ok || IsPoolKey(caller) {
		return false
	}
	s.Active = active
	return true
}

// recycle is a caller slot leaving for a reserved pool index.
type recycle struct {
	slot  Slot
	index int
}

// reclaimPlan is the outcome of one sweep's decision phase.
type reclaimPlan struct {
	callers int
	close   []Slot
	recycle []recycle
}

// reclaim removes every caller slot idle for longer than threshold. The
// caller count is read once; above closeAbove the slots are handed back for
// closing, otherwise each gets a fresh pool index for recycling. Pool slots
// and leased slots are never considered.
func (r *Registry) reclaim(now time.Time, threshold time.Duration, closeAbove int) reclaimPlan {
	r.mu.Lock()
	defer r.mu.Unlock()

	var plan reclaimPlan
	if r.closed {
		return plan
	}
	plan.callers = r.countsLocked().Callers()

	var idle []string
	for key, s := range r.slots {
		if !IsPoolKey(key) && s.leases == 0 && now.Sub(s.LastActivity) > threshold {
			idle = append(idle, key)
		}
	}
	sort.Strings(idle)

	for _, key := range idle {
		s := *r.slots[key]
		delete(r.slots, key)
		if plan.callers > closeAbove {
			plan.close = append(plan.close, s)
			continue
		}
		plan.recycle = append(plan.recycle, recycle{slot: s, index: r.reserveLocked()})
	}
	return plan
}

// drain closes the registry and hands back every agent it held.
func (r *Registry) drain() []Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]Slot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, *s)
	}
	r.slots = make(map[string]*Slot)
	return out
}
