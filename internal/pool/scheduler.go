// Package pool keeps a set of warm conversational agents and binds them to
// callers.
//
// The Registry holds slots in two namespaces: pool keys ("pool-N") for idle
// agents waiting to be drawn, and caller keys for agents bound to a caller.
// The Scheduler draws pool agents for new callers and replenishes the pool.
// The Monitor reclaims caller slots that went idle. Every agent call (create,
// reset, close) runs on the execution bridge, never under the registry lock.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/agentfi/chatpool/internal/agent"
	"github.com/agentfi/chatpool/internal/bridge"
)

// Options tune pool behavior.
type Options struct {
	// Floor is the number of pool slots kept warm.
	Floor int
	// CloseAbove: when more callers than this are bound, idle agents are
	// closed instead of recycled.
	CloseAbove    int
	IdleThreshold time.Duration
	SweepInterval time.Duration
	// ResetOnAssign clears an agent's context when it is drawn for a new
	// caller. Off by default: recycled agents are already reset.
	ResetOnAssign bool
	SystemPrompt  string
}

// DefaultOptions returns the stock tunables.
func DefaultOptions() Options {
	return Options{
		Floor:         3,
		CloseAbove:    10,
		IdleThreshold: 20 * time.Minute,
		SweepInterval: 30 * time.Second,
	}
}

// Scheduler assigns pool agents to callers.
type Scheduler struct {
	reg     *Registry
	factory agent.Factory
	bridge  *bridge.Bridge
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewScheduler creates a scheduler over reg. b may be nil, in which case
// every agent call runs inline.
func NewScheduler(reg *Registry, factory agent.Factory, b *bridge.Bridge, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Floor <= 0 {
		opts.Floor = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reg:     reg,
		factory: factory,
		bridge:  b,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Registry exposes the underlying registry for read-only views.
func (s *Scheduler) Registry() *Registry { return s.reg }

// Fill synchronously creates agents until the pool reaches its floor. It is
// meant for startup, where an agent that cannot be built is fatal.
func (s *Scheduler) Fill(ctx context.Context) error {
	for _, idx := range s.reg.reserve(s.opts.Floor) {
		if err := s.createSlot(ctx, idx); err != nil {
			return err
		}
	}
	s.logger.Info("pool: filled", slog.Int("floor", s.opts.Floor))
	return nil
}

// Resolve returns the slot bound to caller. A caller without one gets the
// pool agent with the lowest index, with Active set and LastActivity at now;
// an existing binding is returned unchanged. Every draw triggers
// replenishment.
func (s *Scheduler) Resolve(ctx context.Context, caller string) (Slot, error) {
	return s.resolve(ctx, caller, false)
}

// Acquire resolves caller for one routed message. In the same critical
// section an active slot's LastActivity is refreshed and the slot is leased:
// the idle monitor leaves it alone until release is called, so the agent
// cannot be recycled to another caller mid-conversation. release is safe to
// call more than once.
func (s *Scheduler) Acquire(ctx context.Context, caller string) (slot Slot, release func(), err error) {
	slot, err = s.resolve(ctx, caller, true)
	if err != nil {
		return Slot{}, func() {}, err
	}
	var once sync.Once
	return slot, func() { once.Do(func() { s.reg.release(caller) }) }, nil
}

func (s *Scheduler) resolve(ctx context.Context, caller string, lease bool) (Slot, error) {
	if caller == "" || IsPoolKey(caller) {
		return Slot{}, fmt.Errorf("%w: %q", ErrInvalidKey, caller)
	}

	slot, from, err := s.reg.assign(caller, s.now(), lease)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			s.logger.Error("pool: exhausted", slog.String("caller", caller))
			s.Replenish(ctx)
		}
		return Slot{}, err
	}
	if from == "" {
		return slot, nil
	}

	s.logger.Info("pool: slot assigned",
		slog.String("from", from),
		slog.String("caller", caller),
		slog.String("agent_id", slot.Agent.ID()),
	)
	s.Replenish(ctx)

	if s.opts.ResetOnAssign {
		s.resetAgent(ctx, slot)
	}
	return slot, nil
}

// Lookup returns the slot currently bound to caller without assigning one.
func (s *Scheduler) Lookup(caller string) (Slot, bool) {
	if IsPoolKey(caller) {
		return Slot{}, false
	}
	return s.reg.Get(caller)
}

// Touch records activity on an active caller slot.
func (s *Scheduler) Touch(caller string) bool {
	return s.reg.touch(caller, s.now())
}

// SetActive pauses or resumes a caller slot. Paused slots keep their agent
// but receive no traffic.
func (s *Scheduler) SetActive(caller string, active bool) error {
	if !s.reg.setActive(caller, active) {
		return ErrNotAssigned
	}
	s.logger.Info("pool: slot active changed",
		slog.String("caller", caller),
		slog.Bool("active", active),
	)
	return nil
}

// Replenish creates pool agents in the background until pool plus in-flight
// creations reach the floor. Without a running bridge creation happens on
// the caller's goroutine.
func (s *Scheduler) Replenish(ctx context.Context) {
	for _, idx := range s.reg.reserve(s.opts.Floor) {
		bridge.DispatchOrRun(ctx, s.bridge, "pool.replenish", func(ctx context.Context) error {
			return s.createSlot(ctx, idx)
		})
	}
}

func (s *Scheduler) createSlot(ctx context.Context, idx int) error {
	a, err := s.factory.Create(ctx, s.opts.SystemPrompt)
	if err != nil {
		s.reg.abandon()
		return fmt.Errorf("pool: create agent for %s: %w", PoolKey(idx), err)
	}
	if !s.reg.fill(idx, a, s.now()) {
		// shut down while the agent was being built
		if cerr := a.Close(ctx); cerr != nil {
			s.logger.Warn("pool: close orphan agent failed", slog.String("error", cerr.Error()))
		}
		return nil
	}
	s.logger.Info("pool: slot created",
		slog.String("key", PoolKey(idx)),
		slog.String("agent_id", a.ID()),
	)
	return nil
}

func (s *Scheduler) resetAgent(ctx context.Context, slot Slot) {
	_, err := bridge.AwaitOrRun(ctx, s.bridge, "agent.reset", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, slot.Agent.Reset(ctx)
	})
	if err != nil {
		s.logger.Error("pool: reset failed",
			slog.String("key", slot.Key),
			slog.String("agent_id", slot.Agent.ID()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) closeAgent(ctx context.Context, slot Slot) error {
	_, err := bridge.AwaitOrRun(ctx, s.bridge, "agent.close", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, slot.Agent.Close(ctx)
	})
	if err != nil {
		s.logger.Error("pool: close failed",
			slog.String("key", slot.Key),
			slog.String("agent_id", slot.Agent.ID()),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// Shutdown closes the registry and makes a best-effort attempt to close
// every agent it held. Agents still being created are closed as they land.
func (s *Scheduler) Shutdown(ctx context.Context) {
	slots := s.reg.drain()
	var (
		wg     conc.WaitGroup
		failed = make(chan struct{}, len(slots))
	)
	for _, slot := range slots {
		wg.Go(func() {
			if err := s.closeAgent(ctx, slot); err != nil {
				failed <- struct{}{}
			}
		})
	}
	wg.Wait()
	s.logger.Info("pool: shutdown",
		slog.Int("agents", len(slots)),
		slog.Int("close_failures", len(failed)),
	)
}
