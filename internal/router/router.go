// Package router turns inbound gateway events into agent replies.
//
// Events are queued per caller and processed one at a time in arrival
// order, so an agent never sees two concurrent queries. Different callers
// proceed in parallel. The reply is sent as soon as the agent answers;
// customer bookkeeping runs afterwards on a separate per-caller lane, so it
// never delays or fails the reply and exchanges are stored in arrival order.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentfi/chatpool/internal/bridge"
	"github.com/agentfi/chatpool/internal/gateway"
	"github.com/agentfi/chatpool/internal/pool"
)

// CommandStart reactivates a paused conversation when sent from the
// instance's own phone.
const CommandStart = "/start"

// DefaultReactivatedText confirms a /start to the caller.
const DefaultReactivatedText = "🤖 Bot reactivado. ¿En qué puedo ayudarte?"

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("router: closed")

// Pool is the slice of the scheduler the router needs. Acquire must keep
// the returned slot bound to caller until release is called.
type Pool interface {
	Lookup(caller string) (pool.Slot, bool)
	Acquire(ctx context.Context, caller string) (slot pool.Slot, release func(), err error)
	SetActive(caller string, active bool) error
}

// Recorder persists one question/reply exchange for a caller.
type Recorder interface {
	Record(ctx context.Context, phone, pushName, userText, botText string) error
}

// Options tunes reply behavior.
type Options struct {
	TypingIndicator bool
	TypingDelay     time.Duration
	QueryTimeout    time.Duration // 0 waits for the agent indefinitely
	SlowThreshold   time.Duration // 0 disables the slow reply warning
	ReactivatedText string
}

// Router implements gateway.EventHandler.
type Router struct {
	pool     Pool
	sender   gateway.Sender
	recorder Recorder
	bridge   *bridge.Bridge
	opts     Options
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events  *lanes
	records *lanes
}

// New creates a router. b may be nil, in which case agent queries and
// bookkeeping run on the caller's lane goroutine.
func New(p Pool, sender gateway.Sender, recorder Recorder, b *bridge.Bridge, opts Options, logger *slog.Logger) *Router {
	if opts.ReactivatedText == "" {
		opts.ReactivatedText = DefaultReactivatedText
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		pool:     p,
		sender:   sender,
		recorder: recorder,
		bridge:   b,
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		events:   newLanes(),
		records:  newLanes(),
	}
}

// HandleEvent queues ev on its caller's lane and returns immediately.
func (r *Router) HandleEvent(_ context.Context, ev gateway.Event) {
	key := strings.TrimSpace(ev.Identity)
	if key == "" || pool.IsPoolKey(key) {
		r.logger.Warn("router: event with unusable identity dropped", slog.String("identity", ev.Identity))
		return
	}
	ev.Identity = key

	if !r.events.push(key, func() { r.process(r.ctx, ev) }) {
		r.logger.Warn("router: closed, event dropped", slog.String("caller", key))
	}
}

// Close stops accepting events and waits for queued ones, and the
// bookkeeping they produced, to finish. When ctx ends first, in-flight work
// sees a cancelled context.
func (r *Router) Close(ctx context.Context) error {
	if !r.events.close() {
		return ErrClosed
	}

	done := make(chan struct{})
	go func() {
		r.events.wait()
		r.records.close()
		r.records.wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return fmt.Errorf("router: close: %w", ctx.Err())
	}
}

func (r *Router) process(ctx context.Context, ev gateway.Event) {
	if ev.FromSelf {
		r.handleCommand(ctx, ev)
		return
	}

	// A paused conversation is left untouched until the operator sends /start.
	if slot, ok := r.pool.Lookup(ev.Identity); ok && !slot.Active {
		r.logger.Debug("router: caller paused, message ignored", slog.String("caller", ev.Identity))
		return
	}

	slot, release, err := r.pool.Acquire(ctx, ev.Identity)
	if err != nil {
		r.logger.Error("router: no agent for caller",
			slog.String("caller", ev.Identity),
			slog.String("error", err.Error()),
		)
		return
	}
	defer release()
	if !slot.Active {
		return
	}

	if r.opts.TypingIndicator {
		if err := r.sender.SendPresence(ctx, ev.Identity, gateway.PresenceComposing, r.opts.TypingDelay); err != nil {
			r.logger.Warn("router: typing presence failed",
				slog.String("caller", ev.Identity),
				slog.String("error", err.Error()),
			)
		}
	}

	reply, err := r.query(ctx, slot, ev)
	if err != nil {
		r.logger.Error("router: agent query failed",
			slog.String("caller", ev.Identity),
			slog.String("agent_id", slot.Agent.ID()),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := r.sender.SendText(ctx, ev.Identity, reply); err != nil {
		r.logger.Error("router: reply not delivered",
			slog.String("caller", ev.Identity),
			slog.String("error", err.Error()),
		)
	}

	r.record(ev, reply)
}

// record queues the exchange behind the caller's earlier bookkeeping. Each
// job still runs supervised on the bridge.
func (r *Router) record(ev gateway.Event, reply string) {
	queued := r.records.push(ev.Identity, func() {
		_, err := bridge.AwaitOrRun(r.ctx, r.bridge, "customer.record", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.recorder.Record(ctx, ev.Identity, ev.PushName, ev.Body, reply)
		})
		if err != nil {
			r.logger.Error("router: bookkeeping failed",
				slog.String("caller", ev.Identity),
				slog.String("error", err.Error()),
			)
		}
	})
	if !queued {
		r.logger.Warn("router: closed, exchange not recorded", slog.String("caller", ev.Identity))
	}
}

func (r *Router) query(ctx context.Context, slot pool.Slot, ev gateway.Event) (string, error) {
	if r.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := bridge.AwaitOrRun(ctx, r.bridge, "agent.query", func(ctx context.Context) (string, error) {
		return slot.Agent.Query(ctx, ev.Body)
	})
	elapsed := time.Since(start)
	if err != nil {
		return "", err
	}

	if r.opts.SlowThreshold > 0 && elapsed > r.opts.SlowThreshold {
		r.logger.Warn("router: slow agent response",
			slog.String("caller", ev.Identity),
			slog.String("agent_id", slot.Agent.ID()),
			slog.Duration("elapsed", elapsed),
		)
	} else {
		r.logger.Info("router: agent replied",
			slog.String("caller", ev.Identity),
			slog.Int("duration_ms", int(elapsed.Milliseconds())),
		)
	}
	return reply, nil
}

// handleCommand applies operator messages typed from the instance's own
// phone. They only affect callers that already hold a slot.
func (r *Router) handleCommand(ctx context.Context, ev gateway.Event) {
	if _, ok := r.pool.Lookup(ev.Identity); !ok {
		return
	}

	if strings.TrimSpace(ev.Body) != CommandStart {
		if err := r.pool.SetActive(ev.Identity, false); err != nil {
			r.logger.Debug("router: pause skipped", slog.String("caller", ev.Identity), slog.String("error", err.Error()))
		}
		return
	}

	if err := r.pool.SetActive(ev.Identity, true); err != nil {
		r.logger.Debug("router: resume skipped", slog.String("caller", ev.Identity), slog.String("error", err.Error()))
		return
	}
	if err := r.sender.SendText(ctx, ev.Identity, r.opts.ReactivatedText); err != nil {
		r.logger.Error("router: reactivation notice not delivered",
			slog.String("caller", ev.Identity),
			slog.String("error", err.Error()),
		)
	}
}

var _ gateway.EventHandler = (*Router)(nil)
