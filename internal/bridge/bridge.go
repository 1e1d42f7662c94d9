// Package bridge runs asynchronous work for synchronous callers.
//
// A Bridge owns a bounded queue drained by a fixed set of workers for the
// lifetime of the process. Callers either hand work off (Dispatch) or hand it
// off and wait for the result (Await). Every task runs supervised: panics are
// recovered and reported as errors, and fire-and-forget failures are logged
// with the task name.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Errors returned by the bridge.
var (
	ErrUnavailable = errors.New("bridge: not running")
	ErrQueueFull   = errors.New("bridge: queue full")
	ErrPanic       = errors.New("bridge: task panicked")
)

// Task is a unit of work executed on a bridge worker.
type Task func(ctx context.Context) error

// Config sizes the bridge.
type Config struct {
	Workers   int
	QueueSize int
}

type job struct {
	name string
	ctx  context.Context
	fn   Task
	done chan error // nil for fire-and-forget
}

// Bridge is a bounded work queue executor.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	running bool
	queue   chan job
	workers conc.WaitGroup

	// base context for fire-and-forget tasks, cancelled when Stop gives up waiting
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped bridge. Call Start before dispatching.
func New(cfg Config, logger *slog.Logger) *Bridge {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{cfg: cfg, logger: logger}
}

// Start launches the workers. Starting a running bridge is a no-op.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.queue = make(chan job, b.cfg.QueueSize)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.running = true

	queue := b.queue
	for i := 0; i < b.cfg.Workers; i++ {
		b.workers.Go(func() {
			for j := range queue {
				b.run(j)
			}
		})
	}
	b.logger.Info("bridge: started",
		slog.Int("workers", b.cfg.Workers),
		slog.Int("queue_size", b.cfg.QueueSize),
	)
}

// Running reports whether the bridge accepts work.
func (b *Bridge) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (b *Bridge) Pending() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.running {
		return 0
	}
	return len(b.queue)
}

// Dispatch enqueues fn without waiting. It never blocks.
func (b *Bridge) Dispatch(name string, fn Task) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.running {
		return ErrUnavailable
	}
	select {
	case b.queue <- job{name: name, ctx: b.ctx, fn: fn}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Await enqueues fn and waits for its result. The task receives ctx, so
// cancelling ctx both abandons the wait and signals the task.
func Await[T any](ctx context.Context, b *Bridge, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero   T
		result T
	)
	done := make(chan error, 1)
	task := func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	}
	if err := b.enqueue(ctx, job{name: name, ctx: ctx, fn: task, done: done}); err != nil {
		return zero, err
	}
	select {
	case err := <-done:
		if err != nil {
			return zero, err
		}
		return result, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// enqueue blocks until the job is queued, ctx ends, or the bridge is down.
func (b *Bridge) enqueue(ctx context.Context, j job) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.running {
		return ErrUnavailable
	}
	select {
	case b.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) run(j job) {
	var (
		pc  panics.Catcher
		err error
	)
	pc.Try(func() { err = j.fn(j.ctx) })
	if r := pc.Recovered(); r != nil {
		err = fmt.Errorf("%w: %s: %w", ErrPanic, j.name, r.AsError())
	}

	if j.done != nil {
		j.done <- err
		return
	}
	if err != nil {
		b.logger.Error("bridge: task failed",
			slog.String("task", j.name),
			slog.String("error", err.Error()),
		)
	}
}

// Stop refuses new work, drains the queue and waits for the workers. If ctx
// ends first the remaining fire-and-forget tasks see a cancelled context.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	close(b.queue)
	cancel := b.cancel
	b.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		cancel()
		b.logger.Info("bridge: stopped")
		return nil
	case <-ctx.Done():
		cancel()
		b.logger.Warn("bridge: stop deadline reached, abandoning queued tasks")
		return fmt.Errorf("bridge: stop: %w", ctx.Err())
	}
}

// DispatchOrRun hands fn to the bridge. When the bridge is down or saturated
// fn runs inline on the caller's goroutine and a degraded-mode warning is
// logged. A nil bridge always runs inline.
func DispatchOrRun(ctx context.Context, b *Bridge, name string, fn Task) {
	var err error
	if b == nil {
		err = ErrUnavailable
	} else {
		err = b.Dispatch(name, fn)
	}
	if err == nil {
		return
	}
	logger := slog.Default()
	if b != nil {
		logger = b.logger
	}
	logger.Warn("bridge: degraded, running inline",
		slog.String("task", name),
		slog.String("reason", err.Error()),
	)
	if runErr := fn(ctx); runErr != nil {
		logger.Error("bridge: inline task failed",
			slog.String("task", name),
			slog.String("error", runErr.Error()),
		)
	}
}

// AwaitOrRun is Await with the same inline fallback as DispatchOrRun.
func AwaitOrRun[T any](ctx context.Context, b *Bridge, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	if b != nil {
		v, err := Await(ctx, b, name, fn)
		if !errors.Is(err, ErrUnavailable) {
			return v, err
		}
	}
	logger := slog.Default()
	if b != nil {
		logger = b.logger
	}
	logger.Warn("bridge: degraded, running inline", slog.String("task", name))
	return fn(ctx)
}
