package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepReport summarizes one idle sweep.
type SweepReport struct {
	Callers  int `json:"callers"`
	Closed   int `json:"closed"`
	Recycled int `json:"recycled"`
}

// Monitor reclaims caller slots whose last activity is older than the idle
// threshold. Below the close threshold idle agents are reset and returned to
// the pool; above it they are closed for good.
type Monitor struct {
	sched  *Scheduler
	logger *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc

	// serializes scheduled and manual sweeps
	sweepMu sync.Mutex
}

// NewMonitor creates a stopped monitor for sched.
func NewMonitor(sched *Scheduler) *Monitor {
	return &Monitor{sched: sched, logger: sched.logger}
}

// Start schedules sweeps every SweepInterval. Sweeps never overlap: a tick
// that fires while the previous sweep still runs is skipped.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}
	interval := m.sched.opts.SweepInterval
	if interval <= 0 {
		return fmt.Errorf("pool: sweep interval must be positive, got %s", interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{m.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
	c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		m.Sweep(ctx, m.sched.now())
	}))
	c.Start()

	m.cron = c
	m.cancel = cancel
	m.logger.Info("pool: monitor started",
		slog.Duration("interval", interval),
		slog.Duration("idle_threshold", m.sched.opts.IdleThreshold),
		slog.Int("close_above", m.sched.opts.CloseAbove),
	)
	return nil
}

// Stop prevents further sweeps and waits for a running one to finish, or
// for ctx to end.
func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	c, cancel := m.cron, m.cancel
	m.cron, m.cancel = nil, nil
	m.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		m.logger.Warn("pool: monitor stop deadline reached")
	}
	cancel()
	m.logger.Info("pool: monitor stopped")
}

// Sweep runs one reclamation pass as of now. Agent calls run on the bridge;
// their failures are logged and never stop the sweep.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) SweepReport {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	opts := m.sched.opts
	plan := m.sched.reg.reclaim(now, opts.IdleThreshold, opts.CloseAbove)
	report := SweepReport{Callers: plan.callers}

	for _, slot := range plan.close {
		// the slot is already gone; a failed close only leaks the agent
		m.sched.closeAgent(ctx, slot)
		report.Closed++
		m.logger.Info("pool: idle slot closed",
			slog.String("caller", slot.Key),
			slog.String("agent_id", slot.Agent.ID()),
			slog.Duration("idle", now.Sub(slot.LastActivity)),
			slog.Int("callers", plan.callers),
		)
	}

	for _, rc := range plan.recycle {
		m.sched.resetAgent(ctx, rc.slot)
		if !m.sched.reg.fill(rc.index, rc.slot.Agent, m.sched.now()) {
			m.sched.closeAgent(ctx, rc.slot)
			continue
		}
		report.Recycled++
		m.logger.Info("pool: idle slot recycled",
			slog.String("caller", rc.slot.Key),
			slog.String("key", PoolKey(rc.index)),
			slog.String("agent_id", rc.slot.Agent.ID()),
			slog.Duration("idle", now.Sub(rc.slot.LastActivity)),
		)
	}

	// covers replenishments that failed since the last sweep
	m.sched.Replenish(ctx)

	if report.Closed+report.Recycled > 0 {
		m.logger.Info("pool: sweep done",
			slog.Int("callers", report.Callers),
			slog.Int("closed", report.Closed),
			slog.Int("recycled", report.Recycled),
		)
	}
	return report
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("pool: cron "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("pool: cron "+msg, append(keysAndValues, "error", err)...)
}
