package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
)

// Ticked is the part of the scheduler the watchdog drives.
type Ticked interface {
	Tick(ctx context.Context)
	Recover(ctx context.Context) (int, error)
}

// Elector decides which instance runs recovery. *redis.Leader implements it.
type Elector interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Watchdog runs the periodic scheduler jobs: every instance ticks its own
// work orders; only the leader recovers orphaned ones.
type Watchdog struct {
	target      Ticked
	leader      Elector
	tickSpec    string
	recoverSpec string
	jobTimeout  time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	leading bool
}

// WatchdogOption configures a Watchdog.
type WatchdogOption func(*Watchdog)

// WithElector gates recovery on leadership. Without it this instance always
// recovers.
func WithElector(e Elector) WatchdogOption { return func(w *Watchdog) { w.leader = e } }

// WithSchedule sets the cron specs of the tick and recovery jobs.
func WithSchedule(tick, recovery string) WatchdogOption {
	return func(w *Watchdog) {
		if tick != "" {
			w.tickSpec = tick
		}
		if recovery != "" {
			w.recoverSpec = recovery
		}
	}
}

func WithWatchdogLogger(l *slog.Logger) WatchdogOption { return func(w *Watchdog) { w.logger = l } }

// NewWatchdog creates a watchdog for target.
func NewWatchdog(target Ticked, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		target:      target,
		tickSpec:    "@every 15s",
		recoverSpec: "@every 1m",
		jobTimeout:  30 * time.Second,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run recovers once, then runs both jobs on their schedules until ctx is
// cancelled. Leadership is released on the way out.
func (w *Watchdog) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(w.tickSpec, func() { w.tick(ctx) }); err != nil {
		return fmt.Errorf("parse tick schedule %q: %w", w.tickSpec, err)
	}
	if _, err := c.AddFunc(w.recoverSpec, func() { w.recoverOrphans(ctx) }); err != nil {
		return fmt.Errorf("parse recover schedule %q: %w", w.recoverSpec, err)
	}

	w.recoverOrphans(ctx)
	c.Start()
	w.logger.Info("watchdog started",
		slog.String("tick", w.tickSpec),
		slog.String("recover", w.recoverSpec),
	)

	<-ctx.Done()
	<-c.Stop().Done()

	if w.leader != nil && w.isLeading() {
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.leader.Release(relCtx); err != nil {
			w.logger.Warn("release leadership", slog.String("error", err.Error()))
		}
		w.setLeading(false)
	}
	return nil
}

func (w *Watchdog) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	telemetry.WatchdogTicks.WithLabelValues("tick").Inc()
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()
	w.target.Tick(jobCtx)
}

func (w *Watchdog) recoverOrphans(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()
	if !w.acquire(jobCtx) {
		return
	}
	telemetry.WatchdogTicks.WithLabelValues("recover").Inc()
	n, err := w.target.Recover(jobCtx)
	if err != nil {
		w.logger.Error("recover work orders", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		w.logger.Info("recovered work orders", slog.Int("count", n))
	}
}

// acquire takes or renews leadership and reports whether this instance
// leads.
func (w *Watchdog) acquire(ctx context.Context) bool {
	if w.leader == nil {
		return true
	}
	ok, err := w.leader.Acquire(ctx)
	if err != nil {
		w.logger.Error("leader election", slog.String("error", err.Error()))
		ok = false
	}
	if ok != w.isLeading() {
		if ok {
			w.logger.Info("acquired watchdog leadership")
		} else {
			w.logger.Info("lost watchdog leadership")
		}
	}
	w.setLeading(ok)
	return ok
}

func (w *Watchdog) isLeading() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.leading
}

func (w *Watchdog) setLeading(v bool) {
	w.mu.Lock()
	w.leading = v
	w.mu.Unlock()
	if v {
		telemetry.LeaderStatus.Set(1)
	} else {
		telemetry.LeaderStatus.Set(0)
	}
}
