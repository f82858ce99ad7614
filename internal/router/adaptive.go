package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
)

// AdaptiveConfig holds the escalation and downgrade thresholds. Adaptive
// routing is on unless Enabled is set to false.
type AdaptiveConfig struct {
	Enabled             *bool   `yaml:"enabled"`
	Window              int     `yaml:"window"`
	MinSamples          int     `yaml:"min_samples"`
	EscalateBelow       float64 `yaml:"escalate_below"`
	DowngradeAbove      float64 `yaml:"downgrade_above"`
	DowngradeMinSamples int     `yaml:"downgrade_min_samples"`
}

// On reports whether escalation and downgrade are active.
func (c AdaptiveConfig) On() bool { return c.Enabled == nil || *c.Enabled }

func (c AdaptiveConfig) withDefaults() AdaptiveConfig {
	if c.Enabled == nil {
		on := true
		c.Enabled = &on
	}
	if c.Window <= 0 {
		c.Window = 100
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 10
	}
	if c.EscalateBelow <= 0 {
		c.EscalateBelow = 0.70
	}
	if c.DowngradeAbove <= 0 {
		c.DowngradeAbove = 0.95
	}
	if c.DowngradeMinSamples <= 0 {
		c.DowngradeMinSamples = 20
	}
	return c
}

// Stats is a rolling outcome window for one model.
type Stats struct {
	Calls     int
	Successes int
}

// SuccessRate returns successes over calls, or 1 with no calls.
func (s Stats) SuccessRate() float64 {
	if s.Calls == 0 {
		return 1
	}
	return float64(s.Successes) / float64(s.Calls)
}

// StatsStore keeps per-model outcome windows.
type StatsStore interface {
	Record(ctx context.Context, model string, success bool) error
	Stats(ctx context.Context, model string) (Stats, error)
}

// MemoryStats is an in-process StatsStore keeping the last window outcomes
// per model.
type MemoryStats struct {
	mu     sync.Mutex
	window int
	rings  map[string][]bool
}

// NewMemoryStats creates a MemoryStats with the given window size.
func NewMemoryStats(window int) *MemoryStats {
	if window <= 0 {
		window = 100
	}
	return &MemoryStats{window: window, rings: make(map[string][]bool)}
}

func (m *MemoryStats) Record(_ context.Context, model string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := append(m.rings[model], success)
	if len(r) > m.window {
		r = r[len(r)-m.window:]
	}
	m.rings[model] = r
	return nil
}

func (m *MemoryStats) Stats(_ context.Context, model string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, ok := range m.rings[model] {
		s.Calls++
		if ok {
			s.Successes++
		}
	}
	return s, nil
}

// Adaptive wraps a Router and adjusts its decision by at most one tier
// based on the routed model's recent success rate.
type Adaptive struct {
	base   *Router
	stats  StatsStore
	cfg    AdaptiveConfig
	logger *slog.Logger
}

// AdaptiveOption configures an Adaptive router.
type AdaptiveOption func(*Adaptive)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) AdaptiveOption {
	return func(a *Adaptive) { a.logger = l }
}

// NewAdaptive wraps base. A nil stats store uses MemoryStats.
func NewAdaptive(base *Router, stats StatsStore, opts ...AdaptiveOption) *Adaptive {
	cfg := base.cfg.Adaptive.withDefaults()
	if stats == nil {
		stats = NewMemoryStats(cfg.Window)
	}
	a := &Adaptive{base: base, stats: stats, cfg: cfg, logger: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if !cfg.On() {
		a.logger.Warn("adaptive routing is disabled; models will not escalate or downgrade")
	}
	return a
}

// Base returns the wrapped router.
func (a *Adaptive) Base() *Router { return a.base }

// Resolve routes and then escalates a model whose success rate fell below
// EscalateBelow over at least MinSamples calls, or downgrades one that
// stayed above DowngradeAbove over at least DowngradeMinSamples calls.
func (a *Adaptive) Resolve(ctx context.Context, role domain.Role, taskName string) Decision {
	d := a.base.Resolve(role, taskName)
	if !a.cfg.On() {
		telemetry.RouterDecisions.WithLabelValues(d.Tier.String(), "none").Inc()
		return d
	}

	st, err := a.stats.Stats(ctx, d.Model)
	if err != nil {
		a.logger.Warn("router stats unavailable", slog.String("model", d.Model), slog.String("error", err.Error()))
		telemetry.RouterDecisions.WithLabelValues(d.Tier.String(), "none").Inc()
		return d
	}
	rate := st.SuccessRate()

	adjustment := "none"
	switch {
	case st.Calls >= a.cfg.MinSamples && rate < a.cfg.EscalateBelow && d.Tier < TierPremium:
		if next, ok := a.base.cheapestIn(d.Tier + 1); ok {
			d = a.replace(d, next, fmt.Sprintf("escalated %s (%s) to %s (%s): success rate %.0f%% over %d calls is below %.0f%%",
				d.Model, d.Tier, next.Name, next.Tier, rate*100, st.Calls, a.cfg.EscalateBelow*100))
			adjustment = "escalate"
		}
	case st.Calls >= a.cfg.DowngradeMinSamples && rate > a.cfg.DowngradeAbove && d.Tier > TierCheap:
		if next, ok := a.base.cheapestIn(d.Tier - 1); ok {
			d = a.replace(d, next, fmt.Sprintf("downgraded %s (%s) to %s (%s): success rate %.0f%% over %d calls is above %.0f%%",
				d.Model, d.Tier, next.Name, next.Tier, rate*100, st.Calls, a.cfg.DowngradeAbove*100))
			adjustment = "downgrade"
		}
	}
	if adjustment != "none" {
		a.logger.Info("adaptive routing", slog.String("role", string(role)), slog.String("reason", d.Reason))
	}
	telemetry.RouterDecisions.WithLabelValues(d.Tier.String(), adjustment).Inc()
	return d
}

func (a *Adaptive) replace(d Decision, next ModelSpec, reason string) Decision {
	return Decision{
		Provider:      next.Provider,
		Model:         next.Name,
		Tier:          next.Tier,
		Rule:          d.Rule,
		FallbackChain: a.base.FallbackChain(next.Name),
		Reason:        reason,
	}
}

// Observe records the outcome of a call to model.
func (a *Adaptive) Observe(ctx context.Context, model string, success bool) {
	if err := a.stats.Record(ctx, model, success); err != nil {
		a.logger.Warn("record router stats failed", slog.String("model", model), slog.String("error", err.Error()))
	}
}

// Spec returns the catalog entry for model.
func (a *Adaptive) Spec(model string) (ModelSpec, bool) { return a.base.Spec(model) }
