// Package router maps a pod's role and task to a backing model, with a
// fallback chain for transient failures and an adaptive layer that moves
// between capability tiers based on observed success rates.
package router

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

// Tier is a fixed ordinal capability ranking.
type Tier int

const (
	TierCheap Tier = iota
	TierMid
	TierPremium
)

func (t Tier) String() string {
	switch t {
	case TierCheap:
		return "cheap"
	case TierMid:
		return "mid"
	case TierPremium:
		return "premium"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier parses cheap, mid or premium.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cheap":
		return TierCheap, nil
	case "mid":
		return TierMid, nil
	case "premium":
		return TierPremium, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

func (t *Tier) UnmarshalYAML(n *yaml.Node) error {
	parsed, err := ParseTier(n.Value)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Tier) MarshalYAML() (any, error) { return t.String(), nil }

// ModelSpec is one entry of the model catalog.
type ModelSpec struct {
	Name            string  `yaml:"name"`
	Provider        string  `yaml:"provider"`
	Tier            Tier    `yaml:"tier"`
	InputCostPer1K  float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k"`
}

// Cost returns the USD cost of a call.
func (m ModelSpec) Cost(inputTokens, outputTokens int64) float64 {
	return m.InputCostPer1K*float64(inputTokens)/1000 + m.OutputCostPer1K*float64(outputTokens)/1000
}

// Target names a provider and model.
type Target struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

// Rule routes matching tasks to a model. Role is an exact role or "*";
// TaskPattern, when set, must match the task name.
type Rule struct {
	Name        string   `yaml:"name"`
	Role        string   `yaml:"role"`
	TaskPattern string   `yaml:"task_pattern"`
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	Fallbacks   []string `yaml:"fallbacks"`

	re *regexp.Regexp
}

func (r *Rule) matches(role domain.Role, taskName string) bool {
	if r.Role != "*" && !strings.EqualFold(r.Role, string(role)) {
		return false
	}
	if r.re != nil && !r.re.MatchString(taskName) {
		return false
	}
	return true
}

// Config is the routing configuration.
type Config struct {
	Default  Target         `yaml:"default"`
	Models   []ModelSpec    `yaml:"models"`
	Rules    []Rule         `yaml:"rules"`
	Adaptive AdaptiveConfig `yaml:"adaptive"`
}

// Decision is the result of routing one task.
type Decision struct {
	Provider      string   `json:"provider"`
	Model         string   `json:"model"`
	Tier          Tier     `json:"tier"`
	Rule          string   `json:"rule,omitempty"`
	FallbackChain []Target `json:"fallback_chain,omitempty"`
	Reason        string   `json:"reason"`
}

// Chain returns the primary target followed by the fallbacks.
func (d Decision) Chain() []Target {
	return append([]Target{{Provider: d.Provider, Model: d.Model}}, d.FallbackChain...)
}

// Router resolves decisions from an ordered rule list.
type Router struct {
	cfg    Config
	models map[string]ModelSpec
}

// LoadFile reads a YAML routing config.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read routing file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML routing config.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse routing file: %w", err)
	}
	return cfg, nil
}

// New validates cfg and builds a Router. Every model a rule, fallback or the
// default names must be in the catalog, and a rule's fallbacks may not sit
// above its model's tier.
func New(cfg Config) (*Router, error) {
	r := &Router{cfg: cfg, models: make(map[string]ModelSpec, len(cfg.Models))}
	for _, m := range cfg.Models {
		if m.Name == "" {
			return nil, fmt.Errorf("model catalog entry without a name")
		}
		r.models[m.Name] = m
	}
	if _, ok := r.models[cfg.Default.Model]; !ok {
		return nil, fmt.Errorf("default model %q is not in the catalog", cfg.Default.Model)
	}
	r.cfg.Rules = make([]Rule, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		if rule.Role == "" {
			rule.Role = "*"
		}
		if rule.Role != "*" {
			if _, err := domain.ParseRole(rule.Role); err != nil {
				return nil, fmt.Errorf("rule %q: %w", rule.Name, err)
			}
		}
		if rule.TaskPattern != "" {
			re, err := regexp.Compile(rule.TaskPattern)
			if err != nil {
				return nil, fmt.Errorf("rule %q: bad task pattern: %w", rule.Name, err)
			}
			rule.re = re
		}
		for _, name := range append([]string{rule.Model}, rule.Fallbacks...) {
			if _, ok := r.models[name]; !ok {
				return nil, fmt.Errorf("rule %q: model %q is not in the catalog", rule.Name, name)
			}
		}
		primary := r.models[rule.Model]
		for _, name := range rule.Fallbacks {
			if fb := r.models[name]; fb.Tier > primary.Tier {
				return nil, fmt.Errorf("rule %q: fallback %q (%s) is above %q (%s)",
					rule.Name, name, fb.Tier, rule.Model, primary.Tier)
			}
		}
		if rule.Name == "" {
			rule.Name = fmt.Sprintf("rule-%d", i+1)
		}
		r.cfg.Rules[i] = rule
	}
	r.cfg.Adaptive = cfg.Adaptive.withDefaults()
	return r, nil
}

// Resolve returns the model for role and taskName: the first matching rule,
// otherwise the default.
func (r *Router) Resolve(role domain.Role, taskName string) Decision {
	for i := range r.cfg.Rules {
		rule := &r.cfg.Rules[i]
		if !rule.matches(role, taskName) {
			continue
		}
		spec := r.models[rule.Model]
		d := Decision{
			Provider: providerOr(rule.Provider, spec.Provider),
			Model:    spec.Name,
			Tier:     spec.Tier,
			Rule:     rule.Name,
			Reason:   fmt.Sprintf("matched rule %q", rule.Name),
		}
		if len(rule.Fallbacks) > 0 {
			for _, name := range rule.Fallbacks {
				fb := r.models[name]
				d.FallbackChain = append(d.FallbackChain, Target{Provider: fb.Provider, Model: fb.Name})
			}
		} else {
			d.FallbackChain = r.FallbackChain(spec.Name)
		}
		return d
	}
	spec := r.models[r.cfg.Default.Model]
	return Decision{
		Provider:      providerOr(r.cfg.Default.Provider, spec.Provider),
		Model:         spec.Name,
		Tier:          spec.Tier,
		FallbackChain: r.FallbackChain(spec.Name),
		Reason:        "no rule matched, using default",
	}
}

func providerOr(p, fallback string) string {
	if p != "" {
		return p
	}
	return fallback
}

// FallbackChain lists catalog models at the same or a lower tier than model,
// most capable first and cheaper after, excluding model itself.
func (r *Router) FallbackChain(model string) []Target {
	base, ok := r.models[model]
	if !ok {
		return nil
	}
	var specs []ModelSpec
	for _, m := range r.cfg.Models {
		if m.Name == model || m.Tier > base.Tier {
			continue
		}
		if m.Tier == base.Tier && m.InputCostPer1K+m.OutputCostPer1K > base.InputCostPer1K+base.OutputCostPer1K {
			continue
		}
		specs = append(specs, m)
	}
	sort.SliceStable(specs, func(i, j int) bool {
		if specs[i].Tier != specs[j].Tier {
			return specs[i].Tier > specs[j].Tier
		}
		return specs[i].InputCostPer1K+specs[i].OutputCostPer1K > specs[j].InputCostPer1K+specs[j].OutputCostPer1K
	})
	out := make([]Target, 0, len(specs))
	for _, m := range specs {
		out = append(out, Target{Provider: m.Provider, Model: m.Name})
	}
	return out
}

// Spec returns the catalog entry for model.
func (r *Router) Spec(model string) (ModelSpec, bool) {
	m, ok := r.models[model]
	return m, ok
}

// cheapestIn returns the cheapest catalog model of tier t.
func (r *Router) cheapestIn(t Tier) (ModelSpec, bool) {
	var best ModelSpec
	found := false
	for _, m := range r.cfg.Models {
		if m.Tier != t {
			continue
		}
		if !found || m.InputCostPer1K+m.OutputCostPer1K < best.InputCostPer1K+best.OutputCostPer1K {
			best, found = m, true
		}
	}
	return best, found
}

// Config returns the validated configuration.
func (r *Router) Config() Config { return r.cfg }
