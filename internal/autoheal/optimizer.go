package autoheal

import (
	"log/slog"
	"math"
	"time"
)

// OptimizerConfig controls the periodic maintenance thresholds. Zero
// values fall back to the documented defaults.
type OptimizerConfig struct {
	PruneMaxAge     time.Duration
	PruneMaxConf    float64
	DecayAfter      time.Duration
	DecayPerMonth   float64
	MergeSimilarity float64
}

// DefaultOptimizerConfig returns the standard maintenance thresholds.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		PruneMaxAge:     90 * 24 * time.Hour,
		PruneMaxConf:    0.70,
		DecayAfter:      30 * 24 * time.Hour,
		DecayPerMonth:   0.01,
		MergeSimilarity: 0.70,
	}
}

// Optimizer runs prune/decay/merge maintenance over the UsagePatternStore.
type Optimizer struct {
	patterns *UsagePatternStore
	cfg      OptimizerConfig
	logger   *slog.Logger
}

// NewOptimizer creates an Optimizer over patterns.
func NewOptimizer(patterns *UsagePatternStore, cfg OptimizerConfig, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultOptimizerConfig()
	if cfg.PruneMaxAge == 0 {
		cfg.PruneMaxAge = d.PruneMaxAge
	}
	if cfg.PruneMaxConf == 0 {
		cfg.PruneMaxConf = d.PruneMaxConf
	}
	if cfg.DecayAfter == 0 {
		cfg.DecayAfter = d.DecayAfter
	}
	if cfg.DecayPerMonth == 0 {
		cfg.DecayPerMonth = d.DecayPerMonth
	}
	if cfg.MergeSimilarity == 0 {
		cfg.MergeSimilarity = d.MergeSimilarity
	}
	return &Optimizer{patterns: patterns, cfg: cfg, logger: logger.With("component", "autoheal.optimizer")}
}

// Run performs one maintenance pass: prune, then decay, then merge.
func (o *Optimizer) Run(now time.Time) {
	patterns := o.patterns.All()

	pruned := o.prune(patterns, now)
	decayed := o.decay(pruned, now)
	merged := o.merge(decayed)

	if len(merged) != len(patterns) {
		o.logger.Info("usage pattern optimizer pass", "before", len(patterns), "after", len(merged))
	}
	if err := o.patterns.Replace(merged); err != nil {
		o.logger.Warn("optimizer failed to persist", "error", err)
	}
}

func (o *Optimizer) prune(patterns []UsagePattern, now time.Time) []UsagePattern {
	out := make([]UsagePattern, 0, len(patterns))
	for _, p := range patterns {
		age := now.Sub(p.Created)
		if age > o.cfg.PruneMaxAge && p.Confidence < o.cfg.PruneMaxConf {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (o *Optimizer) decay(patterns []UsagePattern, now time.Time) []UsagePattern {
	out := make([]UsagePattern, len(patterns))
	for i, p := range patterns {
		inactive := now.Sub(p.LastActive)
		if inactive > o.cfg.DecayAfter {
			extraMonths := math.Floor((inactive - o.cfg.DecayAfter).Hours() / (24 * 30))
			p.Confidence = math.Max(0, p.Confidence-o.cfg.DecayPerMonth*extraMonths)
		}
		out[i] = p
	}
	return out
}

func (o *Optimizer) merge(patterns []UsagePattern) []UsagePattern {
	merged := make([]UsagePattern, 0, len(patterns))
	used := make([]bool, len(patterns))
	for i := range patterns {
		if used[i] {
			continue
		}
		base := patterns[i]
		for j := i + 1; j < len(patterns); j++ {
			if used[j] || patterns[j].Tool != base.Tool {
				continue
			}
			sim := jaccardSimilarity(
				fieldSet(base.Match, base.Tool, base.Cause),
				fieldSet(patterns[j].Match, patterns[j].Tool, patterns[j].Cause),
			)
			if sim >= o.cfg.MergeSimilarity {
				used[j] = true
				base.Observations += patterns[j].Observations
				base.Confidence = math.Min(0.95, math.Max(base.Confidence, patterns[j].Confidence))
				if patterns[j].LastSeen.After(base.LastSeen) {
					base.LastSeen = patterns[j].LastSeen
				}
				if patterns[j].LastActive.After(base.LastActive) {
					base.LastActive = patterns[j].LastActive
				}
			}
		}
		merged = append(merged, base)
	}
	return merged
}
