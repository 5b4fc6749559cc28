package autoheal

import (
	"fmt"
	"log/slog"

	"github.com/devflow/core/internal/errs"
	"github.com/devflow/core/internal/toolregistry"
)

// Core wires the classifier, remediation actions, fix memory, and
// usage-pattern store into the single entry point the Tool Registry's
// `auto_heal` decorator calls on every failed invocation.
type Core struct {
	logger      *slog.Logger
	remediation *RemediationActions
	fixes       *FixMemory
	patterns    *UsagePatternStore
	applyKnown  bool
	applyThresh float64
}

// Option configures a Core.
type Option func(*Core)

// WithApplyKnownFixes enables automatically applying a matched FixRecord as
// a remediation when its confidence is at or above threshold.
func WithApplyKnownFixes(threshold float64) Option {
	return func(c *Core) {
		c.applyKnown = true
		c.applyThresh = threshold
	}
}

// WithLogger sets the Core's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Core) { c.logger = logger }
}

// NewCore creates a Core.
func NewCore(remediation *RemediationActions, fixes *FixMemory, patterns *UsagePatternStore, opts ...Option) *Core {
	c := &Core{
		logger:      slog.Default().With("component", "autoheal.core"),
		remediation: remediation,
		fixes:       fixes,
		patterns:    patterns,
		applyThresh: 0.90,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PreChecker exposes the usage pattern store for the registry's
// usage_precheck decorator.
func (c *Core) PreChecker() toolregistry.PreChecker {
	return c.patterns
}

// ClassifyAndRemediate implements toolregistry.Remediator. It classifies
// err, enriches it with fix-memory hints, attempts remediation for
// infrastructure failures, and learns a usage pattern for usage failures.
// A kind the tool already declared is never replaced (an auth error can
// never be reclassified as usage); only an error that arrives unclassified
// (KindInternal) takes the classifier's kind.
func (c *Core) ClassifyAndRemediate(ic *toolregistry.InvocationContext, args map[string]any, err error) (retry bool, remediatedErr error) {
	toolErr := errs.AsError(err)
	if declared := toolErr.Kind; declared != errs.KindInternal {
		defer func() { toolErr.Kind = declared }()
	}
	classification := Classify(ic.ToolName, toolErr.Message, args)

	fixFound := false
	if fix, ok := c.fixes.Lookup(ic.ToolName, toolErr.Message); ok {
		fixFound = true
		toolErr = toolErr.WithHint(fix.FixText, errs.HintSourceFixMemory)
		if rErr := c.fixes.RecordObservation(ic.ToolName, fix.ErrorPattern); rErr != nil {
			c.logger.Warn("fix memory record failed", "error", rErr)
		}
		if c.applyKnown && fix.Confidence >= c.applyThresh {
			return true, toolErr
		}
	}

	switch classification.Kind {
	case "infrastructure":
		switch classification.Category {
		case CategoryNetwork:
			toolErr.Kind = errs.KindNetwork
		case CategoryAuth:
			toolErr.Kind = errs.KindAuth
		case CategoryTimeout:
			toolErr.Kind = errs.KindTimeout
		}
		didRetry := c.remediation.Run(classification.Category, ic.ClusterHint)
		if didRetry {
			c.logger.Info("auto-heal remediation applied", "tool", ic.ToolName, "category", classification.Category)
			if !fixFound {
				// First sighting of this failure: record it so the outcome
				// exists for a later learn_tool_fix.
				if oErr := c.fixes.Observe(ic.ToolName, toolErr.Message); oErr != nil {
					c.logger.Warn("fix memory observe failed", "error", oErr)
				}
			}
		}
		return didRetry, toolErr

	case "usage":
		toolErr.Kind = errs.KindUsage
		cause := fmt.Sprintf("%s on %s", classification.Category, ic.ToolName)
		if lErr := c.patterns.Learn(ic.ToolName, classification.Category, cause, toolErr.Message, toolErr.Message, PreventionOutcome{}); lErr != nil {
			c.logger.Warn("usage pattern learn failed", "error", lErr)
		}
		return false, toolErr

	default:
		return false, toolErr
	}
}

// Optimizer exposes the usage pattern optimizer for scheduled maintenance.
func (c *Core) Optimizer(cfg OptimizerConfig) *Optimizer {
	return NewOptimizer(c.patterns, cfg, c.logger)
}

// Fixes exposes the fix memory store (for learn_tool_fix/check_known_issues).
func (c *Core) Fixes() *FixMemory { return c.fixes }

// Patterns exposes the usage pattern store.
func (c *Core) Patterns() *UsagePatternStore { return c.patterns }
