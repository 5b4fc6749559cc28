package autoheal

import (
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devflow/core/internal/errs"
	"github.com/devflow/core/internal/expr"
	"github.com/devflow/core/internal/store"
)

// UsagePatternPath is the persistent layout location for the UsagePattern
// list.
const UsagePatternPath = "learned/usage_patterns.yaml"

const (
	defaultBlockThreshold = 0.95
	defaultWarnThreshold  = 0.80
	defaultInfoThreshold  = 0.50

	defaultPatternCacheTTL = 5 * time.Minute
	defaultPatternCacheMax = 1000

	similarityThreshold = 0.70
)

// UsagePatternStore is the persisted, single-writer store of learned
// UsagePatterns, with a bounded, TTL'd per-tool read cache for PreCheck.
type UsagePatternStore struct {
	store *store.Store

	blockThreshold  float64
	warnThreshold   float64
	infoThreshold   float64
	patternCacheTTL time.Duration
	patternCacheMax int

	mu       sync.RWMutex
	patterns []UsagePattern

	cacheMu sync.Mutex
	cache   map[string]cachedPatterns
}

type cachedPatterns struct {
	at       time.Time
	patterns []UsagePattern
}

// UsagePatternOption configures a UsagePatternStore.
type UsagePatternOption func(*UsagePatternStore)

// WithThresholds overrides the block/warn/info confidence cut-offs.
func WithThresholds(block, warn, info float64) UsagePatternOption {
	return func(ups *UsagePatternStore) {
		if block > 0 {
			ups.blockThreshold = block
		}
		if warn > 0 {
			ups.warnThreshold = warn
		}
		if info > 0 {
			ups.infoThreshold = info
		}
	}
}

// WithPatternCache overrides the per-tool cache TTL and entry bound.
func WithPatternCache(ttl time.Duration, maxEntries int) UsagePatternOption {
	return func(ups *UsagePatternStore) {
		if ttl > 0 {
			ups.patternCacheTTL = ttl
		}
		if maxEntries > 0 {
			ups.patternCacheMax = maxEntries
		}
	}
}

// NewUsagePatternStore loads (or initializes) the UsagePattern list.
func NewUsagePatternStore(s *store.Store, opts ...UsagePatternOption) (*UsagePatternStore, error) {
	ups := &UsagePatternStore{
		store:           s,
		blockThreshold:  defaultBlockThreshold,
		warnThreshold:   defaultWarnThreshold,
		infoThreshold:   defaultInfoThreshold,
		patternCacheTTL: defaultPatternCacheTTL,
		patternCacheMax: defaultPatternCacheMax,
		cache:           make(map[string]cachedPatterns),
	}
	for _, opt := range opts {
		opt(ups)
	}
	doc, err := s.Read(UsagePatternPath)
	if err != nil {
		return ups, nil
	}
	ups.patterns = decodeUsagePatterns(doc)
	return ups, nil
}

// forTool returns the patterns for a tool, cached for up to 5 minutes.
func (ups *UsagePatternStore) forTool(toolName string) []UsagePattern {
	ups.cacheMu.Lock()
	if c, ok := ups.cache[toolName]; ok && time.Since(c.at) < ups.patternCacheTTL {
		ups.cacheMu.Unlock()
		return c.patterns
	}
	ups.cacheMu.Unlock()

	ups.mu.RLock()
	var matched []UsagePattern
	for _, p := range ups.patterns {
		if p.Tool == toolName {
			matched = append(matched, p)
		}
	}
	ups.mu.RUnlock()

	ups.cacheMu.Lock()
	if len(ups.cache) >= ups.patternCacheMax {
		ups.cache = make(map[string]cachedPatterns)
	}
	ups.cache[toolName] = cachedPatterns{at: time.Now(), patterns: matched}
	ups.cacheMu.Unlock()
	return matched
}

// PreCheck implements toolregistry.PreChecker. Each cached pattern for
// toolName is tested two ways: its validation_rules against args, and its
// match regex against the rendered call context. The highest matching
// confidence decides whether the call is blocked, warned about, or
// annotated.
func (ups *UsagePatternStore) PreCheck(toolName string, args map[string]any, callContext string) (block bool, hints []string, err error) {
	patterns := ups.forTool(toolName)
	if len(patterns) == 0 {
		return false, nil, nil
	}

	var maxConfidence float64
	var maxHint string
	var blockHints []string
	for _, p := range patterns {
		if !ups.matches(p, args, callContext) {
			continue
		}
		if p.Confidence > maxConfidence {
			maxConfidence = p.Confidence
			maxHint = p.PreventionText
		}
		if p.Confidence >= ups.blockThreshold {
			blockHints = append(blockHints, p.PreventionText)
		}
	}

	if len(blockHints) > 0 {
		return true, blockHints, nil
	}
	if maxConfidence >= ups.warnThreshold {
		return false, []string{maxHint}, nil
	}
	if maxConfidence >= ups.infoThreshold {
		return false, []string{maxHint}, nil
	}
	return false, nil, nil
}

func (ups *UsagePatternStore) matches(p UsagePattern, args map[string]any, callContext string) bool {
	for _, rule := range p.ValidationRules {
		ok, err := expr.EvalBool(rule, expr.Scope{"args": args}, time.Second)
		if err != nil || !ok {
			return false
		}
	}
	if p.Match != "" {
		re, err := regexp.Compile(p.Match)
		// An uncompilable match never fires; the validation rules above
		// remain in effect on their own.
		if err == nil && !re.MatchString(callContext) {
			return false
		}
	}
	return true
}

// Learn records post-failure learning for a usage classification: it finds
// a similar existing pattern (Jaccard similarity over {match, tool, cause}
// at threshold 0.70) or creates a new one, then updates confidence per the
// documented formula.
func (ups *UsagePatternStore) Learn(toolName string, category Category, cause, match, preventionText string, outcome PreventionOutcome) error {
	ups.mu.Lock()
	defer ups.mu.Unlock()

	now := time.Now()
	for i := range ups.patterns {
		p := &ups.patterns[i]
		if p.Tool != toolName {
			continue
		}
		if jaccardSimilarity(fieldSet(p.Match, p.Tool, p.Cause), fieldSet(match, toolName, cause)) >= similarityThreshold {
			p.Observations++
			p.LastSeen = now
			p.LastActive = now
			p.Confidence = computeConfidence(p.Observations, outcome)
			ups.invalidateCache(toolName)
			return ups.persistLocked()
		}
	}

	ups.patterns = append(ups.patterns, UsagePattern{
		ID:             uuid.NewString(),
		Tool:           toolName,
		Category:       category,
		Match:          match,
		Cause:          cause,
		PreventionText: preventionText,
		Confidence:     0.5,
		Observations:   1,
		Created:        now,
		LastSeen:       now,
		LastActive:     now,
	})
	ups.invalidateCache(toolName)
	return ups.persistLocked()
}

func computeConfidence(observations int, outcome PreventionOutcome) float64 {
	successRate := outcome.successRate()
	c := 0.5 + math.Log10(float64(observations+1))/2 + 0.2*(successRate-0.5)
	return math.Min(0.95, c)
}

func (ups *UsagePatternStore) invalidateCache(toolName string) {
	ups.cacheMu.Lock()
	delete(ups.cache, toolName)
	ups.cacheMu.Unlock()
}

// All returns a snapshot of every pattern, used by the optimizer.
func (ups *UsagePatternStore) All() []UsagePattern {
	ups.mu.RLock()
	defer ups.mu.RUnlock()
	out := make([]UsagePattern, len(ups.patterns))
	copy(out, ups.patterns)
	return out
}

// Replace overwrites the in-memory set and persists it.
func (ups *UsagePatternStore) Replace(patterns []UsagePattern) error {
	ups.mu.Lock()
	defer ups.mu.Unlock()
	ups.patterns = patterns
	ups.cacheMu.Lock()
	ups.cache = make(map[string]cachedPatterns)
	ups.cacheMu.Unlock()
	return ups.persistLocked()
}

func (ups *UsagePatternStore) persistLocked() error {
	docs := make([]any, len(ups.patterns))
	for i, p := range ups.patterns {
		docs[i] = encodeUsagePattern(p)
	}
	if err := ups.store.Write(UsagePatternPath, map[string]any{"patterns": docs}); err != nil {
		return errs.Wrap(errs.KindIO, "persist usage patterns", err)
	}
	return nil
}

func fieldSet(fields ...string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range fields {
		for _, tok := range splitWords(f) {
			set[tok] = true
		}
	}
	return set
}

func splitWords(s string) []string {
	var words []string
	var cur []rune
	for _, r := range s {
		if r == ' ' || r == '_' || r == '-' || r == '.' {
			if len(cur) > 0 {
				words = append(words, string(cur))
				cur = nil
			}
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		words = append(words, string(cur))
	}
	return words
}

func jaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	union := make(map[string]bool, len(a)+len(b))
	for k := range a {
		union[k] = true
		if b[k] {
			intersection++
		}
	}
	for k := range b {
		union[k] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

func encodeUsagePattern(p UsagePattern) map[string]any {
	return map[string]any{
		"id":               p.ID,
		"tool":             p.Tool,
		"category":         string(p.Category),
		"match":            p.Match,
		"cause":            p.Cause,
		"prevention_text":  p.PreventionText,
		"validation_rules": toAnySlice(p.ValidationRules),
		"confidence":       p.Confidence,
		"observations":     p.Observations,
		"prevention_stats": map[string]any{
			"shown":          p.PreventionStats.Shown,
			"prevented":      p.PreventionStats.Prevented,
			"failed":         p.PreventionStats.Failed,
			"false_positive": p.PreventionStats.FalsePositive,
		},
		"created":     p.Created.Format(time.RFC3339),
		"last_seen":   p.LastSeen.Format(time.RFC3339),
		"last_active": p.LastActive.Format(time.RFC3339),
	}
}

func toAnySlice(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func decodeUsagePatterns(doc any) []UsagePattern {
	m, ok := doc.(map[string]any)
	if !ok {
		return nil
	}
	list, ok := m["patterns"].([]any)
	if !ok {
		return nil
	}
	out := make([]UsagePattern, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		stats := PreventionStats{}
		if sm, ok := entry["prevention_stats"].(map[string]any); ok {
			stats = PreventionStats{
				Shown:         intField(sm, "shown"),
				Prevented:     intField(sm, "prevented"),
				Failed:        intField(sm, "failed"),
				FalsePositive: intField(sm, "false_positive"),
			}
		}
		var rules []string
		if rl, ok := entry["validation_rules"].([]any); ok {
			for _, r := range rl {
				if s, ok := r.(string); ok {
					rules = append(rules, s)
				}
			}
		}
		out = append(out, UsagePattern{
			ID:              stringField(entry, "id"),
			Tool:            stringField(entry, "tool"),
			Category:        Category(stringField(entry, "category")),
			Match:           stringField(entry, "match"),
			Cause:           stringField(entry, "cause"),
			PreventionText:  stringField(entry, "prevention_text"),
			ValidationRules: rules,
			Confidence:      floatField(entry, "confidence"),
			Observations:    intField(entry, "observations"),
			PreventionStats: stats,
			Created:         timeField(entry, "created"),
			LastSeen:        timeField(entry, "last_seen"),
			LastActive:      timeField(entry, "last_active"),
		})
	}
	return out
}
