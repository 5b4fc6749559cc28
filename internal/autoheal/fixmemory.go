package autoheal

import (
	"fmt"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/devflow/core/internal/store"
)

// FixMemoryPath is the persistent layout location for the FixRecord list.
const FixMemoryPath = "learned/tool_fixes.yaml"

// FixMemory is the single-writer, persisted store of learned FixRecords.
// Reads are served from an in-memory snapshot kept current on every write.
type FixMemory struct {
	store *store.Store

	mu      sync.RWMutex
	records []FixRecord
}

// NewFixMemory loads (or initializes) the FixRecord list from s.
func NewFixMemory(s *store.Store) (*FixMemory, error) {
	fm := &FixMemory{store: s}
	doc, err := s.Read(FixMemoryPath)
	if err != nil {
		// Missing file degrades to an empty store; any other IO error is
		// non-fatal and also starts empty.
		fm.records = nil
		return fm, nil
	}
	fm.records = decodeFixRecords(doc)
	return fm, nil
}

// Lookup finds the first FixRecord for toolName whose error_pattern matches
// errorText, or ok=false if none match. Store I/O failures degrade to "no
// known patterns" rather than propagating.
func (fm *FixMemory) Lookup(toolName, errorText string) (FixRecord, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	for _, rec := range fm.records {
		if rec.ToolName != toolName {
			continue
		}
		re, err := regexp.Compile(rec.ErrorPattern)
		if err != nil {
			continue
		}
		if re.MatchString(errorText) {
			return rec, true
		}
	}
	return FixRecord{}, false
}

// RecordObservation increments a matched FixRecord's observations and
// last_seen, bumping confidence toward (but never exceeding) 0.95. If no
// record exists for (toolName, errorPattern), nothing is changed.
func (fm *FixMemory) RecordObservation(toolName, errorPattern string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	now := time.Now()
	for i := range fm.records {
		if fm.records[i].ToolName == toolName && fm.records[i].ErrorPattern == errorPattern {
			fm.records[i].Observations++
			fm.records[i].LastSeen = now
			fm.records[i].Confidence = math.Min(0.95, 0.5+0.05*float64(fm.records[i].Observations))
			return fm.persistLocked()
		}
	}
	return nil
}

// Observe records a successful remediation outcome. A record whose
// error_pattern matches errorText gets its observations and last_seen
// bumped; when none matches, a new record is created keyed by the literal
// error text (observations 1), so a later learn_tool_fix can attach the
// root cause and fix text to an already-seen failure.
func (fm *FixMemory) Observe(toolName, errorText string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	now := time.Now()
	for i := range fm.records {
		if fm.records[i].ToolName != toolName {
			continue
		}
		re, err := regexp.Compile(fm.records[i].ErrorPattern)
		if err != nil || !re.MatchString(errorText) {
			continue
		}
		fm.records[i].Observations++
		fm.records[i].LastSeen = now
		fm.records[i].Confidence = math.Min(0.95, 0.5+0.05*float64(fm.records[i].Observations))
		return fm.persistLocked()
	}
	fm.records = append(fm.records, FixRecord{
		ToolName:     toolName,
		ErrorPattern: regexp.QuoteMeta(errorText),
		Confidence:   0.5,
		Observations: 1,
		FirstSeen:    now,
		LastSeen:     now,
	})
	return fm.persistLocked()
}

// Learn inserts or updates a FixRecord; learn_tool_fix calls this.
func (fm *FixMemory) Learn(toolName, errorPattern, rootCause, fixText string) error {
	if _, err := regexp.Compile(errorPattern); err != nil {
		return fmt.Errorf("invalid error_pattern: %w", err)
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	now := time.Now()
	for i := range fm.records {
		if fm.records[i].ToolName == toolName && fm.records[i].ErrorPattern == errorPattern {
			fm.records[i].RootCause = rootCause
			fm.records[i].FixText = fixText
			fm.records[i].LastSeen = now
			return fm.persistLocked()
		}
	}
	fm.records = append(fm.records, FixRecord{
		ToolName:     toolName,
		ErrorPattern: errorPattern,
		RootCause:    rootCause,
		FixText:      fixText,
		Confidence:   0.5,
		Observations: 1,
		FirstSeen:    now,
		LastSeen:     now,
	})
	return fm.persistLocked()
}

// Matching returns every FixRecord for check_known_issues.
func (fm *FixMemory) Matching(toolName, errorText string) []FixRecord {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	var out []FixRecord
	for _, rec := range fm.records {
		if toolName != "" && rec.ToolName != toolName {
			continue
		}
		if errorText != "" {
			re, err := regexp.Compile(rec.ErrorPattern)
			if err != nil || !re.MatchString(errorText) {
				continue
			}
		}
		out = append(out, rec)
	}
	return out
}

// All returns a snapshot of every FixRecord, used by the optimizer.
func (fm *FixMemory) All() []FixRecord {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	out := make([]FixRecord, len(fm.records))
	copy(out, fm.records)
	return out
}

// Replace overwrites the in-memory set and persists it (used by the
// optimizer after prune/decay/merge).
func (fm *FixMemory) Replace(records []FixRecord) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.records = records
	return fm.persistLocked()
}

func (fm *FixMemory) persistLocked() error {
	docs := make([]any, len(fm.records))
	for i, rec := range fm.records {
		docs[i] = encodeFixRecord(rec)
	}
	return fm.store.Write(FixMemoryPath, map[string]any{"fixes": docs})
}

func encodeFixRecord(rec FixRecord) map[string]any {
	return map[string]any{
		"tool_name":     rec.ToolName,
		"error_pattern": rec.ErrorPattern,
		"root_cause":    rec.RootCause,
		"fix_text":      rec.FixText,
		"confidence":    rec.Confidence,
		"observations":  rec.Observations,
		"first_seen":    rec.FirstSeen.Format(time.RFC3339),
		"last_seen":     rec.LastSeen.Format(time.RFC3339),
	}
}

func decodeFixRecords(doc any) []FixRecord {
	m, ok := doc.(map[string]any)
	if !ok {
		return nil
	}
	list, ok := m["fixes"].([]any)
	if !ok {
		return nil
	}
	out := make([]FixRecord, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, FixRecord{
			ToolName:     stringField(entry, "tool_name"),
			ErrorPattern: stringField(entry, "error_pattern"),
			RootCause:    stringField(entry, "root_cause"),
			FixText:      stringField(entry, "fix_text"),
			Confidence:   floatField(entry, "confidence"),
			Observations: intField(entry, "observations"),
			FirstSeen:    timeField(entry, "first_seen"),
			LastSeen:     timeField(entry, "last_seen"),
		})
	}
	return out
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func timeField(m map[string]any, key string) time.Time {
	s, ok := m[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
