// Package autoheal implements the layered error-remediation pipeline:
// classification, bounded remediation retries, a persistent fix memory,
// and a learned usage-pattern store consulted before a tool call is
// allowed through.
package autoheal

import "time"

// Category is the fine-grained classification below Kind.
type Category string

const (
	CategoryNetwork Category = "network"
	CategoryAuth    Category = "auth"
	CategoryTimeout Category = "timeout"

	CategoryIncorrectParameter  Category = "INCORRECT_PARAMETER"
	CategoryParameterFormat     Category = "PARAMETER_FORMAT"
	CategoryMissingPrerequisite Category = "MISSING_PREREQUISITE"
	CategoryWorkflowSequence    Category = "WORKFLOW_SEQUENCE"
	CategoryWrongTool           Category = "WRONG_TOOL"
)

// Classification is the classifier's verdict.
type Classification struct {
	Kind     string // "infrastructure" | "usage" | "unknown"
	Category Category

	// Usage-specific extracted fields, populated when Kind == "usage".
	ParameterName   string
	ExpectedFormat  string
	MissingPrereq   string
}

// FixRecord is a persisted, learned remediation for a recurring error
// pattern on a specific tool.
type FixRecord struct {
	ToolName     string    `yaml:"tool_name"`
	ErrorPattern string    `yaml:"error_pattern"`
	RootCause    string    `yaml:"root_cause"`
	FixText      string    `yaml:"fix_text"`
	Confidence   float64   `yaml:"confidence"`
	Observations int       `yaml:"observations"`
	FirstSeen    time.Time `yaml:"first_seen"`
	LastSeen     time.Time `yaml:"last_seen"`
}

// PreventionStats tracks how a UsagePattern's warnings have performed.
type PreventionStats struct {
	Shown         int `yaml:"shown"`
	Prevented     int `yaml:"prevented"`
	Failed        int `yaml:"failed"`
	FalsePositive int `yaml:"false_positive"`
}

// UsagePattern is a persisted, learned description of a recurring misuse.
type UsagePattern struct {
	ID               string          `yaml:"id"`
	Tool             string          `yaml:"tool"`
	Category         Category        `yaml:"category"`
	Match            string          `yaml:"match"`
	Cause            string          `yaml:"cause"`
	PreventionText   string          `yaml:"prevention_text"`
	ValidationRules  []string        `yaml:"validation_rules"`
	Confidence       float64         `yaml:"confidence"`
	Observations     int             `yaml:"observations"`
	PreventionStats  PreventionStats `yaml:"prevention_stats"`
	Created          time.Time       `yaml:"created"`
	LastSeen         time.Time       `yaml:"last_seen"`
	LastActive       time.Time       `yaml:"last_active"`
}

// PreventionOutcome records one pre-check decision's eventual outcome, fed
// back into the owning pattern's confidence.
type PreventionOutcome struct {
	PatternID             string
	WarningsShown         int
	PreventionsSuccessful int
	PreventionsFailed     int
	FalsePositives        int
}

func (o PreventionOutcome) successRate() float64 {
	total := o.PreventionsSuccessful + o.PreventionsFailed
	if total == 0 {
		return 0.5
	}
	return float64(o.PreventionsSuccessful) / float64(total)
}
