package autoheal

import (
	"regexp"
	"strings"
)

// networkPatterns are tested before auth patterns. The ordering is fixed:
// infrastructure patterns first, network before auth.
var networkPatterns = []string{
	"no route to host",
	"connection refused",
	"timeout",
	"dial",
	"network unreachable",
	"i/o timeout",
	"eof",
	"connection reset",
}

var authPatterns = []string{
	"unauthorized",
	"401",
	"403",
	"forbidden",
	"token expired",
	"permission denied",
}

var timeoutPatterns = []string{
	"deadline exceeded",
	"context deadline exceeded",
}

type usageRule struct {
	category Category
	pattern  *regexp.Regexp
}

// usageRules are consulted in order when no infrastructure pattern matches.
// They are deliberately conservative: a rule only fires on an explicit,
// recognizable shape rather than guessing.
var usageRules = []usageRule{
	{CategoryIncorrectParameter, regexp.MustCompile(`(?i)invalid (value for |)parameter[: ]+["']?([a-zA-Z0-9_.]+)["']?`)},
	{CategoryParameterFormat, regexp.MustCompile(`(?i)(expected format|must match format|invalid format for)[: ]+["']?([a-zA-Z0-9_.\-/:]+)["']?`)},
	{CategoryMissingPrerequisite, regexp.MustCompile(`(?i)(missing (required |)(prerequisite|dependency)|requires ([a-zA-Z0-9_.]+) to be set first)`)},
	{CategoryWorkflowSequence, regexp.MustCompile(`(?i)(must be called after|wrong order|out of sequence|call .* before)`)},
	{CategoryWrongTool, regexp.MustCompile(`(?i)(wrong tool|use .* instead|not supported by this tool)`)},
}

// Classify maps a tool failure to an infrastructure/usage/unknown verdict.
// It never fails: unrecognized input yields Kind "unknown".
func Classify(toolName, errorText string, _ map[string]any) Classification {
	lower := strings.ToLower(errorText)

	for _, p := range networkPatterns {
		if strings.Contains(lower, p) {
			return Classification{Kind: "infrastructure", Category: CategoryNetwork}
		}
	}
	for _, p := range timeoutPatterns {
		if strings.Contains(lower, p) {
			return Classification{Kind: "infrastructure", Category: CategoryTimeout}
		}
	}
	for _, p := range authPatterns {
		if strings.Contains(lower, p) {
			return Classification{Kind: "infrastructure", Category: CategoryAuth}
		}
	}

	for _, rule := range usageRules {
		if m := rule.pattern.FindStringSubmatch(errorText); m != nil {
			c := Classification{Kind: "usage", Category: rule.category}
			switch rule.category {
			case CategoryIncorrectParameter:
				if len(m) > 2 {
					c.ParameterName = m[2]
				}
			case CategoryParameterFormat:
				if len(m) > 2 {
					c.ExpectedFormat = m[2]
				}
			case CategoryMissingPrerequisite:
				if len(m) > 4 {
					c.MissingPrereq = m[4]
				}
			}
			return c
		}
	}

	return Classification{Kind: "unknown"}
}
