package skillengine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/devflow/core/internal/expr"
)

// interpolationPattern finds {{ expr }} or {{ expr | filter | filter(args) }}
// blocks. Rendering happens just before step execution, not at parse time.
var interpolationPattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// filterFn applies a named filter to a value with optional literal args.
type filterFn func(value any, args []string) (any, error)

var filters = map[string]filterFn{
	"default": func(value any, args []string) (any, error) {
		if value == nil || value == "" {
			if len(args) > 0 {
				return args[0], nil
			}
			return "", nil
		}
		return value, nil
	},
	"json": func(value any, _ []string) (any, error) {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	},
	"lower": func(value any, _ []string) (any, error) {
		return strings.ToLower(fmt.Sprintf("%v", value)), nil
	},
	"upper": func(value any, _ []string) (any, error) {
		return strings.ToUpper(fmt.Sprintf("%v", value)), nil
	},
	"replace": func(value any, args []string) (any, error) {
		if len(args) < 2 {
			return value, nil
		}
		return strings.ReplaceAll(fmt.Sprintf("%v", value), args[0], args[1]), nil
	},
}

// RenderTemplate interpolates every {{ expr }} block in text against scope,
// applying any piped filters, and returns the rendered string.
func RenderTemplate(text string, scope map[string]any) (string, error) {
	var renderErr error
	out := interpolationPattern.ReplaceAllStringFunc(text, func(match string) string {
		inner := interpolationPattern.FindStringSubmatch(match)[1]
		value, err := evalPipeline(inner, scope)
		if err != nil {
			renderErr = err
			return ""
		}
		return stringifyTemplateValue(value)
	})
	if renderErr != nil {
		return "", renderErr
	}
	return out, nil
}

// RenderValue behaves like RenderTemplate but returns the first
// interpolation's raw typed value when text is exactly one `{{ expr }}`
// block (so tool args can bind objects/numbers, not just strings).
func RenderValue(text string, scope map[string]any) (any, error) {
	trimmed := strings.TrimSpace(text)
	if m := interpolationPattern.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		return evalPipeline(m[1], scope)
	}
	return RenderTemplate(text, scope)
}

// RenderArgs walks a tool/compute args map rendering every string leaf with
// RenderValue, leaving non-string values and nested structures intact.
func RenderArgs(args map[string]any, scope map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		rendered, err := renderAny(v, scope)
		if err != nil {
			return nil, fmt.Errorf("render arg %q: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

func renderAny(v any, scope map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return RenderValue(t, scope)
	case map[string]any:
		return RenderArgs(t, scope)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			rendered, err := renderAny(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func evalPipeline(inner string, scope map[string]any) (any, error) {
	parts := strings.Split(inner, "|")
	code := strings.TrimSpace(parts[0])

	value, err := expr.Eval(code, expr.Scope(scope), 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("render %q: %w", code, err)
	}

	for _, stage := range parts[1:] {
		name, args := parseFilterCall(strings.TrimSpace(stage))
		fn, ok := filters[name]
		if !ok {
			return nil, fmt.Errorf("unknown template filter %q", name)
		}
		value, err = fn(value, args)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", name, err)
		}
	}
	return value, nil
}

var filterCallPattern = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_]*)(?:\((.*)\))?$`)

func parseFilterCall(stage string) (name string, args []string) {
	m := filterCallPattern.FindStringSubmatch(stage)
	if m == nil {
		return stage, nil
	}
	name = m[1]
	if m[2] == "" {
		return name, nil
	}
	for _, raw := range strings.Split(m[2], ",") {
		arg := strings.TrimSpace(raw)
		arg = strings.Trim(arg, `"'`)
		args = append(args, arg)
	}
	return name, args
}

func stringifyTemplateValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
