// Package expr implements the small, total expression language used for
// skill conditions, compute steps, and usage-pattern validation rules. It
// sandboxes evaluation with goja: no filesystem, no network, no process
// access, and a hard wall-clock timeout.
package expr

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// ErrTimeout is returned when evaluation exceeds its deadline.
var ErrTimeout = fmt.Errorf("expr: evaluation timed out")

// Scope is the name->value bindings visible to an expression.
type Scope map[string]any

// DefaultTimeout bounds a single evaluation when the caller does not
// specify one.
const DefaultTimeout = 5 * time.Second

// Builtins returns the small, safe builtin set available to every
// expression: len, str, and includes (membership).
func Builtins() Scope {
	return Scope{
		"len": func(v any) int {
			switch t := v.(type) {
			case string:
				return len(t)
			case []any:
				return len(t)
			case map[string]any:
				return len(t)
			default:
				return 0
			}
		},
		"str": func(v any) string {
			return fmt.Sprintf("%v", v)
		},
		"includes": func(collection any, item any) bool {
			switch t := collection.(type) {
			case []any:
				for _, v := range t {
					if fmt.Sprintf("%v", v) == fmt.Sprintf("%v", item) {
						return true
					}
				}
			case string:
				if s, ok := item.(string); ok {
					return len(t) > 0 && len(s) > 0 && indexOf(t, s) >= 0
				}
			}
			return false
		},
	}
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// Eval runs code in a fresh, sandboxed goja VM with scope's names bound as
// globals, and returns the resulting value converted to a plain Go value.
// No host objects (fs, net, process, require) are ever exposed.
func Eval(code string, scope Scope, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	for name, value := range Builtins() {
		if err := vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("expr: bind builtin %q: %w", name, err)
		}
	}
	for name, value := range scope {
		if err := vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("expr: bind %q: %w", name, err)
		}
	}

	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()
	defer close(done)

	value, err := vm.RunString(code)
	if err != nil {
		if ierr, ok := err.(*goja.InterruptedError); ok {
			if v, ok := ierr.Value().(error); ok && v == ErrTimeout {
				return nil, ErrTimeout
			}
		}
		return nil, fmt.Errorf("expr: evaluate: %w", err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

// EvalBool evaluates code and coerces the result to a boolean the way the
// condition language does: an undefined/nullish result is falsy, never an
// error.
func EvalBool(code string, scope Scope, timeout time.Duration) (bool, error) {
	v, err := Eval(code, scope, timeout)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
