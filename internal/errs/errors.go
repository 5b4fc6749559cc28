// Package errs defines the error taxonomy shared by every core component:
// a fixed Kind enum, a wrapping Error carrying hints, and helpers for
// errors.Is/errors.As interop.
package errs

import "fmt"

// Kind is the fixed error taxonomy every core-facing error carries.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindProtected  Kind = "protected"
	KindUsage      Kind = "usage"
	KindAuth       Kind = "auth"
	KindNetwork    Kind = "network"
	KindTimeout    Kind = "timeout"
	KindCancelled  Kind = "cancelled"
	KindIO         Kind = "io"
	KindParse      Kind = "parse"
	KindInternal   Kind = "internal"
)

// HintSource identifies where a hint attached to an error came from.
type HintSource string

const (
	HintSourceFixMemory    HintSource = "fix_memory"
	HintSourceUsagePattern HintSource = "usage_pattern"
	HintSourceDebugTool    HintSource = "debug_tool"
)

// Hint is an informational annotation attached to an Error. Hints never
// change a Kind; they only add context for the caller.
type Hint struct {
	Text   string     `json:"text"`
	Source HintSource `json:"source"`
}

// Error is the structured error every MCP-facing operation returns on
// failure. It implements the standard error interface and supports
// errors.Is/errors.As via Kind comparison and Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Raw     error
	Hints   []Hint
}

// New creates an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Raw: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Raw != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Raw)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Raw
}

// Is allows errors.Is(err, errs.New(kind, "")) to match on Kind alone.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok || other == nil {
		return false
	}
	return e.Kind == other.Kind
}

// WithHint returns a copy of e with an additional hint appended.
func (e *Error) WithHint(text string, source HintSource) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Hints = append(append([]Hint{}, e.Hints...), Hint{Text: text, Source: source})
	return &clone
}

// AsError converts any Go error into an *Error, defaulting to KindInternal
// when it is not already one.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return Wrap(KindInternal, err.Error(), err)
}
