// Package toolregistry holds the installed Tool set and runs invocations
// through each tool's decorator chain.
package toolregistry

import (
	"context"
	"encoding/json"

	"github.com/devflow/core/internal/errs"
)

// ToolFn is the typed function every tool implementation provides. The core
// never inspects its internals; it only sees the argument map in and a
// result or *errs.Error out. ic carries the cancellation context alongside
// the invocation's workspace/session/execution identity.
type ToolFn func(ic *InvocationContext, args map[string]any) (any, error)

// Descriptor is the read-only view of a registered tool returned by List.
type Descriptor struct {
	Name        string          `json:"name"`
	Module      string          `json:"module"`
	Schema      json.RawMessage `json:"schema"`
	Decorators  []string        `json:"decorators"`
	Protected   bool            `json:"protected"`
}

// Tool is the full internal record for a registered tool.
type Tool struct {
	Name       string
	Module     string
	Schema     json.RawMessage
	Fn         ToolFn
	Decorators []Decorator
	Protected  bool
}

// InvocationContext carries the information decorators need beyond the raw
// argument map: which tool/step/execution this call belongs to, for
// classifiers, pattern pre-checks, and debug capture.
type InvocationContext struct {
	context.Context
	ToolName     string
	WorkspaceURI string
	SessionID    string
	ExecutionID  string
	StepID       string
	ClusterHint  string
}

// Decorator wraps a tool invocation. Decorators are applied outside-in in
// declaration order: the first decorator in the chain sees the call first
// and the result last. A decorator may transform args, observe/transform
// the result or error, and request at most one retry of the call beneath
// it by invoking `next` again.
type Decorator interface {
	Name() string
	Invoke(ic *InvocationContext, args map[string]any, next func(map[string]any) (any, error)) (any, error)
}

// Filter narrows List results.
type Filter struct {
	Module string
}

func asToolError(err error) *errs.Error {
	return errs.AsError(err)
}
