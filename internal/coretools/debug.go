package coretools

import (
	"encoding/json"

	"github.com/devflow/core/internal/errs"
	"github.com/devflow/core/internal/toolregistry"
)

var debugToolSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"tool_name":     { "type": "string" },
		"error_message": { "type": "string" }
	},
	"required": ["tool_name"]
}`)

var learnToolFixSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"tool_name":      { "type": "string" },
		"error_pattern":  { "type": "string" },
		"root_cause":     { "type": "string" },
		"fix_description": { "type": "string" }
	},
	"required": ["tool_name", "error_pattern", "root_cause", "fix_description"]
}`)

var checkKnownIssuesSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"tool_name":  { "type": "string" },
		"error_text": { "type": "string" }
	}
}`)

func debugTools(deps Deps) []toolregistry.Tool {
	return []toolregistry.Tool{
		{
			Name:   "debug_tool",
			Schema: debugToolSchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				toolName, _ := args["tool_name"].(string)
				if toolName == "" {
					return nil, errs.New(errs.KindValidation, "tool_name is required")
				}
				errorMessage, _ := args["error_message"].(string)

				t, ok := deps.Registry.Get(toolName)
				if !ok {
					return nil, errs.New(errs.KindNotFound, "tool not registered")
				}

				var hints []map[string]any
				if deps.Heal != nil {
					for _, fix := range deps.Heal.Fixes().Matching(toolName, errorMessage) {
						hints = append(hints, map[string]any{
							"text":       fix.FixText,
							"source":     errs.HintSourceDebugTool,
							"confidence": fix.Confidence,
						})
					}
				}

				out := map[string]any{
					"tool_name": toolName,
					"module":    t.Module,
					"protected": t.Protected,
					"hints":     hints,
				}
				if deps.Traces != nil {
					traces := deps.Traces.Traces(toolName)
					calls := make([]map[string]any, 0, len(traces))
					for _, tr := range traces {
						call := map[string]any{
							"at":          tr.At,
							"duration_ms": tr.Duration.Milliseconds(),
							"args":        tr.Args,
						}
						if tr.Err != nil {
							call["error"] = tr.Err.Error()
						}
						calls = append(calls, call)
					}
					out["recent_calls"] = calls
				}
				return out, nil
			},
		},
		{
			Name:   "learn_tool_fix",
			Schema: learnToolFixSchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				toolName, _ := args["tool_name"].(string)
				errorPattern, _ := args["error_pattern"].(string)
				rootCause, _ := args["root_cause"].(string)
				fixDescription, _ := args["fix_description"].(string)
				if toolName == "" || errorPattern == "" {
					return nil, errs.New(errs.KindValidation, "tool_name and error_pattern are required")
				}
				if deps.Heal == nil {
					return nil, errs.New(errs.KindInternal, "auto-heal core not configured")
				}
				if err := deps.Heal.Fixes().Learn(toolName, errorPattern, rootCause, fixDescription); err != nil {
					return nil, errs.Wrap(errs.KindValidation, "learn fix", err)
				}
				return map[string]any{"learned": true}, nil
			},
		},
		{
			Name:   "check_known_issues",
			Schema: checkKnownIssuesSchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				toolName, _ := args["tool_name"].(string)
				errorText, _ := args["error_text"].(string)
				if deps.Heal == nil {
					return map[string]any{"matches": []any{}}, nil
				}
				matches := deps.Heal.Fixes().Matching(toolName, errorText)
				out := make([]map[string]any, 0, len(matches))
				for _, m := range matches {
					out = append(out, map[string]any{
						"tool_name":     m.ToolName,
						"error_pattern": m.ErrorPattern,
						"root_cause":    m.RootCause,
						"fix_text":      m.FixText,
						"confidence":    m.Confidence,
						"observations":  m.Observations,
					})
				}
				return map[string]any{"matches": out}, nil
			},
		},
	}
}
