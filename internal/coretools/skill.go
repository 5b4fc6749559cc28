package coretools

import (
	"encoding/json"
	"fmt"

	"github.com/devflow/core/internal/errs"
	"github.com/devflow/core/internal/toolregistry"
)

var skillRunSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name":        { "type": "string" },
		"inputs_json": { "type": "string" }
	},
	"required": ["name"]
}`)

var skillCancelSchema = json.RawMessage(`{
	"type": "object",
	"properties": { "execution_id": { "type": "string" } },
	"required": ["execution_id"]
}`)

func skillTools(deps Deps) []toolregistry.Tool {
	return []toolregistry.Tool{
		{
			Name:   "skill_run",
			Schema: skillRunSchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				if name == "" {
					return nil, errs.New(errs.KindValidation, "name is required")
				}

				var inputs map[string]any
				if raw, ok := args["inputs_json"].(string); ok && raw != "" {
					if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
						return nil, errs.Wrap(errs.KindValidation, "parse inputs_json", err)
					}
				}

				if persona, ok := deps.Personas.Active(ic.WorkspaceURI); ok {
					if err := enforceSkillAllowlist(deps, persona, name); err != nil {
						return nil, err
					}
				}

				skill, err := deps.Skills.Get(name)
				if err != nil {
					return nil, err
				}

				result := deps.Engine.Run(ic, skill, ic.WorkspaceURI, ic.SessionID, inputs)
				if result.Err != nil {
					return nil, result.Err
				}
				return map[string]any{
					"execution_id": result.ExecutionID,
					"state":        result.State,
					"outputs":      result.Outputs,
				}, nil
			},
		},
		{
			Name:   "skill_cancel",
			Schema: skillCancelSchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				executionID, _ := args["execution_id"].(string)
				if executionID == "" {
					return nil, errs.New(errs.KindValidation, "execution_id is required")
				}
				deps.Engine.Cancel(executionID)
				return map[string]any{"cancelled": true}, nil
			},
		},
	}
}

// enforceSkillAllowlist rejects skill_run when the workspace's active
// persona declares a non-empty skill_allowlist that does not include name.
// An empty allowlist means "no restriction".
func enforceSkillAllowlist(deps Deps, personaName, skillName string) error {
	personas, err := deps.Personas.List()
	if err != nil {
		return nil // fail open: an unreadable manifest set must not block skill_run
	}
	for _, p := range personas {
		if p.Name != personaName {
			continue
		}
		if len(p.SkillAllowlist) == 0 {
			return nil
		}
		for _, allowed := range p.SkillAllowlist {
			if allowed == skillName {
				return nil
			}
		}
		return errs.New(errs.KindProtected, fmt.Sprintf("skill %q is not in the active persona's skill_allowlist", skillName))
	}
	return nil
}
