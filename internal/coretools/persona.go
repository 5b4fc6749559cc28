package coretools

import (
	"encoding/json"

	"github.com/devflow/core/internal/errs"
	"github.com/devflow/core/internal/toolregistry"
)

var personaLoadSchema = json.RawMessage(`{
	"type": "object",
	"properties": { "name": { "type": "string" } },
	"required": ["name"]
}`)

var personaListSchema = json.RawMessage(`{"type": "object"}`)

func personaTools(deps Deps) []toolregistry.Tool {
	return []toolregistry.Tool{
		{
			Name:   "persona_load",
			Schema: personaLoadSchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				if name == "" {
					return nil, errs.New(errs.KindValidation, "name is required")
				}
				if _, err := deps.Workspace.GetOrCreate(ic, ic.WorkspaceURI); err != nil {
					return nil, err
				}
				p, err := deps.Personas.Load(ic.WorkspaceURI, name)
				if err != nil {
					return nil, err
				}
				if err := deps.Workspace.SetActivePersona(ic, ic.WorkspaceURI, p.Name); err != nil {
					deps.Logger.Warn("persona_load: failed to record active persona on workspace", "error", err)
				}
				return map[string]any{
					"name":            p.Name,
					"description":     p.Description,
					"modules":         p.Modules,
					"skill_allowlist": p.SkillAllowlist,
				}, nil
			},
		},
		{
			Name:   "persona_list",
			Schema: personaListSchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				list, err := deps.Personas.List()
				if err != nil {
					return nil, errs.Wrap(errs.KindIO, "list personas", err)
				}
				out := make([]map[string]any, 0, len(list))
				for _, p := range list {
					out = append(out, map[string]any{
						"name":            p.Name,
						"description":     p.Description,
						"modules":         p.Modules,
						"skill_allowlist": p.SkillAllowlist,
					})
				}
				return map[string]any{"personas": out}, nil
			},
		},
	}
}
