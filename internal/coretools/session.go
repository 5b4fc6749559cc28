package coretools

import (
	"encoding/json"

	"github.com/devflow/core/internal/errs"
	"github.com/devflow/core/internal/toolregistry"
	"github.com/devflow/core/internal/workspace"
)

var sessionStartSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name":       { "type": "string" },
		"session_id": { "type": "string" },
		"agent":      { "type": "string" }
	}
}`)

var sessionInfoSchema = json.RawMessage(`{
	"type": "object",
	"properties": { "session_id": { "type": "string" } }
}`)

var sessionListSchema = json.RawMessage(`{"type": "object"}`)

var sessionSwitchSchema = json.RawMessage(`{
	"type": "object",
	"properties": { "session_id": { "type": "string" } },
	"required": ["session_id"]
}`)

func sessionTools(deps Deps) []toolregistry.Tool {
	return []toolregistry.Tool{
		{
			Name:   "session_start",
			Schema: sessionStartSchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				if _, err := deps.Workspace.GetOrCreate(ic, ic.WorkspaceURI); err != nil {
					return nil, err
				}

				var sess *workspace.Session
				var err error
				resumed := false
				if sessionID, ok := args["session_id"].(string); ok && sessionID != "" {
					sess, err = deps.Workspace.Switch(ic, ic.WorkspaceURI, sessionID)
					if err == nil {
						resumed = true
					} else if errs.AsError(err).Kind == errs.KindNotFound {
						// Unknown ids create a fresh session rather than failing.
						sess, err = deps.Workspace.NewSession(ic, ic.WorkspaceURI)
					}
				} else {
					sess, err = deps.Workspace.StartSession(ic, ic.WorkspaceURI)
				}
				if err != nil {
					return nil, err
				}

				meta := map[string]any{}
				if name, ok := args["name"].(string); ok && name != "" {
					meta["name"] = name
				}
				if agent, ok := args["agent"].(string); ok && agent != "" {
					meta["agent"] = agent
				}
				if len(meta) > 0 {
					if err := deps.Workspace.SetSessionMetadata(ic, ic.WorkspaceURI, sess.ID, meta); err != nil {
						deps.Logger.Warn("session_start: failed to record session metadata", "error", err)
					}
				}

				ws, _, err := deps.Workspace.Info(ic.WorkspaceURI)
				if err != nil {
					return nil, err
				}

				project := ws.Project
				if project == "" {
					project = ws.URI
				}
				return map[string]any{
					"session_id": sess.ID,
					"resumed":    resumed,
					"persona":    ws.ActivePersona,
					"project":    project,
					"state_summary": map[string]any{
						"active_persona": ws.ActivePersona,
						"active_issue":   ws.ActiveIssue,
						"active_branch":  ws.ActiveBranch,
						"active_mr":      ws.ActiveMR,
						"created_at":     ws.CreatedAt,
						"last_active_at": ws.LastActiveAt,
					},
				}, nil
			},
		},
		{
			Name:   "session_info",
			Schema: sessionInfoSchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				ws, active, err := deps.Workspace.Info(ic.WorkspaceURI)
				if err != nil {
					return nil, err
				}

				target := active
				if sessionID, ok := args["session_id"].(string); ok && sessionID != "" {
					sessions, err := deps.Workspace.List(ic.WorkspaceURI)
					if err != nil {
						return nil, err
					}
					target = nil
					for i := range sessions {
						if sessions[i].ID == sessionID {
							target = &sessions[i]
							break
						}
					}
					if target == nil {
						return nil, errs.New(errs.KindNotFound, "session not found")
					}
				}
				if target == nil {
					return nil, errs.New(errs.KindNotFound, "workspace has no active session")
				}
				return map[string]any{
					"session_id":      target.ID,
					"workspace_uri":   target.WorkspaceURI,
					"active_persona":  ws.ActivePersona,
					"created_at":      target.CreatedAt,
					"last_active_at":  target.LastActiveAt,
					"metadata":        target.Metadata,
				}, nil
			},
		},
		{
			Name:   "session_list",
			Schema: sessionListSchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				sessions, err := deps.Workspace.List(ic.WorkspaceURI)
				if err != nil {
					return nil, err
				}
				return map[string]any{"sessions": sessions}, nil
			},
		},
		{
			Name:   "session_switch",
			Schema: sessionSwitchSchema,
			Fn: func(ic *toolregistry.InvocationContext, args map[string]any) (any, error) {
				sessionID, _ := args["session_id"].(string)
				if sessionID == "" {
					return nil, errs.New(errs.KindValidation, "session_id is required")
				}
				sess, err := deps.Workspace.Switch(ic, ic.WorkspaceURI, sessionID)
				if err != nil {
					return nil, err
				}
				return map[string]any{"session_id": sess.ID}, nil
			},
		},
	}
}
