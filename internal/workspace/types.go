// Package workspace implements the Session/Workspace layer (C7): one
// Workspace per project root, each holding at most one active session at a
// time, persisted through the Persistent Store as a single registry
// document.
package workspace

import "time"

// Workspace is a project root the core has seen via session_start. The
// project/issue/branch/MR fields are working context set by tools (e.g. an
// issue tracker or source-control module) through UpdateContext.
type Workspace struct {
	URI             string    `json:"uri"`
	ActivePersona   string    `json:"active_persona,omitempty"`
	ActiveSessionID string    `json:"active_session_id,omitempty"`
	Project         string    `json:"project,omitempty"`
	ActiveIssue     string    `json:"active_issue,omitempty"`
	ActiveBranch    string    `json:"active_branch,omitempty"`
	ActiveMR        string    `json:"active_mr,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

// Session is one conversational/working session bound to a workspace.
type Session struct {
	ID           string         `json:"id"`
	WorkspaceURI string         `json:"workspace_uri"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// registryDoc is the on-disk shape of the single persisted document: every
// known workspace and every session ever started, keyed by id so that
// workspace URIs (which may contain slashes) never need to appear in a
// store pointer path.
type registryDoc struct {
	Workspaces map[string]Workspace `json:"workspaces"`
	Sessions   map[string]Session   `json:"sessions"`
}

func newRegistryDoc() registryDoc {
	return registryDoc{Workspaces: map[string]Workspace{}, Sessions: map[string]Session{}}
}
