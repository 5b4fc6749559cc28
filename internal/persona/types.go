// Package persona implements the Persona Loader (C4): a state machine per
// workspace that stages and atomically commits the tool set a persona's
// modules install into the Tool Registry.
package persona

import "github.com/devflow/core/internal/toolregistry"

// Persona is a named selection of modules plus a role description. It is
// read-only once loaded.
type Persona struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	Modules        []string `yaml:"modules"`
	PromptText     string   `yaml:"prompt_text"`
	SkillAllowlist []string `yaml:"skill_allowlist"`
}

// State is a workspace's persona-loader state machine position.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateActive   State = "active"
)

// PersonaSource resolves a persona manifest by name.
type PersonaSource interface {
	Get(name string) (Persona, bool, error)
	List() ([]Persona, error)
}

// ModuleSource loads the tools a named module installs. Loading is
// all-or-nothing: an error means none of the module's tools are returned.
type ModuleSource interface {
	Load(moduleName string) ([]toolregistry.Tool, error)
}

// Event is emitted on every committed persona transition.
type Event struct {
	Type       string `json:"type"`
	WorkspaceURI string `json:"workspace_uri"`
	Persona    string `json:"persona"`
	ToolCount  int    `json:"tool_count"`
}

// EventEmitter is implemented by the Event Bus; the Persona Loader depends
// only on this narrow interface to avoid importing the bus package.
type EventEmitter interface {
	EmitToolsChanged(workspaceURI, persona string, toolCount int)
}

// SwitchObserver receives a measurement for every committed persona switch,
// plus the resulting count of workspaces with an active persona.
// Implemented by internal/metrics.
type SwitchObserver interface {
	RecordPersonaSwitch(persona string)
	SetActiveWorkspaces(n int)
}
