// Package coretools implements the MCP control-tool surface: the fixed set
// of tools that are always present regardless of which persona is active.
// Unlike persona modules, these are registered once, directly, as
// protected tools; they are never subject to ReplaceModules.
package coretools

import (
	"log/slog"

	"github.com/devflow/core/internal/autoheal"
	"github.com/devflow/core/internal/persona"
	"github.com/devflow/core/internal/skillengine"
	"github.com/devflow/core/internal/store"
	"github.com/devflow/core/internal/toolregistry"
	"github.com/devflow/core/internal/workspace"
)

// Deps wires the components the control tools call into.
type Deps struct {
	Logger    *slog.Logger
	Registry  *toolregistry.Registry
	Workspace *workspace.Registry
	Personas  *persona.Loader
	Skills    skillengine.Source
	Engine    *skillengine.Engine
	Heal      *autoheal.Core
	Store     *store.Store

	// Traces is the registry's debuggable decorator, when installed;
	// debug_tool reads its per-tool call history.
	Traces *toolregistry.DebuggableDecorator
}

// CoreModule is the Tool.Module every control tool is registered under.
const CoreModule = "core"

// Register installs every control tool into deps.Registry as a protected,
// always-present tool.
func Register(deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "coretools")
	}
	registrars := []func(Deps) []toolregistry.Tool{
		personaTools,
		sessionTools,
		skillTools,
		debugTools,
		memoryTools,
	}
	for _, build := range registrars {
		for _, t := range build(deps) {
			t.Module = CoreModule
			t.Protected = true
			if err := deps.Registry.Register(t); err != nil {
				return err
			}
		}
	}
	return nil
}
