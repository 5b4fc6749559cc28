package persona

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/devflow/core/internal/errs"
	"github.com/devflow/core/internal/toolregistry"
)

// workspaceState tracks one workspace's persona-loader state machine.
type workspaceState struct {
	mu             sync.Mutex // serializes concurrent switches for this workspace
	state          State
	activePersona  string
	loadedModules  map[string]bool
}

// Loader is the C4 Persona Loader. One Loader is shared by every workspace;
// per-workspace state is kept internally and switches on the same
// workspace are serialized, while different workspaces may switch
// concurrently.
type Loader struct {
	logger   *slog.Logger
	registry *toolregistry.Registry
	personas PersonaSource
	modules  ModuleSource
	emitter  EventEmitter
	observer SwitchObserver

	mu         sync.Mutex
	workspaces map[string]*workspaceState
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithEmitter sets the loader's tools_changed emitter.
func WithEmitter(e EventEmitter) Option {
	return func(l *Loader) { l.emitter = e }
}

// WithSwitchObserver attaches a SwitchObserver notified after every
// committed persona switch.
func WithSwitchObserver(o SwitchObserver) Option {
	return func(l *Loader) { l.observer = o }
}

// New creates a Loader.
func New(registry *toolregistry.Registry, personas PersonaSource, modules ModuleSource, opts ...Option) *Loader {
	l := &Loader{
		logger:     slog.Default().With("component", "persona.loader"),
		registry:   registry,
		personas:   personas,
		modules:    modules,
		workspaces: make(map[string]*workspaceState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) stateFor(workspaceURI string) *workspaceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ws, ok := l.workspaces[workspaceURI]
	if !ok {
		ws = &workspaceState{state: StateUnloaded, loadedModules: make(map[string]bool)}
		l.workspaces[workspaceURI] = ws
	}
	return ws
}

// Load switches workspaceURI to personaName: manifest lookup, diff against
// currently loaded modules, staged construction, atomic commit, then
// tools_changed.
func (l *Loader) Load(workspaceURI, personaName string) (Persona, error) {
	p, ok, err := l.personas.Get(personaName)
	if err != nil {
		return Persona{}, errs.Wrap(errs.KindIO, "read persona manifest", err)
	}
	if !ok {
		return Persona{}, errs.New(errs.KindNotFound, fmt.Sprintf("persona %q not found", personaName))
	}

	ws := l.stateFor(workspaceURI)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	prevState := ws.state
	ws.state = StateLoading

	targetModules := make(map[string]bool, len(p.Modules))
	for _, m := range p.Modules {
		targetModules[m] = true
	}

	var toRemove []string
	for m := range ws.loadedModules {
		if !targetModules[m] {
			toRemove = append(toRemove, m)
		}
	}
	var toAddNames []string
	for m := range targetModules {
		if !ws.loadedModules[m] {
			toAddNames = append(toAddNames, m)
		}
	}

	var addTools []toolregistry.Tool
	for _, m := range toAddNames {
		tools, err := l.modules.Load(m)
		if err != nil {
			ws.state = prevState // revert: registry untouched, prior persona still valid
			return Persona{}, errs.Wrap(errs.KindInternal, fmt.Sprintf("load module %q", m), err)
		}
		addTools = append(addTools, tools...)
	}

	if err := l.registry.ReplaceModules(toRemove, addTools); err != nil {
		ws.state = prevState
		return Persona{}, errs.Wrap(errs.KindConflict, "commit persona module set", err)
	}

	ws.loadedModules = targetModules
	ws.activePersona = p.Name
	ws.state = StateActive

	toolCount := len(l.registry.List(toolregistry.Filter{}))
	if l.emitter != nil {
		l.emitter.EmitToolsChanged(workspaceURI, p.Name, toolCount)
	}
	if l.observer != nil {
		l.observer.RecordPersonaSwitch(p.Name)
		l.observer.SetActiveWorkspaces(l.activeWorkspaceCount())
	}
	l.logger.Info("persona switched", "workspace", workspaceURI, "persona", p.Name, "tool_count", toolCount)

	return p, nil
}

func (l *Loader) activeWorkspaceCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ws := range l.workspaces {
		if ws.state == StateActive {
			n++
		}
	}
	return n
}

// Active returns the currently active persona name for a workspace, and
// whether one has ever been loaded.
func (l *Loader) Active(workspaceURI string) (string, bool) {
	ws := l.stateFor(workspaceURI)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.activePersona, ws.state == StateActive
}

// List enumerates every known persona.
func (l *Loader) List() ([]Persona, error) {
	return l.personas.List()
}
