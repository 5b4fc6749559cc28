package persona

import (
	"fmt"
	"sync"

	"github.com/devflow/core/internal/toolregistry"
)

// ModuleBuilder constructs the tools a module installs. Builders are called
// at most once per Loader.Load that actually needs the module (it is not
// memoized across workspaces, since a module may want a fresh closure per
// load — callers that need singleton tool state should close over it
// themselves).
type ModuleBuilder func() ([]toolregistry.Tool, error)

// StaticModuleSource resolves modules from an in-process registry of
// builder functions, analogous to how a RuntimePlugin's RegisterTools
// populates a ToolRegistry, but without the out-of-process plugin
// boundary: every module here runs in the same binary as the core.
type StaticModuleSource struct {
	mu       sync.RWMutex
	builders map[string]ModuleBuilder
}

// NewStaticModuleSource creates a StaticModuleSource with no modules
// registered.
func NewStaticModuleSource() *StaticModuleSource {
	return &StaticModuleSource{builders: make(map[string]ModuleBuilder)}
}

// Register installs a module builder under name. It fails if name is
// already registered, mirroring the Tool Registry's DuplicateName rule
// for the modules built atop it.
func (s *StaticModuleSource) Register(name string, builder ModuleBuilder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.builders[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}
	s.builders[name] = builder
	return nil
}

// Load implements ModuleSource.
func (s *StaticModuleSource) Load(moduleName string) ([]toolregistry.Tool, error) {
	s.mu.RLock()
	builder, ok := s.builders[moduleName]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("module %q not registered", moduleName)
	}
	return builder()
}

// Names returns the currently registered module names.
func (s *StaticModuleSource) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.builders))
	for name := range s.builders {
		out = append(out, name)
	}
	return out
}
