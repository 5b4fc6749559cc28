package persona

import (
	"fmt"
	"testing"

	"github.com/devflow/core/internal/toolregistry"
)

type memoryPersonaSource struct {
	personas map[string]Persona
}

func (m *memoryPersonaSource) Get(name string) (Persona, bool, error) {
	p, ok := m.personas[name]
	return p, ok, nil
}

func (m *memoryPersonaSource) List() ([]Persona, error) {
	var out []Persona
	for _, p := range m.personas {
		out = append(out, p)
	}
	return out, nil
}

type memoryModuleSource struct {
	modules map[string][]toolregistry.Tool
}

func (m *memoryModuleSource) Load(name string) ([]toolregistry.Tool, error) {
	tools, ok := m.modules[name]
	if !ok {
		return nil, fmt.Errorf("unknown module %q", name)
	}
	return tools, nil
}

type recordingEmitter struct {
	events []Event
}

func (r *recordingEmitter) EmitToolsChanged(workspaceURI, persona string, toolCount int) {
	r.events = append(r.events, Event{Type: "tools_changed", WorkspaceURI: workspaceURI, Persona: persona, ToolCount: toolCount})
}

func noopTool(name, module string) toolregistry.Tool {
	return toolregistry.Tool{Name: name, Module: module, Fn: func(ic *toolregistry.InvocationContext, a map[string]any) (any, error) { return nil, nil }}
}

func TestLoadUnknownPersonaNotFound(t *testing.T) {
	l := New(toolregistry.New(), &memoryPersonaSource{personas: map[string]Persona{}}, &memoryModuleSource{})
	_, err := l.Load("ws1", "nope")
	if err == nil {
		t.Fatal("expected error for unknown persona")
	}
}

func TestLoadInstallsModuleTools(t *testing.T) {
	registry := toolregistry.New()
	personas := &memoryPersonaSource{personas: map[string]Persona{
		"dev": {Name: "dev", Modules: []string{"git"}},
	}}
	modules := &memoryModuleSource{modules: map[string][]toolregistry.Tool{
		"git": {noopTool("git_commit", "git")},
	}}
	emitter := &recordingEmitter{}
	l := New(registry, personas, modules, WithEmitter(emitter))

	_, err := l.Load("ws1", "dev")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := registry.Get("git_commit"); !ok {
		t.Fatal("expected git_commit installed")
	}
	if len(emitter.events) != 1 || emitter.events[0].Persona != "dev" {
		t.Fatalf("expected one tools_changed event, got %+v", emitter.events)
	}
}

func TestLoadSwitchRemovesUnusedModuleKeepsCore(t *testing.T) {
	registry := toolregistry.New()
	protected := noopTool("persona_load", "core")
	protected.Protected = true
	_ = registry.Register(protected)

	personas := &memoryPersonaSource{personas: map[string]Persona{
		"dev":    {Name: "dev", Modules: []string{"git"}},
		"devops": {Name: "devops", Modules: []string{"k8s"}},
	}}
	modules := &memoryModuleSource{modules: map[string][]toolregistry.Tool{
		"git": {noopTool("git_commit", "git")},
		"k8s": {noopTool("k8s_deploy", "k8s")},
	}}
	l := New(registry, personas, modules)

	if _, err := l.Load("ws1", "dev"); err != nil {
		t.Fatalf("Load dev: %v", err)
	}
	if _, err := l.Load("ws1", "devops"); err != nil {
		t.Fatalf("Load devops: %v", err)
	}

	if _, ok := registry.Get("git_commit"); ok {
		t.Fatal("expected git_commit removed after switch")
	}
	if _, ok := registry.Get("k8s_deploy"); !ok {
		t.Fatal("expected k8s_deploy installed")
	}
	if _, ok := registry.Get("persona_load"); !ok {
		t.Fatal("expected protected core tool to survive persona switches")
	}
}

func TestLoadFailureLeavesActivePersonaUsable(t *testing.T) {
	registry := toolregistry.New()
	personas := &memoryPersonaSource{personas: map[string]Persona{
		"dev":    {Name: "dev", Modules: []string{"git"}},
		"broken": {Name: "broken", Modules: []string{"missing"}},
	}}
	modules := &memoryModuleSource{modules: map[string][]toolregistry.Tool{
		"git": {noopTool("git_commit", "git")},
	}}
	l := New(registry, personas, modules)

	if _, err := l.Load("ws1", "dev"); err != nil {
		t.Fatalf("Load dev: %v", err)
	}
	if _, err := l.Load("ws1", "broken"); err == nil {
		t.Fatal("expected error loading broken persona")
	}
	if _, ok := registry.Get("git_commit"); !ok {
		t.Fatal("expected dev's tools to remain after a failed switch")
	}
	active, ok := l.Active("ws1")
	if !ok || active != "dev" {
		t.Fatalf("expected active persona to remain dev, got %q ok=%v", active, ok)
	}
}
