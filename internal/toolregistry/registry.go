package toolregistry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/devflow/core/internal/errs"
)

// InvokeObserver receives a measurement for every completed Invoke call,
// whether it succeeded or failed. Implemented by internal/metrics.
type InvokeObserver interface {
	ObserveInvoke(tool string, duration time.Duration, err error)
}

// MaxToolNameLength bounds tool names accepted by Register.
const MaxToolNameLength = 256

// MaxToolArgsBytes bounds the marshalled size of an invoke() argument map.
const MaxToolArgsBytes = 10 << 20

// Registry holds the installed Tool set. It is safe for concurrent use; a
// persona switch replaces the entire tool map in one atomic swap so that no
// invocation ever observes a mixed set.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]*Tool

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema

	defaults []Decorator

	observer InvokeObserver
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver attaches an InvokeObserver notified after every Invoke call.
func WithObserver(observer InvokeObserver) Option {
	return func(r *Registry) { r.observer = observer }
}

// WithDefaultDecorators sets the decorators applied to every invocation,
// outermost first, ahead of each tool's own chain. This is where the
// usage_precheck / auto_heal / debuggable defaults are installed.
func WithDefaultDecorators(decorators ...Decorator) Option {
	return func(r *Registry) { r.defaults = decorators }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:  slog.Default().With("component", "toolregistry"),
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. It fails with KindConflict if the name is already
// registered.
func (r *Registry) Register(t Tool) error {
	if len(t.Name) == 0 || len(t.Name) > MaxToolNameLength {
		return errs.New(errs.KindValidation, fmt.Sprintf("tool name length must be in (0,%d]", MaxToolNameLength))
	}
	if t.Fn == nil {
		return errs.New(errs.KindValidation, "tool fn is required")
	}
	if len(t.Schema) > 0 {
		if _, err := r.compileSchema(t.Name, t.Schema); err != nil {
			return errs.Wrap(errs.KindValidation, "invalid tool schema", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return errs.New(errs.KindConflict, fmt.Sprintf("tool %q already registered", t.Name))
	}
	clone := t
	r.tools[t.Name] = &clone
	return nil
}

// Unregister removes a tool by name. Fails with KindProtected if the tool is
// protected (the core set), and KindNotFound if it does not exist.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	if !ok {
		return errs.New(errs.KindNotFound, fmt.Sprintf("tool %q not registered", name))
	}
	if t.Protected {
		return errs.New(errs.KindProtected, fmt.Sprintf("tool %q is protected and cannot be unregistered", name))
	}
	delete(r.tools, name)
	return nil
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns descriptors for the installed tools, optionally narrowed by
// filter.Module.
func (r *Registry) List(filter Filter) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		if filter.Module != "" && t.Module != filter.Module {
			continue
		}
		out = append(out, Descriptor{
			Name:       t.Name,
			Module:     t.Module,
			Schema:     t.Schema,
			Decorators: decoratorNames(t.Decorators),
			Protected:  t.Protected,
		})
	}
	return out
}

// Snapshot returns a point-in-time copy of every installed tool, used by
// the Persona Loader to compute to_add/to_remove sets against the currently
// loaded modules.
func (r *Registry) Snapshot() map[string]*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Tool, len(r.tools))
	for k, v := range r.tools {
		out[k] = v
	}
	return out
}

// ReplaceModules atomically swaps the tools belonging to the given modules.
// remove lists modules to unload (their non-protected tools are dropped);
// add lists new tools to install. Either all of add installs or none does;
// on conflict the registry is left unchanged.
func (r *Registry) ReplaceModules(removeModules []string, addTools []Tool) error {
	removeSet := make(map[string]bool, len(removeModules))
	for _, m := range removeModules {
		removeSet[m] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	staged := make(map[string]*Tool, len(r.tools))
	for name, t := range r.tools {
		if removeSet[t.Module] && !t.Protected {
			continue
		}
		staged[name] = t
	}
	for _, t := range addTools {
		if _, exists := staged[t.Name]; exists {
			return errs.New(errs.KindConflict, fmt.Sprintf("tool %q already present", t.Name))
		}
		clone := t
		staged[t.Name] = &clone
	}

	r.tools = staged
	return nil
}

// Invoke validates args against the tool's schema, then runs the decorator
// chain outside-in around the tool's Fn. Panics inside the chain are
// recovered and reported as KindInternal, matching the Registry's
// never-throws contract.
func (r *Registry) Invoke(ic *InvocationContext, name string, args map[string]any) (result any, err error) {
	start := time.Now()
	if r.observer != nil {
		defer func() { r.observer.ObserveInvoke(name, time.Since(start), err) }()
	}

	t, ok := r.Get(name)
	if !ok {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("tool %q not found", name))
	}

	if len(t.Schema) > 0 {
		if verr := r.validateArgs(t, args); verr != nil {
			return nil, verr
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool invocation panicked", "tool", name, "panic", rec)
			err = errs.New(errs.KindInternal, fmt.Sprintf("tool %q panicked: %v", name, rec))
			result = nil
		}
	}()

	call := t.Fn
	decorators := t.Decorators
	if len(r.defaults) > 0 {
		decorators = append(append([]Decorator{}, r.defaults...), t.Decorators...)
	}
	chain := buildChain(ic, decorators, call)
	result, err = chain(args)
	return result, err
}

// buildChain composes decorators outside-in around the terminal call.
func buildChain(ic *InvocationContext, decorators []Decorator, terminal ToolFn) func(map[string]any) (any, error) {
	next := func(args map[string]any) (any, error) {
		return terminal(ic, args)
	}
	for i := len(decorators) - 1; i >= 0; i-- {
		d := decorators[i]
		prev := next
		next = func(args map[string]any) (any, error) {
			return d.Invoke(ic, args, prev)
		}
	}
	return next
}

func (r *Registry) validateArgs(t *Tool, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "encode args", err)
	}
	if len(payload) > MaxToolArgsBytes {
		return errs.New(errs.KindValidation, fmt.Sprintf("args exceed max size %d bytes", MaxToolArgsBytes))
	}
	schema, err := r.compileSchema(t.Name, t.Schema)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "compile schema", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return errs.Wrap(errs.KindValidation, "decode args", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return errs.Wrap(errs.KindValidation, fmt.Sprintf("args for %q failed schema validation", t.Name), err)
	}
	return nil
}

// compileSchema compiles and caches a tool's JSON-Schema, keyed by tool
// name (schemas are immutable for the lifetime of a registered tool).
func (r *Registry) compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()
	if cached, ok := r.schemas[name]; ok {
		return cached, nil
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schema))
	if err != nil {
		return nil, err
	}
	r.schemas[name] = compiled
	return compiled, nil
}

func decoratorNames(decorators []Decorator) []string {
	out := make([]string, 0, len(decorators))
	for _, d := range decorators {
		out = append(out, d.Name())
	}
	return out
}
