package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/devflow/core/internal/errs"
	"github.com/devflow/core/internal/sessions"
	"github.com/devflow/core/internal/store"
)

// RegistryPath is the default document every workspace and session is
// persisted under: one snapshot for the whole registry.
const RegistryPath = "workspace_states.json"

// Registry is the C7 Session/Workspace layer: one Workspace per project
// root, each with at most one active Session, durable through the
// Persistent Store.
type Registry struct {
	logger  *slog.Logger
	store   *store.Store
	locker  sessions.Locker
	docPath string
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

// WithLocker overrides the per-workspace locker (default: an in-memory
// sessions.LocalLocker with a 10s acquire timeout).
func WithLocker(l sessions.Locker) Option {
	return func(r *Registry) { r.locker = l }
}

// WithDocumentPath overrides the store path of the registry snapshot.
func WithDocumentPath(path string) Option {
	return func(r *Registry) {
		if path != "" {
			r.docPath = path
		}
	}
}

// New creates a Registry backed by s.
func New(s *store.Store, opts ...Option) *Registry {
	r := &Registry{
		logger:  slog.Default().With("component", "workspace"),
		store:   s,
		locker:  sessions.NewLocalLocker(10 * time.Second),
		docPath: RegistryPath,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the workspace for uri, creating it (with no active
// session or persona) on first sight.
func (r *Registry) GetOrCreate(ctx context.Context, uri string) (*Workspace, error) {
	if err := r.locker.Lock(ctx, uri); err != nil {
		return nil, errs.Wrap(errs.KindTimeout, "acquire workspace lock", err)
	}
	defer r.locker.Unlock(uri)

	doc, err := r.loadDoc()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ws, ok := doc.Workspaces[uri]
	if !ok {
		ws = Workspace{URI: uri, CreatedAt: now, LastActiveAt: now}
	} else {
		ws.LastActiveAt = now
	}
	doc.Workspaces[uri] = ws

	if err := r.saveDoc(doc); err != nil {
		return nil, err
	}
	out := ws
	return &out, nil
}

// StartSession resumes the workspace's active session if one exists, or
// starts a new one.
func (r *Registry) StartSession(ctx context.Context, workspaceURI string) (*Session, error) {
	if err := r.locker.Lock(ctx, workspaceURI); err != nil {
		return nil, errs.Wrap(errs.KindTimeout, "acquire workspace lock", err)
	}
	defer r.locker.Unlock(workspaceURI)

	doc, err := r.loadDoc()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ws, ok := doc.Workspaces[workspaceURI]
	if !ok {
		ws = Workspace{URI: workspaceURI, CreatedAt: now}
	}

	if ws.ActiveSessionID != "" {
		if sess, ok := doc.Sessions[ws.ActiveSessionID]; ok {
			sess.LastActiveAt = now
			doc.Sessions[sess.ID] = sess
			ws.LastActiveAt = now
			doc.Workspaces[workspaceURI] = ws
			if err := r.saveDoc(doc); err != nil {
				return nil, err
			}
			out := sess
			return &out, nil
		}
	}

	sess := Session{ID: uuid.NewString(), WorkspaceURI: workspaceURI, CreatedAt: now, LastActiveAt: now, Metadata: map[string]any{}}
	doc.Sessions[sess.ID] = sess
	ws.ActiveSessionID = sess.ID
	ws.LastActiveAt = now
	doc.Workspaces[workspaceURI] = ws

	if err := r.saveDoc(doc); err != nil {
		return nil, err
	}
	out := sess
	return &out, nil
}

// NewSession always creates a fresh session and makes it the workspace's
// active session, regardless of any session already active.
func (r *Registry) NewSession(ctx context.Context, workspaceURI string) (*Session, error) {
	if err := r.locker.Lock(ctx, workspaceURI); err != nil {
		return nil, errs.Wrap(errs.KindTimeout, "acquire workspace lock", err)
	}
	defer r.locker.Unlock(workspaceURI)

	doc, err := r.loadDoc()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	ws, ok := doc.Workspaces[workspaceURI]
	if !ok {
		ws = Workspace{URI: workspaceURI, CreatedAt: now}
	}
	sess := Session{ID: uuid.NewString(), WorkspaceURI: workspaceURI, CreatedAt: now, LastActiveAt: now, Metadata: map[string]any{}}
	doc.Sessions[sess.ID] = sess
	ws.ActiveSessionID = sess.ID
	ws.LastActiveAt = now
	doc.Workspaces[workspaceURI] = ws

	if err := r.saveDoc(doc); err != nil {
		return nil, err
	}
	out := sess
	return &out, nil
}

// Switch makes sessionID the active session for workspaceURI. It fails
// with KindNotFound if the session does not exist.
func (r *Registry) Switch(ctx context.Context, workspaceURI, sessionID string) (*Session, error) {
	if err := r.locker.Lock(ctx, workspaceURI); err != nil {
		return nil, errs.Wrap(errs.KindTimeout, "acquire workspace lock", err)
	}
	defer r.locker.Unlock(workspaceURI)

	doc, err := r.loadDoc()
	if err != nil {
		return nil, err
	}

	sess, ok := doc.Sessions[sessionID]
	if !ok || sess.WorkspaceURI != workspaceURI {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("session %q not found for workspace %q", sessionID, workspaceURI))
	}

	ws, ok := doc.Workspaces[workspaceURI]
	if !ok {
		return nil, errs.New(errs.KindNotFound, fmt.Sprintf("workspace %q not found", workspaceURI))
	}
	ws.ActiveSessionID = sessionID
	ws.LastActiveAt = time.Now()
	doc.Workspaces[workspaceURI] = ws

	if err := r.saveDoc(doc); err != nil {
		return nil, err
	}
	out := sess
	return &out, nil
}

// SetSessionMetadata merges metadata into the given session's Metadata map
// and persists it.
func (r *Registry) SetSessionMetadata(ctx context.Context, workspaceURI, sessionID string, metadata map[string]any) error {
	if err := r.locker.Lock(ctx, workspaceURI); err != nil {
		return errs.Wrap(errs.KindTimeout, "acquire workspace lock", err)
	}
	defer r.locker.Unlock(workspaceURI)

	doc, err := r.loadDoc()
	if err != nil {
		return err
	}
	sess, ok := doc.Sessions[sessionID]
	if !ok || sess.WorkspaceURI != workspaceURI {
		return errs.New(errs.KindNotFound, fmt.Sprintf("session %q not found for workspace %q", sessionID, workspaceURI))
	}
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}
	for k, v := range metadata {
		sess.Metadata[k] = v
	}
	doc.Sessions[sessionID] = sess
	return r.saveDoc(doc)
}

// SetActivePersona records the persona now active for workspaceURI, so that
// session_info/session_list can report it without querying the Persona
// Loader directly. It is a no-op on the Session/Workspace layer's own
// persona-switch semantics: the Persona Loader remains authoritative for
// what is actually loaded into the Tool Registry.
func (r *Registry) SetActivePersona(ctx context.Context, workspaceURI, persona string) error {
	if err := r.locker.Lock(ctx, workspaceURI); err != nil {
		return errs.Wrap(errs.KindTimeout, "acquire workspace lock", err)
	}
	defer r.locker.Unlock(workspaceURI)

	doc, err := r.loadDoc()
	if err != nil {
		return err
	}
	ws, ok := doc.Workspaces[workspaceURI]
	if !ok {
		return errs.New(errs.KindNotFound, fmt.Sprintf("workspace %q not found", workspaceURI))
	}
	ws.ActivePersona = persona
	ws.LastActiveAt = time.Now()
	doc.Workspaces[workspaceURI] = ws
	return r.saveDoc(doc)
}

// ContextPatch selects which workspace context fields UpdateContext sets;
// nil pointers leave the current value in place.
type ContextPatch struct {
	Project      *string
	ActiveIssue  *string
	ActiveBranch *string
	ActiveMR     *string
}

// UpdateContext records working context (project, active issue/branch/MR)
// on the workspace, the seam domain tool modules mutate through.
func (r *Registry) UpdateContext(ctx context.Context, workspaceURI string, patch ContextPatch) error {
	if err := r.locker.Lock(ctx, workspaceURI); err != nil {
		return errs.Wrap(errs.KindTimeout, "acquire workspace lock", err)
	}
	defer r.locker.Unlock(workspaceURI)

	doc, err := r.loadDoc()
	if err != nil {
		return err
	}
	ws, ok := doc.Workspaces[workspaceURI]
	if !ok {
		return errs.New(errs.KindNotFound, fmt.Sprintf("workspace %q not found", workspaceURI))
	}
	if patch.Project != nil {
		ws.Project = *patch.Project
	}
	if patch.ActiveIssue != nil {
		ws.ActiveIssue = *patch.ActiveIssue
	}
	if patch.ActiveBranch != nil {
		ws.ActiveBranch = *patch.ActiveBranch
	}
	if patch.ActiveMR != nil {
		ws.ActiveMR = *patch.ActiveMR
	}
	ws.LastActiveAt = time.Now()
	doc.Workspaces[workspaceURI] = ws
	return r.saveDoc(doc)
}

// Info returns the workspace and its active session (if any).
func (r *Registry) Info(workspaceURI string) (*Workspace, *Session, error) {
	doc, err := r.loadDoc()
	if err != nil {
		return nil, nil, err
	}
	ws, ok := doc.Workspaces[workspaceURI]
	if !ok {
		return nil, nil, errs.New(errs.KindNotFound, fmt.Sprintf("workspace %q not found", workspaceURI))
	}
	if ws.ActiveSessionID == "" {
		return &ws, nil, nil
	}
	sess, ok := doc.Sessions[ws.ActiveSessionID]
	if !ok {
		return &ws, nil, nil
	}
	return &ws, &sess, nil
}

// List enumerates every known session for a workspace.
func (r *Registry) List(workspaceURI string) ([]Session, error) {
	doc, err := r.loadDoc()
	if err != nil {
		return nil, err
	}
	var out []Session
	for _, s := range doc.Sessions {
		if s.WorkspaceURI == workspaceURI {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *Registry) loadDoc() (registryDoc, error) {
	raw, err := r.store.Read(r.docPath)
	if errors.Is(err, store.ErrNotFound) {
		return newRegistryDoc(), nil
	}
	if err != nil {
		return registryDoc{}, errs.Wrap(errs.KindIO, "read workspace registry", err)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return registryDoc{}, errs.Wrap(errs.KindParse, "remarshal workspace registry", err)
	}
	doc := newRegistryDoc()
	if err := json.Unmarshal(data, &doc); err != nil {
		return registryDoc{}, errs.Wrap(errs.KindParse, "decode workspace registry", err)
	}
	if doc.Workspaces == nil {
		doc.Workspaces = map[string]Workspace{}
	}
	if doc.Sessions == nil {
		doc.Sessions = map[string]Session{}
	}
	return doc, nil
}

func (r *Registry) saveDoc(doc registryDoc) error {
	if err := r.store.Write(r.docPath, doc); err != nil {
		return errs.Wrap(errs.KindIO, "write workspace registry", err)
	}
	return nil
}
