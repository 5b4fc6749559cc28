// Package store implements the persistent document store used by every
// other core component to read and write small YAML/JSON files under a
// config root: workspace state, fix memory, usage patterns, and the
// per-day session activity logs.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Errors returned by Store operations.
var (
	ErrNotFound   = errors.New("store: document not found")
	ErrParse      = errors.New("store: document parse error")
	ErrIO         = errors.New("store: io error")
	ErrPointer    = errors.New("store: invalid pointer")
)

// Doc is the in-memory representation of a stored document: a YAML/JSON
// tree decoded into generic Go values (map[string]any, []any, scalars).
type Doc = any

// DefaultQuietWindow is the write-behind coalescing window.
const DefaultQuietWindow = 2 * time.Second

// Store provides atomic, locked, cached access to documents under a root
// directory. One Store should be shared by all components that touch the
// same config root.
type Store struct {
	root        string
	logger      *slog.Logger
	quietWindow time.Duration

	mu    sync.Mutex // protects locks, cache, dirty
	locks map[string]*sync.Mutex
	cache map[string]*cacheEntry
	dirty map[string]*pendingWrite

	observer IOObserver
}

// IOObserver receives a measurement for every completed Read/Write call.
// Implemented by internal/metrics.
type IOObserver interface {
	RecordStoreIO(op string, duration time.Duration)
}

type cacheEntry struct {
	mtime time.Time
	doc   Doc
}

type pendingWrite struct {
	doc   Doc
	timer *time.Timer
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIOObserver attaches an IOObserver notified after every Read/Write.
func WithIOObserver(observer IOObserver) Option {
	return func(s *Store) { s.observer = observer }
}

// WithQuietWindow overrides the write-behind coalescing window.
func WithQuietWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.quietWindow = d
		}
	}
}

// New creates a Store rooted at root. The root directory is created if
// missing.
func New(root string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("store: root path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create root: %v", ErrIO, err)
	}
	s := &Store{
		root:        root,
		logger:      slog.Default().With("component", "store"),
		quietWindow: DefaultQuietWindow,
		locks:       make(map[string]*sync.Mutex),
		cache:       make(map[string]*cacheEntry),
		dirty:       make(map[string]*pendingWrite),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.root, path)
}

func (s *Store) lockFor(abs string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[abs]
	if !ok {
		l = &sync.Mutex{}
		s.locks[abs] = l
	}
	return l
}

// Read loads the document at path. It is served from the in-process cache
// when the file's mtime matches the cached entry's mtime.
func (s *Store) Read(path string) (Doc, error) {
	if s.observer != nil {
		start := time.Now()
		defer func() { s.observer.RecordStoreIO("read", time.Since(start)) }()
	}
	abs := s.abs(path)
	lock := s.lockFor(abs)
	lock.Lock()
	defer lock.Unlock()
	return s.readLocked(abs)
}

func (s *Store) readLocked(abs string) (Doc, error) {
	info, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, abs)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, abs, err)
	}

	s.mu.Lock()
	entry, ok := s.cache[abs]
	s.mu.Unlock()
	if ok && entry.mtime.Equal(info.ModTime()) {
		return entry.doc, nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, abs, err)
	}
	doc, err := decode(abs, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrParse, abs, err)
	}

	s.mu.Lock()
	s.cache[abs] = &cacheEntry{mtime: info.ModTime(), doc: doc}
	s.mu.Unlock()
	return doc, nil
}

// Write persists doc at path atomically: encode to a temp sibling, fsync,
// rename over the destination. The cache entry is replaced with the written
// document.
func (s *Store) Write(path string, doc Doc) error {
	if s.observer != nil {
		start := time.Now()
		defer func() { s.observer.RecordStoreIO("write", time.Since(start)) }()
	}
	abs := s.abs(path)
	lock := s.lockFor(abs)
	lock.Lock()
	defer lock.Unlock()
	return s.writeLocked(abs, doc)
}

func (s *Store) writeLocked(abs string, doc Doc) error {
	data, err := encode(abs, doc)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrIO, abs, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrIO, abs, err)
	}

	tmp := abs + ".tmp-" + fmt.Sprintf("%d", time.Now().UnixNano())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create temp %s: %v", ErrIO, tmp, err)
	}
	// every exit path below either renames tmp away or removes it.
	cleanupTemp := true
	defer func() {
		if cleanupTemp {
			os.Remove(tmp) //nolint:errcheck
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("%w: write %s: %v", ErrIO, tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("%w: fsync %s: %v", ErrIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		return fmt.Errorf("%w: rename %s: %v", ErrIO, abs, err)
	}
	cleanupTemp = false

	info, statErr := os.Stat(abs)
	s.mu.Lock()
	if statErr == nil {
		s.cache[abs] = &cacheEntry{mtime: info.ModTime(), doc: doc}
	} else {
		delete(s.cache, abs)
	}
	delete(s.dirty, abs)
	s.mu.Unlock()
	return nil
}

// WriteBehind marks the document dirty and schedules a debounced flush. A
// second WriteBehind for the same path within the quiet window replaces the
// pending value instead of scheduling a second flush.
func (s *Store) WriteBehind(path string, doc Doc) {
	abs := s.abs(path)
	s.mu.Lock()
	pending, ok := s.dirty[abs]
	if ok {
		pending.doc = doc
		s.mu.Unlock()
		return
	}
	pending = &pendingWrite{doc: doc}
	s.dirty[abs] = pending
	pending.timer = time.AfterFunc(s.quietWindow, func() { s.flush(abs) })
	s.mu.Unlock()
}

func (s *Store) flush(abs string) {
	s.mu.Lock()
	pending, ok := s.dirty[abs]
	if !ok {
		s.mu.Unlock()
		return
	}
	doc := pending.doc
	s.mu.Unlock()

	lock := s.lockFor(abs)
	lock.Lock()
	defer lock.Unlock()
	if err := s.writeLocked(abs, doc); err != nil {
		s.logger.Warn("write-behind flush failed", "path", abs, "error", err)
	}
}

// Flush forces a synchronous flush of every pending write. Called on
// shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	paths := make([]string, 0, len(s.dirty))
	for abs, pending := range s.dirty {
		if pending.timer != nil {
			pending.timer.Stop()
		}
		paths = append(paths, abs)
	}
	s.mu.Unlock()
	sort.Strings(paths)
	for _, abs := range paths {
		s.flush(abs)
	}
}

// Update performs a read-modify-write of the value at pointer (a simple
// "/"-separated path into the decoded document) under the document's lock.
func (s *Store) Update(path string, pointer string, mutate func(current any) (any, error)) error {
	abs := s.abs(path)
	lock := s.lockFor(abs)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.readLocked(abs)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		doc = map[string]any{}
	}

	current, err := getPointer(doc, pointer)
	if err != nil {
		return err
	}
	next, err := mutate(current)
	if err != nil {
		return err
	}
	newDoc, err := setPointer(doc, pointer, next)
	if err != nil {
		return err
	}
	return s.writeLocked(abs, newDoc)
}

// Append appends item to the list found at listPointer, creating it if
// absent.
func (s *Store) Append(path string, listPointer string, item any) error {
	return s.Update(path, listPointer, func(current any) (any, error) {
		list, ok := current.([]any)
		if !ok {
			if current != nil {
				return nil, fmt.Errorf("%w: %s is not a list", ErrPointer, listPointer)
			}
			list = nil
		}
		return append(list, item), nil
	})
}

// Query reads path and resolves pointer, a "/"-separated path of map keys
// as in Update. A list value is returned as its elements, any other value
// as a one-element slice, and a missing value as nil. JSONPath syntax
// (dots, brackets, wildcards) is not supported.
func (s *Store) Query(path string, pointer string) ([]any, error) {
	doc, err := s.Read(path)
	if err != nil {
		return nil, err
	}
	v, err := getPointer(doc, pointer)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	default:
		return []any{t}, nil
	}
}

func decode(path string, data []byte) (Doc, error) {
	ext := strings.ToLower(filepath.Ext(path))
	var doc any
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	}
	return normalizeYAMLMaps(doc), nil
}

func encode(path string, doc Doc) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}

// normalizeYAMLMaps rebuilds decoded trees as map[string]any / []any so
// callers see one shape whether a document came from YAML or JSON.
func normalizeYAMLMaps(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAMLMaps(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAMLMaps(val)
		}
		return out
	default:
		return v
	}
}

func splitPointer(pointer string) []string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return nil
	}
	return strings.Split(pointer, "/")
}

func getPointer(doc any, pointer string) (any, error) {
	segs := splitPointer(pointer)
	cur := doc
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil, nil
		}
	}
	return cur, nil
}

func setPointer(doc any, pointer string, value any) (any, error) {
	segs := splitPointer(pointer)
	if len(segs) == 0 {
		return value, nil
	}
	root, ok := doc.(map[string]any)
	if !ok {
		if doc != nil {
			return nil, fmt.Errorf("%w: root is not an object", ErrPointer)
		}
		root = map[string]any{}
	}
	node := root
	for i, seg := range segs {
		if i == len(segs)-1 {
			node[seg] = value
			break
		}
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[seg] = next
		}
		node = next
	}
	return root, nil
}
