package skillengine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/devflow/core/internal/errs"
)

// Source resolves a skill definition by name. Skills are re-read from disk
// on every Get so that edits take effect on the next run (unlike persona
// manifests, which are cached).
type Source interface {
	Get(name string) (*Skill, error)
	List() ([]*Skill, error)
}

// FileSource discovers skill definitions as one YAML file per skill under a
// directory, keyed by the skill's declared name (not its filename).
type FileSource struct {
	logger *slog.Logger
	dir    string

	mu    sync.Mutex
	index map[string]string // skill name -> absolute file path, refreshed on List/Get miss
}

// NewFileSource creates a FileSource rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{
		logger: slog.Default().With("component", "skillengine.source"),
		dir:    dir,
		index:  make(map[string]string),
	}
}

// Get loads the named skill, reparsing its file from disk.
func (s *FileSource) Get(name string) (*Skill, error) {
	path, ok := s.lookup(name)
	if !ok {
		if err := s.refresh(); err != nil {
			return nil, err
		}
		path, ok = s.lookup(name)
		if !ok {
			return nil, errs.New(errs.KindNotFound, fmt.Sprintf("skill %q not found", name))
		}
	}
	skill, err := LoadSkill(path)
	if err != nil {
		return nil, err
	}
	if skill.Name != name {
		return nil, errs.New(errs.KindInternal, fmt.Sprintf("skill file %s declares name %q, expected %q", path, skill.Name, name))
	}
	return skill, nil
}

// List discovers and parses every skill under the source directory,
// skipping (and logging) files that fail to parse rather than failing the
// whole listing.
func (s *FileSource) List() ([]*Skill, error) {
	if err := s.refresh(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	paths := make([]string, 0, len(s.index))
	for _, p := range s.index {
		paths = append(paths, p)
	}
	s.mu.Unlock()

	out := make([]*Skill, 0, len(paths))
	for _, p := range paths {
		skill, err := LoadSkill(p)
		if err != nil {
			s.logger.Warn("skipping unparsable skill file", "path", p, "error", err)
			continue
		}
		out = append(out, skill)
	}
	return out, nil
}

func (s *FileSource) lookup(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.index[name]
	return p, ok
}

// refresh rebuilds the name -> path index by scanning the directory. A
// missing directory yields an empty index rather than an error.
func (s *FileSource) refresh() error {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.index = make(map[string]string)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return errs.Wrap(errs.KindIO, fmt.Sprintf("read skills directory %s", s.dir), err)
	}

	index := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		skill, err := LoadSkill(path)
		if err != nil {
			s.logger.Warn("skipping unparsable skill file", "path", path, "error", err)
			continue
		}
		index[skill.Name] = path
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}
