package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileManifestSource reads persona manifests as one YAML file per persona
// under a directory (`<dir>/<name>.yaml`).
type FileManifestSource struct {
	dir string
}

// NewFileManifestSource creates a FileManifestSource rooted at dir.
func NewFileManifestSource(dir string) *FileManifestSource {
	return &FileManifestSource{dir: dir}
}

// Get reads the persona manifest named name.
func (s *FileManifestSource) Get(name string) (Persona, bool, error) {
	path := filepath.Join(s.dir, name+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Persona{}, false, nil
		}
		return Persona{}, false, err
	}
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Persona{}, false, fmt.Errorf("parse persona manifest %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	return p, true, nil
}

// List enumerates every `*.yaml` persona manifest under the directory.
func (s *FileManifestSource) List() ([]Persona, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Persona
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".yaml")
		p, ok, err := s.Get(name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}
