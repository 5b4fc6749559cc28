package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devflow/core/internal/store"
)

// jobsDoc is the on-disk shape of the jobs document: a flat list of
// user-authored job specs.
type jobsDoc struct {
	Jobs []JobSpec `yaml:"jobs" json:"jobs"`
}

// loadJobSpecs reads the jobs document from s. A missing document yields an
// empty list rather than an error, so a fresh config root starts with no
// scheduled jobs.
func loadJobSpecs(s *store.Store, path string) ([]JobSpec, error) {
	raw, err := s.Read(path)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs document %s: %w", path, err)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("remarshal jobs document %s: %w", path, err)
	}
	var doc jobsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode jobs document %s: %w", path, err)
	}
	return doc.Jobs, nil
}
