package output

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const SeriesFile = "outputs.series.yaml"

// Entry lists the files written at one step
type Entry struct {
	Step  int      `yaml:"step"`
	Time  float64  `yaml:"time"`
	Files []string `yaml:"files"`
}

// Series is the append-only index of written outputs. It is persisted
// after every append so a restarted run can continue it.
type Series struct {
	Path string

	mu      sync.Mutex
	entries []Entry
}

// OpenSeries loads the index in dir, or starts an empty one. When resume
// is false any existing index is discarded.
func OpenSeries(dir string, resume bool) (*Series, error) {
	s := &Series{Path: filepath.Join(dir, SeriesFile)}
	if !resume {
		return s, nil
	}
	b, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &s.entries); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	return s, nil
}

// Append adds e, which must be later than the last entry
func (s *Series) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.entries); n > 0 && e.Step <= s.entries[n-1].Step {
		return fmt.Errorf("step %d after step %d", e.Step, s.entries[n-1].Step)
	}
	s.entries = append(s.entries, e)

	b, err := yaml.Marshal(s.entries)
	if err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

// Entries returns a copy of the index
func (s *Series) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}
