package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// FieldSummary describes one field file
type FieldSummary struct {
	Len  int
	Norm float64 // l2
	Max  float64 // largest magnitude
}

// HistorySummary describes one per-rank history file
type HistorySummary struct {
	Rank      int
	Records   int
	Cells     int
	Materials map[string]int // Records per material
}

// Summary is the content of a checkpoint directory as reported by
// `checkpoint inspect`
type Summary struct {
	Dir      string
	Manifest *Manifest
	Solution *FieldSummary
	Velocity *FieldSummary
	History  []HistorySummary
}

// Inspect reads every checkpoint file in dir without a communicator
func Inspect(dir string) (*Summary, error) {
	s := &Summary{Dir: dir}
	man, err := ReadManifest(dir)
	switch {
	case err == nil:
		s.Manifest = man
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	if s.Solution, err = summarizeField(filepath.Join(dir, SolutionFile)); err != nil {
		return nil, err
	}
	if s.Velocity, err = summarizeField(filepath.Join(dir, VelocityFile)); err != nil {
		return nil, err
	}

	paths, err := filepath.Glob(filepath.Join(dir, "lcts.pr_*.lhistory.bin"))
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		var rank int
		if _, err := fmt.Sscanf(filepath.Base(path), "lcts.pr_%d.lhistory.bin", &rank); err != nil {
			continue
		}
		h, err := summarizeHistory(path, rank)
		if err != nil {
			return nil, err
		}
		s.History = append(s.History, h)
	}
	sort.Slice(s.History, func(i, j int) bool { return s.History[i].Rank < s.History[j].Rank })
	return s, nil
}

func summarizeField(path string) (*FieldSummary, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	n, err := storedLen(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	v, err := ReadField(bufio.NewReader(f), n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	fsum := &FieldSummary{Len: len(v)}
	if len(v) > 0 {
		fsum.Norm = floats.Norm(v, 2)
		fsum.Max = floats.Norm(v, math.Inf(1))
	}
	return fsum, nil
}

func summarizeHistory(path string, rank int) (HistorySummary, error) {
	h := HistorySummary{Rank: rank, Materials: make(map[string]int)}
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	cells := make(map[int]bool)
	err = ScanHistory(f, func(r Record) error {
		h.Records++
		cells[r.Cell] = true
		h.Materials[r.Material]++
		return nil
	})
	h.Cells = len(cells)
	if err != nil {
		return h, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// Print writes a human readable report of s
func (s *Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "checkpoint %s\n", s.Dir)
	if m := s.Manifest; m != nil {
		fmt.Fprintf(w, "  run %s, step %d, time %g, %d ranks, %d dofs, written %s\n",
			m.RunID, m.Step, m.Time, m.Ranks, m.NumDofs, m.Written.Format("2006-01-02 15:04:05Z"))
		fmt.Fprintf(w, "  materials %v\n", m.Materials)
	}
	for _, f := range []struct {
		name string
		sum  *FieldSummary
	}{{"solution", s.Solution}, {"velocity", s.Velocity}} {
		if f.sum == nil {
			fmt.Fprintf(w, "  %-8s absent\n", f.name)
			continue
		}
		fmt.Fprintf(w, "  %-8s %d values, |x| = %.6g, max = %.6g\n", f.name, f.sum.Len, f.sum.Norm, f.sum.Max)
	}
	for _, h := range s.History {
		fmt.Fprintf(w, "  rank %-4d %d points in %d cells %v\n", h.Rank, h.Records, h.Cells, h.Materials)
	}
}
