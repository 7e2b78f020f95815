package material

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/notargets/scalebridge/comm"
)

var (
	ErrProportions  = errors.New("material list and proportions differ in length")
	ErrUnknownStyle = errors.New("unknown microstructure style")
)

// Distribution describes how materials are assigned to cells
type Distribution struct {
	Style       string    // only "uniform"
	Proportions []float64 // one weight per material
	Seed        uint64
}

// Validate checks the distribution against the configured material list
func (d Distribution) Validate(names []string) error {
	if len(names) != len(d.Proportions) {
		return fmt.Errorf("%d materials, %d proportions: %w",
			len(names), len(d.Proportions), ErrProportions)
	}
	if d.Style != "uniform" {
		return fmt.Errorf("%q: %w", d.Style, ErrUnknownStyle)
	}
	sum := 0.
	for i, p := range d.Proportions {
		if p < 0 {
			return fmt.Errorf("proportion %d is negative: %w", i, ErrProportions)
		}
		sum += p
	}
	if sum <= 0 {
		return fmt.Errorf("proportions sum to zero: %w", ErrProportions)
	}
	return nil
}

// Generate draws a material id for each of numCells cells from the
// proportions. The same seed always yields the same assignment.
func (d Distribution) Generate(numCells int) []int {
	cat := distuv.NewCategorical(d.Proportions, rand.NewPCG(d.Seed, d.Seed^0x9e3779b97f4a7c15))
	ids := make([]int, numCells)
	for c := range ids {
		ids[c] = int(cat.Rand())
	}
	return ids
}

// Distribute generates the assignment on the root and broadcasts it so
// every rank holds the same cell → material map.
func (d Distribution) Distribute(ctx context.Context, c *comm.Comm, numCells int) ([]int, error) {
	var ids []int
	if c.IsRoot() {
		ids = d.Generate(numCells)
	}
	ids, err := c.BcastInts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("microstructure broadcast: %w", err)
	}
	if len(ids) != numCells {
		return nil, fmt.Errorf("microstructure has %d cells, mesh has %d", len(ids), numCells)
	}
	return ids, nil
}

func cellListPath(dir string, rank int) string {
	return filepath.Join(dir, fmt.Sprintf("cell_id_mat.%d.list", rank))
}

// CellListPath is the merged cell → material list written by the root
func CellListPath(dir string) string {
	return filepath.Join(dir, "cell_id_mat.list")
}

// WriteCellList writes this rank's "cell material" lines
func WriteCellList(dir string, rank int, cells, ids []int, t Table) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(cellListPath(dir, rank))
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, cell := range cells {
		fmt.Fprintf(w, "%d %s\n", cell, t[ids[cell]].Name)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// MergeCellLists concatenates the per-rank lists into one list sorted by
// cell and removes the per-rank files.
func MergeCellLists(dir string, size int) error {
	type entry struct {
		cell int
		name string
	}
	var entries []entry
	for r := 0; r < size; r++ {
		b, err := os.ReadFile(cellListPath(dir, r))
		if err != nil {
			return fmt.Errorf("rank %d cell list: %w", r, err)
		}
		for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			cell, err := strconv.Atoi(fields[0])
			if err != nil {
				return fmt.Errorf("rank %d cell list: %q: %w", r, line, err)
			}
			entries = append(entries, entry{cell, fields[1]})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].cell < entries[j].cell })

	f, err := os.Create(CellListPath(dir))
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		fmt.Fprintf(w, "%d %s\n", e.cell, e.name)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	for r := 0; r < size; r++ {
		_ = os.Remove(cellListPath(dir, r))
	}
	return nil
}
