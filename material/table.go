// Package material reads the per-material stiffness and density tables and
// assigns materials to cells.
package material

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/notargets/scalebridge/tensor"
)

var (
	ErrMissingTable = errors.New("missing material table")
	ErrBadTable     = errors.New("malformed material table")
)

// Material is one entry of the material table
type Material struct {
	Name      string
	Stiffness tensor.Sym4 // Voigt 6×6, engineering shear
	Density   float64
}

// Table is indexed by material id
type Table []Material

// Index returns the material id of name
func (t Table) Index(name string) (int, bool) {
	for i, m := range t {
		if m.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Names returns the material names in id order
func (t Table) Names() []string {
	names := make([]string, len(t))
	for i, m := range t {
		names[i] = m.Name
	}
	return names
}

func StiffnessPath(dir, prefix, name string) string {
	return filepath.Join(dir, prefix+"."+name+".stiff")
}

func DensityPath(dir, prefix, name string) string {
	return filepath.Join(dir, prefix+"."+name+".density")
}

// Load reads init.<name>.stiff and init.<name>.density from dir for every
// name. A missing file is fatal.
func Load(dir string, names []string) (Table, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no materials configured: %w", ErrMissingTable)
	}
	table := make(Table, len(names))
	for i, name := range names {
		c, err := readFile(StiffnessPath(dir, "init", name), ReadStiffness)
		if err != nil {
			return nil, fmt.Errorf("material %q stiffness: %w", name, err)
		}
		rho, err := readFile(DensityPath(dir, "init", name), ReadDensity)
		if err != nil {
			return nil, fmt.Errorf("material %q density: %w", name, err)
		}
		table[i] = Material{Name: name, Stiffness: c, Density: rho}
	}
	return table, nil
}

func readFile[T any](path string, parse func(io.Reader) (T, error)) (v T, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, fmt.Errorf("%s: %w", path, ErrMissingTable)
		}
		return v, err
	}
	defer f.Close()
	v, err = parse(f)
	if err != nil {
		return v, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// Echo writes last.<name>.stiff and last.<name>.density copies into dir
func (t Table) Echo(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, m := range t {
		f, err := os.Create(StiffnessPath(dir, "last", m.Name))
		if err != nil {
			return err
		}
		if err = WriteStiffness(f, m.Stiffness); err != nil {
			f.Close()
			return err
		}
		if err = f.Close(); err != nil {
			return err
		}
		if err = os.WriteFile(DensityPath(dir, "last", m.Name),
			[]byte(strconv.FormatFloat(m.Density, 'g', -1, 64)+"\n"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// ReadStiffness parses 6 rows of 6 whitespace separated values
func ReadStiffness(r io.Reader) (c tensor.Sym4, err error) {
	var vals []float64
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		for _, f := range strings.Fields(sc.Text()) {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return c, fmt.Errorf("%q: %w", f, ErrBadTable)
			}
			vals = append(vals, v)
		}
	}
	if err = sc.Err(); err != nil {
		return c, err
	}
	if len(vals) != len(c) {
		return c, fmt.Errorf("%d values, want %d: %w", len(vals), len(c), ErrBadTable)
	}
	copy(c[:], vals)
	return c, nil
}

func WriteStiffness(w io.Writer, c tensor.Sym4) error {
	bw := bufio.NewWriter(w)
	for a := 0; a < tensor.NComp; a++ {
		for b := 0; b < tensor.NComp; b++ {
			if b > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(strconv.FormatFloat(c.At(a, b), 'g', -1, 64))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// ReadDensity parses a single value
func ReadDensity(r io.Reader) (float64, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(b))
	if len(fields) != 1 {
		return 0, fmt.Errorf("%d values, want 1: %w", len(fields), ErrBadTable)
	}
	rho, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", fields[0], ErrBadTable)
	}
	return rho, nil
}
