// Package checkpoint saves and restores the state a run needs to resume:
// the global displacement and velocity fields, written once by the
// coordinator, and the history of every owned quadrature point, written by
// each rank.
package checkpoint

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/notargets/scalebridge/comm"
	"github.com/notargets/scalebridge/history"
	"github.com/notargets/scalebridge/metrics"
	"github.com/notargets/scalebridge/tensor"
)

const (
	SolutionFile = "lcts.solution.bin"
	VelocityFile = "lcts.velocity.bin"
	ManifestFile = "lcts.manifest.yaml"
)

// HistoryFile is the per-rank history file name
func HistoryFile(rank int) string {
	return fmt.Sprintf("lcts.pr_%d.lhistory.bin", rank)
}

var (
	ErrCheckpointMismatch = errors.New("checkpoint does not match the run")
	ErrMalformed          = errors.New("malformed checkpoint file")
)

// historyFields is the column count of a history line: time, cell, q,
// material, six update strain and six stress components
const historyFields = 4 + 2*tensor.NComp

// Manifest describes a checkpoint; it is informational and not needed to
// restore
type Manifest struct {
	RunID     string    `yaml:"run_id"`
	Step      int       `yaml:"step"`
	Time      float64   `yaml:"time"`
	Ranks     int       `yaml:"ranks"`
	NumDofs   int       `yaml:"num_dofs"`
	Materials []string  `yaml:"materials"`
	Written   time.Time `yaml:"written"`
}

// StrainFunc evaluates the strain of a nodal field at (cell, q)
type StrainFunc func(cell, q int, field []float64) (tensor.Sym2, error)

// Fields is what Restore hands back to the caller
type Fields struct {
	Displacement []float64 // nil when absent
	Velocity     []float64 // nil when absent
	Points       int       // History records restored on this rank
	Manifest     *Manifest
}

// Restored reports whether a checkpoint was restored; it is the same on
// every rank
func (f Fields) Restored() bool {
	return f.Displacement != nil || f.Velocity != nil || f.Points > 0
}

type Manager struct {
	Dir     string
	Comm    *comm.Comm
	RunID   string
	NumDofs int // Expected field length, 0 skips the check
	Logger  *slog.Logger
}

func New(dir string, c *comm.Comm, runID string, numDofs int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Dir: dir, Comm: c, RunID: runID, NumDofs: numDofs, Logger: logger}
}

// Save writes a checkpoint. Every rank must call it. Any local failure
// aborts the communicator so that no rank is left in a barrier.
func (m *Manager) Save(ctx context.Context, step int, t float64, store *history.Store, displacement, velocity []float64) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.CheckpointsTotal.WithLabelValues(result).Inc()
	}()
	c := m.Comm

	if err := c.Barrier(ctx); err != nil {
		return fmt.Errorf("checkpoint barrier: %w", err)
	}
	if c.IsRoot() {
		if err := m.saveFields(step, t, store, displacement, velocity); err != nil {
			return c.Abort(err)
		}
	}
	if err := c.Barrier(ctx); err != nil {
		return fmt.Errorf("checkpoint barrier: %w", err)
	}
	if err := writeAtomic(filepath.Join(m.Dir, HistoryFile(c.Rank())), func(w io.Writer) error {
		return writeHistory(w, t, store)
	}); err != nil {
		return c.Abort(err)
	}
	if err := c.Barrier(ctx); err != nil {
		return fmt.Errorf("checkpoint barrier: %w", err)
	}
	m.Logger.Info("checkpoint written", "step", step, "time", t, "dir", m.Dir, "points", store.Len())
	return nil
}

func (m *Manager) saveFields(step int, t float64, store *history.Store, displacement, velocity []float64) error {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return err
	}
	for _, f := range []struct {
		name  string
		field []float64
	}{{SolutionFile, displacement}, {VelocityFile, velocity}} {
		if err := writeAtomic(filepath.Join(m.Dir, f.name), func(w io.Writer) error {
			return WriteField(w, f.field)
		}); err != nil {
			return err
		}
	}
	man := Manifest{
		RunID:     m.RunID,
		Step:      step,
		Time:      t,
		Ranks:     m.Comm.Size(),
		NumDofs:   len(displacement),
		Materials: store.Materials().Names(),
		Written:   time.Now().UTC(),
	}
	return writeAtomic(filepath.Join(m.Dir, ManifestFile), func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(man); err != nil {
			return err
		}
		return enc.Close()
	})
}

// Restore reads the checkpoint into store. Every rank must call it. The
// ranks agree on what they found before any state is used: either no
// checkpoint exists anywhere and the run starts from rest, or every rank
// has its history, both fields are present and all history records carry
// the manifest time. Anything in between is ErrCheckpointMismatch on every
// rank. Once agreed, the total strain of every point is recomputed from
// the displacement. On error the store may be partially restored.
func (m *Manager) Restore(ctx context.Context, store *history.Store, strainAt StrainFunc) (Fields, error) {
	var f Fields
	var err error
	c := m.Comm

	if f.Displacement, err = m.readField(SolutionFile); err != nil {
		return Fields{}, c.Abort(err)
	}
	if f.Velocity, err = m.readField(VelocityFile); err != nil {
		return Fields{}, c.Abort(err)
	}
	hist, err := m.restoreHistory(store)
	if err != nil {
		return Fields{}, c.Abort(err)
	}
	f.Points = hist.points
	if man, err := ReadManifest(m.Dir); err == nil {
		f.Manifest = man
	} else if !errors.Is(err, fs.ErrNotExist) {
		m.Logger.Warn("unreadable checkpoint manifest", "error", err)
	}

	found, err := m.agree(ctx, f, hist)
	if err != nil {
		return Fields{}, err
	}
	if !found {
		m.Logger.Info("no checkpoint found, starting from rest", "dir", m.Dir)
		return Fields{}, nil
	}
	for i := 0; i < store.Len(); i++ {
		p := store.Point(i)
		eps, err := strainAt(p.Cell, p.Q, f.Displacement)
		if err != nil {
			return Fields{}, c.Abort(fmt.Errorf("strain at cell %d q %d: %w", p.Cell, p.Q, err))
		}
		store.SetTotalStrain(i, eps)
	}
	if err := c.Barrier(ctx); err != nil {
		return Fields{}, fmt.Errorf("restore barrier: %w", err)
	}
	attrs := []any{"dir", m.Dir, "points", f.Points, "time", hist.time}
	if f.Manifest != nil {
		attrs = append(attrs, "from_run", f.Manifest.RunID, "step", f.Manifest.Step)
	}
	m.Logger.Info("restored checkpoint", attrs...)
	return f, nil
}

// what a rank found in the checkpoint directory
const (
	foundHistory = 1 << iota
	foundSolution
	foundVelocity
	timeSkew

	foundAll = foundHistory | foundSolution | foundVelocity
)

func describeFound(s int) string {
	var parts []string
	for _, b := range []struct {
		bit  int
		name string
	}{{foundHistory, "history"}, {foundSolution, "solution"}, {foundVelocity, "velocity"}} {
		if s&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	if len(parts) == 0 {
		return "nothing"
	}
	return strings.Join(parts, "+")
}

// agree exchanges what every rank found and returns the same answer on all
// of them: false when nothing was found, true for a complete checkpoint
func (m *Manager) agree(ctx context.Context, f Fields, hist historyRead) (bool, error) {
	c := m.Comm
	status := 0
	if hist.found {
		status |= foundHistory
	}
	if f.Displacement != nil {
		status |= foundSolution
	}
	if f.Velocity != nil {
		status |= foundVelocity
	}

	t := math.NaN()
	if hist.points > 0 {
		t = hist.time
	}
	rootTime, err := c.BcastFloats(ctx, []float64{t})
	if err != nil {
		return false, fmt.Errorf("restore time: %w", err)
	}
	if hist.points > 0 {
		if !math.IsNaN(rootTime[0]) && hist.time != rootTime[0] {
			status |= timeSkew
		}
		if f.Manifest != nil && hist.time != f.Manifest.Time {
			status |= timeSkew
		}
	}

	all, err := c.AllGatherInt(ctx, status)
	if err != nil {
		return false, fmt.Errorf("restore status: %w", err)
	}
	want := all[comm.Root] &^ timeSkew
	for r, s := range all {
		if s&timeSkew != 0 {
			return false, fmt.Errorf("rank %d history time differs from rank %d or the manifest: %w",
				r, comm.Root, ErrCheckpointMismatch)
		}
		if s != want {
			return false, fmt.Errorf("rank %d found %s, rank %d found %s: %w",
				r, describeFound(s), comm.Root, describeFound(want), ErrCheckpointMismatch)
		}
	}
	switch want {
	case 0:
		return false, nil
	case foundAll:
		return true, nil
	}
	return false, fmt.Errorf("incomplete checkpoint in %s, found %s: %w", m.Dir, describeFound(want), ErrCheckpointMismatch)
}

// readField returns nil, nil when the file does not exist
func (m *Manager) readField(name string) ([]float64, error) {
	path := filepath.Join(m.Dir, name)
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()
	want := m.NumDofs
	if want <= 0 {
		if want, err = storedLen(file); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	v, err := ReadField(bufio.NewReader(file), want)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// storedLen is the value count implied by the size of a field file
func storedLen(file *os.File) (int, error) {
	st, err := file.Stat()
	if err != nil {
		return 0, err
	}
	if st.Size() < 8 || (st.Size()-8)%8 != 0 {
		return 0, fmt.Errorf("%d bytes: %w", st.Size(), ErrMalformed)
	}
	return int((st.Size() - 8) / 8), nil
}

type historyRead struct {
	found  bool
	points int
	time   float64 // shared by every record
}

func (m *Manager) restoreHistory(store *history.Store) (historyRead, error) {
	var h historyRead
	path := filepath.Join(m.Dir, HistoryFile(m.Comm.Rank()))
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return h, err
	}
	defer file.Close()
	h.found = true

	table := store.Materials()
	err = ScanHistory(file, func(r Record) error {
		if h.points == 0 {
			h.time = r.Time
		} else if r.Time != h.time {
			return fmt.Errorf("time %v after records at %v: %w", r.Time, h.time, ErrCheckpointMismatch)
		}
		i, ok := store.Index(r.Cell, r.Q)
		if !ok {
			return fmt.Errorf("cell %d q %d not owned by rank %d: %w", r.Cell, r.Q, m.Comm.Rank(), ErrCheckpointMismatch)
		}
		p := store.Point(i)
		if have := table[p.MaterialID].Name; have != r.Material {
			return fmt.Errorf("cell %d q %d: material %q in checkpoint, %q in run: %w",
				r.Cell, r.Q, r.Material, have, ErrCheckpointMismatch)
		}
		store.Restore(i, r.UpdateStrain, r.Stress)
		h.points++
		return nil
	})
	if err != nil {
		return h, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// writeAtomic writes through a temporary file in the same directory and
// renames it over path
func writeAtomic(path string, write func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// WriteField writes a little-endian uint64 length followed by the values
func WriteField(w io.Writer, v []float64) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(v))); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, v)
}

// ReadField reads a field written by WriteField. The stored length must be
// want, checked before the values are allocated; a negative want accepts any
// length up to 2^32.
func ReadField(r io.Reader, want int) ([]float64, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("field length: %w: %w", ErrMalformed, err)
	}
	if n > 1<<32 && want < 0 {
		return nil, fmt.Errorf("field length %d: %w", n, ErrMalformed)
	}
	if want >= 0 && n != uint64(want) {
		return nil, fmt.Errorf("field holds %d values, want %d: %w", n, want, ErrCheckpointMismatch)
	}
	v := make([]float64, n)
	if err := binary.Read(r, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("field values: %w: %w", ErrMalformed, err)
	}
	return v, nil
}

// Record is one line of a history file
type Record struct {
	Time         float64
	Cell, Q      int
	Material     string
	UpdateStrain tensor.Sym2
	Stress       tensor.Sym2
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', 17, 64) }

func writeHistory(w io.Writer, t float64, store *history.Store) error {
	table := store.Materials()
	var err error
	fields := make([]string, 0, historyFields)
	store.Each(func(_ int, p *history.QuadraturePoint) {
		if err != nil {
			return
		}
		fields = append(fields[:0],
			formatFloat(t), strconv.Itoa(p.Cell), strconv.Itoa(p.Q), table[p.MaterialID].Name)
		for _, v := range p.UpdateStrain.Upper() {
			fields = append(fields, formatFloat(v))
		}
		for _, v := range p.NewStress.Upper() {
			fields = append(fields, formatFloat(v))
		}
		_, err = io.WriteString(w, strings.Join(fields, ",")+"\n")
	})
	return err
}

// ScanHistory parses a history file and calls fn for every record
func ScanHistory(r io.Reader, fn func(Record) error) error {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		rec, err := parseRecord(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return sc.Err()
}

func parseRecord(text string) (rec Record, err error) {
	f := strings.Split(text, ",")
	if len(f) != historyFields {
		return rec, fmt.Errorf("%d fields, want %d: %w", len(f), historyFields, ErrMalformed)
	}
	if rec.Time, err = strconv.ParseFloat(f[0], 64); err != nil {
		return rec, fmt.Errorf("time: %w: %w", ErrMalformed, err)
	}
	if rec.Cell, err = strconv.Atoi(f[1]); err != nil {
		return rec, fmt.Errorf("cell: %w: %w", ErrMalformed, err)
	}
	if rec.Q, err = strconv.Atoi(f[2]); err != nil {
		return rec, fmt.Errorf("quadrature point: %w: %w", ErrMalformed, err)
	}
	rec.Material = f[3]

	var vals [2 * tensor.NComp]float64
	for k := range vals {
		if vals[k], err = strconv.ParseFloat(f[4+k], 64); err != nil {
			return rec, fmt.Errorf("column %d: %w: %w", 4+k, ErrMalformed, err)
		}
	}
	rec.UpdateStrain = tensor.FromUpper([tensor.NComp]float64(vals[:tensor.NComp]))
	rec.Stress = tensor.FromUpper([tensor.NComp]float64(vals[tensor.NComp:]))
	return rec, nil
}

// ReadManifest reads the manifest of the checkpoint in dir
func ReadManifest(dir string) (*Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var man Manifest
	if err := yaml.Unmarshal(b, &man); err != nil {
		return nil, fmt.Errorf("%s: %w", ManifestFile, err)
	}
	return &man, nil
}
