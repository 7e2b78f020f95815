// Package output writes the per-step logs of a run: the resulting force on
// the loaded boundary, the per-rank quadrature point history and the index
// of every file written.
package output

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/notargets/scalebridge/comm"
	"github.com/notargets/scalebridge/controller"
	"github.com/notargets/scalebridge/history"
)

const ForceFile = "loadedbc_force.csv"

// HistoryFile is the per-rank history log name
func HistoryFile(rank int) string {
	return fmt.Sprintf("pr_%d.lhistory.csv", rank)
}

// ForceSource computes the internal force vector summed over all ranks
type ForceSource interface {
	InternalForces(ctx context.Context, store *history.Store) ([]float64, error)
}

// Writer is a step hook writing the logs on their cadences. A frequency of
// zero disables the log.
type Writer struct {
	Dir         string
	Comm        *comm.Comm
	StartStep   int  // First step of this run
	Resume      bool // Append to existing logs instead of starting them over
	ForceFreq   int
	HistoryFreq int

	Forces ForceSource
	Loaded func(dof int) bool
	Series *Series
	Logger *slog.Logger
}

var _ controller.Hook = (*Writer)(nil)

func due(step, freq int) bool { return freq > 0 && step%freq == 0 }

func (w *Writer) StepClosed(ctx context.Context, snap controller.Snapshot) error {
	var written []string
	if due(snap.Step, w.ForceFreq) && w.Forces != nil && w.Loaded != nil {
		// collective, every rank takes part
		f, err := w.Forces.InternalForces(ctx, snap.Store)
		if err != nil {
			return fmt.Errorf("loaded boundary force: %w", err)
		}
		if w.Comm.IsRoot() {
			if err := w.writeForce(snap, f); err != nil {
				return err
			}
			written = append(written, ForceFile)
		}
	}
	if due(snap.Step, w.HistoryFreq) {
		name := HistoryFile(w.Comm.Rank())
		if err := appendTo(filepath.Join(w.Dir, name), func(bw io.Writer, empty bool) error {
			return WriteHistory(bw, snap, empty)
		}); err != nil {
			return fmt.Errorf("local history: %w", err)
		}
		if w.Comm.IsRoot() {
			for r := 0; r < w.Comm.Size(); r++ {
				written = append(written, HistoryFile(r))
			}
		}
	}
	if w.Series != nil && len(written) > 0 {
		if err := w.Series.Append(Entry{Step: snap.Step, Time: snap.Time, Files: written}); err != nil {
			return fmt.Errorf("output series: %w", err)
		}
	}
	return nil
}

// LoadedForce sums the force over the loaded dofs
func LoadedForce(f []float64, loaded func(dof int) bool) float64 {
	sum := 0.
	for d, v := range f {
		if loaded(d) {
			sum += v
		}
	}
	return sum
}

func (w *Writer) writeForce(snap controller.Snapshot, f []float64) error {
	path := filepath.Join(w.Dir, ForceFile)
	if snap.Step == w.StartStep && !w.Resume {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return err
		}
	}
	force := LoadedForce(f, w.Loaded)
	if w.Logger != nil {
		w.Logger.Debug("loaded boundary force", "step", snap.Step, "force", force)
	}
	return appendTo(path, func(bw io.Writer, empty bool) error {
		if empty {
			if _, err := io.WriteString(bw, "timestep,time,resulting_force\n"); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintf(bw, "%d,%s,%s\n", snap.Step, fmtFloat(snap.Time), fmtFloat(force))
		return err
	})
}

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'g', 16, 64) }

// appendTo opens path for appending and reports whether it was empty
func appendTo(path string, write func(w io.Writer, empty bool) error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	bw := bufio.NewWriter(f)
	if err := write(bw, info.Size() == 0); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// HistoryHeader is the column header of the local history log
func HistoryHeader() string {
	cols := []string{"timestep", "time", "qpid", "cell", "qpoint", "material"}
	for _, prefix := range []string{"strain", "updstrain", "stress"} {
		for k := 0; k < 3; k++ {
			for l := k; l < 3; l++ {
				cols = append(cols, fmt.Sprintf("%s_%d%d", prefix, k, l))
			}
		}
	}
	return strings.Join(cols, ",")
}

// WriteHistory writes one line per point of the snapshot's store
func WriteHistory(w io.Writer, snap controller.Snapshot, header bool) error {
	bw := bufio.NewWriter(w)
	if header {
		bw.WriteString(HistoryHeader())
		bw.WriteByte('\n')
	}
	table := snap.Store.Materials()
	snap.Store.Each(func(_ int, p *history.QuadraturePoint) {
		fmt.Fprintf(bw, "%d,%s,%d,%d,%d,%s", snap.Step, fmtFloat(snap.Time), p.ID, p.Cell, p.Q, table[p.MaterialID].Name)
		for _, s := range [...][6]float64{p.NewStrain.Upper(), p.UpdateStrain.Upper(), p.NewStress.Upper()} {
			for _, v := range s {
				bw.WriteByte(',')
				bw.WriteString(fmtFloat(v))
			}
		}
		bw.WriteByte('\n')
	})
	return bw.Flush()
}
