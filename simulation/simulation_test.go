package simulation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/notargets/scalebridge/checkpoint"
	"github.com/notargets/scalebridge/comm"
	"github.com/notargets/scalebridge/config"
	"github.com/notargets/scalebridge/material"
	"github.com/notargets/scalebridge/output"
	"github.com/notargets/scalebridge/tensor"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeMaterials(t *testing.T, dir string) {
	t.Helper()
	for name, c := range map[string]tensor.Sym4{
		"soft":  tensor.Isotropic(1, 0.5),
		"stiff": tensor.Isotropic(4, 2),
	} {
		f, err := os.Create(material.StiffnessPath(dir, "init", name))
		require.NoError(t, err)
		require.NoError(t, material.WriteStiffness(f, c))
		require.NoError(t, f.Close())
		require.NoError(t, os.WriteFile(material.DensityPath(dir, "init", name), []byte("2\n"), 0o644))
	}
}

// barConfig is a four cell pulled bar on two ranks
func barConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Problem.Class = "dogbone"
	cfg.Problem.AccelerateSteps = 2
	cfg.Problem.Velocity = 0.01
	cfg.Mesh.Size = [3]float64{4, 1, 1}
	cfg.Mesh.Cells = [3]int{4, 1, 1}
	cfg.Time = config.Time{Start: 1, End: 4, Dt: 0.01}
	cfg.Materials.Names = []string{"soft", "stiff"}
	cfg.Materials.Proportions = []float64{0.5, 0.5}
	cfg.Directories = config.Directories{
		StateIn:  filepath.Join(root, "in"),
		StateOut: filepath.Join(root, "out"),
		Restart:  filepath.Join(root, "restart"),
		Log:      filepath.Join(root, "log"),
	}
	cfg.Frequencies = config.Frequencies{Checkpoint: 2, LoadedForce: 1, History: 2}
	cfg.Solver.Tolerance = 1e-12
	cfg.Ranks = 2
	require.NoError(t, os.MkdirAll(cfg.Directories.StateIn, 0o755))
	writeMaterials(t, cfg.Directories.StateIn)
	return cfg
}

// run executes cfg on a local world and returns the root's final fields
func run(t *testing.T, cfg *config.Config) (disp, vel []float64, restored checkpoint.Fields) {
	t.Helper()
	err := comm.RunLocal(context.Background(), cfg.Ranks, func(ctx context.Context, c *comm.Comm) error {
		sim, err := Setup(ctx, cfg, c, quiet)
		if err != nil {
			return err
		}
		defer sim.Close()
		if err := sim.Run(ctx); err != nil {
			return err
		}
		if c.IsRoot() {
			disp = append([]float64(nil), sim.Controller.Displacement...)
			vel = append([]float64(nil), sim.Controller.Velocity...)
			restored = sim.Restored
		}
		return nil
	})
	require.NoError(t, err)
	return disp, vel, restored
}

func lines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

func TestRunWritesOutputs(t *testing.T) {
	cfg := barConfig(t, t.TempDir())
	disp, vel, restored := run(t, cfg)
	assert.False(t, restored.Restored())
	assert.Positive(t, floats.Norm(disp, 2))
	assert.Positive(t, floats.Norm(vel, 2))

	force := lines(t, filepath.Join(cfg.Directories.Log, output.ForceFile))
	require.Len(t, force, 1+4)
	assert.Equal(t, "timestep,time,resulting_force", force[0])
	assert.True(t, strings.HasPrefix(force[4], "4,0.04,"))

	for r := 0; r < cfg.Ranks; r++ {
		hist := lines(t, filepath.Join(cfg.Directories.Log, output.HistoryFile(r)))
		// header then two dumps of two cells of eight points
		assert.Len(t, hist, 1+2*2*8, "rank %d", r)
	}

	cells := lines(t, material.CellListPath(cfg.Directories.StateOut))
	assert.Len(t, cells, 4)

	m, err := checkpoint.ReadManifest(cfg.Directories.Restart)
	require.NoError(t, err)
	assert.Equal(t, 4, m.Step)
	assert.Equal(t, 2, m.Ranks)

	series, err := output.OpenSeries(cfg.Directories.Log, true)
	require.NoError(t, err)
	assert.Len(t, series.Entries(), 4)
}

func TestRestartMatchesStraightRun(t *testing.T) {
	straight := barConfig(t, t.TempDir())
	wantDisp, wantVel, _ := run(t, straight)

	split := barConfig(t, t.TempDir())
	split.Time.End = 2
	run(t, split)

	split.Time.Start, split.Time.End = 3, 4
	disp, vel, restored := run(t, split)
	require.True(t, restored.Restored())
	require.NotNil(t, restored.Manifest)
	assert.Equal(t, 2, restored.Manifest.Step)

	assert.InDeltaSlice(t, wantDisp, disp, 1e-12)
	assert.InDeltaSlice(t, wantVel, vel, 1e-12)

	// the resumed run continues the logs of the first one
	force := lines(t, filepath.Join(split.Directories.Log, output.ForceFile))
	assert.Len(t, force, 1+4)
}

func TestSetupRejects(t *testing.T) {
	cfg := barConfig(t, t.TempDir())
	cfg.Ranks = 5
	err := comm.RunLocal(context.Background(), 5, func(ctx context.Context, c *comm.Comm) error {
		_, err := Setup(ctx, cfg, c, quiet)
		return err
	})
	assert.True(t, errors.Is(err, ErrTooFewCells), "got %v", err)

	cfg = barConfig(t, t.TempDir())
	err = comm.RunLocal(context.Background(), 1, func(ctx context.Context, c *comm.Comm) error {
		_, err := Setup(ctx, cfg, c, quiet)
		return err
	})
	assert.ErrorContains(t, err, "1 ranks, 2 configured")

	cfg = barConfig(t, t.TempDir())
	cfg.Ranks = 1
	cfg.Materials.Names = []string{"soft", "granite"}
	err = Launch(context.Background(), cfg, 0, quiet)
	assert.ErrorIs(t, err, material.ErrMissingTable)
}

func TestLaunchLocal(t *testing.T) {
	cfg := barConfig(t, t.TempDir())
	cfg.Time.End = 2
	require.NoError(t, Launch(context.Background(), cfg, 0, quiet))
	_, err := os.Stat(filepath.Join(cfg.Directories.Restart, checkpoint.ManifestFile))
	assert.NoError(t, err)
}
