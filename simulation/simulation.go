// Package simulation wires a configured run together: the problem variant
// and its grid, the cell partition, the material microstructure, the
// quadrature point history, the assembler and solver, the scale bridge,
// checkpoints and output logs, all driven by the timestep controller.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/notargets/scalebridge/bridge"
	"github.com/notargets/scalebridge/checkpoint"
	"github.com/notargets/scalebridge/comm"
	"github.com/notargets/scalebridge/config"
	"github.com/notargets/scalebridge/controller"
	"github.com/notargets/scalebridge/fem"
	"github.com/notargets/scalebridge/finescale"
	"github.com/notargets/scalebridge/history"
	"github.com/notargets/scalebridge/kernels"
	"github.com/notargets/scalebridge/material"
	"github.com/notargets/scalebridge/output"
	"github.com/notargets/scalebridge/partitions"
	"github.com/notargets/scalebridge/problem"
)

// ErrTooFewCells is returned when the mesh has fewer active cells than
// the run has ranks
var ErrTooFewCells = partitions.ErrTooFewCells

// Simulation is one rank's share of a run
type Simulation struct {
	Config *config.Config
	Comm   *comm.Comm
	RunID  string
	Logger *slog.Logger

	Boundary    problem.Boundary
	Mesh        *fem.Mesh
	Layout      *partitions.PartitionLayout
	Table       material.Table
	Store       *history.Store
	Assembler   *fem.Assembler
	Fine        bridge.FineScale // Coordinator only
	Checkpoints *checkpoint.Manager
	Output      *output.Writer
	Controller  *controller.Controller
	Restored    checkpoint.Fields

	estimator *kernels.OCCAEstimator
}

// Setup builds every component of this rank and restores the last
// checkpoint when one is present. It is collective.
func Setup(ctx context.Context, cfg *config.Config, c *comm.Comm, logger *slog.Logger) (_ *Simulation, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c.Size() != cfg.Ranks {
		return nil, fmt.Errorf("world of %d ranks, %d configured", c.Size(), cfg.Ranks)
	}
	s := &Simulation{Config: cfg, Comm: c, Logger: logger}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	// grid and partition are local so every rank fails alike on a bad mesh
	if err := s.setupMesh(); err != nil {
		return nil, err
	}
	if err := s.setupPartition(); err != nil {
		return nil, err
	}
	if s.RunID, err = shareRunID(ctx, c); err != nil {
		return nil, err
	}
	if err := s.setupMaterials(ctx); err != nil {
		return nil, err
	}

	s.Assembler = fem.NewAssembler(s.Mesh, c, cfg.Time.Dt)
	s.Assembler.BodyForce = cfg.Problem.BodyForce
	solver, err := fem.NewSolver(cfg.Solver.Name, cfg.Solver.Tolerance, cfg.Solver.MaxIterations)
	if err != nil {
		return nil, err
	}
	if c.IsRoot() {
		if s.Fine, err = newFineScale(cfg.FineScale, s.Table); err != nil {
			return nil, err
		}
	}

	s.Controller, err = controller.New(controller.Config{
		Dt:        cfg.Time.Dt,
		StartStep: cfg.Time.Start,
		RunID:     s.RunID,
		Newton:    controller.NewtonPolicy{Tolerance: cfg.Newton.Tolerance, MaxSteps: cfg.Newton.MaxSteps},
	}, s.Store, controller.Collaborators{
		Boundary:  s.Boundary,
		Assembler: s.Assembler,
		Solver:    solver,
		Strain:    s.Assembler,
		Bridge:    bridge.New(c, s.Fine, logger),
	}, s.Mesh.NumDofs(), logger)
	if err != nil {
		return nil, err
	}

	s.Checkpoints = checkpoint.New(cfg.Directories.Restart, c, s.RunID, s.Mesh.NumDofs(), logger)
	if err := s.restore(ctx); err != nil {
		return nil, err
	}
	if err := s.setupOutput(); err != nil {
		return nil, err
	}
	return s, nil
}

// shareRunID draws the run id on the coordinator and hands it to every rank
func shareRunID(ctx context.Context, c *comm.Comm) (string, error) {
	var id []byte
	if c.IsRoot() {
		id = []byte(uuid.NewString())
	}
	id, err := c.Bcast(ctx, id)
	if err != nil {
		return "", fmt.Errorf("run id broadcast: %w", err)
	}
	return string(id), nil
}

func (s *Simulation) setupMesh() (err error) {
	cfg := s.Config
	if s.Boundary, err = problem.New(cfg.Problem.Class, cfg.ProblemParams()); err != nil {
		return err
	}
	if s.Mesh, err = s.Boundary.MakeGrid(); err != nil {
		return fmt.Errorf("%s grid: %w", cfg.Problem.Class, err)
	}
	s.Boundary.DefineBoundaryConditions(s.Mesh)
	if s.Comm.IsRoot() {
		s.Logger.Info("mesh ready", "problem", cfg.Problem.Class, "cells", s.Mesh.NumCells(),
			"nodes", s.Mesh.NumNodes(), "dofs", s.Mesh.NumDofs())
	}
	return nil
}

func (s *Simulation) setupPartition() error {
	strategy, err := partitions.ParseStrategy(s.Config.Partition)
	if err != nil {
		return err
	}
	pb := &partitions.PartitionBuilder{
		NumCells:      s.Mesh.NumCells(),
		NumPartitions: s.Comm.Size(),
		Strategy:      strategy,
	}
	if s.Layout, err = pb.BuildPartitions(); err != nil {
		return err
	}
	if s.Comm.IsRoot() {
		stats := s.Layout.PartitionStatistics()
		s.Logger.Info("cells partitioned", "strategy", strategy, "ranks", s.Comm.Size(),
			"min", stats.MinCells, "max", stats.MaxCells)
	}
	return nil
}

// setupMaterials loads the tables, distributes the microstructure and
// allocates the history of the owned cells
func (s *Simulation) setupMaterials(ctx context.Context) (err error) {
	cfg, c := s.Config, s.Comm
	if s.Table, err = material.Load(cfg.Directories.StateIn, cfg.Materials.Names); err != nil {
		return err
	}
	if c.IsRoot() {
		if err := s.Table.Echo(cfg.Directories.StateOut); err != nil {
			return fmt.Errorf("material echo: %w", err)
		}
	}
	ids, err := cfg.Materials.Distribution().Distribute(ctx, c, s.Mesh.NumCells())
	if err != nil {
		return err
	}

	owned := s.Layout.Partitions[c.Rank()].Cells
	specs := make([]history.CellSpec, len(owned))
	for i, cell := range owned {
		specs[i] = history.CellSpec{Cell: cell, MaterialID: ids[cell]}
	}
	s.Store = history.New()
	if cfg.Estimator.Kind == "occa" {
		device, err := kernels.NewDevice(cfg.Estimator.Device, s.Logger)
		if err != nil {
			return err
		}
		s.estimator = kernels.NewOCCAEstimator(device)
		s.Store.SetEstimator(s.estimator)
	}
	if err := s.Store.Initialize(specs, fem.NQ, s.Table); err != nil {
		return err
	}

	if err := material.WriteCellList(cfg.Directories.StateOut, c.Rank(), owned, ids, s.Table); err != nil {
		return fmt.Errorf("cell list: %w", err)
	}
	if err := c.Barrier(ctx); err != nil {
		return err
	}
	if c.IsRoot() {
		if err := material.MergeCellLists(cfg.Directories.StateOut, c.Size()); err != nil {
			return fmt.Errorf("cell list: %w", err)
		}
	}
	s.Logger.Debug("history allocated", "cells", len(owned), "points", s.Store.Len())
	return nil
}

func newFineScale(cfg config.FineScale, table material.Table) (bridge.FineScale, error) {
	switch cfg.Kind {
	case "", "elastic":
		return finescale.NewElastic(table), nil
	case "http":
		return finescale.NewClient(cfg.URL, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("unknown fine scale %q", cfg.Kind)
}

// restore loads the checkpoint into the store and the controller and hands
// the restored stresses to an in-process fine scale. Restore answers the
// same on every rank, so either all ranks take the collective below or none.
func (s *Simulation) restore(ctx context.Context) (err error) {
	if s.Restored, err = s.Checkpoints.Restore(ctx, s.Store, s.Assembler.StrainAt); err != nil {
		return err
	}
	f := s.Restored
	if !f.Restored() {
		s.Logger.Info("no checkpoint, starting from rest", "dir", s.Config.Directories.Restart)
		return nil
	}
	if err := s.Controller.SetFields(f.Displacement, f.Velocity); err != nil {
		return fmt.Errorf("checkpoint fields: %w", err)
	}

	// the elastic fine scale lives on the coordinator and accumulates onto
	// the stress it last returned, so it needs every rank's restored points
	local := make([]history.UpdateResult, 0, s.Store.Len())
	s.Store.Each(func(_ int, p *history.QuadraturePoint) {
		local = append(local, history.UpdateResult{ID: p.ID, Stress: p.NewStress})
	})
	all, _, err := comm.Gatherv(ctx, s.Comm, local, bridge.ResultCodec)
	if err != nil {
		return fmt.Errorf("restored stresses: %w", err)
	}
	if e, ok := s.Fine.(*finescale.Elastic); ok {
		for _, r := range all {
			e.Seed(r.ID, r.Stress)
		}
	}
	attrs := []any{"points", f.Points}
	if f.Manifest != nil {
		attrs = append(attrs, "from_run", f.Manifest.RunID, "from_step", f.Manifest.Step)
	}
	s.Logger.Info("restored checkpoint", attrs...)
	return nil
}

func (s *Simulation) setupOutput() error {
	cfg, c := s.Config, s.Comm
	for _, dir := range []string{cfg.Directories.Log, cfg.Directories.Restart} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	resume := s.Restored.Restored()
	s.Output = &output.Writer{
		Dir:         cfg.Directories.Log,
		Comm:        c,
		StartStep:   cfg.Time.Start,
		Resume:      resume,
		ForceFreq:   cfg.Frequencies.LoadedForce,
		HistoryFreq: cfg.Frequencies.History,
		Forces:      s.Assembler,
		Loaded:      s.Boundary.IsVertexLoaded,
		Logger:      s.Logger,
	}
	if c.IsRoot() {
		series, err := output.OpenSeries(cfg.Directories.Log, resume)
		if err != nil {
			return err
		}
		s.Output.Series = series
	}
	s.Controller.Hooks = append(s.Controller.Hooks, s.Output, controller.HookFunc(s.checkpointDue))
	return nil
}

func (s *Simulation) checkpointDue(ctx context.Context, snap controller.Snapshot) error {
	freq := s.Config.Frequencies.Checkpoint
	if freq <= 0 || snap.Step%freq != 0 {
		return nil
	}
	return s.Checkpoints.Save(ctx, snap.Step, snap.Time, snap.Store, snap.Displacement, snap.Velocity)
}

// Run advances the configured steps. A failing step aborts the world so
// peers blocked in a collective return too.
func (s *Simulation) Run(ctx context.Context) error {
	cfg := s.Config
	if s.Comm.IsRoot() {
		s.Logger.Info("run started", "run", s.RunID, "from", cfg.Time.Start, "to", cfg.Time.End, "dt", cfg.Time.Dt)
	}
	for step := cfg.Time.Start; step <= cfg.Time.End; step++ {
		t := float64(step) * cfg.Time.Dt
		if err := s.Controller.RunStep(ctx, step, t); err != nil {
			err = fmt.Errorf("step %d: %w", step, err)
			if !errors.Is(err, comm.ErrAborted) {
				s.Comm.Abort(err)
			}
			return err
		}
		if s.Comm.IsRoot() {
			st := s.Controller.Stats()
			s.Logger.Info("step closed", "step", step, "time", t,
				"residual", s.Controller.Residual(), "requests", st.GlobalRequests)
		}
	}
	if s.Comm.IsRoot() {
		s.Logger.Info("run finished", "run", s.RunID, "steps", cfg.Time.End-cfg.Time.Start+1)
	}
	return nil
}

// Close releases the device estimator, if any
func (s *Simulation) Close() {
	if s.estimator != nil {
		s.estimator.Free()
		s.estimator.Device.Free()
		s.estimator = nil
	}
}
