// Package controller drives one timestep of the coupled simulation:
// boundary conditions, assembly, solve, integration, strain propagation,
// the fine-scale exchange and the convergence check.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/notargets/scalebridge/bridge"
	"github.com/notargets/scalebridge/fem"
	"github.com/notargets/scalebridge/history"
	"github.com/notargets/scalebridge/metrics"
	"github.com/notargets/scalebridge/tensor"
)

// Constraints is the part of a problem variant the controller consumes
type Constraints interface {
	SetBoundaryConditions(step int, dt float64) map[int]float64
	BoundaryConditionsToZero(step int) map[int]float64
}

type Assembler interface {
	Assemble(ctx context.Context, store *history.Store, firstOfRun bool) (*fem.System, error)
}

type LinearSolver interface {
	Solve(ctx context.Context, sys *fem.System) (*mat.VecDense, fem.SolveStats, error)
}

type StrainEvaluator interface {
	StrainAt(cell, q int, field []float64) (tensor.Sym2, error)
}

// Exchanger is the blocking strain/stress exchange with the fine scale
type Exchanger interface {
	Exchange(ctx context.Context, store *history.Store, info bridge.StepInfo) (bridge.Stats, error)
}

// Snapshot is the state handed to step hooks once a step is closed
type Snapshot struct {
	Step         int
	Time         float64
	Store        *history.Store
	Displacement []float64
	Velocity     []float64
}

// Hook runs after every closed step; it applies its own cadence
type Hook interface {
	StepClosed(ctx context.Context, snap Snapshot) error
}

// HookFunc adapts a function to a Hook
type HookFunc func(ctx context.Context, snap Snapshot) error

func (f HookFunc) StepClosed(ctx context.Context, snap Snapshot) error { return f(ctx, snap) }

// NewtonPolicy decides whether another Newton pass runs. The zero value
// runs a single pass per step.
type NewtonPolicy struct {
	Tolerance float64 // Residual bound, 0 disables iteration
	MaxSteps  int     // Upper bound on passes per step
}

func (p NewtonPolicy) Continue(residual float64, newton int) bool {
	return p.Tolerance > 0 && residual > p.Tolerance && newton+1 < p.MaxSteps
}

type Config struct {
	Dt        float64
	StartStep int // First step of this run, the lumped mass is built on it
	RunID     string
	Newton    NewtonPolicy
}

// Collaborators are the components a controller is wired to
type Collaborators struct {
	Boundary  Constraints
	Assembler Assembler
	Solver    LinearSolver
	Strain    StrainEvaluator
	Bridge    Exchanger
}

func (co Collaborators) validate() error {
	switch {
	case co.Boundary == nil:
		return errors.New("missing boundary collaborator")
	case co.Assembler == nil:
		return errors.New("missing assembler")
	case co.Solver == nil:
		return errors.New("missing linear solver")
	case co.Strain == nil:
		return errors.New("missing strain evaluator")
	case co.Bridge == nil:
		return errors.New("missing exchanger")
	}
	return nil
}

// Controller owns the global velocity and displacement vectors and the
// history store of one rank
type Controller struct {
	Config
	Collaborators
	Store  *history.Store
	Hooks  []Hook
	Logger *slog.Logger

	Displacement []float64 // Totals at the last closed step
	Velocity     []float64

	IncrementDisplacement []float64 // Accumulated over the Newton passes of a step
	IncrementVelocity     []float64
	NewtonDisplacement    []float64 // Of the current pass
	NewtonVelocity        []float64

	state     State
	step      int
	time      float64
	newton    int
	started   time.Time
	system    *fem.System
	residual  float64
	lastStats bridge.Stats
}

func New(cfg Config, store *history.Store, co Collaborators, numDofs int, logger *slog.Logger) (*Controller, error) {
	if cfg.Dt <= 0 {
		return nil, fmt.Errorf("invalid timestep length %g", cfg.Dt)
	}
	if err := co.validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("missing history store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		Config:                cfg,
		Collaborators:         co,
		Store:                 store,
		Logger:                logger,
		Displacement:          make([]float64, numDofs),
		Velocity:              make([]float64, numDofs),
		IncrementDisplacement: make([]float64, numDofs),
		IncrementVelocity:     make([]float64, numDofs),
		NewtonDisplacement:    make([]float64, numDofs),
		NewtonVelocity:        make([]float64, numDofs),
	}, nil
}

func (c *Controller) State() State        { return c.state }
func (c *Controller) Step() int           { return c.step }
func (c *Controller) Time() float64       { return c.time }
func (c *Controller) NewtonPass() int     { return c.newton }
func (c *Controller) Residual() float64   { return c.residual }
func (c *Controller) Stats() bridge.Stats { return c.lastStats }

// SetFields replaces the total displacement and velocity, used on restart
func (c *Controller) SetFields(displacement, velocity []float64) error {
	if c.state != Idle {
		return fmt.Errorf("set fields in state %s: %w", c.state, ErrInvalidTransition)
	}
	if len(displacement) != len(c.Displacement) || len(velocity) != len(c.Velocity) {
		return fmt.Errorf("field sizes %d/%d, want %d", len(displacement), len(velocity), len(c.Displacement))
	}
	copy(c.Displacement, displacement)
	copy(c.Velocity, velocity)
	return nil
}

// BeginStep zeroes the step increments and writes the prescribed velocity
// increments of the step into them
func (c *Controller) BeginStep(ctx context.Context, step int, t float64) error {
	if err := c.expect("begin step", Idle); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.step, c.time, c.newton = step, t, 0
	c.started = time.Now()
	clear(c.IncrementVelocity)
	clear(c.IncrementDisplacement)
	for d, v := range c.Boundary.SetBoundaryConditions(step, c.Dt) {
		c.IncrementVelocity[d] = v
	}
	c.state = BoundarySet
	c.Logger.Info("begin step", "step", step, "time", t)
	return nil
}

// BeginIteration starts Newton pass newton of the current step
func (c *Controller) BeginIteration(newton int) error {
	switch c.state {
	case BoundarySet:
		if newton != 0 {
			return fmt.Errorf("first newton pass numbered %d: %w", newton, ErrInvalidTransition)
		}
	case NotConverged:
		if newton != c.newton+1 {
			return fmt.Errorf("newton pass %d after %d: %w", newton, c.newton, ErrInvalidTransition)
		}
	default:
		return c.expect("begin iteration", BoundarySet, NotConverged)
	}
	c.newton = newton
	c.Store.BeginIteration(newton)
	return nil
}

// assemble builds the constrained system and records its residual
func (c *Controller) assemble(ctx context.Context, firstOfRun bool, phase string) error {
	sys, err := c.Assembler.Assemble(ctx, c.Store, firstOfRun)
	if err != nil {
		return fmt.Errorf("assemble step %d: %w", c.step, err)
	}
	sys.ApplyBoundaryValues(c.Boundary.BoundaryConditionsToZero(c.step))
	c.system = sys
	c.residual = sys.Residual()
	metrics.Residual.WithLabelValues(phase).Set(c.residual)
	c.Logger.Info("assembled", "phase", phase, "step", c.step, "newton", c.newton, "residual", c.residual)
	return nil
}

// Assemble builds the system with the current stresses. The mass operator
// is rebuilt on the first step of the run.
func (c *Controller) Assemble(ctx context.Context) error {
	if err := c.expect("assemble", BoundarySet, NotConverged); err != nil {
		return err
	}
	if err := c.assemble(ctx, c.step == c.StartStep, "initial"); err != nil {
		return err
	}
	c.state = Assembled
	return nil
}

// SolveIncrement solves for the Newton velocity increment. A solve that
// stops above tolerance is logged and its iterate is used.
func (c *Controller) SolveIncrement(ctx context.Context) error {
	if err := c.expect("solve", Assembled); err != nil {
		return err
	}
	x, stats, err := c.Solver.Solve(ctx, c.system)
	metrics.SolverIterations.Observe(float64(stats.Iterations))
	switch {
	case errors.Is(err, fem.ErrNotConverged):
		metrics.SolverNotConverged.Inc()
		c.Logger.Warn("linear solve did not converge", "step", c.step, "newton", c.newton,
			"iterations", stats.Iterations, "residual", stats.Residual)
	case err != nil:
		return fmt.Errorf("solve step %d: %w", c.step, err)
	}
	if x == nil || x.Len() != len(c.NewtonVelocity) {
		return fmt.Errorf("solve step %d: solution size mismatch", c.step)
	}
	for d := range c.NewtonVelocity {
		c.NewtonVelocity[d] = x.AtVec(d)
	}
	c.Logger.Debug("solved", "iterations", stats.Iterations, "update_norm", mat.Norm(x, 2))
	c.state = Solved
	return nil
}

// Integrate turns the velocity update into a displacement update:
// Δd = dt(v + Δv_acc + Δv) − Δd_acc, then accumulates both
func (c *Controller) Integrate() error {
	if err := c.expect("integrate", Solved); err != nil {
		return err
	}
	for d := range c.NewtonDisplacement {
		c.NewtonDisplacement[d] = c.Dt*(c.Velocity[d]+c.IncrementVelocity[d]+c.NewtonVelocity[d]) -
			c.IncrementDisplacement[d]
		c.IncrementVelocity[d] += c.NewtonVelocity[d]
		c.IncrementDisplacement[d] += c.NewtonDisplacement[d]
	}
	c.state = Integrated
	return nil
}

// PropagateStrain rolls the old history and applies the strain of the
// displacement update at every owned point
func (c *Controller) PropagateStrain() error {
	if err := c.expect("propagate strain", Integrated); err != nil {
		return err
	}
	c.Store.SnapshotOld()
	for i := 0; i < c.Store.Len(); i++ {
		p := c.Store.Point(i)
		delta, err := c.Strain.StrainAt(p.Cell, p.Q, c.NewtonDisplacement)
		if err != nil {
			return fmt.Errorf("strain at cell %d q %d: %w", p.Cell, p.Q, err)
		}
		c.Store.ApplyStrainIncrementAt(i, delta)
	}
	c.state = StrainUpdated
	return nil
}

// DispatchAndWait runs the fine-scale exchange and blocks until the
// results are absorbed
func (c *Controller) DispatchAndWait(ctx context.Context) error {
	if err := c.expect("dispatch", StrainUpdated); err != nil {
		return err
	}
	c.state = Dispatched
	stats, err := c.Bridge.Exchange(ctx, c.Store, bridge.StepInfo{
		RunID:  c.RunID,
		Step:   c.step,
		Newton: c.newton,
		Time:   c.time,
	})
	if err != nil {
		return fmt.Errorf("exchange step %d newton %d: %w", c.step, c.newton, err)
	}
	c.lastStats = stats
	c.state = StressAbsorbed
	return nil
}

// CheckConvergence reassembles with the absorbed stresses and reports
// whether another Newton pass should run
func (c *Controller) CheckConvergence(ctx context.Context) (bool, error) {
	if err := c.expect("check convergence", StressAbsorbed); err != nil {
		return false, err
	}
	if err := c.assemble(ctx, false, "reassembled"); err != nil {
		return false, err
	}
	metrics.NewtonIterations.Inc()
	if c.Newton.Continue(c.residual, c.newton) {
		c.state = NotConverged
		return true, nil
	}
	if c.Newton.Tolerance > 0 && c.residual > c.Newton.Tolerance {
		c.Logger.Warn("newton passes exhausted", "step", c.step, "passes", c.newton+1, "residual", c.residual)
	}
	c.state = Converged
	return false, nil
}

// EndStep folds the increments into the totals and runs the step hooks
func (c *Controller) EndStep(ctx context.Context) error {
	if err := c.expect("end step", Converged); err != nil {
		return err
	}
	for d := range c.Velocity {
		c.Velocity[d] += c.IncrementVelocity[d]
		c.Displacement[d] += c.IncrementDisplacement[d]
	}
	c.state = StepClosed

	snap := Snapshot{
		Step:         c.step,
		Time:         c.time,
		Store:        c.Store,
		Displacement: c.Displacement,
		Velocity:     c.Velocity,
	}
	for _, h := range c.Hooks {
		if err := h.StepClosed(ctx, snap); err != nil {
			return fmt.Errorf("close step %d: %w", c.step, err)
		}
	}
	metrics.StepsTotal.Inc()
	metrics.StepDuration.Observe(time.Since(c.started).Seconds())
	c.state = Idle
	return nil
}

// RunStep drives one full timestep including its Newton passes
func (c *Controller) RunStep(ctx context.Context, step int, t float64) error {
	if err := c.BeginStep(ctx, step, t); err != nil {
		return err
	}
	for newton := 0; ; newton++ {
		if err := c.BeginIteration(newton); err != nil {
			return err
		}
		if err := c.Assemble(ctx); err != nil {
			return err
		}
		if err := c.SolveIncrement(ctx); err != nil {
			return err
		}
		if err := c.Integrate(); err != nil {
			return err
		}
		if err := c.PropagateStrain(); err != nil {
			return err
		}
		if err := c.DispatchAndWait(ctx); err != nil {
			return err
		}
		again, err := c.CheckConvergence(ctx)
		if err != nil {
			return err
		}
		if !again {
			break
		}
	}
	return c.EndStep(ctx)
}
