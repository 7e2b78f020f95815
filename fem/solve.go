package fem

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

var ErrNotConverged = errors.New("linear solver did not converge")

// SolveStats reports the outcome of one linear solve
type SolveStats struct {
	Iterations int
	Residual   float64
	Converged  bool
}

// Solver solves a System for the velocity increment
type Solver interface {
	Solve(ctx context.Context, sys *System) (*mat.VecDense, SolveStats, error)
}

// NewSolver returns the solver named "cg" or "diagonal"
func NewSolver(name string, tol float64, maxIter int) (Solver, error) {
	switch strings.ToLower(name) {
	case "", "cg":
		return &CG{Tol: tol, MaxIter: maxIter}, nil
	case "diagonal":
		return Diagonal{}, nil
	}
	return nil, fmt.Errorf("unknown linear solver %q", name)
}

// CG is conjugate gradients with a Jacobi preconditioner. Convergence is
// an absolute bound on the residual norm. When the iteration limit is hit
// the last iterate is returned together with ErrNotConverged.
type CG struct {
	Tol     float64 // Absolute residual tolerance
	MaxIter int     // 0 means the system size
}

func (s *CG) Solve(ctx context.Context, sys *System) (*mat.VecDense, SolveStats, error) {
	n := sys.RHS.Len()
	maxIter := s.MaxIter
	if maxIter <= 0 {
		maxIter = n
	}

	invDiag := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		d := sys.Matrix.At(i, i)
		if d == 0 {
			return nil, SolveStats{}, fmt.Errorf("zero diagonal at row %d", i)
		}
		invDiag.SetVec(i, 1/d)
	}

	x := mat.NewVecDense(n, nil)
	r := mat.VecDenseCopyOf(sys.RHS)
	z := mat.NewVecDense(n, nil)
	z.MulElemVec(invDiag, r)
	p := mat.VecDenseCopyOf(z)
	ap := mat.NewVecDense(n, nil)
	rz := mat.Dot(r, z)

	stats := SolveStats{Residual: mat.Norm(r, 2)}
	for stats.Residual > s.Tol {
		if stats.Iterations >= maxIter {
			return x, stats, fmt.Errorf("%d iterations, residual %g > %g: %w",
				stats.Iterations, stats.Residual, s.Tol, ErrNotConverged)
		}
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}
		ap.MulVec(sys.Matrix, p)
		pap := mat.Dot(p, ap)
		if pap <= 0 {
			return x, stats, fmt.Errorf("operator not positive definite (pᵀAp = %g): %w", pap, ErrNotConverged)
		}
		alpha := rz / pap
		x.AddScaledVec(x, alpha, p)
		r.AddScaledVec(r, -alpha, ap)
		stats.Iterations++
		stats.Residual = mat.Norm(r, 2)

		z.MulElemVec(invDiag, r)
		rzNew := mat.Dot(r, z)
		p.AddScaledVec(z, rzNew/rz, p)
		rz = rzNew
	}
	stats.Converged = true
	return x, stats, nil
}

// Diagonal solves a lumped system directly
type Diagonal struct{}

func (Diagonal) Solve(ctx context.Context, sys *System) (*mat.VecDense, SolveStats, error) {
	n := sys.RHS.Len()
	x := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		d := sys.Matrix.At(i, i)
		if d == 0 {
			return nil, SolveStats{}, fmt.Errorf("zero diagonal at row %d", i)
		}
		x.SetVec(i, sys.RHS.AtVec(i)/d)
	}
	return x, SolveStats{Iterations: 1, Converged: true}, nil
}
