package fem

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/notargets/scalebridge/comm"
	"github.com/notargets/scalebridge/history"
	"github.com/notargets/scalebridge/tensor"
)

// System is the assembled velocity-increment problem M Δv = rhs
type System struct {
	Matrix *mat.DiagDense // Lumped mass, with constrained rows
	RHS    *mat.VecDense
}

// ApplyBoundaryValues constrains dof d to value v by replacing its rhs
// entry with M_dd v
func (s *System) ApplyBoundaryValues(values map[int]float64) {
	for d, v := range values {
		s.RHS.SetVec(d, s.Matrix.At(d, d)*v)
	}
}

// Residual is the l2 norm of the rhs
func (s *System) Residual() float64 {
	return mat.Norm(s.RHS, 2)
}

// Assembler builds the global system from the stresses of the locally
// owned points and sums the contributions of all ranks
type Assembler struct {
	Mesh      *Mesh
	Comm      *comm.Comm
	Dt        float64      // Timestep length
	BodyForce [Dim]float64 // Acceleration applied to the whole body

	values map[int]*CellValues
	mass   []float64 // Cached lumped mass diagonal
}

func NewAssembler(m *Mesh, c *comm.Comm, dt float64) *Assembler {
	return &Assembler{Mesh: m, Comm: c, Dt: dt, values: make(map[int]*CellValues)}
}

// CellValues returns the cached values of cell c
func (a *Assembler) CellValues(c int) (*CellValues, error) {
	if cv, ok := a.values[c]; ok {
		return cv, nil
	}
	if c < 0 || c >= a.Mesh.NumCells() {
		return nil, fmt.Errorf("cell %d outside mesh of %d cells", c, a.Mesh.NumCells())
	}
	cv, err := a.Mesh.Values(c)
	if err != nil {
		return nil, err
	}
	a.values[c] = &cv
	return &cv, nil
}

// Assemble returns the mass matrix and dt·(ρ b N − σ:∇N) JxW summed over
// all ranks. The lumped mass is built on the first call of the run, or
// when firstOfRun is set, and reused afterwards.
func (a *Assembler) Assemble(ctx context.Context, store *history.Store, firstOfRun bool) (*System, error) {
	if firstOfRun || a.mass == nil {
		if err := a.assembleMass(ctx, store); err != nil {
			return nil, err
		}
	}

	rhs := make([]float64, a.Mesh.NumDofs())
	err := a.eachPoint(store, func(c, q int, cv *CellValues, p *history.QuadraturePoint) {
		dofs := a.Mesh.CellDofs(c)
		for n := 0; n < NodesPerCell; n++ {
			for i := 0; i < Dim; i++ {
				f := p.Density * a.BodyForce[i] * cv.N[q][n]
				for j := 0; j < Dim; j++ {
					f -= p.NewStress.At(i, j) * cv.Grad[q][n][j]
				}
				rhs[dofs[Dim*n+i]] += a.Dt * f * cv.JxW[q]
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if err := a.Comm.AllReduceSum(ctx, rhs); err != nil {
		return nil, fmt.Errorf("rhs reduction: %w", err)
	}

	diag := make([]float64, len(a.mass))
	copy(diag, a.mass)
	return &System{
		Matrix: mat.NewDiagDense(len(diag), diag),
		RHS:    mat.NewVecDense(len(rhs), rhs),
	}, nil
}

func (a *Assembler) assembleMass(ctx context.Context, store *history.Store) error {
	mass := make([]float64, a.Mesh.NumDofs())
	err := a.eachPoint(store, func(c, q int, cv *CellValues, p *history.QuadraturePoint) {
		dofs := a.Mesh.CellDofs(c)
		for n := 0; n < NodesPerCell; n++ {
			// row sum of ρ N_n N_m over m, ΣN_m = 1
			m := p.Density * cv.N[q][n] * cv.JxW[q]
			for i := 0; i < Dim; i++ {
				mass[dofs[Dim*n+i]] += m
			}
		}
	})
	if err != nil {
		return err
	}
	if err := a.Comm.AllReduceSum(ctx, mass); err != nil {
		return fmt.Errorf("mass reduction: %w", err)
	}
	for d, m := range mass {
		if m <= 0 {
			return fmt.Errorf("dof %d has no mass", d)
		}
	}
	a.mass = mass
	return nil
}

// eachPoint visits every owned point with its cell values
func (a *Assembler) eachPoint(store *history.Store, fn func(c, q int, cv *CellValues, p *history.QuadraturePoint)) error {
	if store.NQ != NQ {
		return fmt.Errorf("store has %d points per cell, elements have %d", store.NQ, NQ)
	}
	for _, c := range store.Cells() {
		cv, err := a.CellValues(c)
		if err != nil {
			return err
		}
		for q := 0; q < NQ; q++ {
			i, _ := store.Index(c, q)
			fn(c, q, cv, store.Point(i))
		}
	}
	return nil
}

// StrainAt returns the symmetric gradient of the nodal field at (cell, q)
func (a *Assembler) StrainAt(cell, q int, field []float64) (tensor.Sym2, error) {
	cv, err := a.CellValues(cell)
	if err != nil {
		return tensor.Sym2{}, err
	}
	var u [NodesPerCell][Dim]float64
	for n, node := range a.Mesh.Cells[cell] {
		for i := 0; i < Dim; i++ {
			u[n][i] = field[Dof(node, i)]
		}
	}
	return cv.StrainFromGrad(q, &u), nil
}

// InternalForces returns Σ σ:∇N JxW per dof, summed over all ranks
func (a *Assembler) InternalForces(ctx context.Context, store *history.Store) ([]float64, error) {
	f := make([]float64, a.Mesh.NumDofs())
	err := a.eachPoint(store, func(c, q int, cv *CellValues, p *history.QuadraturePoint) {
		dofs := a.Mesh.CellDofs(c)
		for n := 0; n < NodesPerCell; n++ {
			for i := 0; i < Dim; i++ {
				s := 0.
				for j := 0; j < Dim; j++ {
					s += p.NewStress.At(i, j) * cv.Grad[q][n][j]
				}
				f[dofs[Dim*n+i]] += s * cv.JxW[q]
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if err := a.Comm.AllReduceSum(ctx, f); err != nil {
		return nil, fmt.Errorf("internal force reduction: %w", err)
	}
	return f, nil
}
