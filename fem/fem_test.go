package fem

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/scalebridge/comm"
	"github.com/notargets/scalebridge/history"
	"github.com/notargets/scalebridge/material"
	"github.com/notargets/scalebridge/tensor"
)

func testMesh(t *testing.T) *Mesh {
	m, err := NewBoxMesh([Dim]int{2, 3, 2}, [Dim]float64{2, 1.5, 4}, [Dim]float64{-1, -0.75, -4})
	require.NoError(t, err)
	return m
}

func testTable() material.Table {
	return material.Table{{Name: "steel", Stiffness: tensor.Isotropic(2, 1), Density: 3}}
}

// ownedStore builds the store of rank r out of size for a block split
func ownedStore(m *Mesh, r, size int) (*history.Store, error) {
	var cells []history.CellSpec
	for c := 0; c < m.NumCells(); c++ {
		if c*size/m.NumCells() == r {
			cells = append(cells, history.CellSpec{Cell: c})
		}
	}
	s := history.New()
	if err := s.Initialize(cells, NQ, testTable()); err != nil {
		return nil, err
	}
	return s, nil
}

func TestBoxMesh(t *testing.T) {
	m := testMesh(t)
	assert.Equal(t, 12, m.NumCells())
	assert.Equal(t, 3*4*3, m.NumNodes())
	assert.Equal(t, 3*36, m.NumDofs())
	assert.Equal(t, [Dim]float64{-1, -0.75, -4}, m.Nodes[0])
	assert.Equal(t, [Dim]float64{1, 0.75, 0}, m.Nodes[m.NumNodes()-1])

	// every cell spans one subdivision along each axis
	for c, conn := range m.Cells {
		lo, hi := m.Nodes[conn[0]], m.Nodes[conn[7]]
		assert.InDeltaSlicef(t, []float64{1, 0.5, 2},
			[]float64{hi[0] - lo[0], hi[1] - lo[1], hi[2] - lo[2]}, 1e-14, "cell %d", c)
	}

	_, err := NewBoxMesh([Dim]int{0, 1, 1}, [Dim]float64{1, 1, 1}, [Dim]float64{})
	assert.Error(t, err)
	_, err = NewBoxMesh([Dim]int{1, 1, 1}, [Dim]float64{1, -1, 1}, [Dim]float64{})
	assert.Error(t, err)
}

func TestCellValues(t *testing.T) {
	m := testMesh(t)
	cv, err := m.Values(5)
	require.NoError(t, err)

	vol := 0.
	for q := 0; q < NQ; q++ {
		vol += cv.JxW[q]
		sumN := 0.
		var sumGrad [Dim]float64
		for a := 0; a < NodesPerCell; a++ {
			sumN += cv.N[q][a]
			for i := 0; i < Dim; i++ {
				sumGrad[i] += cv.Grad[q][a][i]
			}
		}
		assert.InDelta(t, 1, sumN, 1e-14)
		assert.InDeltaSlice(t, []float64{0, 0, 0}, sumGrad[:], 1e-13)
	}
	assert.InDelta(t, 1*0.5*2, vol, 1e-13)
}

func TestStrainOfLinearField(t *testing.T) {
	m := testMesh(t)
	a := NewAssembler(m, nil, 1)

	// u = G x with a non-symmetric gradient G
	g := [Dim][Dim]float64{{1e-3, 2e-3, 0}, {0, -1e-3, 4e-3}, {6e-3, 0, 5e-4}}
	field := make([]float64, m.NumDofs())
	for n, x := range m.Nodes {
		for i := 0; i < Dim; i++ {
			for j := 0; j < Dim; j++ {
				field[Dof(n, i)] += g[i][j] * x[j]
			}
		}
	}
	want := tensor.Symmetrize(g)
	for _, c := range []int{0, 7, 11} {
		for q := 0; q < NQ; q++ {
			got, err := a.StrainAt(c, q, field)
			require.NoError(t, err)
			assert.InDeltaSlicef(t, want[:], got[:], 1e-14, "cell %d q %d", c, q)
		}
	}
	_, err := a.StrainAt(m.NumCells(), 0, field)
	assert.Error(t, err)
}

func TestAssembleMassAndRHS(t *testing.T) {
	m := testMesh(t)
	const dt = 0.5
	err := comm.RunLocal(context.Background(), 1, func(ctx context.Context, c *comm.Comm) error {
		store, err := ownedStore(m, 0, 1)
		if err != nil {
			return err
		}
		a := NewAssembler(m, c, dt)
		a.BodyForce = [Dim]float64{0, 0, -2}

		sys, err := a.Assemble(ctx, store, true)
		if err != nil {
			return err
		}

		// total mass per component is ρV
		var mass [Dim]float64
		var force [Dim]float64
		for d := 0; d < m.NumDofs(); d++ {
			mass[d%Dim] += sys.Matrix.At(d, d)
			force[d%Dim] += sys.RHS.AtVec(d)
		}
		vol := 2 * 1.5 * 4.
		assert.InDeltaSlice(t, []float64{3 * vol, 3 * vol, 3 * vol}, mass[:], 1e-11)
		// zero stress leaves dt ρ b V
		assert.InDeltaSlice(t, []float64{0, 0, dt * 3 * -2 * vol}, force[:], 1e-11)
		return nil
	})
	require.NoError(t, err)
}

func TestConstantStressIsSelfEquilibrated(t *testing.T) {
	m := testMesh(t)
	err := comm.RunLocal(context.Background(), 1, func(ctx context.Context, c *comm.Comm) error {
		store, err := ownedStore(m, 0, 1)
		if err != nil {
			return err
		}
		sigma := tensor.Sym2{1, 2, 3, 0.5, -0.25, 0.75}
		store.Each(func(_ int, p *history.QuadraturePoint) { p.NewStress = sigma })

		a := NewAssembler(m, c, 1)
		f, err := a.InternalForces(ctx, store)
		if err != nil {
			return err
		}
		var sum [Dim]float64
		for d, v := range f {
			sum[d%Dim] += v
		}
		assert.InDeltaSlice(t, []float64{0, 0, 0}, sum[:], 1e-12)

		// traction on the top face z = 0 is σ·e_z times its area
		var top [Dim]float64
		for n, x := range m.Nodes {
			if x[2] == 0 {
				for i := 0; i < Dim; i++ {
					top[i] += f[Dof(n, i)]
				}
			}
		}
		area := 2 * 1.5
		assert.InDeltaSlice(t, []float64{-0.25 * area, 0.75 * area, 3 * area}, top[:], 1e-12)
		return nil
	})
	require.NoError(t, err)
}

func TestAssembleMatchesAcrossRankCounts(t *testing.T) {
	m := testMesh(t)
	stress := func(p *history.QuadraturePoint) tensor.Sym2 {
		v := float64(p.ID%7) - 3
		return tensor.Sym2{v, -v, 2 * v, 0.1 * v, 0, -0.5 * v}
	}

	assemble := func(size int) (mass, rhs [][]float64) {
		mass = make([][]float64, size)
		rhs = make([][]float64, size)
		err := comm.RunLocal(context.Background(), size, func(ctx context.Context, c *comm.Comm) error {
			store, err := ownedStore(m, c.Rank(), size)
			if err != nil {
				return c.Abort(err)
			}
			store.Each(func(_ int, p *history.QuadraturePoint) { p.NewStress = stress(p) })
			sys, err := NewAssembler(m, c, 0.1).Assemble(ctx, store, true)
			if err != nil {
				return err
			}
			diag := make([]float64, m.NumDofs())
			for d := range diag {
				diag[d] = sys.Matrix.At(d, d)
			}
			mass[c.Rank()] = diag
			rhs[c.Rank()] = sys.RHS.RawVector().Data
			return nil
		})
		require.NoError(t, err)
		return
	}

	m1, r1 := assemble(1)
	for _, size := range []int{2, 3} {
		mp, rp := assemble(size)
		for r := 0; r < size; r++ {
			assert.InDeltaSlicef(t, m1[0], mp[r], 1e-12, "%d ranks, rank %d mass", size, r)
			assert.InDeltaSlicef(t, r1[0], rp[r], 1e-12, "%d ranks, rank %d rhs", size, r)
		}
	}
}

func TestMassIsCachedUntilFirstOfRun(t *testing.T) {
	m := testMesh(t)
	err := comm.RunLocal(context.Background(), 1, func(ctx context.Context, c *comm.Comm) error {
		store, err := ownedStore(m, 0, 1)
		if err != nil {
			return err
		}
		a := NewAssembler(m, c, 1)
		first, err := a.Assemble(ctx, store, true)
		if err != nil {
			return err
		}

		store.Each(func(_ int, p *history.QuadraturePoint) { p.Density *= 2 })
		cached, err := a.Assemble(ctx, store, false)
		if err != nil {
			return err
		}
		assert.Equal(t, first.Matrix.At(0, 0), cached.Matrix.At(0, 0))

		rebuilt, err := a.Assemble(ctx, store, true)
		if err != nil {
			return err
		}
		assert.InDelta(t, 2*first.Matrix.At(0, 0), rebuilt.Matrix.At(0, 0), 1e-14)

		// a constrained rhs entry is M_dd v
		cached.ApplyBoundaryValues(map[int]float64{0: 4})
		assert.InDelta(t, 4*cached.Matrix.At(0, 0), cached.RHS.AtVec(0), 1e-14)
		return nil
	})
	require.NoError(t, err)
}

func TestSolvers(t *testing.T) {
	sys := &System{
		Matrix: mat.NewDiagDense(4, []float64{2, 4, 0.5, 1}),
		RHS:    mat.NewVecDense(4, []float64{1, -2, 3, 0}),
	}
	want := []float64{0.5, -0.5, 6, 0}

	for _, name := range []string{"cg", "diagonal"} {
		s, err := NewSolver(name, 1e-12, 0)
		require.NoError(t, err)
		x, stats, err := s.Solve(context.Background(), sys)
		require.NoError(t, err, name)
		assert.True(t, stats.Converged, name)
		assert.InDeltaSlicef(t, want, x.RawVector().Data, 1e-12, "%s solution", name)
	}

	_, err := NewSolver("gmres", 1, 0)
	assert.Error(t, err)
}

func TestCGZeroRHSConvergesImmediately(t *testing.T) {
	sys := &System{Matrix: mat.NewDiagDense(2, []float64{1, 1}), RHS: mat.NewVecDense(2, nil)}
	x, stats, err := (&CG{Tol: 1e-3}).Solve(context.Background(), sys)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Iterations)
	assert.Equal(t, []float64{0, 0}, x.RawVector().Data)
}

func TestCGNotConverged(t *testing.T) {
	sys := &System{
		Matrix: mat.NewDiagDense(3, []float64{1, 2, 3}),
		RHS:    mat.NewVecDense(3, []float64{1, 1, 1}),
	}
	x, stats, err := (&CG{Tol: -1, MaxIter: 1}).Solve(context.Background(), sys)
	assert.True(t, errors.Is(err, ErrNotConverged))
	assert.False(t, stats.Converged)
	assert.Equal(t, 1, stats.Iterations)
	assert.NotNil(t, x)
}
