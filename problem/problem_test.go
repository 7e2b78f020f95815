package problem

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/scalebridge/fem"
)

func dropWeightParams() Params {
	return Params{
		Size:            [fem.Dim]float64{4, 4, 1},
		Cells:           [fem.Dim]int{4, 4, 1},
		Dt:              0.1,
		AccelerateSteps: 2,
		Acceleration:    5,
		Diameter:        2.2,
	}
}

func build(t *testing.T, class string, p Params) (Boundary, *fem.Mesh) {
	b, err := New(class, p)
	require.NoError(t, err)
	m, err := b.MakeGrid()
	require.NoError(t, err)
	b.DefineBoundaryConditions(m)
	return b, m
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"compact tension", "dogbone", "drop weight"}, Names())

	_, err := New("hopkinson bar", dropWeightParams())
	assert.True(t, errors.Is(err, ErrUnknownProblem))

	p := dropWeightParams()
	p.Cells[2] = 0
	_, err = New("drop weight", p)
	assert.Error(t, err)
}

func TestDropWeight(t *testing.T) {
	b, m := build(t, "drop weight", dropWeightParams())

	assert.Equal(t, [fem.Dim]float64{-2, -2, -1}, m.Nodes[0])
	assert.Equal(t, [fem.Dim]float64{2, 2, 0}, m.Nodes[m.NumNodes()-1])

	// nodes at (0,0) and the four at distance 1 along the axes, on both
	// layers; the ones at distance √2 are outside the 1.1 radius
	var loaded []int
	for n := range m.Nodes {
		if b.IsVertexLoaded(fem.Dof(n, 2)) {
			loaded = append(loaded, n)
		}
		assert.False(t, b.IsVertexLoaded(fem.Dof(n, 0)))
	}
	assert.Len(t, loaded, 10)

	// 16 boundary nodes per layer, all components
	fixed := 0
	for d, v := range b.BoundaryConditionsToZero(100) {
		assert.Zero(t, v)
		assert.False(t, b.IsVertexLoaded(d))
		fixed++
	}
	assert.Equal(t, 2*16*3, fixed)

	bc := b.SetBoundaryConditions(1, 0.1)
	assert.Len(t, bc, fixed+len(loaded))
	for _, n := range loaded {
		assert.InDelta(t, -0.5, bc[fem.Dof(n, 2)], 1e-15)
	}
	assert.Len(t, b.BoundaryConditionsToZero(2), fixed+len(loaded))

	// the load is released after the accelerating steps
	assert.Len(t, b.SetBoundaryConditions(3, 0.1), fixed)
}

func TestDropWeightFixedWinsOverLoaded(t *testing.T) {
	p := dropWeightParams()
	p.Diameter = 100
	b, m := build(t, "drop weight", p)
	bc := b.SetBoundaryConditions(1, 0.1)
	corner := fem.Dof(0, 2)
	assert.True(t, b.IsVertexLoaded(corner))
	assert.Zero(t, bc[corner])
	center := fem.Dof(2+5*2, 2)
	assert.Equal(t, [fem.Dim]float64{0, 0, -1}, m.Nodes[2+5*2])
	assert.InDelta(t, -0.5, bc[center], 1e-15)
}

func TestDogbone(t *testing.T) {
	p := Params{
		Size:            [fem.Dim]float64{10, 2, 2},
		Cells:           [fem.Dim]int{5, 1, 1},
		AccelerateSteps: 4,
		Velocity:        2,
	}
	b, m := build(t, "dogbone", p)

	var pulled []int
	for n, x := range m.Nodes {
		if b.IsVertexLoaded(fem.Dof(n, 0)) {
			assert.Equal(t, 10., x[0])
			pulled = append(pulled, n)
		}
	}
	assert.Len(t, pulled, 4)

	bc := b.SetBoundaryConditions(1, 0.1)
	for _, n := range pulled {
		assert.Equal(t, 0.5, bc[fem.Dof(n, 0)])
	}
	// 4 fixed nodes, all components, and the 4 pulled dofs
	assert.Len(t, bc, 4*3+4)

	sum := 0.
	for step := 1; step <= 10; step++ {
		sum += b.SetBoundaryConditions(step, 0.1)[fem.Dof(pulled[0], 0)]
	}
	assert.InDelta(t, p.Velocity, sum, 1e-15)
	assert.Len(t, b.BoundaryConditionsToZero(10), 4*3+4)
}

func TestCompactTension(t *testing.T) {
	p := Params{
		Size:            [fem.Dim]float64{4, 4, 1},
		Cells:           [fem.Dim]int{4, 4, 1},
		AccelerateSteps: 1,
		Velocity:        3,
		Diameter:        0.5,
	}
	b, m := build(t, "compact tension", p)

	bc := b.SetBoundaryConditions(1, 0.1)
	pulled, fixed := 0, 0
	for n, x := range m.Nodes {
		if b.IsVertexLoaded(fem.Dof(n, 1)) {
			assert.Equal(t, []float64{1, 4}, x[:2])
			assert.Equal(t, 3., bc[fem.Dof(n, 1)])
			pulled++
		}
		if v, ok := bc[fem.Dof(n, 0)]; ok {
			assert.Zero(t, v)
			assert.Equal(t, []float64{1, 0}, x[:2])
			fixed++
		}
	}
	assert.Equal(t, 2, pulled)
	assert.Equal(t, 2, fixed)
}
