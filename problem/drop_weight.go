package problem

import (
	"math"

	"github.com/notargets/scalebridge/fem"
)

// DropWeight is a plate centred on the z axis with its top face at z = 0.
// Vertices within half the weight diameter of the axis are accelerated
// downwards for the first AccelerateSteps steps; the four side faces are
// held fixed.
type DropWeight struct {
	Params
	fixed  *dofSet
	loaded *dofSet
}

func NewDropWeight(p Params) *DropWeight {
	return &DropWeight{Params: p, fixed: newDofSet(), loaded: newDofSet()}
}

func (dw *DropWeight) MakeGrid() (*fem.Mesh, error) {
	origin := [fem.Dim]float64{-dw.Size[0] / 2, -dw.Size[1] / 2, -dw.Size[2]}
	return fem.NewBoxMesh(dw.Cells, dw.Size, origin)
}

func (dw *DropWeight) DefineBoundaryConditions(m *fem.Mesh) {
	dw.fixed, dw.loaded = newDofSet(), newDofSet()
	delta := minEdge(m) / 10
	hx, hy := dw.Size[0]/2, dw.Size[1]/2
	for n, x := range m.Nodes {
		if math.Hypot(x[0], x[1]) < dw.Diameter/2 {
			dw.loaded.add(fem.Dof(n, 2))
		}
		if near(x[0], hx, delta) || near(x[0], -hx, delta) ||
			near(x[1], hy, delta) || near(x[1], -hy, delta) {
			dw.fixed.addNode(n)
		}
	}
}

func (dw *DropWeight) accelerating(step int) bool { return step <= dw.AccelerateSteps }

func (dw *DropWeight) SetBoundaryConditions(step int, dt float64) map[int]float64 {
	values := make(map[int]float64, dw.fixed.Len()+dw.loaded.Len())
	dw.fixed.put(values, 0)
	if dw.accelerating(step) {
		dw.loaded.put(values, -dw.Acceleration*dt)
	}
	return values
}

func (dw *DropWeight) BoundaryConditionsToZero(step int) map[int]float64 {
	values := make(map[int]float64, dw.fixed.Len()+dw.loaded.Len())
	dw.fixed.put(values, 0)
	if dw.accelerating(step) {
		dw.loaded.put(values, 0)
	}
	return values
}

func (dw *DropWeight) IsVertexLoaded(dof int) bool { return dw.loaded.has[dof] }
