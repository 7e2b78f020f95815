package problem

import (
	"math"

	"github.com/notargets/scalebridge/fem"
)

// pull is the shared shape of the tension variants: one set of dofs is
// held fixed, another is brought up to Velocity along one axis over the
// first AccelerateSteps steps and then kept at that velocity.
type pull struct {
	Params
	fixed  *dofSet
	loaded *dofSet
}

func (p *pull) SetBoundaryConditions(step int, dt float64) map[int]float64 {
	values := make(map[int]float64, p.fixed.Len()+p.loaded.Len())
	p.fixed.put(values, 0)
	if step <= p.AccelerateSteps {
		p.loaded.put(values, rampedIncrement(p.Velocity, p.AccelerateSteps))
	} else {
		p.loaded.put(values, 0)
	}
	return values
}

func (p *pull) BoundaryConditionsToZero(step int) map[int]float64 {
	values := make(map[int]float64, p.fixed.Len()+p.loaded.Len())
	p.fixed.put(values, 0)
	p.loaded.put(values, 0)
	return values
}

func (p *pull) IsVertexLoaded(dof int) bool { return p.loaded.has[dof] }

// Dogbone is a bar along x: the x = 0 face is fixed and the x = L face is
// pulled along +x.
type Dogbone struct{ pull }

func NewDogbone(p Params) *Dogbone {
	return &Dogbone{pull{Params: p, fixed: newDofSet(), loaded: newDofSet()}}
}

func (db *Dogbone) MakeGrid() (*fem.Mesh, error) {
	return fem.NewBoxMesh(db.Cells, db.Size, [fem.Dim]float64{0, -db.Size[1] / 2, -db.Size[2] / 2})
}

func (db *Dogbone) DefineBoundaryConditions(m *fem.Mesh) {
	db.fixed, db.loaded = newDofSet(), newDofSet()
	delta := minEdge(m) / 10
	for n, x := range m.Nodes {
		switch {
		case near(x[0], 0, delta):
			db.fixed.addNode(n)
		case near(x[0], db.Size[0], delta):
			db.loaded.add(fem.Dof(n, 0))
		}
	}
}

// CompactTension is a block loaded through two pins a quarter of the width
// in from the x = 0 side: the lower pin region on the y = 0 face is fixed
// and the upper pin region on the y = H face is pulled along +y.
type CompactTension struct{ pull }

func NewCompactTension(p Params) *CompactTension {
	return &CompactTension{pull{Params: p, fixed: newDofSet(), loaded: newDofSet()}}
}

func (ct *CompactTension) MakeGrid() (*fem.Mesh, error) {
	return fem.NewBoxMesh(ct.Cells, ct.Size, [fem.Dim]float64{})
}

func (ct *CompactTension) DefineBoundaryConditions(m *fem.Mesh) {
	ct.fixed, ct.loaded = newDofSet(), newDofSet()
	delta := minEdge(m) / 10
	pinX := ct.Size[0] / 4
	radius := math.Max(ct.Diameter/2, delta)
	for n, x := range m.Nodes {
		if math.Abs(x[0]-pinX) >= radius {
			continue
		}
		switch {
		case near(x[1], 0, delta):
			ct.fixed.addNode(n)
		case near(x[1], ct.Size[1], delta):
			ct.loaded.add(fem.Dof(n, 1))
		}
	}
}
