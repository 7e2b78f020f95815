// Package problem holds the boundary condition variants a run can be
// configured with. Each variant builds its own grid and reports the
// prescribed velocity increments of every timestep.
package problem

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/notargets/scalebridge/fem"
)

var ErrUnknownProblem = errors.New("unknown problem class")

// Boundary is the capability set the timestep controller needs from a
// problem variant. Maps are keyed by global dof.
type Boundary interface {
	MakeGrid() (*fem.Mesh, error)
	DefineBoundaryConditions(mesh *fem.Mesh)
	// SetBoundaryConditions returns the velocity increments prescribed at
	// the start of the step
	SetBoundaryConditions(step int, dt float64) map[int]float64
	// BoundaryConditionsToZero returns the dofs whose solved increment is
	// constrained to zero
	BoundaryConditionsToZero(step int) map[int]float64
	IsVertexLoaded(dof int) bool
}

// Params configures every variant; a variant reads only the fields it uses
type Params struct {
	Size  [fem.Dim]float64 // Box extent
	Cells [fem.Dim]int     // Subdivisions

	Dt              float64 // Timestep length
	AccelerateSteps int     // Steps during which the load is ramped
	Acceleration    float64 // Drop weight acceleration
	Diameter        float64 // Drop weight or pin diameter
	Velocity        float64 // Target pull velocity of dogbone and compact tension
}

func (p Params) Validate() error {
	for d := 0; d < fem.Dim; d++ {
		if p.Size[d] <= 0 || p.Cells[d] < 1 {
			return fmt.Errorf("invalid mesh %v cells over %v", p.Cells, p.Size)
		}
	}
	if p.AccelerateSteps < 0 {
		return fmt.Errorf("negative accelerate steps %d", p.AccelerateSteps)
	}
	return nil
}

type constructor func(Params) Boundary

var registry = map[string]constructor{
	"drop weight":     func(p Params) Boundary { return NewDropWeight(p) },
	"dogbone":         func(p Params) Boundary { return NewDogbone(p) },
	"compact tension": func(p Params) Boundary { return NewCompactTension(p) },
}

// New returns the variant registered under class
func New(class string, p Params) (Boundary, error) {
	ctor, ok := registry[class]
	if !ok {
		return nil, fmt.Errorf("%q (known: %v): %w", class, Names(), ErrUnknownProblem)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return ctor(p), nil
}

// Names lists the registered classes
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// dofSet is a set of constrained dofs kept in insertion order
type dofSet struct {
	order []int
	has   map[int]bool
}

func newDofSet() *dofSet { return &dofSet{has: make(map[int]bool)} }

func (s *dofSet) add(d int) {
	if !s.has[d] {
		s.has[d] = true
		s.order = append(s.order, d)
	}
}

func (s *dofSet) addNode(n int) {
	for c := 0; c < fem.Dim; c++ {
		s.add(fem.Dof(n, c))
	}
}

func (s *dofSet) Len() int { return len(s.order) }

// put sets v on every dof of s that values does not hold yet, so that
// earlier constraints take precedence
func (s *dofSet) put(values map[int]float64, v float64) {
	for _, d := range s.order {
		if _, ok := values[d]; !ok {
			values[d] = v
		}
	}
}

// minEdge is the smallest cell edge of the mesh
func minEdge(m *fem.Mesh) float64 {
	return math.Min(m.Size[0]/float64(m.NX), math.Min(m.Size[1]/float64(m.NY), m.Size[2]/float64(m.NZ)))
}

func near(a, b, tol float64) bool { return math.Abs(a-b) < tol }

// rampedIncrement spreads a total velocity change over the first n steps
func rampedIncrement(total float64, n int) float64 {
	if n <= 0 {
		return total
	}
	return total / float64(n)
}
