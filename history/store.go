// Package history holds the per quadrature point material state of the
// locally owned cells and its update lifecycle.
package history

import (
	"fmt"

	"github.com/notargets/scalebridge/material"
	"github.com/notargets/scalebridge/tensor"
)

// QuadraturePoint is the material state at one integration point
type QuadraturePoint struct {
	ID         uint64 // Cell*NQ + Q over the global active cell index
	Cell       int    // Global active cell index
	Q          int    // Quadrature index within the cell
	MaterialID int

	OldStrain       tensor.Sym2
	NewStrain       tensor.Sym2 // Running total
	IncrementStrain tensor.Sym2 // Since the start of the Newton iteration
	UpdateStrain    tensor.Sym2 // Since the last absorbed fine-scale result

	OldStress       tensor.Sym2
	NewStress       tensor.Sym2
	IncrementStress tensor.Sym2

	Stiffness    tensor.Sym4
	OldStiffness tensor.Sym4
	Density      float64
}

// CellSpec is one owned cell and its material
type CellSpec struct {
	Cell       int
	MaterialID int
}

// UpdateRequest is one point's strain update sent to the fine-scale solver.
// Tensor components are in xx, yy, zz, xy, xz, yz order.
type UpdateRequest struct {
	ID             uint64      `json:"id"`
	MaterialID     int32       `json:"material_id"`
	UpdateStrain   tensor.Sym2 `json:"update_strain"`
	StressEstimate tensor.Sym2 `json:"stress_estimate"` // Stiffness : NewStrain, diagnostic only
}

// UpdateResult is the fine-scale stress for one point
type UpdateResult struct {
	ID     uint64      `json:"id"`
	Stress tensor.Sym2 `json:"stress"`
}

// Store is the arena of quadrature points owned by one rank. Points are
// stored cell by cell in ascending cell order; a cell's points occupy
// NQ consecutive slots starting at its base index.
type Store struct {
	NQ int // Quadrature points per cell

	points    []QuadraturePoint
	cells     []int
	cellBase  map[int]int // global cell → arena index of q = 0
	table     material.Table
	estimator Estimator
}

// New returns an empty store using the gonum estimator
func New() *Store {
	return &Store{estimator: ContractEstimator{}}
}

// SetEstimator replaces the stress-estimate evaluator
func (s *Store) SetEstimator(e Estimator) {
	if e == nil {
		e = ContractEstimator{}
	}
	s.estimator = e
}

// Initialize allocates one point per (cell, q), seeds stiffness and density
// from the material table and assigns ids. Every cell must appear once.
func (s *Store) Initialize(cells []CellSpec, nQ int, table material.Table) error {
	if nQ <= 0 {
		return fmt.Errorf("invalid quadrature count %d", nQ)
	}
	if len(table) == 0 {
		return fmt.Errorf("empty material table: %w", ErrMaterialMismatch)
	}

	s.NQ = nQ
	s.table = table
	s.points = make([]QuadraturePoint, 0, len(cells)*nQ)
	s.cells = make([]int, 0, len(cells))
	s.cellBase = make(map[int]int, len(cells))

	for _, cs := range cells {
		if cs.Cell < 0 {
			return fmt.Errorf("negative cell index %d", cs.Cell)
		}
		if _, dup := s.cellBase[cs.Cell]; dup {
			return fmt.Errorf("cell %d listed twice: %w", cs.Cell, ErrDuplicatePointID)
		}
		if cs.MaterialID < 0 || cs.MaterialID >= len(table) {
			return fmt.Errorf("cell %d material %d, table has %d: %w",
				cs.Cell, cs.MaterialID, len(table), ErrMaterialMismatch)
		}
		m := table[cs.MaterialID]
		s.cellBase[cs.Cell] = len(s.points)
		s.cells = append(s.cells, cs.Cell)
		for q := 0; q < nQ; q++ {
			s.points = append(s.points, QuadraturePoint{
				ID:           uint64(cs.Cell)*uint64(nQ) + uint64(q),
				Cell:         cs.Cell,
				Q:            q,
				MaterialID:   cs.MaterialID,
				Stiffness:    m.Stiffness,
				OldStiffness: m.Stiffness,
				Density:      m.Density,
			})
		}
	}
	return nil
}

// Len is the number of owned points
func (s *Store) Len() int { return len(s.points) }

// Cells returns the owned cells in arena order
func (s *Store) Cells() []int { return s.cells }

// Materials returns the table the store was seeded from
func (s *Store) Materials() material.Table { return s.table }

// Point returns the i-th point of the arena
func (s *Store) Point(i int) *QuadraturePoint { return &s.points[i] }

// Index returns the arena index of (cell, q)
func (s *Store) Index(cell, q int) (int, bool) {
	base, ok := s.cellBase[cell]
	if !ok || q < 0 || q >= s.NQ {
		return -1, false
	}
	return base + q, true
}

// Lookup returns the arena index of id
func (s *Store) Lookup(id uint64) (int, error) {
	if s.NQ == 0 {
		return -1, ErrNotInitialized
	}
	cell, q := int(id/uint64(s.NQ)), int(id%uint64(s.NQ))
	i, ok := s.Index(cell, q)
	if !ok {
		return -1, ErrUnknownPointID
	}
	return i, nil
}

// Each visits the points in arena order
func (s *Store) Each(fn func(i int, p *QuadraturePoint)) {
	for i := range s.points {
		fn(i, &s.points[i])
	}
}

// BeginIteration resets the per-iteration increments on the first Newton
// iteration of a step
func (s *Store) BeginIteration(newtonStep int) {
	if newtonStep != 0 {
		return
	}
	for i := range s.points {
		s.points[i].IncrementStrain = tensor.Sym2{}
		s.points[i].IncrementStress = tensor.Sym2{}
	}
}

// SnapshotOld copies the current strain, stress and stiffness into the
// old_* fields ahead of a displacement-field evaluation
func (s *Store) SnapshotOld() {
	for i := range s.points {
		p := &s.points[i]
		p.OldStrain = p.NewStrain
		p.OldStress = p.NewStress
		p.OldStiffness = p.Stiffness
	}
}

// ApplyStrainIncrement adds delta to the increment, total and update strain
func (s *Store) ApplyStrainIncrement(id uint64, delta tensor.Sym2) error {
	i, err := s.Lookup(id)
	if err != nil {
		return &ProtocolError{Kind: err, ID: id, Detail: "strain increment"}
	}
	s.applyAt(i, delta)
	return nil
}

func (s *Store) applyAt(i int, delta tensor.Sym2) {
	p := &s.points[i]
	p.IncrementStrain = p.IncrementStrain.Add(delta)
	p.NewStrain = p.NewStrain.Add(delta)
	p.UpdateStrain = p.UpdateStrain.Add(delta)
}

// ApplyStrainIncrementAt is ApplyStrainIncrement by arena index
func (s *Store) ApplyStrainIncrementAt(i int, delta tensor.Sym2) {
	s.applyAt(i, delta)
}

// CollectPendingUpdates returns one request per owned point in cell then
// quadrature order
func (s *Store) CollectPendingUpdates() ([]UpdateRequest, error) {
	n := len(s.points)
	stiff := make([]tensor.Sym4, n)
	strain := make([]tensor.Sym2, n)
	for i := range s.points {
		stiff[i] = s.points[i].Stiffness
		strain[i] = s.points[i].NewStrain
	}
	est := make([]tensor.Sym2, n)
	if err := s.estimator.Estimate(stiff, strain, est); err != nil {
		return nil, fmt.Errorf("stress estimate: %w", err)
	}

	reqs := make([]UpdateRequest, n)
	for i := range s.points {
		p := &s.points[i]
		reqs[i] = UpdateRequest{
			ID:             p.ID,
			MaterialID:     int32(p.MaterialID),
			UpdateStrain:   p.UpdateStrain,
			StressEstimate: est[i],
		}
	}
	return reqs, nil
}

// AbsorbResult overwrites the point's stress with the fine-scale result
// and clears its update strain
func (s *Store) AbsorbResult(r UpdateResult) error {
	i, err := s.Lookup(r.ID)
	if err != nil {
		return &ProtocolError{Kind: err, ID: r.ID, Detail: "absorb"}
	}
	p := &s.points[i]
	p.IncrementStress = p.IncrementStress.Add(r.Stress.Sub(p.NewStress))
	p.NewStress = r.Stress
	p.UpdateStrain = tensor.Sym2{}
	return nil
}

// Restore sets the history fields saved in a checkpoint
func (s *Store) Restore(i int, updateStrain, stress tensor.Sym2) {
	p := &s.points[i]
	p.UpdateStrain = updateStrain
	p.NewStress = stress
}

// SetTotalStrain replaces the running total strain, used on restart where
// it is recomputed from the restored displacement
func (s *Store) SetTotalStrain(i int, strain tensor.Sym2) {
	s.points[i].NewStrain = strain
}
