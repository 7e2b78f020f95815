package history

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/scalebridge/material"
	"github.com/notargets/scalebridge/partitions"
	"github.com/notargets/scalebridge/tensor"
)

func testTable() material.Table {
	return material.Table{
		{Name: "soft", Stiffness: tensor.Isotropic(1, 1), Density: 1000},
		{Name: "hard", Stiffness: tensor.Isotropic(10, 5), Density: 8000},
	}
}

func newStore(t *testing.T, cells []CellSpec, nQ int) *Store {
	t.Helper()
	s := New()
	require.NoError(t, s.Initialize(cells, nQ, testTable()))
	return s
}

func TestInitialize(t *testing.T) {
	s := newStore(t, []CellSpec{{Cell: 3, MaterialID: 1}, {Cell: 7, MaterialID: 0}}, 8)
	require.Equal(t, 16, s.Len())
	assert.Equal(t, []int{3, 7}, s.Cells())

	p := s.Point(9)
	assert.Equal(t, uint64(7*8+1), p.ID)
	assert.Equal(t, 7, p.Cell)
	assert.Equal(t, 1, p.Q)
	assert.Equal(t, 0, p.MaterialID)
	assert.Equal(t, 1000., p.Density)
	assert.True(t, p.NewStrain.IsZero())
	assert.True(t, p.NewStress.IsZero())

	// every point of a cell shares the cell's material
	for q := 0; q < 8; q++ {
		i, ok := s.Index(3, q)
		require.True(t, ok)
		assert.Equal(t, 1, s.Point(i).MaterialID)
		assert.Equal(t, tensor.Isotropic(10, 5), s.Point(i).Stiffness)
	}
}

func TestInitializeRejects(t *testing.T) {
	s := New()
	err := s.Initialize([]CellSpec{{Cell: 1}, {Cell: 1}}, 8, testTable())
	assert.ErrorIs(t, err, ErrDuplicatePointID)

	err = s.Initialize([]CellSpec{{Cell: 1, MaterialID: 2}}, 8, testTable())
	assert.ErrorIs(t, err, ErrMaterialMismatch)

	err = s.Initialize([]CellSpec{{Cell: 1}}, 0, testTable())
	assert.Error(t, err)
}

// Ids issued by every rank together are unique and cover [0, total points)
func TestIDUniquenessAcrossRanks(t *testing.T) {
	const nCells, nQ = 23, 8
	for _, strategy := range []partitions.PartitionStrategy{partitions.BlockPartition, partitions.RoundRobin} {
		for ranks := 1; ranks <= 6; ranks++ {
			t.Run(fmt.Sprintf("%v/ranks=%d", strategy, ranks), func(t *testing.T) {
				pb := &partitions.PartitionBuilder{NumCells: nCells, NumPartitions: ranks, Strategy: strategy}
				layout, err := pb.BuildPartitions()
				require.NoError(t, err)

				seen := make(map[uint64]bool)
				for r := 0; r < ranks; r++ {
					var cells []CellSpec
					for _, c := range layout.Partitions[r].Cells {
						cells = append(cells, CellSpec{Cell: c, MaterialID: c % 2})
					}
					s := newStore(t, cells, nQ)
					s.Each(func(_ int, p *QuadraturePoint) {
						if seen[p.ID] {
							t.Fatalf("id %d issued twice", p.ID)
						}
						seen[p.ID] = true
					})
				}
				require.Len(t, seen, nCells*nQ)
				for id := uint64(0); id < nCells*nQ; id++ {
					assert.True(t, seen[id], "id %d missing", id)
				}
			})
		}
	}
}

func TestStrainLifecycle(t *testing.T) {
	s := newStore(t, []CellSpec{{Cell: 0}}, 2)
	d := tensor.Sym2{1.e-3, 0, 0, 2.e-4, 0, 0}

	s.BeginIteration(0)
	require.NoError(t, s.ApplyStrainIncrement(1, d))
	require.NoError(t, s.ApplyStrainIncrement(1, d))
	p := s.Point(1)
	assert.Equal(t, d.Scale(2), p.NewStrain)
	assert.Equal(t, d.Scale(2), p.IncrementStrain)
	assert.Equal(t, d.Scale(2), p.UpdateStrain)
	assert.True(t, s.Point(0).UpdateStrain.IsZero())

	// later Newton iterations keep the increments
	s.BeginIteration(1)
	assert.Equal(t, d.Scale(2), p.IncrementStrain)
	s.BeginIteration(0)
	assert.True(t, p.IncrementStrain.IsZero())
	assert.Equal(t, d.Scale(2), p.UpdateStrain)

	s.SnapshotOld()
	assert.Equal(t, p.NewStrain, p.OldStrain)
}

func TestCollectPendingUpdates(t *testing.T) {
	s := newStore(t, []CellSpec{{Cell: 5, MaterialID: 1}, {Cell: 2, MaterialID: 0}}, 2)
	eps := tensor.Sym2{1.e-3, 0, 0, 0, 0, 0}
	require.NoError(t, s.ApplyStrainIncrement(5*2+1, eps))

	reqs, err := s.CollectPendingUpdates()
	require.NoError(t, err)
	require.Len(t, reqs, 4)
	ids := make([]uint64, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	assert.Equal(t, []uint64{10, 11, 4, 5}, ids)
	assert.Equal(t, int32(1), reqs[1].MaterialID)
	assert.Equal(t, eps, reqs[1].UpdateStrain)
	// (λ+2μ)ε with λ=10, μ=5
	assert.InDeltaSlicef(t, []float64{20.e-3, 10.e-3, 10.e-3, 0, 0, 0}, reqs[1].StressEstimate[:], 1.e-15, "")
	assert.True(t, reqs[0].StressEstimate.IsZero())
}

func TestAbsorbResultRoundTrip(t *testing.T) {
	s := newStore(t, []CellSpec{{Cell: 0}}, 8)
	eps := tensor.Sym2{0, 0, 1.e-4, 0, 3.e-5, 0}
	require.NoError(t, s.ApplyStrainIncrement(4, eps))

	stress := tensor.Sym2{0.1, 0.2, 0.30000000000000004, 1.e-17, -5, 6}
	require.NoError(t, s.AbsorbResult(UpdateResult{ID: 4, Stress: stress}))
	p := s.Point(4)
	assert.True(t, p.UpdateStrain.IsZero())
	assert.Equal(t, stress, p.NewStress)
	assert.Equal(t, stress, p.IncrementStress)
	assert.Equal(t, eps, p.NewStrain)
}

func TestAbsorbUnknownID(t *testing.T) {
	s := newStore(t, []CellSpec{{Cell: 0}}, 8)
	err := s.AbsorbResult(UpdateResult{ID: 8})
	assert.ErrorIs(t, err, ErrUnknownPointID)
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, uint64(8), pe.ID)
	assert.True(t, IsProtocolViolation(err))

	assert.ErrorIs(t, s.ApplyStrainIncrement(99, tensor.Sym2{}), ErrUnknownPointID)
	_, err = New().Lookup(0)
	assert.ErrorIs(t, err, ErrNotInitialized)
}
