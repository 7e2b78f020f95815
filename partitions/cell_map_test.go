package partitions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellMapRoundRobin(t *testing.T) {
	pb := &PartitionBuilder{NumCells: 5, NumPartitions: 2, Strategy: RoundRobin}
	layout, err := pb.BuildPartitions()
	require.NoError(t, err)

	cm, err := NewCellMap(layout, 8)
	require.NoError(t, err)
	require.NoError(t, cm.Verify())

	assert.Equal(t, []int{0, 2, 4}, cm.OwnedCells(0))
	assert.Equal(t, []int{1, 3}, cm.OwnedCells(1))
	assert.Equal(t, []int{0, 24, 40}, cm.PointOffsets)
	assert.Equal(t, 24, cm.PointCount(0))
	assert.Equal(t, 16, cm.PointCount(1))

	l, ok := cm.LocalCell(1, 3)
	assert.True(t, ok)
	assert.Equal(t, 1, l)
	_, ok = cm.LocalCell(1, 2)
	assert.False(t, ok)

	// Second cell of rank 1, point 5 → after rank 0's 24 points
	assert.Equal(t, 24+8+5, cm.GatheredPosition(1, 1, 5))
}

func TestCellMapGatheredPositionsAreABijection(t *testing.T) {
	for ranks := 1; ranks <= 4; ranks++ {
		pb := &PartitionBuilder{NumCells: 11, NumPartitions: ranks, Strategy: BlockPartition}
		layout, err := pb.BuildPartitions()
		require.NoError(t, err)
		cm, err := NewCellMap(layout, 4)
		require.NoError(t, err)

		seen := make(map[int]bool)
		for p := 0; p < ranks; p++ {
			for l := range cm.OwnedCells(p) {
				for q := 0; q < cm.NQ; q++ {
					pos := cm.GatheredPosition(p, l, q)
					if seen[pos] {
						t.Fatalf("ranks=%d: position %d used twice", ranks, pos)
					}
					seen[pos] = true
				}
			}
		}
		assert.Len(t, seen, 11*4)
	}
}

func TestNewCellMapRejectsBadInput(t *testing.T) {
	_, err := NewCellMap(nil, 8)
	assert.Error(t, err)
	_, err = NewCellMap(&PartitionLayout{TotalCells: 2, NumPartitions: 1, CToP: []int{0, 0}}, 0)
	assert.Error(t, err)
	_, err = NewCellMap(&PartitionLayout{TotalCells: 2, NumPartitions: 1, CToP: []int{0, 3}}, 1)
	assert.Error(t, err)
}
