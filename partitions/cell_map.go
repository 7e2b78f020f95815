package partitions

import (
	"fmt"
)

// CellMap manages global/local cell numbering and the placement of each
// rank's quadrature points in the rank-ordered global point list.
type CellMap struct {
	NumPartitions int
	K             int // Total active cells
	NQ            int // Quadrature points per cell

	// Input ownership
	CToP []int // Cell → partition mapping

	// Partition mappings
	CellsPerPartition []int         // Cells per partition
	GlobalToLocalCell []map[int]int // [partition][globalCell] → localCell
	LocalToGlobalCell [][]int       // [partition][localCell] → globalCell

	// PointOffsets[p] is where partition p's points start in the gathered
	// list; PointOffsets[NumPartitions] is the global point count.
	PointOffsets []int
}

// NewCellMap creates a cell map from a partition layout
func NewCellMap(layout *PartitionLayout, nQ int) (*CellMap, error) {
	if layout == nil {
		return nil, fmt.Errorf("nil partition layout")
	}
	if layout.TotalCells <= 0 || nQ <= 0 {
		return nil, fmt.Errorf("invalid dimensions: K=%d, NQ=%d", layout.TotalCells, nQ)
	}
	if len(layout.CToP) != layout.TotalCells {
		return nil, fmt.Errorf("CToP length %d does not match K=%d",
			len(layout.CToP), layout.TotalCells)
	}

	cm := &CellMap{
		NumPartitions: layout.NumPartitions,
		K:             layout.TotalCells,
		NQ:            nQ,
		CToP:          layout.CToP,
	}

	if err := cm.buildPartitionMappings(); err != nil {
		return nil, err
	}
	cm.buildPointOffsets()

	return cm, nil
}

// buildPartitionMappings creates bidirectional mappings between global and
// local cell numbering
func (cm *CellMap) buildPartitionMappings() error {
	cm.CellsPerPartition = make([]int, cm.NumPartitions)
	for c, p := range cm.CToP {
		if p < 0 || p >= cm.NumPartitions {
			return fmt.Errorf("cell %d assigned to invalid partition %d", c, p)
		}
		cm.CellsPerPartition[p]++
	}

	cm.GlobalToLocalCell = make([]map[int]int, cm.NumPartitions)
	cm.LocalToGlobalCell = make([][]int, cm.NumPartitions)
	for p := 0; p < cm.NumPartitions; p++ {
		cm.GlobalToLocalCell[p] = make(map[int]int, cm.CellsPerPartition[p])
		cm.LocalToGlobalCell[p] = make([]int, 0, cm.CellsPerPartition[p])
	}

	for globalCell := 0; globalCell < cm.K; globalCell++ {
		partition := cm.CToP[globalCell]
		localCell := len(cm.LocalToGlobalCell[partition])

		cm.GlobalToLocalCell[partition][globalCell] = localCell
		cm.LocalToGlobalCell[partition] = append(cm.LocalToGlobalCell[partition], globalCell)
	}

	return nil
}

func (cm *CellMap) buildPointOffsets() {
	cm.PointOffsets = make([]int, cm.NumPartitions+1)
	for p := 0; p < cm.NumPartitions; p++ {
		cm.PointOffsets[p+1] = cm.PointOffsets[p] + cm.CellsPerPartition[p]*cm.NQ
	}
}

// LocalCell returns the local index of a global cell on partition p
func (cm *CellMap) LocalCell(p, globalCell int) (int, bool) {
	if p < 0 || p >= cm.NumPartitions {
		return 0, false
	}
	l, ok := cm.GlobalToLocalCell[p][globalCell]
	return l, ok
}

// OwnedCells returns the global cells of partition p in ascending order
func (cm *CellMap) OwnedCells(p int) []int {
	if p < 0 || p >= cm.NumPartitions {
		return nil
	}
	return cm.LocalToGlobalCell[p]
}

// PointCount returns the number of quadrature points owned by partition p
func (cm *CellMap) PointCount(p int) int {
	if p < 0 || p >= cm.NumPartitions {
		return 0
	}
	return cm.PointOffsets[p+1] - cm.PointOffsets[p]
}

// GatheredPosition returns where the q-th point of a local cell of
// partition p lands in the rank-ordered gathered list
func (cm *CellMap) GatheredPosition(p, localCell, q int) int {
	return cm.PointOffsets[p] + localCell*cm.NQ + q
}

// Verify checks index validity and conservation properties
func (cm *CellMap) Verify() error {
	// Local validity: local indices are dense and round-trip
	for p := 0; p < cm.NumPartitions; p++ {
		if len(cm.LocalToGlobalCell[p]) != cm.CellsPerPartition[p] {
			return fmt.Errorf("partition %d: %d local cells, expected %d",
				p, len(cm.LocalToGlobalCell[p]), cm.CellsPerPartition[p])
		}
		for l, g := range cm.LocalToGlobalCell[p] {
			if back, ok := cm.GlobalToLocalCell[p][g]; !ok || back != l {
				return fmt.Errorf("partition %d: cell %d does not round-trip (local %d)",
					p, g, l)
			}
		}
	}

	// Conservation: every global point lands in exactly one gathered slot
	total := 0
	for p := 0; p < cm.NumPartitions; p++ {
		total += cm.CellsPerPartition[p] * cm.NQ
	}
	if total != cm.K*cm.NQ || cm.PointOffsets[cm.NumPartitions] != total {
		return fmt.Errorf("conservation error: gathered points %d != total points %d",
			cm.PointOffsets[cm.NumPartitions], cm.K*cm.NQ)
	}

	return nil
}
