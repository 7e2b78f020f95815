package partitions

import (
	"fmt"
	"math"
)

// Partition is the set of active cells owned by one rank
type Partition struct {
	// Rank that owns every cell of this partition
	ID int

	// Cell membership
	Cells    []int // Global active cell indices, ascending
	NumCells int   // Number of owned cells
}

// PartitionLayout manages the decomposition of the active cells across ranks
type PartitionLayout struct {
	// All partitions, indexed by rank
	Partitions []Partition

	// Global sizing information
	MaxCells      int // max(NumCells) across all partitions
	TotalCells    int // Sum of owned cells across partitions
	NumPartitions int // Number of ranks

	// Cell to partition mapping
	CToP []int // Length TotalCells: cell c belongs to partition CToP[c]
}

// GetPartition returns the rank owning cell c, or -1 when out of range
func (pl *PartitionLayout) GetPartition(cell int) int {
	if cell < 0 || cell >= len(pl.CToP) {
		return -1
	}
	return pl.CToP[cell]
}

// ValidateLayout checks partition consistency: every cell is owned by
// exactly one non-empty partition and the sizing fields agree.
func (pl *PartitionLayout) ValidateLayout() error {
	if len(pl.Partitions) != pl.NumPartitions {
		return fmt.Errorf("%d partitions stored, NumPartitions is %d",
			len(pl.Partitions), pl.NumPartitions)
	}
	if len(pl.CToP) != pl.TotalCells {
		return fmt.Errorf("CToP length %d != TotalCells %d", len(pl.CToP), pl.TotalCells)
	}

	actualMax, total := 0, 0
	seen := make([]bool, pl.TotalCells)
	for _, p := range pl.Partitions {
		if p.NumCells == 0 {
			return fmt.Errorf("partition %d owns no cells", p.ID)
		}
		if p.NumCells != len(p.Cells) {
			return fmt.Errorf("partition %d: NumCells %d != len(Cells) %d",
				p.ID, p.NumCells, len(p.Cells))
		}
		for i, c := range p.Cells {
			if c < 0 || c >= pl.TotalCells {
				return fmt.Errorf("partition %d: cell %d out of range", p.ID, c)
			}
			if seen[c] {
				return fmt.Errorf("cell %d owned more than once", c)
			}
			if pl.CToP[c] != p.ID {
				return fmt.Errorf("cell %d listed in partition %d but CToP says %d",
					c, p.ID, pl.CToP[c])
			}
			if i > 0 && c <= p.Cells[i-1] {
				return fmt.Errorf("partition %d: cells not ascending at %d", p.ID, i)
			}
			seen[c] = true
		}
		if p.NumCells > actualMax {
			actualMax = p.NumCells
		}
		total += p.NumCells
	}
	if total != pl.TotalCells {
		return fmt.Errorf("partitions own %d cells, TotalCells is %d", total, pl.TotalCells)
	}
	if actualMax != pl.MaxCells {
		return fmt.Errorf("computed MaxCells %d != stored MaxCells %d",
			actualMax, pl.MaxCells)
	}
	return nil
}

// PartitionStatistics computes load balance metrics
func (pl *PartitionLayout) PartitionStatistics() PartitionStats {
	stats := PartitionStats{
		NumPartitions: pl.NumPartitions,
		MinCells:      math.MaxInt32,
		MaxCells:      0,
		AvgCells:      float64(pl.TotalCells) / float64(pl.NumPartitions),
	}

	for _, p := range pl.Partitions {
		if p.NumCells < stats.MinCells {
			stats.MinCells = p.NumCells
		}
		if p.NumCells > stats.MaxCells {
			stats.MaxCells = p.NumCells
		}
	}

	stats.Imbalance = float64(stats.MaxCells) / stats.AvgCells

	return stats
}

type PartitionStats struct {
	NumPartitions int
	MinCells      int
	MaxCells      int
	AvgCells      float64
	Imbalance     float64 // MaxCells / AvgCells
}
