package partitions

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTooFewCells is returned when there are fewer active cells than ranks
var ErrTooFewCells = errors.New("fewer active cells than ranks")

// PartitionBuilder assigns active cells to ranks
type PartitionBuilder struct {
	NumCells      int // Active cells in the mesh
	NumPartitions int // One partition per rank
	Strategy      PartitionStrategy
}

// PartitionStrategy defines how cells are grouped
type PartitionStrategy int

const (
	BlockPartition PartitionStrategy = iota // Consecutive cells
	RoundRobin                              // Distribute cyclically
)

func (s PartitionStrategy) String() string {
	switch s {
	case BlockPartition:
		return "block"
	case RoundRobin:
		return "round-robin"
	}
	return fmt.Sprintf("PartitionStrategy(%d)", int(s))
}

// ParseStrategy maps a configuration name onto a strategy
func ParseStrategy(name string) (PartitionStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "block":
		return BlockPartition, nil
	case "round-robin", "roundrobin", "cyclic":
		return RoundRobin, nil
	}
	return 0, fmt.Errorf("unknown partition strategy %q", name)
}

// BuildPartitions creates a partition layout over NumCells cells
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	if pb.NumPartitions < 1 {
		return nil, fmt.Errorf("invalid partition count %d", pb.NumPartitions)
	}
	if pb.NumCells < pb.NumPartitions {
		return nil, fmt.Errorf("%d cells, %d ranks: %w",
			pb.NumCells, pb.NumPartitions, ErrTooFewCells)
	}

	cToP, err := pb.partitionCells()
	if err != nil {
		return nil, err
	}

	partitions := pb.createPartitions(cToP)

	maxCells := 0
	for _, p := range partitions {
		if p.NumCells > maxCells {
			maxCells = p.NumCells
		}
	}

	layout := &PartitionLayout{
		Partitions:    partitions,
		MaxCells:      maxCells,
		TotalCells:    pb.NumCells,
		NumPartitions: pb.NumPartitions,
		CToP:          cToP,
	}

	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}

	return layout, nil
}

// partitionCells assigns cells to partitions
func (pb *PartitionBuilder) partitionCells() ([]int, error) {
	cToP := make([]int, pb.NumCells)

	switch pb.Strategy {
	case BlockPartition:
		// floor(c*P/N) gives every partition floor or ceil of N/P cells
		for c := 0; c < pb.NumCells; c++ {
			cToP[c] = c * pb.NumPartitions / pb.NumCells
		}

	case RoundRobin:
		for c := 0; c < pb.NumCells; c++ {
			cToP[c] = c % pb.NumPartitions
		}

	default:
		return nil, fmt.Errorf("unsupported partition strategy %v", pb.Strategy)
	}

	return cToP, nil
}

// createPartitions builds partition structures from cell assignments
func (pb *PartitionBuilder) createPartitions(cToP []int) []Partition {
	partitions := make([]Partition, pb.NumPartitions)
	for i := range partitions {
		partitions[i] = Partition{
			ID:    i,
			Cells: make([]int, 0, pb.NumCells/pb.NumPartitions+1),
		}
	}

	for cell, part := range cToP {
		partitions[part].Cells = append(partitions[part].Cells, cell)
		partitions[part].NumCells++
	}

	return partitions
}
