// Package finescale provides fine-scale solvers behind the bridge contract:
// a deterministic elastic stand-in, an HTTP client, and a gin server that
// exposes any solver over HTTP.
package finescale

import (
	"context"
	"fmt"
	"sync"

	"github.com/notargets/scalebridge/bridge"
	"github.com/notargets/scalebridge/history"
	"github.com/notargets/scalebridge/material"
	"github.com/notargets/scalebridge/tensor"
)

// Elastic answers every update with prev + C_m : update_strain, where prev
// is the stress it last returned for the id and C_m the stiffness of the
// request's material. Results are deterministic, so a run against Elastic
// is reproducible bit for bit.
type Elastic struct {
	Table   material.Table
	Reverse bool // Return results in reverse request order

	mu     sync.Mutex
	stress map[uint64]tensor.Sym2
}

var _ bridge.FineScale = (*Elastic)(nil)

func NewElastic(table material.Table) *Elastic {
	return &Elastic{Table: table, stress: make(map[uint64]tensor.Sym2)}
}

func (e *Elastic) Update(ctx context.Context, info bridge.StepInfo, reqs []history.UpdateRequest) ([]history.UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stress == nil {
		e.stress = make(map[uint64]tensor.Sym2)
	}

	results := make([]history.UpdateResult, len(reqs))
	for i, r := range reqs {
		if r.MaterialID < 0 || int(r.MaterialID) >= len(e.Table) {
			return nil, fmt.Errorf("step %d: point %d: material %d not in table of %d",
				info.Step, r.ID, r.MaterialID, len(e.Table))
		}
		s := e.stress[r.ID].Add(e.Table[r.MaterialID].Stiffness.Contract(r.UpdateStrain))
		e.stress[r.ID] = s
		results[i] = history.UpdateResult{ID: r.ID, Stress: s}
	}
	if e.Reverse {
		for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
			results[i], results[j] = results[j], results[i]
		}
	}
	return results, nil
}

// Seed sets the stress the next update for id accumulates onto, used when a
// run resumes from a checkpoint
func (e *Elastic) Seed(id uint64, stress tensor.Sym2) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stress == nil {
		e.stress = make(map[uint64]tensor.Sym2)
	}
	e.stress[id] = stress
}
