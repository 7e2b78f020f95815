// Package bridge exchanges strain updates and fine-scale stresses between
// the ranks owning quadrature points and the fine-scale solver.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/notargets/scalebridge/comm"
	"github.com/notargets/scalebridge/history"
	"github.com/notargets/scalebridge/metrics"
)

// StepInfo identifies the exchange to the fine-scale solver
type StepInfo struct {
	RunID  string  `json:"run_id"`
	Step   int     `json:"step"`
	Newton int     `json:"newton"`
	Time   float64 `json:"time"`
}

// FineScale turns strain updates into stresses. It must return exactly one
// result per request, in any order; the id is the only correlation key.
type FineScale interface {
	Update(ctx context.Context, info StepInfo, reqs []history.UpdateRequest) ([]history.UpdateResult, error)
}

// Stats describes one exchange
type Stats struct {
	LocalRequests  int
	GlobalRequests int
	GlobalResults  int
	Counts         []int // Requests contributed by each rank
	Elapsed        time.Duration
}

// Bridge runs the exchange for one rank. Fine is only consulted on the
// coordinator and may be nil elsewhere.
type Bridge struct {
	Comm   *comm.Comm
	Fine   FineScale
	Logger *slog.Logger
}

func New(c *comm.Comm, fine FineScale, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{Comm: c, Fine: fine, Logger: logger}
}

// Exchange collects the local requests, gathers them on the coordinator in
// rank order, obtains the results and absorbs the ones this rank owns.
// Every rank must call it, including ranks without points. Any protocol
// violation aborts the communicator on every rank.
func (b *Bridge) Exchange(ctx context.Context, store *history.Store, info StepInfo) (Stats, error) {
	start := time.Now()
	c := b.Comm
	var stats Stats

	reqs, err := store.CollectPendingUpdates()
	if err != nil {
		return stats, c.Abort(err)
	}
	stats.LocalRequests = len(reqs)

	all, counts, err := comm.Gatherv(ctx, c, reqs, RequestCodec)
	if err != nil {
		return stats, fmt.Errorf("gather requests: %w", err)
	}
	stats.Counts = counts
	for _, n := range counts {
		stats.GlobalRequests += n
	}

	var results []history.UpdateResult
	if c.IsRoot() {
		results, err = b.resolve(ctx, info, all)
		if err != nil {
			metrics.ProtocolViolations.Inc()
			return stats, c.Abort(err)
		}
	}
	results, err = comm.Bcastv(ctx, c, results, ResultCodec)
	if err != nil {
		return stats, fmt.Errorf("broadcast results: %w", err)
	}
	stats.GlobalResults = len(results)

	if err := b.absorb(store, reqs, results); err != nil {
		metrics.ProtocolViolations.Inc()
		return stats, c.Abort(err)
	}

	stats.Elapsed = time.Since(start)
	if c.IsRoot() {
		metrics.ExchangeDuration.Observe(stats.Elapsed.Seconds())
		metrics.ExchangeRequests.Observe(float64(stats.GlobalRequests))
		b.Logger.Debug("scale bridge exchange",
			"step", info.Step, "newton", info.Newton,
			"requests", stats.GlobalRequests, "counts", counts,
			"elapsed", stats.Elapsed)
	}
	return stats, nil
}

// resolve calls the fine-scale solver and checks the result set
func (b *Bridge) resolve(ctx context.Context, info StepInfo, reqs []history.UpdateRequest) ([]history.UpdateResult, error) {
	if b.Fine == nil {
		return nil, fmt.Errorf("coordinator has no fine-scale solver")
	}
	results, err := b.Fine.Update(ctx, info, reqs)
	if err != nil {
		return nil, fmt.Errorf("fine-scale update: %w", err)
	}
	if len(results) != len(reqs) {
		return nil, &history.ProtocolError{
			Kind:   history.ErrCountMismatch,
			Rank:   comm.Root,
			Detail: fmt.Sprintf("%d requests, %d results", len(reqs), len(results)),
		}
	}
	seen := make(map[uint64]struct{}, len(results))
	for _, r := range results {
		if _, dup := seen[r.ID]; dup {
			return nil, &history.ProtocolError{Kind: history.ErrDuplicateResult, ID: r.ID, Rank: comm.Root}
		}
		seen[r.ID] = struct{}{}
	}
	return results, nil
}

// absorb applies the result for every local request
func (b *Bridge) absorb(store *history.Store, reqs []history.UpdateRequest, results []history.UpdateResult) error {
	byID := make(map[uint64]int, len(results))
	for i, r := range results {
		byID[r.ID] = i
	}
	for _, req := range reqs {
		i, ok := byID[req.ID]
		if !ok {
			return &history.ProtocolError{Kind: history.ErrMissingUpdate, ID: req.ID, Rank: b.Comm.Rank()}
		}
		if err := store.AbsorbResult(results[i]); err != nil {
			return err
		}
	}
	return nil
}
