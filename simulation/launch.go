package simulation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/notargets/scalebridge/comm"
	"github.com/notargets/scalebridge/config"
	"github.com/notargets/scalebridge/logging"
	"github.com/notargets/scalebridge/metrics"
)

// Launch runs the configured simulation from this process. With the local
// transport every rank runs here; with the websocket transport this process
// is the given rank and the others connect over the network.
func Launch(ctx context.Context, cfg *config.Config, rank int, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Metrics.Addr != "" && rank == comm.Root {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Error("metrics endpoint stopped", "error", err)
			}
		}()
	}

	if cfg.Transport.Kind == "" || cfg.Transport.Kind == "local" {
		return comm.RunLocal(ctx, cfg.Ranks, func(ctx context.Context, c *comm.Comm) error {
			return runRank(ctx, cfg, c, logging.ForRank(logger, c.Rank()))
		})
	}

	c, err := connect(ctx, cfg, rank, logger)
	if err != nil {
		return err
	}
	defer c.Close()
	return runRank(ctx, cfg, c, logging.ForRank(logger, rank))
}

func runRank(ctx context.Context, cfg *config.Config, c *comm.Comm, logger *slog.Logger) error {
	sim, err := Setup(ctx, cfg, c, logger)
	if err != nil {
		return c.Abort(fmt.Errorf("setup: %w", err))
	}
	defer sim.Close()
	return sim.Run(ctx)
}

// connect joins the websocket world, as coordinator when rank is the root
func connect(ctx context.Context, cfg *config.Config, rank int, logger *slog.Logger) (*comm.Comm, error) {
	tc := cfg.Transport
	setup, cancel := ctx, context.CancelFunc(func() {})
	if tc.Timeout > 0 {
		setup, cancel = context.WithTimeout(ctx, tc.Timeout)
	}
	defer cancel()
	if rank == comm.Root {
		hub, err := comm.Listen(tc.Listen, cfg.Ranks, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("waiting for ranks", "addr", hub.Addr(), "ranks", cfg.Ranks)
		t, err := hub.Wait(setup)
		if err != nil {
			return nil, err
		}
		return comm.New(t), nil
	}
	t, err := comm.Dial(setup, tc.Coordinator, rank, cfg.Ranks, logger)
	if err != nil {
		return nil, err
	}
	return comm.New(t), nil
}
