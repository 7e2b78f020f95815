package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/notargets/scalebridge/checkpoint"
	"github.com/notargets/scalebridge/config"
	"github.com/notargets/scalebridge/finescale"
	"github.com/notargets/scalebridge/logging"
	"github.com/notargets/scalebridge/material"
	"github.com/notargets/scalebridge/simulation"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "scalebridge",
		Short: "Explicit dynamic finite element solver coupled to a fine-scale material model",
		Long: `scalebridge advances a coarse-scale explicit dynamics problem and hands the
strain increment of every quadrature point to a fine-scale solver each step.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newFineScaleCmd(), newCheckpointCmd(), newVersionCmd())
	return root
}

// loadConfig reads the configuration file and builds the process logger
func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		rank       int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured simulation",
		Long: `Runs every configured step. With the local transport all ranks run in this
process; with the websocket transport start one process per rank, rank 0 first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return simulation.Launch(ctx, cfg, rank, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "scalebridge.yaml", "Run configuration file")
	cmd.Flags().IntVar(&rank, "rank", 0, "Rank of this process with the websocket transport")
	return cmd
}

func newFineScaleCmd() *cobra.Command {
	fs := &cobra.Command{
		Use:   "finescale",
		Short: "Fine-scale solver endpoints",
	}
	var (
		configPath string
		listen     string
	)
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the elastic fine-scale model over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			table, err := material.Load(cfg.Directories.StateIn, cfg.Materials.Names)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveFineScale(ctx, listen, finescale.NewElastic(table), logger)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "scalebridge.yaml", "Run configuration file, for the materials")
	serve.Flags().StringVar(&listen, "listen", ":8080", "Listen address")
	fs.AddCommand(serve)
	return fs
}

func serveFineScale(ctx context.Context, addr string, model *finescale.Elastic, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           finescale.NewRouter(model, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("serving fine scale", "addr", addr, "materials", model.Table.Names())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

func newCheckpointCmd() *cobra.Command {
	cp := &cobra.Command{
		Use:   "checkpoint",
		Short: "Work with restart checkpoints",
	}
	inspect := &cobra.Command{
		Use:   "inspect [dir]",
		Short: "Summarize the checkpoint files in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := checkpoint.Inspect(args[0])
			if err != nil {
				return err
			}
			if s.Manifest == nil && s.Solution == nil && s.Velocity == nil && len(s.History) == 0 {
				return fmt.Errorf("no checkpoint in %s", args[0])
			}
			s.Print(cmd.OutOrStdout())
			return nil
		},
	}
	cp.AddCommand(inspect)
	return cp
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "scalebridge", version)
		},
	}
}
