// Package metrics holds the Prometheus collectors of a run
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StepsTotal counts closed timesteps
	StepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalebridge_steps_total",
		Help: "Total closed timesteps",
	})

	// NewtonIterations counts Newton iterations over all steps
	NewtonIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalebridge_newton_iterations_total",
		Help: "Total Newton iterations",
	})

	// StepDuration tracks wall time per timestep
	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scalebridge_step_duration_seconds",
		Help:    "Timestep duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
	})

	// ExchangeDuration tracks the scale-bridge rendezvous on the coordinator
	ExchangeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scalebridge_exchange_duration_seconds",
		Help:    "Fine-scale exchange duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18),
	})

	// ExchangeRequests tracks the global update list length
	ExchangeRequests = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scalebridge_exchange_requests",
		Help:    "Quadrature point updates per exchange",
		Buckets: prometheus.ExponentialBuckets(1, 4, 12),
	})

	// ProtocolViolations counts exchanges aborted on a protocol violation
	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalebridge_protocol_violations_total",
		Help: "Exchanges aborted on a protocol violation",
	})

	// Residual is the last reported residual norm by phase
	Residual = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scalebridge_residual_norm",
		Help: "Last residual norm",
	}, []string{"phase"})

	// SolverIterations tracks linear solver iterations
	SolverIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scalebridge_solver_iterations",
		Help:    "Linear solver iterations per solve",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	// SolverNotConverged counts solves that stopped above tolerance
	SolverNotConverged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scalebridge_solver_not_converged_total",
		Help: "Linear solves that did not reach tolerance",
	})

	// CheckpointsTotal counts checkpoints by result
	CheckpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalebridge_checkpoints_total",
		Help: "Checkpoints written by result",
	}, []string{"result"})

	// FineScaleRequests counts updates served by the fine-scale endpoint
	FineScaleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scalebridge_finescale_requests_total",
		Help: "Fine-scale endpoint requests by result",
	}, []string{"result"})
)

// Serve exposes the default registry on addr until ctx ends
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("serving metrics", "addr", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}
