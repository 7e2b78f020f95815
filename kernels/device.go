// Package kernels runs the per-point stress estimate on an OCCA device
package kernels

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/notargets/gocca"
)

// Backends tried in order when no mode is configured
var backends = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// NewDevice creates a device for mode ("OpenMP", "CUDA", "Serial"), or the
// first backend that can be created when mode is empty or "auto".
func NewDevice(mode string, logger *slog.Logger) (*gocca.OCCADevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	candidates := backends
	switch strings.ToLower(mode) {
	case "", "auto":
	case "openmp":
		candidates = backends[0:1]
	case "cuda":
		candidates = backends[1:2]
	case "serial":
		candidates = backends[2:3]
	default:
		return nil, fmt.Errorf("unknown OCCA mode %q", mode)
	}

	var lastErr error
	for _, props := range candidates {
		device, err := gocca.NewDevice(props)
		if err == nil {
			logger.Info("created OCCA device", "mode", device.Mode())
			return device, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no OCCA device for mode %q: %w", mode, lastErr)
}
