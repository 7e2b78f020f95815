// Package config loads and validates the YAML run configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/notargets/scalebridge/material"
	"github.com/notargets/scalebridge/partitions"
	"github.com/notargets/scalebridge/problem"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Problem     Problem     `yaml:"problem"`
	Mesh        Mesh        `yaml:"mesh"`
	Time        Time        `yaml:"time"`
	Materials   Materials   `yaml:"materials"`
	Directories Directories `yaml:"directories"`
	Frequencies Frequencies `yaml:"frequencies"`
	Solver      Solver      `yaml:"solver"`
	Newton      Newton      `yaml:"newton"`
	Ranks       int         `yaml:"ranks"`
	Partition   string      `yaml:"partition"` // block or round-robin
	Transport   Transport   `yaml:"transport"`
	FineScale   FineScale   `yaml:"finescale"`
	Estimator   Estimator   `yaml:"estimator"`
	Metrics     Metrics     `yaml:"metrics"`
	Log         Log         `yaml:"log"`
}

type Problem struct {
	Class           string     `yaml:"class"` // drop weight, dogbone, compact tension
	AccelerateSteps int        `yaml:"accelerate_steps"`
	Acceleration    float64    `yaml:"acceleration"`
	Diameter        float64    `yaml:"diameter"`
	Velocity        float64    `yaml:"velocity"`
	BodyForce       [3]float64 `yaml:"body_force"`
}

type Mesh struct {
	Size  [3]float64 `yaml:"size"`
	Cells [3]int     `yaml:"cells"`
}

type Time struct {
	Start int     `yaml:"start"` // First step, restarts continue from here
	End   int     `yaml:"end"`   // Last step, inclusive
	Dt    float64 `yaml:"dt"`
}

type Materials struct {
	Names       []string  `yaml:"names"`
	Style       string    `yaml:"style"`
	Proportions []float64 `yaml:"proportions"`
	Seed        uint64    `yaml:"seed"`
}

// Distribution returns the microstructure generator of the materials
func (m Materials) Distribution() material.Distribution {
	return material.Distribution{Style: m.Style, Proportions: m.Proportions, Seed: m.Seed}
}

type Directories struct {
	StateIn  string `yaml:"state_in"`  // Material tables
	StateOut string `yaml:"state_out"` // Material echo and cell map
	Restart  string `yaml:"restart"`   // Checkpoints
	Log      string `yaml:"log"`       // Force and history logs
}

// Frequencies are in steps, 0 disables
type Frequencies struct {
	Checkpoint  int `yaml:"checkpoint"`
	LoadedForce int `yaml:"loaded_force"`
	History     int `yaml:"history"`
}

type Solver struct {
	Name          string  `yaml:"name"` // cg or diagonal
	Tolerance     float64 `yaml:"tolerance"`
	MaxIterations int     `yaml:"max_iterations"` // 0 means the dof count
}

// Newton iteration is off unless both fields are set, with max_steps of at
// least 2
type Newton struct {
	Tolerance float64 `yaml:"tolerance"`
	MaxSteps  int     `yaml:"max_steps"`
}

type Transport struct {
	Kind        string        `yaml:"kind"`        // local or websocket
	Listen      string        `yaml:"listen"`      // Coordinator listen address
	Coordinator string        `yaml:"coordinator"` // Coordinator URL dialled by other ranks
	Timeout     time.Duration `yaml:"timeout"`     // Connection setup
}

type FineScale struct {
	Kind    string        `yaml:"kind"` // elastic or http
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Estimator struct {
	Kind   string `yaml:"kind"`   // gonum or occa
	Device string `yaml:"device"` // OCCA mode, empty for auto
}

type Metrics struct {
	Addr string `yaml:"addr"` // Empty disables the endpoint
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

func Default() *Config {
	return &Config{
		Problem: Problem{
			Class:           "drop weight",
			AccelerateSteps: 10,
			Acceleration:    1e3,
			Diameter:        0.02,
		},
		Mesh: Mesh{
			Size:  [3]float64{0.1, 0.1, 0.01},
			Cells: [3]int{10, 10, 2},
		},
		Time: Time{Start: 1, End: 100, Dt: 1e-6},
		Materials: Materials{
			Names:       []string{"matrix"},
			Style:       "uniform",
			Proportions: []float64{1},
			Seed:        1,
		},
		Directories: Directories{
			StateIn:  "input",
			StateOut: "output",
			Restart:  "restart",
			Log:      "log",
		},
		Frequencies: Frequencies{Checkpoint: 10, LoadedForce: 1, History: 10},
		Solver:      Solver{Name: "cg", Tolerance: 1e-3},
		Ranks:       1,
		Partition:   "block",
		Transport:   Transport{Kind: "local", Listen: ":7400", Timeout: 30 * time.Second},
		FineScale:   FineScale{Kind: "elastic", Timeout: 5 * time.Minute},
		Estimator:   Estimator{Kind: "gonum"},
		Log:         Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, a...))
}

// Validate checks everything that can be checked before any mesh or file
// work starts
func (c *Config) Validate() error {
	if _, err := problem.New(c.Problem.Class, c.ProblemParams()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Time.Dt <= 0 {
		return invalid("timestep length %g", c.Time.Dt)
	}
	if c.Time.Start < 1 || c.Time.End < c.Time.Start {
		return invalid("steps %d to %d", c.Time.Start, c.Time.End)
	}
	if len(c.Materials.Names) == 0 {
		return invalid("no materials")
	}
	seen := make(map[string]bool)
	for _, n := range c.Materials.Names {
		if n == "" || strings.ContainsAny(n, ",/\n") {
			return invalid("material name %q", n)
		}
		if seen[n] {
			return invalid("material %q listed twice", n)
		}
		seen[n] = true
	}
	if err := c.Materials.Distribution().Validate(c.Materials.Names); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Frequencies.Checkpoint < 0 || c.Frequencies.LoadedForce < 0 || c.Frequencies.History < 0 {
		return invalid("negative output frequency")
	}
	switch c.Solver.Name {
	case "", "cg", "diagonal":
	default:
		return invalid("linear solver %q", c.Solver.Name)
	}
	if c.Solver.Tolerance <= 0 && c.Solver.Name != "diagonal" {
		return invalid("solver tolerance %g", c.Solver.Tolerance)
	}
	if c.Newton.Tolerance < 0 || c.Newton.MaxSteps < 0 {
		return invalid("negative newton settings")
	}
	if c.Newton.MaxSteps > 1 && c.Newton.Tolerance == 0 {
		return invalid("newton max_steps %d without a tolerance", c.Newton.MaxSteps)
	}
	if c.Newton.Tolerance > 0 && c.Newton.MaxSteps < 2 {
		return invalid("newton tolerance %g needs max_steps of at least 2, got %d", c.Newton.Tolerance, c.Newton.MaxSteps)
	}
	if c.Ranks < 1 {
		return invalid("%d ranks", c.Ranks)
	}
	if _, err := partitions.ParseStrategy(c.Partition); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch c.Transport.Kind {
	case "", "local":
	case "websocket":
		if c.Transport.Listen == "" && c.Transport.Coordinator == "" {
			return invalid("websocket transport needs listen or coordinator")
		}
	default:
		return invalid("transport %q", c.Transport.Kind)
	}
	switch c.FineScale.Kind {
	case "", "elastic":
	case "http":
		if c.FineScale.URL == "" {
			return invalid("http fine scale without url")
		}
	default:
		return invalid("fine scale %q", c.FineScale.Kind)
	}
	switch c.Estimator.Kind {
	case "", "gonum", "occa":
	default:
		return invalid("estimator %q", c.Estimator.Kind)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return invalid("log format %q", c.Log.Format)
	}
	return nil
}

// ProblemParams maps the problem and mesh sections onto the variant params
func (c *Config) ProblemParams() problem.Params {
	return problem.Params{
		Size:            c.Mesh.Size,
		Cells:           c.Mesh.Cells,
		Dt:              c.Time.Dt,
		AccelerateSteps: c.Problem.AccelerateSteps,
		Acceleration:    c.Problem.Acceleration,
		Diameter:        c.Problem.Diameter,
		Velocity:        c.Problem.Velocity,
	}
}

// NumCells is the active cell count of the configured mesh
func (c *Config) NumCells() int {
	return c.Mesh.Cells[0] * c.Mesh.Cells[1] * c.Mesh.Cells[2]
}

// Newton iteration is enabled
func (n Newton) Enabled() bool { return n.Tolerance > 0 && n.MaxSteps > 1 }
