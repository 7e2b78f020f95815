// Package logging builds the slog loggers of a run
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/notargets/scalebridge/config"
)

// ParseLevel maps debug, info, warn and error onto slog levels
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return l, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// New returns a text or JSON logger writing to w at the configured level
func New(cfg config.Log, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("log format %q", cfg.Format)
}

// minLevel drops records below its level before they reach the wrapped
// handler
type minLevel struct {
	slog.Handler
	level slog.Level
}

func (h minLevel) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level && h.Handler.Enabled(ctx, l)
}

func (h minLevel) WithAttrs(attrs []slog.Attr) slog.Handler {
	return minLevel{Handler: h.Handler.WithAttrs(attrs), level: h.level}
}

func (h minLevel) WithGroup(name string) slog.Handler {
	return minLevel{Handler: h.Handler.WithGroup(name), level: h.level}
}

// ForRank tags base with the rank. The coordinator logs at the base level,
// every other rank only reports warnings and errors.
func ForRank(base *slog.Logger, rank int) *slog.Logger {
	l := base.With("rank", rank)
	if rank == 0 {
		return l
	}
	return slog.New(minLevel{Handler: l.Handler(), level: slog.LevelWarn})
}
