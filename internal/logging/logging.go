// Package logging wires up the process-wide slog.Logger. New is called once
// at startup (cmd/orchestrator) and the result threaded through the
// controller facade. The package-level slog default is still used in places:
// the agent package logs through slog's top-level functions, and components
// constructed without a logger fall back to slog.Default().
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// New builds a slog.Logger. When w is connected to a terminal, output uses
// the tint handler for colorized, human-readable lines; otherwise it falls
// back to plain JSON so batch/CI logs stay machine-parseable.
func New(w io.Writer, level slog.Level) *slog.Logger {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		out := colorable.NewColorable(f)
		h := tint.NewHandler(out, &tint.Options{Level: level})
		return slog.New(h)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Default constructs a logger writing to stdout at Info level, the shape
// cmd/orchestrator uses unless overridden.
func Default() *slog.Logger {
	return New(os.Stdout, slog.LevelInfo)
}
