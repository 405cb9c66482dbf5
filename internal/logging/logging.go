// Package logging builds the daemon's slog handlers.
package logging

import (
	"io"
	"log/slog"

	"github.com/dantte-lp/gorpma/internal/config"
)

// New creates a structured logger writing to w, using a shared LevelVar
// so SIGHUP reload can change the level dynamically.
func New(w io.Writer, cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}
