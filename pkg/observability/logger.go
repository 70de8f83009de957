package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/rateloom/core/pkg/config"
)

// NewLogger builds the process logger from bootstrap settings. Logs go to w
// (stderr when nil) so stdout stays reserved for result documents.
func NewLogger(w io.Writer, settings config.LoggingSettings) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	var level slog.Level
	switch settings.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if settings.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
