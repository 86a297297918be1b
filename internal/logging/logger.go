package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a slog logger at the provided level writing to stdout. Local
// environments get human-readable text, everything else JSON. An invalid level
// defaults to info.
func New(level, env string) *slog.Logger {
	return newLogger(os.Stdout, level, env)
}

func newLogger(w io.Writer, level, env string) *slog.Logger {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(env) {
	case "development", "dev", "local":
		return slog.New(slog.NewTextHandler(w, opts))
	default:
		return slog.New(slog.NewJSONHandler(w, opts))
	}
}

// Discard returns a logger that drops all output. Useful for tests.
func Discard() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}
