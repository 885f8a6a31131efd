// control/logging.go
// Author: momentics <momentics@gmail.com>
//
// Logger construction from LogConfig.

package control

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func parseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(s)
}

// NewLogger builds the root logger. The closer releases the log file, if any.
func NewLogger(cfg LogConfig) (zerolog.Logger, io.Closer, error) {
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("log file: %w", err)
		}
		out, closer = f, f
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339Nano, NoColor: cfg.File != ""}
	}
	// Filtering happens at the global level so ApplyLevel can move it later.
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(out).With().Timestamp().Logger(), closer, nil
}

// ApplyLevel changes the process-wide minimum level at runtime.
func ApplyLevel(level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
