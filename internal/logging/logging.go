// Package logging builds the zerolog loggers used by every process. Each
// process writes structured events to its own log file and mirrors them to
// the console, the only durable artifact the system keeps.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger tagged with the component name. When filename is
// non-empty the log file is opened (and created if needed) under dir and
// events go to both the file and a console writer; otherwise console only.
// The returned closer releases the file handle.
func New(component, dir, filename string, debug bool) (zerolog.Logger, func() error) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	var out io.Writer = console
	closer := func() error { return nil }

	if filename != "" {
		if dir != "" {
			if err := os.MkdirAll(dir, 0o755); err == nil {
				filename = filepath.Join(dir, filename)
			}
		}
		file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			out = zerolog.MultiLevelWriter(console, file)
			closer = file.Close
		}
		// A failed open falls back to console only; logging must never
		// keep a process from starting.
	}

	logger := zerolog.New(out).Level(level).With().
		Timestamp().
		Str("component", component).
		Logger()
	return logger, closer
}
