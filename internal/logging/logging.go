// Package logging builds the shared zerolog logger: human-readable console
// output on stderr, optionally duplicated to a log file.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to stderr and, when logPath is non-empty, to a
// truncated log file. The returned closer flushes and closes the file.
func New(app, logPath string) (zerolog.Logger, func(), error) {
	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	writers := []io.Writer{console}
	closer := func() {}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, f)
		closer = func() { _ = f.Close() }
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", app).
		Logger()
	return logger, closer, nil
}
