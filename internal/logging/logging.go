// Package logging builds the slog logger. The chat client owns the terminal,
// so logs go to a file or nowhere unless told otherwise.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps "debug", "info", "warn" and "error"; anything else is info.
func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New opens sink and returns a logger writing to it. Sinks are "discard",
// "stderr", "stdout" or "file:<path>". The returned closer must be closed on
// exit.
func New(sink, level string) (*slog.Logger, io.Closer, error) {
	w, closer, err := openSink(sink)
	if err != nil {
		return nil, nil, err
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(handler), closer, nil
}

func openSink(sink string) (io.Writer, io.Closer, error) {
	trimmed := strings.TrimSpace(sink)
	switch {
	case trimmed == "" || trimmed == "discard":
		return io.Discard, nopCloser{}, nil
	case trimmed == "stderr":
		return os.Stderr, nopCloser{}, nil
	case trimmed == "stdout":
		return os.Stdout, nopCloser{}, nil
	case strings.HasPrefix(trimmed, "file:"):
		path := strings.TrimPrefix(trimmed, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return f, f, nil
	default:
		return nil, nil, fmt.Errorf("unknown log sink %q", sink)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
