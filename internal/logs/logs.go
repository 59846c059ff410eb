// Package logs builds the diagnostics logger: structured slog records fanned
// out to stderr and to a per-session log file.
package logs

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

// New returns a logger writing to stderr at the given level and, when a
// project root is provided, to sessions/<date>/albert.log at debug level.
// The returned closer flushes the file handler; it is safe to call on a nil
// file.
func New(projectRoot string, level slog.Level, now func() time.Time) (*slog.Logger, func() error, error) {
	if now == nil {
		now = time.Now
	}

	var handlers []slog.Handler
	handlers = append(handlers, slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	closer := func() error { return nil }
	if projectRoot != "" {
		dir := filepath.Join(projectRoot, "sessions", now().Format("2006-01-02"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create session log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "albert.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open session log: %w", err)
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
		closer = f.Close
	}

	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// Discard returns a logger that drops everything; used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
