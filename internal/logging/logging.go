package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// New returns a timestamped key/value logger writing to w.
func New(w io.Writer, prefix string) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		Prefix:          prefix,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           levelFromEnv(),
	})
}

// OpenFile appends to path, creating its directory. The proxy logs here because
// its stdout and stderr belong to the driven program.
func OpenFile(path, prefix string) (*log.Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return New(f, prefix), f, nil
}

func Discard() *log.Logger {
	return log.New(io.Discard)
}

func levelFromEnv() log.Level {
	raw := strings.TrimSpace(os.Getenv("TERMRELAY_LOG_LEVEL"))
	if raw == "" {
		return log.InfoLevel
	}
	lvl, err := log.ParseLevel(raw)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
