// Package logging builds the hclog logger shared by every backup component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// DefaultLevel is used when the configuration does not name one.
const DefaultLevel = "INFO"

// Options controls logger construction.
type Options struct {
	// Level is one of CRITICAL, ERROR, WARNING, INFO, DEBUG, TRACE
	// (case-insensitive; WARN is accepted too).
	Level string
	// Verbosity shifts Level: positive for more output (-v), negative for
	// less (-q).
	Verbosity int
	// File, when set, receives a copy of every log line.
	File string
	// Output defaults to os.Stderr.
	Output io.Writer
	// JSON switches to hclog's JSON format.
	JSON bool
}

var levels = []hclog.Level{hclog.Trace, hclog.Debug, hclog.Info, hclog.Warn, hclog.Error}

// ParseLevel maps a configured level name to an hclog level.
func ParseLevel(name string) (hclog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "":
		return hclog.Info, nil
	case "TRACE":
		return hclog.Trace, nil
	case "DEBUG":
		return hclog.Debug, nil
	case "INFO":
		return hclog.Info, nil
	case "WARN", "WARNING":
		return hclog.Warn, nil
	case "ERROR", "CRITICAL":
		return hclog.Error, nil
	default:
		return hclog.NoLevel, fmt.Errorf("unknown logging level %q", name)
	}
}

func shift(level hclog.Level, verbosity int) hclog.Level {
	idx := 0
	for i, l := range levels {
		if l == level {
			idx = i
		}
	}
	idx -= verbosity
	if idx < 0 {
		idx = 0
	}
	if idx >= len(levels) {
		idx = len(levels) - 1
	}
	return levels[idx]
}

// New returns the root logger and a close function for the log file.
func New(opts Options) (hclog.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	level = shift(level, opts.Verbosity)

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}
	closer := func() error { return nil }

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("could not create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("could not open log file: %w", err)
		}
		output = io.MultiWriter(output, f)
		closer = f.Close
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "backup",
		Level:      level,
		Output:     output,
		JSONFormat: opts.JSON,
	})
	return logger, closer, nil
}
