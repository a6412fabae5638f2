// Package config resolves the backup configuration once per run.
//
// Values are layered with koanf, later sources overriding earlier ones:
// defaults, the config file (YAML or TOML), BACKUP_* environment variables,
// and finally command-line flags that were explicitly set. The result is an
// immutable Config with normalized paths.
package config

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/gingerrexayers/backup-go/internal/backup/lib"
	"github.com/gingerrexayers/backup-go/internal/backup/logging"
	"github.com/gingerrexayers/backup-go/internal/backup/types"
)

const (
	// DefaultConfigFile is read when no --config-file is given.
	DefaultConfigFile = "~/.config/back-up/back-up.yaml"
	// DefaultBackupsDir is the root under which every target gets a directory.
	DefaultBackupsDir = "~/.backups"
	// DefaultEnvPrefix prefixes environment overrides, e.g. BACKUP_BACKUPS_DIR.
	DefaultEnvPrefix = "BACKUP_"
)

// Keys understood in config files, environment and flag overrides.
const (
	KeyArchiveFormat = "archive_format"
	KeyBackupsDir    = "backups_dir"
	KeyToBackup      = "to_backup"
	KeyLoggingLevel  = "logging_level"
	KeyLogFile       = "log_file"
	KeyHashAlgorithm = "hash_algorithm"
	KeyWorkers       = "workers"
)

var scalarKeys = []string{
	KeyArchiveFormat, KeyBackupsDir, KeyLoggingLevel, KeyLogFile, KeyHashAlgorithm, KeyWorkers,
}

// ConfigError reports a malformed or unreadable configuration. It is the only
// error class that aborts a whole run.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// IsConfigError reports whether err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Config is the resolved, validated configuration of one run.
type Config struct {
	ArchiveFormat string
	BackupsDir    string
	LoggingLevel  string
	LogFile       string
	HashAlgorithm string
	Workers       int
	// Targets keep their declaration order.
	Targets []types.Target
}

// Default returns the configuration used when nothing else is specified.
// Paths are not yet expanded.
func Default() map[string]any {
	return map[string]any{
		KeyArchiveFormat: lib.DefaultArchiveFormat,
		KeyBackupsDir:    DefaultBackupsDir,
		KeyLoggingLevel:  logging.DefaultLevel,
		KeyHashAlgorithm: lib.DefaultHashAlgorithm,
		KeyWorkers:       0,
	}
}

// Target returns the target with the given name.
func (c Config) Target(name string) (types.Target, bool) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return types.Target{}, false
}

// TargetNames lists target names in declaration order.
func (c Config) TargetNames() []string {
	names := make([]string, len(c.Targets))
	for i, t := range c.Targets {
		names[i] = t.Name
	}
	return names
}

// Select returns a copy restricted to the named targets, keeping the
// declaration order. An empty list selects everything.
func (c Config) Select(names []string) (Config, error) {
	if len(names) == 0 {
		return c, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := c.Target(n); !ok {
			return Config{}, configErrorf("unknown target %q", n)
		}
		wanted[n] = true
	}
	out := c
	out.Targets = nil
	for _, t := range c.Targets {
		if wanted[t.Name] {
			out.Targets = append(out.Targets, t)
		}
	}
	return out, nil
}

// EffectiveWorkers returns the hashing pool size.
func (c Config) EffectiveWorkers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

func (c Config) validate() error {
	if _, err := lib.ArchiveExtension(c.ArchiveFormat); err != nil {
		return &ConfigError{Err: err}
	}
	if _, err := lib.NewHasher(c.HashAlgorithm); err != nil {
		return &ConfigError{Err: err}
	}
	if _, err := logging.ParseLevel(c.LoggingLevel); err != nil {
		return &ConfigError{Err: err}
	}
	if c.Workers < 0 {
		return configErrorf("workers must not be negative, got %d", c.Workers)
	}
	seen := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if seen[t.Name] {
			return configErrorf("duplicate target %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}
