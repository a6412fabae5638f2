package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gingerrexayers/backup-go/internal/backup/types"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// keyDelim separates nested koanf keys. Target names may contain dots but
// never slashes, so "/" keeps to_backup entries intact.
const keyDelim = "/"

// Loader resolves a Config from defaults, a file, the environment and flag
// overrides.
type Loader struct {
	k         *koanf.Koanf
	envPrefix string
	filePath  string
	// fileRequired turns a missing config file into an error instead of a
	// warning. Set when the user named the file explicitly.
	fileRequired bool
	overrides    map[string]any
	targetFlags  []string
	warnings     []string
}

// Option is a function that configures the Loader.
type Option func(*Loader)

// WithConfigFile sets the configuration file path.
func WithConfigFile(path string, required bool) Option {
	return func(l *Loader) {
		l.filePath = path
		l.fileRequired = required
	}
}

// WithEnvPrefix sets the environment variable prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// WithOverrides sets values from explicitly passed command-line flags.
func WithOverrides(values map[string]any) Option {
	return func(l *Loader) {
		l.overrides = values
	}
}

// WithTargets replaces the configured targets with NAME=PATH pairs, in order.
func WithTargets(pairs []string) Option {
	return func(l *Loader) {
		l.targetFlags = pairs
	}
}

// NewLoader creates a new configuration loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		k:         koanf.New(keyDelim),
		envPrefix: DefaultEnvPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Warnings returns non-fatal problems found while loading, such as a missing
// default config file.
func (l *Loader) Warnings() []string {
	return l.warnings
}

// Load resolves and validates the configuration. Every failure is a
// *ConfigError.
func (l *Loader) Load() (Config, error) {
	if err := l.k.Load(mapProvider(Default()), nil); err != nil {
		return Config{}, &ConfigError{Err: fmt.Errorf("load defaults: %w", err)}
	}

	order, err := l.loadFile()
	if err != nil {
		return Config{}, err
	}

	if err := l.loadEnv(); err != nil {
		return Config{}, &ConfigError{Err: err}
	}

	if len(l.overrides) > 0 {
		if err := l.k.Load(mapProvider(l.overrides), nil); err != nil {
			return Config{}, &ConfigError{Err: fmt.Errorf("load flags: %w", err)}
		}
	}

	return l.build(order)
}

// loadFile merges the config file, if any, and returns the declaration order
// of its to_backup entries.
func (l *Loader) loadFile() ([]string, error) {
	if l.filePath == "" {
		return nil, nil
	}
	path, err := types.ExpandPath(l.filePath)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !l.fileRequired {
			l.warnings = append(l.warnings, fmt.Sprintf("config file %s does not exist", l.filePath))
			return nil, nil
		}
		return nil, configErrorf("could not read config from %q: %w", l.filePath, err)
	}

	var parser koanf.Parser
	var order []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		parser = TOMLParser()
		order, err = tomlTargetOrder(content)
	default:
		parser = yaml.Parser()
		order, err = yamlTargetOrder(content)
	}
	if err != nil {
		return nil, configErrorf("could not read config from %q: %w", l.filePath, err)
	}

	if err := l.k.Load(file.Provider(path), parser); err != nil {
		return nil, configErrorf("could not read config from %q: %w", l.filePath, err)
	}
	return order, nil
}

// loadEnv maps BACKUP_ARCHIVE_FORMAT style variables onto scalar keys.
// Targets cannot be set from the environment.
func (l *Loader) loadEnv() error {
	known := make(map[string]bool, len(scalarKeys))
	for _, k := range scalarKeys {
		known[k] = true
	}
	transform := func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, l.envPrefix))
		if !known[key] {
			return ""
		}
		return key
	}

	if err := l.k.Load(env.Provider(l.envPrefix, keyDelim, transform), nil); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

func (l *Loader) build(order []string) (Config, error) {
	backupsDir, err := types.ExpandPath(l.k.String(KeyBackupsDir))
	if err != nil {
		return Config{}, &ConfigError{Err: err}
	}

	cfg := Config{
		ArchiveFormat: strings.ToLower(strings.TrimSpace(l.k.String(KeyArchiveFormat))),
		BackupsDir:    backupsDir,
		LoggingLevel:  l.k.String(KeyLoggingLevel),
		HashAlgorithm: strings.ToLower(strings.TrimSpace(l.k.String(KeyHashAlgorithm))),
		Workers:       l.k.Int(KeyWorkers),
	}
	if logFile := l.k.String(KeyLogFile); logFile != "" {
		cfg.LogFile, err = types.ExpandPath(logFile)
		if err != nil {
			return Config{}, &ConfigError{Err: err}
		}
	}

	if len(l.targetFlags) > 0 {
		cfg.Targets, err = parseTargetFlags(l.targetFlags)
	} else {
		cfg.Targets, err = l.fileTargets(order)
	}
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l *Loader) fileTargets(order []string) ([]types.Target, error) {
	value := l.k.Get(KeyToBackup)
	if value == nil {
		return nil, nil
	}
	raw, ok := value.(map[string]any)
	if !ok {
		return nil, configErrorf("%s must be a mapping of NAME: PATH", KeyToBackup)
	}

	names := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, name := range order {
		if _, ok := raw[name]; ok && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range raw {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	names = append(names, rest...)

	targets := make([]types.Target, 0, len(names))
	for _, name := range names {
		path, ok := raw[name].(string)
		if !ok {
			return nil, configErrorf("%s.%s must be a path string", KeyToBackup, name)
		}
		t, err := types.NewTarget(name, path)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func parseTargetFlags(pairs []string) ([]types.Target, error) {
	targets := make([]types.Target, 0, len(pairs))
	for _, pair := range pairs {
		name, path, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, configErrorf("invalid target %q, expected NAME=PATH", pair)
		}
		t, err := types.NewTarget(name, path)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
		targets = append(targets, t)
	}
	return targets, nil
}
