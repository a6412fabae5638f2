package main

import (
	"fmt"
	"strings"

	"github.com/gingerrexayers/backup-go/internal/backup/config"
	"github.com/gingerrexayers/backup-go/internal/backup/lib"
	"github.com/gingerrexayers/backup-go/internal/backup/logging"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every command through persistent flags.
type globalFlags struct {
	configFile    string
	archiveFormat string
	backupsDir    string
	logFile       string
	loggingLevel  string
	hashAlgorithm string
	workers       int
	toBackup      []string
	quiet         int
	verbose       int
}

// flagKeys maps flag names to the configuration keys they override.
var flagKeys = map[string]string{
	"archive-format": config.KeyArchiveFormat,
	"backups-dir":    config.KeyBackupsDir,
	"log-file":       config.KeyLogFile,
	"logging-level":  config.KeyLoggingLevel,
	"hash-algorithm": config.KeyHashAlgorithm,
	"workers":        config.KeyWorkers,
}

func (gf *globalFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&gf.configFile, "config-file", config.DefaultConfigFile,
		"where to take config from; command line arguments have priority though")
	pf.StringVar(&gf.archiveFormat, "archive-format", "",
		fmt.Sprintf("what format to store the backups in (%s); default: %q", strings.Join(lib.ArchiveFormats(), ", "), lib.DefaultArchiveFormat))
	pf.StringVar(&gf.backupsDir, "backups-dir", "",
		"the general backups directory; every backed up directory gets its own subdirectory in there")
	pf.StringVar(&gf.logFile, "log-file", "", "set the file to dump logs to")
	pf.StringVar(&gf.loggingLevel, "logging-level", "", "set logging verbosity (CRITICAL, ERROR, WARNING, INFO, DEBUG)")
	pf.StringVar(&gf.hashAlgorithm, "hash-algorithm", "",
		fmt.Sprintf("file fingerprint algorithm (%s)", strings.Join(lib.HashAlgorithms(), ", ")))
	pf.IntVar(&gf.workers, "workers", 0, "number of files hashed in parallel (0 = number of CPUs)")
	pf.StringArrayVar(&gf.toBackup, "to-backup", nil,
		"NAME=PATH directory to back up, repeatable; backups go under '<backups_dir>/NAME/' (replaces the config file's list)")
	pf.CountVarP(&gf.quiet, "quiet", "q", "decrease verbosity of console output")
	pf.CountVarP(&gf.verbose, "verbose", "v", "increase verbosity of console output")
}

// resolve loads the configuration and builds the logger. The returned close
// function releases the log file.
func (gf *globalFlags) resolve(cmd *cobra.Command) (config.Config, hclog.Logger, func() error, error) {
	overrides := map[string]any{}
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f != nil && f.Changed {
			overrides[key] = f.Value.String()
		}
	}
	if cmd.Flags().Changed("workers") {
		overrides[config.KeyWorkers] = gf.workers
	}

	loader := config.NewLoader(
		config.WithConfigFile(gf.configFile, cmd.Flags().Changed("config-file")),
		config.WithOverrides(overrides),
		config.WithTargets(gf.toBackup),
	)
	cfg, err := loader.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	logger, closeLog, err := logging.New(logging.Options{
		Level:     cfg.LoggingLevel,
		Verbosity: gf.verbose - gf.quiet,
		File:      cfg.LogFile,
		Output:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return config.Config{}, nil, nil, &config.ConfigError{Err: err}
	}
	for _, w := range loader.Warnings() {
		logger.Warn(w)
	}
	logger.Debug("resolved configuration",
		"archive_format", cfg.ArchiveFormat,
		"backups_dir", cfg.BackupsDir,
		"hash_algorithm", cfg.HashAlgorithm,
		"workers", cfg.EffectiveWorkers(),
		"targets", strings.Join(cfg.TargetNames(), ","),
	)
	return cfg, logger, closeLog, nil
}
