package main

import (
	"context"
	"os"
	"time"

	"github.com/gingerrexayers/backup-go/internal/backup/commands"
	"github.com/gingerrexayers/backup-go/internal/backup/config"
	"github.com/gingerrexayers/backup-go/internal/backup/metrics"
	"github.com/gingerrexayers/backup-go/internal/backup/watch"
	"github.com/spf13/cobra"
)

// NewWatchCommand creates the 'watch' command.
func NewWatchCommand(gf *globalFlags) *cobra.Command {
	rf := &runFlags{}
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Back up once, then again whenever the watched directories change.",
		Long: `Runs a normal backup pass, then watches every configured source directory
and runs another pass after changes have settled for the debounce period.
Stops on interrupt.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := gf.resolve(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			cfg, err = cfg.Select(rf.only)
			if err != nil {
				return err
			}

			registry := metrics.NewRegistry()
			runner, err := commands.NewRunner(cfg, logger,
				commands.WithRecorder(registry),
				commands.WithDryRun(rf.dryRun),
			)
			if err != nil {
				return err
			}

			pass := func(ctx context.Context) {
				runner.Run(ctx)
				if rf.metricsFile != "" {
					if err := registry.WriteTextfile(rf.metricsFile); err != nil {
						logger.Error("could not write metrics file", "path", rf.metricsFile, "error", err)
					}
				}
			}

			opts := []watch.Option{watch.WithDebounce(debounce)}
			for _, path := range excludedPaths(cfg) {
				opts = append(opts, watch.WithExcluded(path))
			}
			w, err := watch.New(logger.Named("watch"), opts...)
			if err != nil {
				return err
			}
			for _, t := range cfg.Targets {
				if _, err := os.Stat(t.SourcePath); err != nil {
					logger.Warn("not watching missing source", "target", t.Name, "source", t.SourcePath)
					continue
				}
				if err := w.AddTree(t.SourcePath); err != nil {
					logger.Error("could not watch source", "target", t.Name, "error", err)
				}
			}

			pass(cmd.Context())
			logger.Info("watching for changes", "debounce", debounce)
			return w.Run(cmd.Context(), pass)
		},
	}

	rf.register(cmd)
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "quiet period before a change triggers a backup")
	return cmd
}

// excludedPaths lists what a backup pass writes to, so that a pass never
// triggers the next one.
func excludedPaths(cfg config.Config) []string {
	var paths []string
	for _, p := range []string{cfg.BackupsDir, cfg.LogFile} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}
