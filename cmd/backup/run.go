package main

import (
	"github.com/gingerrexayers/backup-go/internal/backup/commands"
	"github.com/gingerrexayers/backup-go/internal/backup/metrics"
	"github.com/spf13/cobra"
)

// runFlags are the options of a single backup pass.
type runFlags struct {
	only        []string
	dryRun      bool
	metricsFile string
}

func (rf *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&rf.only, "only", nil, "back up only the named targets")
	cmd.Flags().BoolVar(&rf.dryRun, "dry-run", false, "detect changes but write no archive or manifest")
	cmd.Flags().StringVar(&rf.metricsFile, "metrics-file", "", "write Prometheus textfile metrics to this path after the run")
	_ = cmd.RegisterFlagCompletionFunc("only", targetCompletions)
}

// NewRunCommand creates the 'run' command, which is also what the bare
// root command does.
func NewRunCommand(gf *globalFlags) *cobra.Command {
	rf := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Back up every configured directory that changed since its last backup.",
		Long: `Visits each configured directory, hashes every file under it and compares
the hashes with the most recent backup. Unchanged directories are skipped; for
the others a new archive and manifest are stored under a new timestamp.

Per-directory failures are logged and do not stop the remaining directories;
the exit status is non-zero only for configuration errors.`,
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

			runner.Run(cmd.Context())

			if rf.metricsFile != "" {
				if err := registry.WriteTextfile(rf.metricsFile); err != nil {
					logger.Error("could not write metrics file", "path", rf.metricsFile, "error", err)
				}
			}
			return nil
		},
	}

	rf.register(cmd)
	return cmd
}
