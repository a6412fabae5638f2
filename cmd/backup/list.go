package main

import (
	"github.com/gingerrexayers/backup-go/internal/backup/commands"
	"github.com/spf13/cobra"
)

// NewListCommand creates the 'list' command.
func NewListCommand(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "list [target...]",
		Short:             "List the stored backups of each target.",
		ValidArgsFunction: targetCompletions,
		SilenceUsage:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := gf.resolve(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			cfg, err = cfg.Select(args)
			if err != nil {
				return err
			}
			return commands.List(cmd.OutOrStdout(), cfg, logger)
		},
	}
	return cmd
}
