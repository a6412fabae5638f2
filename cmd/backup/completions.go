package main

import (
	"strings"

	"github.com/gingerrexayers/backup-go/internal/backup/config"
	"github.com/spf13/cobra"
)

// targetCompletions suggests configured target names with their source paths.
func targetCompletions(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	configFile := config.DefaultConfigFile
	if f, err := cmd.Flags().GetString("config-file"); err == nil && f != "" {
		configFile = f
	}

	cfg, err := config.NewLoader(config.WithConfigFile(configFile, false)).Load()
	if err != nil {
		// Don't return an error, just fail to complete.
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	taken := make(map[string]bool, len(args))
	for _, a := range args {
		taken[a] = true
	}

	var suggestions []string
	for _, t := range cfg.Targets {
		if taken[t.Name] || !strings.HasPrefix(t.Name, toComplete) {
			continue
		}
		suggestions = append(suggestions, t.Name+"\t"+t.SourcePath)
	}
	return suggestions, cobra.ShellCompDirectiveNoFileComp
}
