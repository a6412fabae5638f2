package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	gf := &globalFlags{}

	rootCmd := NewRunCommand(gf)
	rootCmd.Use = "backup"
	rootCmd.Short = "Back up directories efficiently."
	rootCmd.Long = `Hashes every file of each configured directory, compares the result with
the most recent backup, and stores a new timestamped archive plus its manifest
only when something changed.`
	rootCmd.Version = version
	rootCmd.SetVersionTemplate("backup {{.Version}}\n")
	// main prints the error itself.
	rootCmd.SilenceErrors = true
	rootCmd.Flags().BoolP("version", "V", false, "show version and exit")

	gf.register(rootCmd)

	// Add commands
	rootCmd.AddCommand(NewRunCommand(gf))
	rootCmd.AddCommand(NewListCommand(gf))
	rootCmd.AddCommand(NewWatchCommand(gf))
	// cobra adds the 'completion' command itself.

	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
