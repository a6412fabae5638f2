package commands

import (
	"fmt"
	"io"
	"math"

	"github.com/gingerrexayers/backup-go/internal/backup/config"
	"github.com/gingerrexayers/backup-go/internal/backup/lib"
	"github.com/hashicorp/go-hclog"
)

// formatBytes is a utility to convert bytes into a human-readable string (KB, MB, GB).
func formatBytes(bytes int64, decimals int) string {
	if bytes == 0 {
		return "0 Bytes"
	}
	const k = 1024
	if decimals < 0 {
		decimals = 0
	}
	sizes := []string{"Bytes", "KB", "MB", "GB", "TB"}

	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(k)))
	if i >= len(sizes) {
		i = len(sizes) - 1
	}

	return fmt.Sprintf("%.*f %s", decimals, float64(bytes)/math.Pow(k, float64(i)), sizes[i])
}

// List prints the valid snapshots of the selected targets, oldest first.
func List(w io.Writer, cfg config.Config, logger hclog.Logger) error {
	store := lib.NewSnapshotStore(cfg.BackupsDir, logger)

	if len(cfg.Targets) == 0 {
		fmt.Fprintln(w, "No targets configured.")
		return nil
	}

	for i, target := range cfg.Targets {
		if i > 0 {
			fmt.Fprintln(w)
		}
		snaps, err := store.List(target.Name)
		if err != nil {
			return fmt.Errorf("failed to get snapshots for %s: %w", target.Name, err)
		}
		if len(snaps) == 0 {
			fmt.Fprintf(w, "No backups found for %s (%s).\n", target.Name, target.SourcePath)
			continue
		}

		var totalSize int64
		fmt.Fprintf(w, "Backups for %s (%s):\n", target.Name, target.SourcePath)
		fmt.Fprintf(w, "%-22s %-8s %-8s %-8s %-8s %-12s %s\n", "SNAPSHOT", "FILES", "ADDED", "MODIFIED", "REMOVED", "SIZE", "PREVIOUS")
		fmt.Fprintf(w, "%-22s %-8s %-8s %-8s %-8s %-12s %s\n", "========", "=====", "=====", "========", "=======", "====", "========")
		for _, snap := range snaps {
			added, modified, removed := 0, 0, 0
			if d := snap.Manifest.Differences; d != nil {
				added, modified, removed = len(d.Added), len(d.Modified), len(d.Removed)
			} else if snap.Manifest.PreviousVersion == "" {
				added = len(snap.Manifest.Files)
			}
			previous := snap.Manifest.PreviousVersion
			if previous == "" {
				previous = "-"
			}
			fmt.Fprintf(w, "%-22s %-8d %-8d %-8d %-8d %-12s %s\n",
				snap.ID.String(),
				len(snap.Manifest.Files),
				added, modified, removed,
				formatBytes(snap.ArchiveSize, 2),
				previous,
			)
			totalSize += snap.ArchiveSize
		}
		fmt.Fprintf(w, "\nTotal size of %d backup(s): %s\n", len(snaps), formatBytes(totalSize, 2))
	}
	return nil
}
