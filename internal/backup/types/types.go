package types

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// `json:"..."` tags follow the manifest layout written next to every archive.

// Target is a named source directory configured for backup. Build it with
// NewTarget so the path is normalized once.
type Target struct {
	Name       string
	SourcePath string
}

// NewTarget validates the name and expands/absolutizes the source path.
func NewTarget(name, sourcePath string) (Target, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Target{}, errors.New("target name must not be empty")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return Target{}, fmt.Errorf("target name %q must be a plain directory name", name)
	}
	if strings.TrimSpace(sourcePath) == "" {
		return Target{}, fmt.Errorf("target %q has an empty source path", name)
	}
	abs, err := ExpandPath(sourcePath)
	if err != nil {
		return Target{}, fmt.Errorf("target %q: %w", name, err)
	}
	return Target{Name: name, SourcePath: abs}, nil
}

// ExpandPath expands a leading ~ and returns a cleaned absolute path.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not expand %s: %w", path, err)
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// Fingerprint is the content hash of one regular file. Path is slash-separated
// and relative to the target root.
type Fingerprint struct {
	Path string
	Hash string
}

// Differences describes how a snapshot's file set differs from the one before it.
type Differences struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
}

// HasChanges reports whether any path was added, modified or removed.
func (d Differences) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Modified) > 0 || len(d.Removed) > 0
}

// Manifest is the metadata record persisted alongside each archive.
type Manifest struct {
	TopLevel        string            `json:"top_level"`
	Files           map[string]string `json:"files"`
	Differences     *Differences      `json:"differences,omitempty"`
	PreviousVersion string            `json:"previous_version,omitempty"`
	HashAlgorithm   string            `json:"hash_algorithm,omitempty"`
}

// NewManifest builds a manifest, dropping the differences block when it
// carries no changes so first-time snapshots stay terse.
func NewManifest(topLevel string, files map[string]string, diff Differences, previous, algorithm string) Manifest {
	if files == nil {
		files = map[string]string{}
	}
	m := Manifest{
		TopLevel:        topLevel,
		Files:           files,
		PreviousVersion: previous,
		HashAlgorithm:   algorithm,
	}
	if diff.HasChanges() && previous != "" {
		d := diff
		m.Differences = &d
	}
	return m
}
