package commands

import (
	"errors"
	"fmt"
)

// ErrSourceMissing marks a target whose source directory does not exist. The
// target is skipped; it is not recorded as a deletion.
var ErrSourceMissing = errors.New("source directory does not exist")

// HashError aborts a target because one file could not be read.
type HashError struct {
	Path string
	Err  error
}

func (e *HashError) Error() string {
	return fmt.Sprintf("failed to hash %s: %v", e.Path, e.Err)
}

func (e *HashError) Unwrap() error { return e.Err }

// ArchiveError aborts a target because no archive could be produced. No
// manifest is written.
type ArchiveError struct {
	Err error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("failed to create archive: %v", e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// PersistError means the archive was written but its manifest was not, which
// leaves an orphaned archive behind.
type PersistError struct {
	ArchivePath string
	Err         error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to write snapshot metadata for %s: %v", e.ArchivePath, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
