package lib

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrExists is returned by WriteFileExclusive when dst is already present.
var ErrExists = errors.New("file already exists")

var linkFile = os.Link

// commitFile moves the finished file src to dst without replacing dst.
// Filesystems without hard links fall back to a rename once dst is known to
// be absent.
func commitFile(src, dst string) error {
	err := linkFile(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrExists, dst)
	}
	if _, statErr := os.Lstat(dst); statErr == nil {
		return fmt.Errorf("%w: %s", ErrExists, dst)
	} else if !os.IsNotExist(statErr) {
		return statErr
	}
	return os.Rename(src, dst)
}

// WriteFileExclusive writes data to dst without ever replacing an existing
// file. The content is written to a temporary file in the same directory,
// synced, and then committed into place, so dst either does not exist or
// holds the complete content.
func WriteFileExclusive(dst string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	// Ensure the data is written to stable storage.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}

	return commitFile(tmpPath, dst)
}

// FileSize returns the size of path, or 0 when it cannot be stat'ed.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
