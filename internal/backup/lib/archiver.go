package lib

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// DefaultArchiveFormat is used when the configuration names none.
const DefaultArchiveFormat = "zip"

const partialSuffix = ".partial"

// ErrUnsupportedFormat is returned for an archive format with no writer.
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// ArchiveRequest describes one archive to produce.
type ArchiveRequest struct {
	// SourceDir is the directory the archive entries are relative to.
	SourceDir string
	// Files are slash-separated paths relative to SourceDir. When nil, every
	// regular file under SourceDir is archived.
	Files []string
	// Format names one of ArchiveFormats.
	Format string
	// DestinationBase is the output path without extension.
	DestinationBase string
}

// Archiver compresses a directory into a single artifact and returns its path.
type Archiver interface {
	Compress(ctx context.Context, req ArchiveRequest) (string, error)
}

type archiveFormat struct {
	ext   string
	write func(ctx context.Context, w io.Writer, sourceDir string, files []string) error
}

var archiveFormats = map[string]archiveFormat{
	"zip":     {ext: ".zip", write: writeZip},
	"tar":     {ext: ".tar", write: writeTar},
	"gztar":   {ext: ".tar.gz", write: writeGzipTar},
	"zstdtar": {ext: ".tar.zst", write: writeZstdTar},
}

// ArchiveFormats returns the supported format names, sorted.
func ArchiveFormats() []string {
	names := make([]string, 0, len(archiveFormats))
	for name := range archiveFormats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ArchiveExtensions returns the file extensions of all supported formats,
// longest first so ".tar.gz" is tried before ".tar".
func ArchiveExtensions() []string {
	exts := make([]string, 0, len(archiveFormats))
	for _, f := range archiveFormats {
		exts = append(exts, f.ext)
	}
	sort.Slice(exts, func(i, j int) bool {
		if len(exts[i]) != len(exts[j]) {
			return len(exts[i]) > len(exts[j])
		}
		return exts[i] < exts[j]
	})
	return exts
}

// ArchiveExtension returns the extension for a format name.
func ArchiveExtension(format string) (string, error) {
	f, ok := archiveFormats[strings.ToLower(format)]
	if !ok {
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedFormat, format, strings.Join(ArchiveFormats(), ", "))
	}
	return f.ext, nil
}

// FileArchiver writes archives to the local filesystem.
type FileArchiver struct{}

// NewFileArchiver returns the default Archiver.
func NewFileArchiver() *FileArchiver {
	return &FileArchiver{}
}

// Compress writes the archive to DestinationBase plus the format extension.
// The content goes to a .partial file first and is committed into place only
// when complete; an existing archive is never replaced.
func (a *FileArchiver) Compress(ctx context.Context, req ArchiveRequest) (string, error) {
	f, ok := archiveFormats[strings.ToLower(req.Format)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Format)
	}

	files := req.Files
	if files == nil {
		var err error
		files, err = ListRegularFiles(req.SourceDir)
		if err != nil {
			return "", err
		}
	}
	files = sortedCopy(files)

	dest := req.DestinationBase + f.ext
	partial := dest + partialSuffix
	out, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", err
	}
	defer os.Remove(partial)

	if err := f.write(ctx, out, req.SourceDir, files); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}

	if err := commitFile(partial, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// ListRegularFiles walks root and returns the slash-separated relative paths
// of all regular files, sorted.
func ListRegularFiles(root string) ([]string, error) {
	root, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func writeZip(ctx context.Context, w io.Writer, sourceDir string, files []string) error {
	zw := zip.NewWriter(w)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		fullPath := filepath.Join(sourceDir, filepath.FromSlash(rel))
		info, err := os.Stat(fullPath)
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("failed to create zip header for %s: %w", rel, err)
		}
		header.Name = rel
		header.Method = zip.Deflate

		entry, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		if err := copyFileTo(entry, fullPath); err != nil {
			return fmt.Errorf("failed to write %s to zip: %w", rel, err)
		}
	}
	return zw.Close()
}

func writeTar(ctx context.Context, w io.Writer, sourceDir string, files []string) error {
	tw := tar.NewWriter(w)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		fullPath := filepath.Join(sourceDir, filepath.FromSlash(rel))
		info, err := os.Stat(fullPath)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to create tar header for %s: %w", rel, err)
		}
		header.Name = rel

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", rel, err)
		}
		if err := copyFileTo(tw, fullPath); err != nil {
			return fmt.Errorf("failed to write %s to tar: %w", rel, err)
		}
	}
	return tw.Close()
}

func writeGzipTar(ctx context.Context, w io.Writer, sourceDir string, files []string) error {
	gw := gzip.NewWriter(w)
	if err := writeTar(ctx, gw, sourceDir, files); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

func writeZstdTar(ctx context.Context, w io.Writer, sourceDir string, files []string) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := writeTar(ctx, zw, sourceDir, files); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// copyFileTo streams src into w. The tar writer rejects writes past the
// header size, so a file that grew since it was stat'ed fails loudly.
func copyFileTo(w io.Writer, src string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	_, err = io.Copy(w, sourceFile)
	return err
}
