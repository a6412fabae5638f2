package commands

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gingerrexayers/backup-go/internal/backup/lib"
)

// fileHashResult holds the outcome of hashing a single file in a worker.
type fileHashResult struct {
	Path string
	Hash string
	Err  error
}

// findAllFiles walks rootDir and returns the slash-separated relative paths of
// every regular file, respecting the ignore rules. Symlinks, devices and other
// non-regular files are left out.
func findAllFiles(rootDir string, rules *lib.IgnoreRules) ([]string, error) {
	var files []string

	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == rootDir {
			return nil
		}

		rel, err := filepath.Rel(rootDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if rules.Ignored(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// hashFilesConcurrently fingerprints files with a bounded pool of workers.
// Each worker owns the paths it takes from the jobs channel; results are
// merged by the caller only. The first failure cancels the remaining work and
// is returned as a *HashError.
func hashFilesConcurrently(ctx context.Context, hasher *lib.Hasher, rootDir string, files []string, workers int) (map[string]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	numJobs := len(files)
	jobs := make(chan string, numJobs)
	results := make(chan fileHashResult, numJobs)

	if workers < 1 {
		workers = 1
	}
	if workers > numJobs {
		workers = numJobs
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rel := range jobs {
				if err := ctx.Err(); err != nil {
					results <- fileHashResult{Path: rel, Err: err}
					continue
				}
				hash, err := hasher.Fingerprint(ctx, filepath.Join(rootDir, filepath.FromSlash(rel)))
				if err != nil {
					cancel()
				}
				results <- fileHashResult{Path: rel, Hash: hash, Err: err}
			}
		}()
	}

	for _, file := range files {
		jobs <- file
	}
	close(jobs)

	wg.Wait()
	close(results)

	fileHashes := make(map[string]string, numJobs)
	var failed *HashError
	var cancelled *HashError
	for res := range results {
		if res.Err == nil {
			fileHashes[res.Path] = res.Hash
			continue
		}
		herr := &HashError{Path: res.Path, Err: res.Err}
		if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
			if cancelled == nil || res.Path < cancelled.Path {
				cancelled = herr
			}
			continue
		}
		// Report the lowest failing path so the log does not depend on
		// worker scheduling.
		if failed == nil || res.Path < failed.Path {
			failed = herr
		}
	}

	if failed != nil {
		return nil, failed
	}
	if cancelled != nil {
		return nil, cancelled
	}
	return fileHashes, nil
}
