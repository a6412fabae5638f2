// Package commands contains the operations behind the backup command line.
package commands

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gingerrexayers/backup-go/internal/backup/config"
	"github.com/gingerrexayers/backup-go/internal/backup/lib"
	"github.com/gingerrexayers/backup-go/internal/backup/metrics"
	"github.com/gingerrexayers/backup-go/internal/backup/types"
	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"
)

// Outcome is the final state of one target in a run.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeCreated
	OutcomeUpToDate
	OutcomeSourceMissing
	OutcomeWouldBackUp
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpToDate:
		return "up-to-date"
	case OutcomeSourceMissing:
		return "source-missing"
	case OutcomeWouldBackUp:
		return "would-back-up"
	default:
		return "failed"
	}
}

// TargetResult describes what happened to one target.
type TargetResult struct {
	Target      types.Target
	Outcome     Outcome
	SnapshotID  string
	ArchivePath string
	Differences types.Differences
	Err         error
}

// Report lists one result per processed target, in configuration order.
type Report struct {
	RunID   string
	Results []TargetResult
}

// Failed counts targets that ended in OutcomeFailed.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

// Runner drives the per-target backup workflow.
type Runner struct {
	cfg      config.Config
	logger   hclog.Logger
	store    *lib.SnapshotStore
	hasher   *lib.Hasher
	archiver lib.Archiver
	recorder metrics.Recorder
	now      func() time.Time
	dryRun   bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithArchiver replaces the filesystem archiver.
func WithArchiver(a lib.Archiver) RunnerOption {
	return func(r *Runner) { r.archiver = a }
}

// WithRecorder sets where metrics go.
func WithRecorder(rec metrics.Recorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

// WithClock sets the time source used for snapshot ids.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithDryRun makes the runner decide without writing anything.
func WithDryRun(dryRun bool) RunnerOption {
	return func(r *Runner) { r.dryRun = dryRun }
}

// NewRunner builds a Runner for a resolved configuration.
func NewRunner(cfg config.Config, logger hclog.Logger, opts ...RunnerOption) (*Runner, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	hasher, err := lib.NewHasher(cfg.HashAlgorithm)
	if err != nil {
		return nil, &config.ConfigError{Err: err}
	}
	if cfg.ArchiveFormat == "" {
		cfg.ArchiveFormat = lib.DefaultArchiveFormat
	}
	if _, err := lib.ArchiveExtension(cfg.ArchiveFormat); err != nil {
		return nil, &config.ConfigError{Err: err}
	}

	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		store:    lib.NewSnapshotStore(cfg.BackupsDir, logger.Named("store")),
		hasher:   hasher,
		archiver: lib.NewFileArchiver(),
		recorder: metrics.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Store returns the snapshot store the runner writes to.
func (r *Runner) Store() *lib.SnapshotStore {
	return r.store
}

func newRunID(now time.Time) string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return now.Format(lib.SnapshotTimeLayout)
	}
	return id.String()
}

// Run processes every configured target sequentially. Failures are isolated:
// they are logged and recorded in the report, and the next target is still
// processed.
func (r *Runner) Run(ctx context.Context) *Report {
	report := &Report{RunID: newRunID(r.now())}
	logger := r.logger.With("run_id", report.RunID)

	logger.Info("starting a new backup run", "targets", len(r.cfg.Targets), "dry_run", r.dryRun)
	if len(r.cfg.Targets) == 0 {
		logger.Warn("nothing to do, no targets configured")
	}

	for _, target := range r.cfg.Targets {
		start := time.Now()
		var res TargetResult
		if err := ctx.Err(); err != nil {
			res = TargetResult{Target: target, Outcome: OutcomeFailed, Err: err}
		} else {
			res = r.backupTarget(ctx, logger.With("target", target.Name), target)
		}
		r.recorder.TargetFinished(target.Name, res.Outcome.String(), time.Since(start))
		report.Results = append(report.Results, res)
	}

	logger.Info("finished", "targets", len(report.Results), "failed", report.Failed())
	return report
}

// backupTarget runs Enumerating, Hashing, Diffing and then either Skipping or
// Archiving and Persisting for one target.
func (r *Runner) backupTarget(ctx context.Context, logger hclog.Logger, target types.Target) TargetResult {
	res := TargetResult{Target: target, Outcome: OutcomeFailed}
	fail := func(err error) TargetResult {
		res.Err = err
		logger.Error("backup failed", "error", err)
		return res
	}

	logger.Info("processing target", "source", target.SourcePath)

	// 1. Enumerating
	info, err := os.Stat(target.SourcePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("source directory does not exist, skipping", "source", target.SourcePath)
			res.Outcome = OutcomeSourceMissing
			res.Err = ErrSourceMissing
			return res
		}
		return fail(fmt.Errorf("could not stat source: %w", err))
	}
	if !info.IsDir() {
		return fail(fmt.Errorf("source %s is not a directory", target.SourcePath))
	}

	// The walk does not descend into a symlinked root, so enumerate the
	// resolved directory. The manifest keeps the configured path.
	root, err := filepath.EvalSymlinks(target.SourcePath)
	if err != nil {
		return fail(fmt.Errorf("could not resolve source: %w", err))
	}

	rules, err := r.ignoreRules(root)
	if err != nil {
		return fail(fmt.Errorf("could not load ignore rules: %w", err))
	}
	files, err := findAllFiles(root, rules)
	if err != nil {
		return fail(fmt.Errorf("error finding files: %w", err))
	}

	// 2. Hashing
	logger.Debug("computing hashes", "files", len(files), "algorithm", r.hasher.Algorithm())
	current, err := hashFilesConcurrently(ctx, r.hasher, root, files, r.cfg.EffectiveWorkers())
	if err != nil {
		return fail(err)
	}
	r.recorder.FilesHashed(target.Name, len(current))

	// 3. Diffing
	logger.Debug("comparing with latest backup")
	previous, err := r.store.MostRecent(target.Name)
	if err != nil {
		return fail(fmt.Errorf("could not read previous snapshots: %w", err))
	}
	var prevManifest *types.Manifest
	prevID := ""
	if previous != nil {
		prevManifest = &previous.Manifest
		prevID = previous.ID.String()
		if alg := previous.Manifest.HashAlgorithm; alg != "" && alg != r.hasher.Algorithm() {
			logger.Warn("hash algorithm changed since the previous snapshot, every file will count as modified",
				"previous", alg, "current", r.hasher.Algorithm())
		}
	}
	diff := lib.Diff(current, prevManifest)
	res.Differences = diff

	// 4. Skipping
	if previous != nil && !diff.HasChanges() {
		logger.Info("the most recent backup is still up to date", "snapshot", prevID)
		res.Outcome = OutcomeUpToDate
		res.SnapshotID = prevID
		return res
	}
	logger.Info("changes detected",
		"added", len(diff.Added), "modified", len(diff.Modified), "removed", len(diff.Removed))

	if r.dryRun {
		logger.Info("dry run, not making a backup")
		res.Outcome = OutcomeWouldBackUp
		return res
	}

	// 5. Archiving
	id, err := r.store.NextID(target.Name, r.now())
	if err != nil {
		return fail(&ArchiveError{Err: fmt.Errorf("could not allocate snapshot id: %w", err)})
	}
	logger.Info("making a backup", "snapshot", id.String(), "format", r.cfg.ArchiveFormat)

	archivePath, err := r.archiver.Compress(ctx, lib.ArchiveRequest{
		SourceDir:       root,
		Files:           sortedKeys(current),
		Format:          r.cfg.ArchiveFormat,
		DestinationBase: r.store.ArchiveBase(target.Name, id),
	})
	if err != nil {
		return fail(&ArchiveError{Err: err})
	}
	logger.Debug("created archive", "path", archivePath)

	// 6. Persisting
	manifest := types.NewManifest(target.SourcePath, current, diff, prevID, r.hasher.Algorithm())
	manifestPath, err := r.store.Persist(target.Name, id, manifest)
	if err != nil {
		logger.Error("archive written but its metadata was not, the archive is orphaned", "archive", archivePath)
		return fail(&PersistError{ArchivePath: archivePath, Err: err})
	}
	logger.Debug("stored backup metadata", "path", manifestPath)

	now := r.now()
	r.recorder.ArchiveWritten(target.Name, lib.FileSize(archivePath), now)

	logger.Info("done", "snapshot", id.String())
	res.Outcome = OutcomeCreated
	res.SnapshotID = id.String()
	res.ArchivePath = archivePath
	return res
}

// ignoreRules loads the .backupignore of the resolved source root and keeps
// the backups directory out of the file set when it lives inside the source.
func (r *Runner) ignoreRules(root string) (*lib.IgnoreRules, error) {
	rules, err := lib.LoadIgnoreRules(root)
	if err != nil {
		return nil, err
	}
	if r.cfg.BackupsDir == "" {
		return rules, nil
	}
	backupsDir := r.cfg.BackupsDir
	if resolved, err := filepath.EvalSymlinks(backupsDir); err == nil {
		backupsDir = resolved
	}
	rel, err := filepath.Rel(root, backupsDir)
	if err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rules.Exclude(rel)
	}
	return rules, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
