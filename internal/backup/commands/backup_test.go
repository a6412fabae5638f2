package commands_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gingerrexayers/backup-go/internal/backup/commands"
	"github.com/gingerrexayers/backup-go/internal/backup/config"
	"github.com/gingerrexayers/backup-go/internal/backup/lib"
	"github.com/gingerrexayers/backup-go/internal/backup/types"
	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock hands out a fixed time that tests advance explicitly.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// failingArchiver never produces an archive.
type failingArchiver struct{}

func (failingArchiver) Compress(ctx context.Context, req lib.ArchiveRequest) (string, error) {
	return "", errors.New("disk full")
}

// racingArchiver writes the archive and then a foreign manifest under the same
// stem, as if another process got there first.
type racingArchiver struct{}

func (a racingArchiver) Compress(ctx context.Context, req lib.ArchiveRequest) (string, error) {
	path, err := lib.NewFileArchiver().Compress(ctx, req)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(req.DestinationBase+lib.ManifestExt, []byte(`{"top_level": "/elsewhere", "files": {}}`), 0644); err != nil {
		return "", err
	}
	return path, nil
}

type recordedRun struct {
	target  string
	outcome string
}

// fakeRecorder collects metric callbacks.
type fakeRecorder struct {
	mu       sync.Mutex
	finished []recordedRun
	hashed   map[string]int
	written  map[string]int64
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{hashed: map[string]int{}, written: map[string]int64{}}
}

func (r *fakeRecorder) TargetFinished(target, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, recordedRun{target, outcome})
}

func (r *fakeRecorder) FilesHashed(target string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashed[target] += n
}

func (r *fakeRecorder) ArchiveWritten(target string, bytes int64, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written[target] = bytes
}

type harness struct {
	t      *testing.T
	cfg    config.Config
	clock  *fakeClock
	logs   *bytes.Buffer
	logger hclog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logs := &bytes.Buffer{}
	return &harness{
		t: t,
		cfg: config.Config{
			ArchiveFormat: "zip",
			BackupsDir:    t.TempDir(),
			LoggingLevel:  "INFO",
			HashAlgorithm: "md5",
			Workers:       4,
		},
		clock:  newFakeClock(),
		logs:   logs,
		logger: hclog.New(&hclog.LoggerOptions{Output: logs, Level: hclog.Trace}),
	}
}

// addTarget creates a source directory with the given files and registers it.
func (h *harness) addTarget(name string, files map[string]string) string {
	h.t.Helper()
	root := filepath.Join(h.t.TempDir(), name)
	require.NoError(h.t, os.MkdirAll(root, 0755))
	for rel, content := range files {
		writeFile(h.t, root, rel, content)
	}
	target, err := types.NewTarget(name, root)
	require.NoError(h.t, err)
	h.cfg.Targets = append(h.cfg.Targets, target)
	return root
}

func (h *harness) run(opts ...commands.RunnerOption) *commands.Report {
	h.t.Helper()
	opts = append([]commands.RunnerOption{commands.WithClock(h.clock.Now)}, opts...)
	runner, err := commands.NewRunner(h.cfg, h.logger, opts...)
	require.NoError(h.t, err)
	return runner.Run(context.Background())
}

func (h *harness) store() *lib.SnapshotStore {
	return lib.NewSnapshotStore(h.cfg.BackupsDir, nil)
}

func (h *harness) snapshots(target string) []lib.SnapshotDetail {
	h.t.Helper()
	snaps, err := h.store().List(target)
	require.NoError(h.t, err)
	return snaps
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

func zipEntries(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		require.NoError(t, err)
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestFirstBackup(t *testing.T) {
	h := newHarness(t)
	root := h.addTarget("docs", map[string]string{"a.txt": "hello world", "sub/b.txt": "bravo"})

	report := h.run()

	require.Len(t, report.Results, 1)
	res := report.Results[0]
	require.NoError(t, res.Err)
	assert.Equal(t, commands.OutcomeCreated, res.Outcome)
	assert.NotEmpty(t, report.RunID)

	snaps := h.snapshots("docs")
	require.Len(t, snaps, 1)
	snap := snaps[0]
	assert.Equal(t, res.SnapshotID, snap.ID.String())
	assert.Equal(t, "2024-05-01T120000", snap.ID.String())
	assert.Equal(t, res.ArchivePath, snap.ArchivePath)
	assert.Equal(t, root, snap.Manifest.TopLevel)
	assert.Equal(t, map[string]string{
		"a.txt":     "5eb63bbbe01eeed093cb22bb8f5acdc3",
		"sub/b.txt": snap.Manifest.Files["sub/b.txt"],
	}, snap.Manifest.Files)
	assert.Len(t, snap.Manifest.Files["sub/b.txt"], 32)
	assert.Nil(t, snap.Manifest.Differences, "a first snapshot carries no differences block")
	assert.Empty(t, snap.Manifest.PreviousVersion)
	assert.Equal(t, "md5", snap.Manifest.HashAlgorithm)

	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, zipEntries(t, snap.ArchivePath))
}

func TestUnchangedSourceIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.addTarget("docs", map[string]string{"a.txt": "alpha"})

	first := h.run()
	require.Equal(t, commands.OutcomeCreated, first.Results[0].Outcome)

	h.clock.Advance(time.Hour)
	h.logs.Reset()
	second := h.run()

	res := second.Results[0]
	assert.Equal(t, commands.OutcomeUpToDate, res.Outcome)
	assert.Equal(t, first.Results[0].SnapshotID, res.SnapshotID)
	assert.Contains(t, h.logs.String(), "the most recent backup is still up to date")
	assert.Len(t, h.snapshots("docs"), 1)
}

func TestChangesProduceNewSnapshot(t *testing.T) {
	h := newHarness(t)
	root := h.addTarget("docs", map[string]string{"a.txt": "alpha", "sub/b.txt": "bravo", "keep.txt": "k"})

	first := h.run()
	require.Equal(t, commands.OutcomeCreated, first.Results[0].Outcome)

	writeFile(t, root, "a.txt", "alpha, edited")
	writeFile(t, root, "c.txt", "charlie")
	require.NoError(t, os.Remove(filepath.Join(root, "sub", "b.txt")))

	h.clock.Advance(time.Minute)
	second := h.run()
	res := second.Results[0]
	require.Equal(t, commands.OutcomeCreated, res.Outcome)

	snaps := h.snapshots("docs")
	require.Len(t, snaps, 2)
	latest := snaps[1]
	assert.Equal(t, res.SnapshotID, latest.ID.String())
	assert.Equal(t, first.Results[0].SnapshotID, latest.Manifest.PreviousVersion)
	require.NotNil(t, latest.Manifest.Differences)
	assert.Equal(t, types.Differences{
		Added:    []string{"c.txt"},
		Modified: []string{"a.txt"},
		Removed:  []string{"sub/b.txt"},
	}, *latest.Manifest.Differences)
	assert.Equal(t, []string{"a.txt", "c.txt", "keep.txt"}, zipEntries(t, latest.ArchivePath))

	// The earlier snapshot is untouched.
	assert.Equal(t, first.Results[0].SnapshotID, snaps[0].ID.String())
	assert.Contains(t, snaps[0].Manifest.Files, "sub/b.txt")
}

func TestSnapshotsWithinOneSecond(t *testing.T) {
	h := newHarness(t)
	root := h.addTarget("docs", map[string]string{"a.txt": "1"})

	first := h.run()
	writeFile(t, root, "a.txt", "2")
	second := h.run()
	writeFile(t, root, "a.txt", "3")
	third := h.run()

	assert.Equal(t, "2024-05-01T120000", first.Results[0].SnapshotID)
	assert.Equal(t, "2024-05-01T120000_1", second.Results[0].SnapshotID)
	assert.Equal(t, "2024-05-01T120000_2", third.Results[0].SnapshotID)

	latest, err := h.store().MostRecent("docs")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "2024-05-01T120000_2", latest.ID.String())
	assert.Equal(t, "2024-05-01T120000_1", latest.Manifest.PreviousVersion)
}

func TestClockStepBackKeepsOrder(t *testing.T) {
	h := newHarness(t)
	root := h.addTarget("docs", map[string]string{"a.txt": "v1"})

	first := h.run()
	require.Equal(t, "2024-05-01T120000", first.Results[0].SnapshotID)

	writeFile(t, root, "a.txt", "v2")
	h.clock.Advance(-time.Hour)
	second := h.run()
	res := second.Results[0]
	require.Equal(t, commands.OutcomeCreated, res.Outcome)
	assert.Equal(t, "2024-05-01T120000_1", res.SnapshotID)

	h.clock.Advance(time.Minute)
	third := h.run()
	assert.Equal(t, commands.OutcomeUpToDate, third.Results[0].Outcome)
	assert.Len(t, h.snapshots("docs"), 2)

	latest, err := h.store().MostRecent("docs")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "2024-05-01T120000_1", latest.ID.String())
	assert.Equal(t, "2024-05-01T120000", latest.Manifest.PreviousVersion)
}

func TestSymlinkedSource(t *testing.T) {
	h := newHarness(t)
	actual := t.TempDir()
	writeFile(t, actual, "a.txt", "alpha")
	writeFile(t, actual, "sub/b.txt", "bravo")
	link := filepath.Join(t.TempDir(), "docs")
	require.NoError(t, os.Symlink(actual, link))

	target, err := types.NewTarget("docs", link)
	require.NoError(t, err)
	h.cfg.Targets = append(h.cfg.Targets, target)

	report := h.run()
	res := report.Results[0]
	require.NoError(t, res.Err)
	require.Equal(t, commands.OutcomeCreated, res.Outcome)

	snaps := h.snapshots("docs")
	require.Len(t, snaps, 1)
	assert.Equal(t, link, snaps[0].Manifest.TopLevel)
	assert.ElementsMatch(t, []string{"a.txt", "sub/b.txt"}, keys(snaps[0].Manifest.Files))
	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, zipEntries(t, snaps[0].ArchivePath))

	h.clock.Advance(time.Hour)
	assert.Equal(t, commands.OutcomeUpToDate, h.run().Results[0].Outcome)
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestMissingSourceIsSkipped(t *testing.T) {
	h := newHarness(t)
	ghost, err := types.NewTarget("GHOST", filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	h.cfg.Targets = append(h.cfg.Targets, ghost)
	h.addTarget("docs", map[string]string{"a.txt": "alpha"})

	report := h.run()

	require.Len(t, report.Results, 2)
	assert.Equal(t, commands.OutcomeSourceMissing, report.Results[0].Outcome)
	assert.ErrorIs(t, report.Results[0].Err, commands.ErrSourceMissing)
	assert.Equal(t, commands.OutcomeCreated, report.Results[1].Outcome)
	assert.Equal(t, 0, report.Failed())

	assert.NoDirExists(t, filepath.Join(h.cfg.BackupsDir, "GHOST"))
	assert.Contains(t, h.logs.String(), "source directory does not exist, skipping")
}

// A vanished source must not be recorded as every file being removed.
func TestMissingSourceKeepsHistory(t *testing.T) {
	h := newHarness(t)
	root := h.addTarget("docs", map[string]string{"a.txt": "alpha"})
	require.Equal(t, commands.OutcomeCreated, h.run().Results[0].Outcome)

	require.NoError(t, os.RemoveAll(root))
	h.clock.Advance(time.Hour)
	report := h.run()

	assert.Equal(t, commands.OutcomeSourceMissing, report.Results[0].Outcome)
	assert.Len(t, h.snapshots("docs"), 1)
}

func TestSourceIsNotADirectory(t *testing.T) {
	h := newHarness(t)
	file := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	target, err := types.NewTarget("plain", file)
	require.NoError(t, err)
	h.cfg.Targets = append(h.cfg.Targets, target)

	report := h.run()
	assert.Equal(t, commands.OutcomeFailed, report.Results[0].Outcome)
	assert.Error(t, report.Results[0].Err)
	assert.Equal(t, 1, report.Failed())
}

func TestUnreadableFileAbortsTarget(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}
	h := newHarness(t)
	root := h.addTarget("docs", map[string]string{"a.txt": "alpha", "secret.txt": "s"})
	secret := filepath.Join(root, "secret.txt")
	require.NoError(t, os.Chmod(secret, 0000))
	t.Cleanup(func() { os.Chmod(secret, 0644) })
	h.addTarget("photos", map[string]string{"p.jpg": "pixels"})

	report := h.run()

	res := report.Results[0]
	assert.Equal(t, commands.OutcomeFailed, res.Outcome)
	var herr *commands.HashError
	require.ErrorAs(t, res.Err, &herr)
	assert.Equal(t, "secret.txt", herr.Path)
	assert.Empty(t, h.snapshots("docs"))
	assert.NoDirExists(t, filepath.Join(h.cfg.BackupsDir, "docs"))

	assert.Equal(t, commands.OutcomeCreated, report.Results[1].Outcome, "other targets still run")
}

func TestArchiveFailureWritesNoManifest(t *testing.T) {
	h := newHarness(t)
	h.addTarget("docs", map[string]string{"a.txt": "alpha"})

	report := h.run(commands.WithArchiver(failingArchiver{}))

	res := report.Results[0]
	assert.Equal(t, commands.OutcomeFailed, res.Outcome)
	var aerr *commands.ArchiveError
	require.ErrorAs(t, res.Err, &aerr)

	matches, err := filepath.Glob(filepath.Join(h.cfg.BackupsDir, "docs", "*"+lib.ManifestExt))
	require.NoError(t, err)
	assert.Empty(t, matches)

	// The next run starts from scratch rather than from a half-written snapshot.
	h.clock.Advance(time.Second)
	again := h.run()
	assert.Equal(t, commands.OutcomeCreated, again.Results[0].Outcome)
	assert.Len(t, h.snapshots("docs"), 1)
}

func TestPersistFailureLeavesExistingManifest(t *testing.T) {
	h := newHarness(t)
	h.addTarget("docs", map[string]string{"a.txt": "alpha"})

	report := h.run(commands.WithArchiver(racingArchiver{}))

	res := report.Results[0]
	assert.Equal(t, commands.OutcomeFailed, res.Outcome)
	var perr *commands.PersistError
	require.ErrorAs(t, res.Err, &perr)
	assert.ErrorIs(t, res.Err, lib.ErrSnapshotExists)
	assert.FileExists(t, perr.ArchivePath)

	snaps := h.snapshots("docs")
	require.Len(t, snaps, 1)
	assert.Equal(t, "/elsewhere", snaps[0].Manifest.TopLevel, "the existing manifest must not be replaced")
	assert.Contains(t, h.logs.String(), "the archive is orphaned")
}

func TestDryRunWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.addTarget("docs", map[string]string{"a.txt": "alpha"})

	report := h.run(commands.WithDryRun(true))

	res := report.Results[0]
	assert.Equal(t, commands.OutcomeWouldBackUp, res.Outcome)
	assert.Equal(t, []string{"a.txt"}, res.Differences.Added)

	entries, err := os.ReadDir(h.cfg.BackupsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEmptySourceIsBackedUpOnce(t *testing.T) {
	h := newHarness(t)
	h.addTarget("empty", nil)

	first := h.run()
	require.Equal(t, commands.OutcomeCreated, first.Results[0].Outcome)
	snaps := h.snapshots("empty")
	require.Len(t, snaps, 1)
	assert.Empty(t, snaps[0].Manifest.Files)

	h.clock.Advance(time.Hour)
	second := h.run()
	assert.Equal(t, commands.OutcomeUpToDate, second.Results[0].Outcome)
}

func TestBackupsDirInsideSource(t *testing.T) {
	h := newHarness(t)
	root := h.addTarget("home", map[string]string{"notes.txt": "n"})
	h.cfg.BackupsDir = filepath.Join(root, ".backups")

	first := h.run()
	require.Equal(t, commands.OutcomeCreated, first.Results[0].Outcome)

	h.clock.Advance(time.Hour)
	second := h.run()
	assert.Equal(t, commands.OutcomeUpToDate, second.Results[0].Outcome, "archives must not count as changes")

	snaps := h.snapshots("home")
	require.Len(t, snaps, 1)
	assert.Equal(t, map[string]string{"notes.txt": snaps[0].Manifest.Files["notes.txt"]}, snaps[0].Manifest.Files)
}

func TestIgnoreFileIsHonoured(t *testing.T) {
	h := newHarness(t)
	h.addTarget("src", map[string]string{
		lib.IgnoreFilename: "*.log\nbuild/\n",
		"main.go":          "package main",
		"debug.log":        "noise",
		"build/out.bin":    "binary",
	})

	report := h.run()
	require.Equal(t, commands.OutcomeCreated, report.Results[0].Outcome)

	snaps := h.snapshots("src")
	require.Len(t, snaps, 1)
	files := snaps[0].Manifest.Files
	assert.Contains(t, files, "main.go")
	assert.NotContains(t, files, "debug.log")
	assert.NotContains(t, files, "build/out.bin")
}

func TestHashAlgorithmChange(t *testing.T) {
	h := newHarness(t)
	h.addTarget("docs", map[string]string{"a.txt": "alpha"})
	require.Equal(t, commands.OutcomeCreated, h.run().Results[0].Outcome)

	h.cfg.HashAlgorithm = "sha256"
	h.clock.Advance(time.Hour)
	report := h.run()

	require.Equal(t, commands.OutcomeCreated, report.Results[0].Outcome)
	assert.Equal(t, []string{"a.txt"}, report.Results[0].Differences.Modified)
	assert.Contains(t, h.logs.String(), "hash algorithm changed")

	latest, err := h.store().MostRecent("docs")
	require.NoError(t, err)
	assert.Equal(t, "sha256", latest.Manifest.HashAlgorithm)
	assert.Len(t, latest.Manifest.Files["a.txt"], 64)
}

func TestArchiveFormats(t *testing.T) {
	for _, format := range lib.ArchiveFormats() {
		t.Run(format, func(t *testing.T) {
			h := newHarness(t)
			h.cfg.ArchiveFormat = format
			h.addTarget("docs", map[string]string{"a.txt": "alpha"})

			report := h.run()
			require.Equal(t, commands.OutcomeCreated, report.Results[0].Outcome)

			ext, err := lib.ArchiveExtension(format)
			require.NoError(t, err)
			snaps := h.snapshots("docs")
			require.Len(t, snaps, 1)
			assert.Equal(t, h.store().ArchiveBase("docs", snaps[0].ID)+ext, snaps[0].ArchivePath)
		})
	}
}

func TestRecorderSeesEveryTarget(t *testing.T) {
	h := newHarness(t)
	h.addTarget("docs", map[string]string{"a.txt": "alpha", "b.txt": "bravo"})
	ghost, err := types.NewTarget("ghost", filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	h.cfg.Targets = append(h.cfg.Targets, ghost)

	rec := newFakeRecorder()
	h.run(commands.WithRecorder(rec))

	assert.Equal(t, []recordedRun{{"docs", "created"}, {"ghost", "source-missing"}}, rec.finished)
	assert.Equal(t, 2, rec.hashed["docs"])
	assert.Positive(t, rec.written["docs"])
	assert.NotContains(t, rec.written, "ghost")
}

func TestCancelledRunFailsRemainingTargets(t *testing.T) {
	h := newHarness(t)
	h.addTarget("docs", map[string]string{"a.txt": "alpha"})
	h.addTarget("photos", map[string]string{"p.jpg": "pixels"})

	runner, err := commands.NewRunner(h.cfg, h.logger, commands.WithClock(h.clock.Now))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := runner.Run(ctx)
	require.Len(t, report.Results, 2)
	for _, res := range report.Results {
		assert.Equal(t, commands.OutcomeFailed, res.Outcome)
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
	entries, err := os.ReadDir(h.cfg.BackupsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNoTargets(t *testing.T) {
	h := newHarness(t)
	report := h.run()
	assert.Empty(t, report.Results)
	assert.Contains(t, h.logs.String(), "nothing to do, no targets configured")
}

func TestNewRunnerRejectsBadConfig(t *testing.T) {
	h := newHarness(t)

	h.cfg.ArchiveFormat = "rar"
	_, err := commands.NewRunner(h.cfg, nil)
	assert.True(t, config.IsConfigError(err), "got %v", err)

	h.cfg.ArchiveFormat = "zip"
	h.cfg.HashAlgorithm = "crc32"
	_, err = commands.NewRunner(h.cfg, nil)
	assert.True(t, config.IsConfigError(err), "got %v", err)
}

func TestOutcomeStrings(t *testing.T) {
	assert.Equal(t, "failed", commands.OutcomeFailed.String())
	assert.Equal(t, "created", commands.OutcomeCreated.String())
	assert.Equal(t, "up-to-date", commands.OutcomeUpToDate.String())
	assert.Equal(t, "source-missing", commands.OutcomeSourceMissing.String())
	assert.Equal(t, "would-back-up", commands.OutcomeWouldBackUp.String())
}
