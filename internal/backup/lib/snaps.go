package lib

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gingerrexayers/backup-go/internal/backup/types"
	"github.com/hashicorp/go-hclog"
)

// ManifestExt is the extension of manifest files.
const ManifestExt = ".json"

// ErrSnapshotExists is returned when persisting under an id that is taken.
var ErrSnapshotExists = errors.New("snapshot already exists")

// SnapshotDetail is a valid snapshot found on disk: a manifest plus the
// archive that shares its stem.
type SnapshotDetail struct {
	ID           SnapshotID
	Manifest     types.Manifest
	ManifestPath string
	ArchivePath  string
	ArchiveSize  int64
}

// SnapshotStore reads and writes manifests under backupsDir/<target>/.
type SnapshotStore struct {
	backupsDir string
	logger     hclog.Logger
}

// NewSnapshotStore returns a store rooted at backupsDir. A nil logger
// discards warnings about skipped files.
func NewSnapshotStore(backupsDir string, logger hclog.Logger) *SnapshotStore {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &SnapshotStore{backupsDir: backupsDir, logger: logger}
}

// BackupsDir returns the root directory of the store.
func (s *SnapshotStore) BackupsDir() string {
	return s.backupsDir
}

// TargetDir returns the namespace directory of one target.
func (s *SnapshotStore) TargetDir(target string) string {
	return filepath.Join(s.backupsDir, target)
}

// ManifestPath returns where the manifest for id is stored.
func (s *SnapshotStore) ManifestPath(target string, id SnapshotID) string {
	return filepath.Join(s.TargetDir(target), id.String()+ManifestExt)
}

// ArchiveBase returns the archive path for id without its extension.
func (s *SnapshotStore) ArchiveBase(target string, id SnapshotID) string {
	return filepath.Join(s.TargetDir(target), id.String())
}

// List reads all valid snapshots of a target and sorts them by id, oldest
// first. Files that cannot be parsed, and manifests whose archive is missing,
// are skipped.
func (s *SnapshotStore) List(target string) ([]SnapshotDetail, error) {
	dir := s.TargetDir(target)

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SnapshotDetail{}, nil // Never backed up. Not an error.
		}
		return nil, err
	}

	names := make(map[string]bool, len(dirEntries))
	for _, entry := range dirEntries {
		if !entry.IsDir() {
			names[entry.Name()] = true
		}
	}

	details := []SnapshotDetail{}
	for name := range names {
		if filepath.Ext(name) != ManifestExt || strings.HasPrefix(name, ".") {
			continue
		}
		stem := strings.TrimSuffix(name, ManifestExt)
		id, err := ParseSnapshotID(stem)
		if err != nil {
			s.logger.Warn("skipping file with unrecognized name", "target", target, "file", name)
			continue
		}

		archiveName := ""
		for _, ext := range ArchiveExtensions() {
			if names[stem+ext] {
				archiveName = stem + ext
				break
			}
		}
		if archiveName == "" {
			s.logger.Warn("skipping manifest without archive", "target", target, "snapshot", stem)
			continue
		}

		manifestPath := filepath.Join(dir, name)
		content, err := os.ReadFile(manifestPath)
		if err != nil {
			s.logger.Warn("could not read manifest", "target", target, "snapshot", stem, "error", err)
			continue
		}
		manifest, err := DecodeManifest(content)
		if err != nil {
			s.logger.Warn("could not parse manifest", "target", target, "snapshot", stem, "error", err)
			continue
		}

		archivePath := filepath.Join(dir, archiveName)
		details = append(details, SnapshotDetail{
			ID:           id,
			Manifest:     manifest,
			ManifestPath: manifestPath,
			ArchivePath:  archivePath,
			ArchiveSize:  FileSize(archivePath),
		})
	}

	sort.Slice(details, func(i, j int) bool {
		return details[i].ID.Less(details[j].ID)
	})
	return details, nil
}

// MostRecent returns the newest valid snapshot of a target, or nil when the
// target has never been backed up.
func (s *SnapshotStore) MostRecent(target string) (*SnapshotDetail, error) {
	snaps, err := s.List(target)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[len(snaps)-1]
	return &latest, nil
}

// Persist writes the manifest under id. It never replaces an existing
// manifest; the write is the commit point of a backup.
func (s *SnapshotStore) Persist(target string, id SnapshotID, manifest types.Manifest) (string, error) {
	if err := os.MkdirAll(s.TargetDir(target), 0755); err != nil {
		return "", err
	}
	content, err := EncodeManifest(manifest)
	if err != nil {
		return "", err
	}
	path := s.ManifestPath(target, id)
	if err := WriteFileExclusive(path, content, 0644); err != nil {
		if errors.Is(err, ErrExists) {
			return "", fmt.Errorf("%w: %s/%s", ErrSnapshotExists, target, id)
		}
		return "", err
	}
	return path, nil
}

// NormalizeManifest returns m in the canonical form produced by decoding:
// a non-nil files map, no differences block without changes, and non-nil,
// sorted difference lists.
func NormalizeManifest(m types.Manifest) types.Manifest {
	if m.Files == nil {
		m.Files = map[string]string{}
	}
	if m.Differences != nil {
		if !m.Differences.HasChanges() {
			m.Differences = nil
		} else {
			d := types.Differences{
				Added:    sortedCopy(m.Differences.Added),
				Modified: sortedCopy(m.Differences.Modified),
				Removed:  sortedCopy(m.Differences.Removed),
			}
			m.Differences = &d
		}
	}
	return m
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// EncodeManifest renders m as indented JSON.
func EncodeManifest(m types.Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(NormalizeManifest(m), "", "    ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecodeManifest parses JSON produced by EncodeManifest.
func DecodeManifest(data []byte) (types.Manifest, error) {
	var m types.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return types.Manifest{}, err
	}
	if m.TopLevel == "" {
		return types.Manifest{}, errors.New("manifest has no top_level")
	}
	return NormalizeManifest(m), nil
}
