package lib

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SnapshotTimeLayout is the wall-clock encoding used for snapshot stems.
const SnapshotTimeLayout = "2006-01-02T150405"

// SnapshotID identifies one snapshot of a target. Seq disambiguates two
// snapshots taken within the same second and is rendered as a _N suffix.
type SnapshotID struct {
	Time time.Time
	Seq  int
}

func (id SnapshotID) String() string {
	stem := id.Time.Format(SnapshotTimeLayout)
	if id.Seq > 0 {
		stem += "_" + strconv.Itoa(id.Seq)
	}
	return stem
}

// IsZero reports whether the id was never set.
func (id SnapshotID) IsZero() bool {
	return id.Time.IsZero()
}

// Less orders ids by timestamp, then by disambiguator.
func (id SnapshotID) Less(other SnapshotID) bool {
	if !id.Time.Equal(other.Time) {
		return id.Time.Before(other.Time)
	}
	return id.Seq < other.Seq
}

// ParseSnapshotID parses a stem produced by SnapshotID.String.
func ParseSnapshotID(stem string) (SnapshotID, error) {
	base, seqPart, hasSeq := strings.Cut(stem, "_")
	t, err := time.ParseInLocation(SnapshotTimeLayout, base, time.Local)
	if err != nil {
		return SnapshotID{}, fmt.Errorf("invalid snapshot id %q: %w", stem, err)
	}
	id := SnapshotID{Time: t}
	if hasSeq {
		seq, err := strconv.Atoi(seqPart)
		if err != nil || seq < 1 {
			return SnapshotID{}, fmt.Errorf("invalid snapshot id %q: bad disambiguator", stem)
		}
		id.Seq = seq
	}
	if id.String() != stem {
		return SnapshotID{}, fmt.Errorf("invalid snapshot id %q: not in canonical form", stem)
	}
	return id, nil
}

var metaMutex = &sync.Mutex{}

// stemTaken reports whether any file in dir already uses the given stem,
// either as a manifest, a finished archive, or a partial archive.
func stemTaken(dir, stem string) (bool, error) {
	matches, err := filepath.Glob(filepath.Join(dir, stem+".*"))
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

// latestStem returns the highest snapshot id used by any file in dir.
func latestStem(dir string) (SnapshotID, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return SnapshotID{}, false, err
	}
	var latest SnapshotID
	found := false
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		stem, _, _ := strings.Cut(name, ".")
		id, err := ParseSnapshotID(stem)
		if err != nil {
			continue
		}
		if !found || latest.Less(id) {
			latest, found = id, true
		}
	}
	return latest, found, nil
}

// NextID returns a snapshot id for the target that no existing file uses,
// creating the target's directory if needed. The plain timestamp is preferred;
// on collision the lowest free _N suffix is taken. Ids never sort before the
// target's latest snapshot, so a clock that steps back continues the latest
// second's sequence instead. This function is thread-safe within a process.
func (s *SnapshotStore) NextID(target string, now time.Time) (SnapshotID, error) {
	metaMutex.Lock()
	defer metaMutex.Unlock()

	dir := s.TargetDir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return SnapshotID{}, err
	}

	id := SnapshotID{Time: now.Truncate(time.Second)}
	latest, found, err := latestStem(dir)
	if err != nil {
		return SnapshotID{}, err
	}
	if found && !id.Time.After(latest.Time) {
		id = SnapshotID{Time: latest.Time, Seq: latest.Seq + 1}
	}
	for {
		taken, err := stemTaken(dir, id.String())
		if err != nil {
			return SnapshotID{}, err
		}
		if !taken {
			return id, nil
		}
		id.Seq++
	}
}
