package lib

import (
	"sort"

	"github.com/gingerrexayers/backup-go/internal/backup/types"
)

// Diff classifies every path of current against the files of the previous
// manifest. A nil previous means there is no history: every current path is
// added. All three lists are sorted and never nil.
func Diff(current map[string]string, previous *types.Manifest) types.Differences {
	diff := types.Differences{
		Added:    []string{},
		Modified: []string{},
		Removed:  []string{},
	}

	var prevFiles map[string]string
	if previous != nil {
		prevFiles = previous.Files
	}

	for path, hash := range current {
		prevHash, existed := prevFiles[path]
		switch {
		case !existed:
			diff.Added = append(diff.Added, path)
		case prevHash != hash:
			diff.Modified = append(diff.Modified, path)
		}
	}
	for path := range prevFiles {
		if _, ok := current[path]; !ok {
			diff.Removed = append(diff.Removed, path)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Modified)
	sort.Strings(diff.Removed)
	return diff
}
