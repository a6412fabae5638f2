package lib

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/denormal/go-gitignore"
)

// IgnoreFilename is the per-target file holding gitignore-style patterns.
const IgnoreFilename = ".backupignore"

// IgnoreRules decides which paths under a target root are left out of a
// backup. The zero value ignores nothing.
type IgnoreRules struct {
	matcher gitignore.GitIgnore
	// excluded are slash-separated relative directories that are always
	// skipped, such as a backups directory nested inside the source.
	excluded []string
}

// LoadIgnoreRules compiles root/.backupignore, if present, plus any extra
// patterns.
func LoadIgnoreRules(root string, extra ...string) (*IgnoreRules, error) {
	rawPatterns := append([]string{}, extra...)

	content, err := os.ReadFile(filepath.Join(root, IgnoreFilename))
	switch {
	case err == nil:
		rawPatterns = append(rawPatterns, strings.Split(string(content), "\n")...)
	case !os.IsNotExist(err):
		return nil, err
	}

	var finalPatterns []string
	for _, p := range rawPatterns {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		trimmed = strings.ReplaceAll(trimmed, "\\", "/")
		// The matcher only applies "dir/" to the directory itself, not to its
		// contents, so widen it.
		if strings.HasSuffix(trimmed, "/") && !strings.HasSuffix(trimmed, "**/") {
			trimmed += "**"
		}
		finalPatterns = append(finalPatterns, trimmed)
	}

	rules := &IgnoreRules{}
	if len(finalPatterns) == 0 {
		return rules, nil
	}
	rules.matcher = gitignore.New(
		strings.NewReader(strings.Join(finalPatterns, "\n")),
		root,
		// Skip malformed lines instead of failing the whole file.
		func(err gitignore.Error) bool { return true },
	)
	return rules, nil
}

// Exclude always skips the given directory (relative, slash-separated) and
// everything below it.
func (r *IgnoreRules) Exclude(relDir string) {
	relDir = strings.Trim(filepath.ToSlash(relDir), "/")
	if relDir != "" && relDir != "." {
		r.excluded = append(r.excluded, relDir)
	}
}

// Ignored reports whether rel (slash-separated, relative to the root) should
// be skipped.
func (r *IgnoreRules) Ignored(rel string, isDir bool) bool {
	if r == nil {
		return false
	}
	for _, dir := range r.excluded {
		if rel == dir || strings.HasPrefix(rel, dir+"/") {
			return true
		}
	}
	if r.matcher == nil {
		return false
	}
	match := r.matcher.Relative(rel, isDir)
	if match == nil {
		return false
	}
	return match.Ignore()
}
